// Package aggregator implements the Change Aggregator: it collapses a
// table's pending change-log entries into the minimal set of changes that
// reproduce the same final state, per record.
package aggregator

import (
	"github.com/driftsync/engine/internal/changelog"
)

// Result is the output of collapsing one table's pending entries.
type Result struct {
	// Changes is the optimized, transmit-ready set, one per record that
	// still needs to be sent (records fully eliminated by an
	// INSERT-then-DELETE sequence are absent).
	Changes []changelog.Entry
	// ConsumedIDs lists every original change-log row id that fed into
	// producing Changes, including ones for eliminated records — the
	// caller marks all of them synced/pruned once the batch is handled.
	ConsumedIDs []int64
}

// Collapse groups entries (already ordered by (record_id, timestamp ASC),
// the order changelog.Pending returns) by RecordID and applies the
// per-record collapse rules:
//
//   - single entry: unchanged
//   - INSERT ... DELETE: eliminated entirely
//   - INSERT, UPDATE+: a single INSERT whose data.new is the final new,
//     version and timestamp inherited from the last entry
//   - UPDATE, UPDATE+: a single UPDATE with data.old from the first entry
//     and data.new from the last
//   - anything else: the last entry as-is
func Collapse(entries []changelog.Entry) Result {
	groups := groupByRecord(entries)

	var res Result
	for _, g := range groups {
		res.ConsumedIDs = append(res.ConsumedIDs, idsOf(g)...)
		if collapsed, ok := collapseGroup(g); ok {
			res.Changes = append(res.Changes, collapsed)
		}
	}
	return res
}

// groupByRecord splits entries into per-record runs, preserving input
// order within each run. Input must already be grouped contiguously by
// record_id (true of changelog.Pending's ORDER BY record_id, timestamp).
func groupByRecord(entries []changelog.Entry) [][]changelog.Entry {
	var groups [][]changelog.Entry
	var cur []changelog.Entry
	var curID string
	first := true
	for _, e := range entries {
		if first || e.RecordID != curID {
			if len(cur) > 0 {
				groups = append(groups, cur)
			}
			cur = nil
			curID = e.RecordID
			first = false
		}
		cur = append(cur, e)
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

func idsOf(g []changelog.Entry) []int64 {
	ids := make([]int64, len(g))
	for i, e := range g {
		ids[i] = e.ID
	}
	return ids
}

// collapseGroup applies the rule table to a single record's run of
// entries. ok is false when the record is fully eliminated.
func collapseGroup(g []changelog.Entry) (changelog.Entry, bool) {
	if len(g) == 1 {
		return g[0], true
	}

	first := g[0]
	last := g[len(g)-1]

	if last.Operation == changelog.OpDelete {
		if first.Operation == changelog.OpInsert {
			return changelog.Entry{}, false
		}
		return last, true
	}

	if first.Operation == changelog.OpInsert && allUpdatesAfterFirst(g) {
		out := last
		out.Operation = changelog.OpInsert
		out.Data = changelog.ChangePayload{New: last.Data.New}
		return out, true
	}

	if first.Operation == changelog.OpUpdate && allUpdatesAfterFirst(g) {
		out := last
		out.Operation = changelog.OpUpdate
		out.Data = changelog.ChangePayload{Old: first.Data.Old, New: last.Data.New}
		return out, true
	}

	return last, true
}

func allUpdatesAfterFirst(g []changelog.Entry) bool {
	for _, e := range g[1:] {
		if e.Operation != changelog.OpUpdate {
			return false
		}
	}
	return true
}
