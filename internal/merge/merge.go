// Package merge implements the Merge Engine: reconciles local and remote
// changes that touch the same (table, record) pair under a configurable
// conflict strategy.
package merge

import (
	"errors"
	"fmt"
	"sort"

	"github.com/driftsync/engine/internal/changelog"
)

// ConflictError is raised by a custom resolver that cannot produce a
// merged result for a record. When it escapes the resolver, the change
// is skipped (nothing is emitted for that key) and the conflict is
// still reported via telemetry.
type ConflictError struct {
	EntityID   string
	EntityType string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge: unresolvable conflict for %s/%s", e.EntityType, e.EntityID)
}

// Strategy selects how a conflicting (table, record_id) pair is
// resolved.
type Strategy string

const (
	LastWriteWins Strategy = "last_write_wins"
	ServerWins    Strategy = "server_wins"
	ClientWins    Strategy = "client_wins"
	Custom        Strategy = "custom"
)

// Source distinguishes which side of a merge a Change came from.
type Source int

const (
	SourceLocal Source = iota
	SourceRemote
)

// Change is the common shape the Merge Engine operates over, covering
// both locally-aggregated changes and downloaded remote changes.
type Change struct {
	Table     string
	RecordID  string
	Operation changelog.Operation
	Timestamp int64
	Version   int64
	Data      changelog.ChangePayload
	Source    Source
	// RemoteID is the server-assigned change id, set only for
	// Source == SourceRemote; used as the ordering tie-break among
	// server changes.
	RemoteID string
}

// Resolver resolves a conflict under Strategy == Custom. It must return a
// Change conforming to the same shape as its inputs.
type Resolver func(local, remote Change) (Change, error)

// ConflictEvent is reported once per conflicting key, win or lose.
type ConflictEvent struct {
	Strategy      Strategy
	Local         Change
	Remote        Change
	Winner        Change
	SyncSessionID string
}

// OnConflict receives one ConflictEvent per resolved conflict; the worker
// forwards these to the network client as telemetry.
type OnConflict func(ConflictEvent)

// Merge reconciles local and remote changes under strategy, invoking
// onConflict once per key that had more than one contending change. It
// returns the union of passthrough (non-conflicting) changes and
// resolved winners; ties among remote changes are ordered by
// (timestamp, RemoteID).
func Merge(local, remote []Change, syncSessionID string, strategy Strategy, resolver Resolver, onConflict OnConflict) ([]Change, error) {
	byKey := make(map[key][]Change)
	var order []key

	for _, c := range local {
		c.Source = SourceLocal
		k := key{c.Table, c.RecordID}
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], c)
	}
	for _, c := range remote {
		c.Source = SourceRemote
		k := key{c.Table, c.RecordID}
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], c)
	}

	var out []Change
	for _, k := range order {
		changes := byKey[k]
		if len(changes) == 1 {
			out = append(out, changes[0])
			continue
		}

		local, remote := representatives(changes)
		winner, err := resolve(strategy, changes, local, remote, resolver)
		if err != nil {
			var ce *ConflictError
			if errors.As(err, &ce) {
				// The resolver declared the record unresolvable: skip it,
				// but still surface the conflict as telemetry.
				if onConflict != nil {
					onConflict(ConflictEvent{
						Strategy:      strategy,
						Local:         local,
						Remote:        remote,
						SyncSessionID: syncSessionID,
					})
				}
				continue
			}
			return nil, fmt.Errorf("merge: resolve %s/%s: %w", k.table, k.record, err)
		}
		if onConflict != nil {
			onConflict(ConflictEvent{
				Strategy:      strategy,
				Local:         local,
				Remote:        remote,
				Winner:        winner,
				SyncSessionID: syncSessionID,
			})
		}
		out = append(out, winner)
	}

	sortRemoteTies(out)
	return out, nil
}

type key struct {
	table  string
	record string
}

// representatives picks the first local-sourced and first remote-sourced
// entry for a key, ties broken by order of appearance (already
// guaranteed by the caller's stable append order).
func representatives(changes []Change) (local, remote Change) {
	for _, c := range changes {
		if c.Source == SourceLocal && local.Table == "" {
			local = c
		}
		if c.Source == SourceRemote && remote.Table == "" {
			remote = c
		}
	}
	if local.Table == "" {
		local = changes[0]
	}
	if remote.Table == "" {
		remote = changes[len(changes)-1]
	}
	return local, remote
}

func resolve(strategy Strategy, changes []Change, local, remote Change, resolver Resolver) (Change, error) {
	switch strategy {
	case LastWriteWins:
		return lastWrite(changes), nil
	case ServerWins:
		return remote, nil
	case ClientWins:
		return local, nil
	case Custom:
		if resolver == nil {
			return Change{}, fmt.Errorf("custom strategy selected with no resolver configured")
		}
		return resolver(local, remote)
	default:
		return Change{}, fmt.Errorf("unknown merge strategy %q", strategy)
	}
}

// lastWrite picks the highest-timestamp entry across the whole contender
// list. Equal timestamps fall through to a lexicographic comparison of
// the payload bytes — a total order every device computes identically,
// so two devices resolving the same tie converge on the same state.
func lastWrite(changes []Change) Change {
	winner := changes[0]
	for _, c := range changes[1:] {
		if c.Timestamp > winner.Timestamp {
			winner = c
			continue
		}
		if c.Timestamp == winner.Timestamp && payloadKey(c) > payloadKey(winner) {
			winner = c
		}
	}
	return winner
}

func payloadKey(c Change) string {
	return string(c.Data.New) + "\x00" + string(c.Data.Old)
}

// sortRemoteTies orders the output so that among entries sourced from
// remote, ties are broken by (Timestamp, RemoteID).
// Local-only passthroughs and resolved winners retain the engine's
// original key-discovery order relative to each other; any two remote
// entries are ordered by Timestamp first, with RemoteID deciding only
// between equal timestamps.
func sortRemoteTies(changes []Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if a.Source != SourceRemote || b.Source != SourceRemote {
			return false
		}
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return a.RemoteID < b.RemoteID
	})
}
