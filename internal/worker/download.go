package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"time"

	"github.com/driftsync/engine/internal/changelog"
	"github.com/driftsync/engine/internal/merge"
	"github.com/driftsync/engine/internal/netclient"
	"github.com/driftsync/engine/internal/notifier"
	"github.com/driftsync/engine/internal/syncqueue"
)

// downloadPath fetches remote changes since the last watermark, drops
// anything already processed (idempotency), runs the Merge Engine
// against any locally-pending changes to the same records, applies the
// result with triggers suppressed, and advances the watermark. The
// watermark advances on every successful download, including a
// zero-change result, so it is monotonically non-decreasing.
func (w *Worker) downloadPath(ctx context.Context) error {
	device, err := changelog.GetDeviceState(w.db, w.cfg.DeviceID)
	if err != nil {
		return err
	}
	since := device.LastDownloadTimestamp

	if since == 0 && w.cfg.SnapshotThreshold > 0 {
		if err := w.tryBootstrapSnapshot(ctx); err != nil {
			slog.Warn("worker: snapshot bootstrap failed, falling back to incremental download", "err", err)
		} else if device, err = changelog.GetDeviceState(w.db, w.cfg.DeviceID); err == nil {
			since = device.LastDownloadTimestamp
		}
	}

	result, err := w.net.DownloadChanges(ctx, since)
	if err != nil {
		w.obs.RecordDownload(false)
		return err
	}
	w.obs.RecordDownload(true)

	fresh := make([]netclient.WireChange, 0, len(result.Changes))
	for _, c := range result.Changes {
		processed, err := changelog.IsProcessed(w.db, remoteID(c.ChangeID))
		if err != nil {
			return err
		}
		if !processed {
			fresh = append(fresh, c)
		}
	}

	if len(fresh) == 0 {
		if err := changelog.SetLastDownload(w.db, w.cfg.DeviceID, result.Timestamp); err != nil {
			return err
		}
		w.queue.ClearRemoteChanges()
		w.queue.MarkDownloadProcessed()
		return nil
	}

	w.queue.AddRemoteChanges(bufferChanges(fresh))

	localChanges, err := w.conflictingLocalChanges(fresh)
	if err != nil {
		return err
	}

	remoteChanges := make([]merge.Change, len(fresh))
	for i, c := range fresh {
		remoteChanges[i] = merge.Change{
			Table:     c.TableName,
			RecordID:  c.RecordID,
			Operation: c.Operation,
			Timestamp: c.Timestamp,
			Version:   c.Version,
			Data:      c.Data,
			RemoteID:  remoteID(c.ChangeID),
		}
	}

	merged, err := merge.Merge(localChanges, remoteChanges, result.SyncSessionID, w.cfg.ConflictStrategy, w.cfg.CustomResolver,
		func(ev merge.ConflictEvent) { w.reportConflict(ctx, ev) })
	if err != nil {
		return err
	}

	affectedTables := tablesOf(merged)
	if err := w.schema.DisableTriggers(affectedTables); err != nil {
		return err
	}
	applyErr := w.applyMerged(merged)
	if err := w.schema.EnableTriggers(affectedTables); err != nil {
		slog.Error("worker: re-enable triggers after apply", "err", err)
	}
	if applyErr != nil {
		return applyErr
	}

	watermark := result.Timestamp
	if watermark == 0 {
		watermark = time.Now().UnixMilli()
	}
	if err := changelog.SetLastDownload(w.db, w.cfg.DeviceID, watermark); err != nil {
		return err
	}
	w.queue.ClearRemoteChanges()
	w.queue.MarkDownloadProcessed()

	for _, t := range affectedTables {
		w.notify.Notify(notifier.Event{Table: t, TriggerSync: false})
	}
	return nil
}

func remoteID(changeID int64) string { return strconv.FormatInt(changeID, 10) }

// bufferChanges mirrors the incoming batch into the Sync Queue's
// remote-change buffer, so anything inspecting the queue mid-cycle (a
// crash-time log line, a status endpoint) sees what is being applied.
// The buffer is cleared once application finishes.
func bufferChanges(fresh []netclient.WireChange) []syncqueue.RemoteChange {
	out := make([]syncqueue.RemoteChange, len(fresh))
	for i, c := range fresh {
		out[i] = syncqueue.RemoteChange{
			ChangeID:  remoteID(c.ChangeID),
			Table:     c.TableName,
			RecordID:  c.RecordID,
			Operation: c.Operation,
			Timestamp: c.Timestamp,
			Version:   c.Version,
			Data:      c.Data,
		}
	}
	return out
}

// conflictingLocalChanges loads, per table, the local change-log entries
// that can contend with the incoming remote batch's (table, record_id)
// pairs: every pending (synced=0) entry for a matched record, plus — for
// records with nothing pending — the latest already-uploaded entry when
// its timestamp makes it eligible to win. The second group covers the
// upload-then-download window inside a single cycle, where a concurrent
// local edit has just been marked synced and would otherwise slip past
// conflict detection entirely, letting an older remote edit overwrite a
// newer local one.
func (w *Worker) conflictingLocalChanges(remote []netclient.WireChange) ([]merge.Change, error) {
	recordsByTable := map[string]map[string]bool{}
	maxRemoteTS := map[string]int64{}
	for _, c := range remote {
		if recordsByTable[c.TableName] == nil {
			recordsByTable[c.TableName] = map[string]bool{}
		}
		recordsByTable[c.TableName][c.RecordID] = true
		key := c.TableName + "\x00" + c.RecordID
		if c.Timestamp > maxRemoteTS[key] {
			maxRemoteTS[key] = c.Timestamp
		}
	}

	var out []merge.Change
	for table, records := range recordsByTable {
		pending, err := changelog.Pending(w.db, table)
		if err != nil {
			return nil, err
		}
		hasPending := map[string]bool{}
		for _, e := range pending {
			if records[e.RecordID] {
				hasPending[e.RecordID] = true
				out = append(out, localChange(e))
			}
		}
		for record := range records {
			if hasPending[record] {
				continue
			}
			e, ok, err := changelog.LatestFor(w.db, table, record)
			if err != nil {
				return nil, err
			}
			if !ok || e.Synced != changelog.Uploaded {
				continue
			}
			if e.Timestamp >= maxRemoteTS[table+"\x00"+record] {
				out = append(out, localChange(e))
			}
		}
	}
	return out, nil
}

func localChange(e changelog.Entry) merge.Change {
	return merge.Change{
		Table:     e.TableName,
		RecordID:  e.RecordID,
		Operation: e.Operation,
		Timestamp: e.Timestamp,
		Version:   e.Version,
		Data:      e.Data,
	}
}

func (w *Worker) reportConflict(ctx context.Context, ev merge.ConflictEvent) {
	table := ev.Remote.Table
	if table == "" {
		table = ev.Local.Table
	}
	w.obs.RecordConflict(string(ev.Strategy))
	w.net.ReportConflict(ctx, table, ev.Remote.RecordID, string(ev.Strategy), ev.Local.Data, ev.Remote.Data, ev.Winner.Data, ev.SyncSessionID)
}

func tablesOf(changes []merge.Change) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range changes {
		if !seen[c.Table] {
			seen[c.Table] = true
			out = append(out, c.Table)
		}
	}
	return out
}

// ChangeProcessingError reports merged changes that could not be applied
// locally. The failed changes were never marked in ProcessedChanges and
// the download watermark did not advance, so the next cycle reattempts
// them; everything else in the batch committed normally.
type ChangeProcessingError struct {
	FailedChanges []merge.Change
}

func (e *ChangeProcessingError) Error() string {
	return fmt.Sprintf("worker: %d merged changes failed to apply", len(e.FailedChanges))
}

// applyMerged applies each merged change inside a single transaction:
// INSERT/UPDATE become an upsert keyed by global_id, DELETE removes the
// row by global_id. Every remote-sourced change's id is recorded in
// ProcessedChanges alongside its data mutation, so a crash mid-apply
// rolls back both together. A change that fails to apply is skipped —
// left out of ProcessedChanges so it is reattempted — and the rest of
// the batch continues.
func (w *Worker) applyMerged(changes []merge.Change) error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("worker: begin apply transaction: %w", err)
	}
	defer tx.Rollback()

	var failed []merge.Change
	for _, c := range changes {
		if err := w.applyOne(tx, c); err != nil {
			slog.Error("worker: apply merged change failed, continuing", "table", c.Table, "record", c.RecordID, "err", err)
			failed = append(failed, c)
			continue
		}
		w.obs.RecordApplied(c.Table)
		if c.RemoteID != "" {
			if err := changelog.MarkProcessed(tx, c.RemoteID); err != nil {
				return fmt.Errorf("worker: mark processed %s: %w", c.RemoteID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("worker: commit apply transaction: %w", err)
	}
	if len(failed) > 0 {
		return &ChangeProcessingError{FailedChanges: failed}
	}
	return nil
}

func (w *Worker) applyOne(tx *sql.Tx, c merge.Change) error {
	if c.Operation == changelog.OpDelete {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE global_id = ?`, c.Table), c.RecordID); err != nil {
			return fmt.Errorf("worker: apply delete %s/%s: %w", c.Table, c.RecordID, err)
		}
		return nil
	}
	return w.upsert(tx, c)
}

func decodeFields(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("worker: empty payload")
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("worker: unmarshal payload: %w", err)
	}
	return fields, nil
}

// diffFields returns the fields present in current that are new or
// changed relative to previous, plus any field previous had that
// current dropped (mapped to nil).
func diffFields(previous, current map[string]any) map[string]any {
	changed := map[string]any{}
	for k, v := range current {
		if old, ok := previous[k]; !ok || !reflect.DeepEqual(old, v) {
			changed[k] = v
		}
	}
	for k := range previous {
		if _, ok := current[k]; !ok {
			changed[k] = nil
		}
	}
	return changed
}

func filterKnownColumns(table string, fields map[string]any, knownCols map[string]bool) map[string]any {
	out := map[string]any{}
	for k, v := range fields {
		if knownCols[k] {
			out[k] = v
			continue
		}
		slog.Debug("worker: dropping unknown column on apply", "table", table, "column", k)
	}
	return out
}
