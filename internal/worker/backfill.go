package worker

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/driftsync/engine/internal/changelog"
)

// BackfillExisting implements the `sync_existing_data` knob (default
// true): the first time change tracking is set up on a
// table that already has rows, those rows have no change-log history of
// their own. This records one synthetic version-1 INSERT entry per
// existing row so the aggregator and upload path see them like any other
// pending change. Runs at most once per table (ProcessedTables).
func (w *Worker) BackfillExisting(table string) error {
	done, err := changelog.IsTableBackfilled(w.db, table)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	cols, err := w.schema.ColumnNames(table)
	if err != nil {
		return fmt.Errorf("worker: backfill %s: columns: %w", table, err)
	}

	rows, err := w.db.Query(fmt.Sprintf(`SELECT %s FROM %s`, strings.Join(cols, ", "), table))
	if err != nil {
		return fmt.Errorf("worker: backfill %s: select: %w", table, err)
	}
	defer rows.Close()

	now := time.Now().UnixMilli()
	var entries []changelog.Entry
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("worker: backfill %s: scan: %w", table, err)
		}

		record := make(map[string]any, len(cols))
		var globalID string
		for i, c := range cols {
			record[c] = normalizeScanned(vals[i])
			if c == "global_id" {
				if s, ok := vals[i].(string); ok {
					globalID = s
				}
			}
		}
		if globalID == "" {
			continue // row has no global_id yet; SetupChangeTracking's backfill runs first
		}

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("worker: backfill %s: marshal row: %w", table, err)
		}

		entries = append(entries, changelog.Entry{
			TableName: table,
			RecordID:  globalID,
			Operation: changelog.OpInsert,
			Timestamp: now,
			Version:   1,
			Data:      changelog.ChangePayload{New: data},
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("worker: backfill %s: %w", table, err)
	}
	// Append only after the cursor is closed: it holds the pool's only connection.
	rows.Close()
	for _, e := range entries {
		if _, err := changelog.Append(w.db, e); err != nil {
			return fmt.Errorf("worker: backfill %s: append: %w", table, err)
		}
	}
	n := len(entries)

	if err := changelog.MarkTableBackfilled(w.db, table); err != nil {
		return err
	}
	if n > 0 {
		w.queue.AddLocal(table, changelog.OpInsert)
	}
	return nil
}

// normalizeScanned converts database/sql's scanned []byte values (common
// for TEXT columns under some driver/column-type combinations) to string
// so the JSON payload matches what the trigger-generated log rows look
// like.
func normalizeScanned(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
