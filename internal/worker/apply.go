package worker

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/driftsync/engine/internal/changelog"
	"github.com/driftsync/engine/internal/merge"
)

// upsert applies an INSERT or UPDATE change to table, keyed by global_id.
// An UPDATE whose payload carries both Old and New attempts a
// partial-field diff update touching only the changed columns first,
// since that composes better with a concurrent local edit to a different
// column of the same row than a blind full-row replace. It falls back to
// a full upsert whenever the diff is empty, the row doesn't exist yet, or
// the payload can't be decoded.
func (w *Worker) upsert(tx *sql.Tx, c merge.Change) error {
	// Read the columns through tx: it holds the pool's only connection.
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", c.Table))
	if err != nil {
		return fmt.Errorf("worker: upsert %s/%s: columns: %w", c.Table, c.RecordID, err)
	}
	known := make(map[string]bool)
	for rows.Next() {
		var cid, notNull, pk int
		var name, typ string
		var dflt any
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("worker: upsert %s/%s: columns: %w", c.Table, c.RecordID, err)
		}
		known[name] = true
	}
	rows.Close()

	if c.Operation == changelog.OpUpdate && len(c.Data.Old) > 0 {
		if applied, err := w.tryPartialUpdate(tx, c, known); err != nil {
			return err
		} else if applied {
			return nil
		}
	}

	return w.fullUpsert(tx, c, known)
}

func (w *Worker) tryPartialUpdate(tx *sql.Tx, c merge.Change, known map[string]bool) (bool, error) {
	prev, err := decodeFields(c.Data.Old)
	if err != nil {
		return false, nil // fall back to full upsert
	}
	next, err := decodeFields(c.Data.New)
	if err != nil {
		return false, nil
	}

	changed := filterKnownColumns(c.Table, diffFields(prev, next), known)
	delete(changed, "global_id")
	if len(changed) == 0 {
		return false, nil
	}

	cols := make([]string, 0, len(changed))
	for k := range changed {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	sets := make([]string, len(cols))
	vals := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		sets[i] = col + " = ?"
		vals = append(vals, changed[col])
	}
	vals = append(vals, c.RecordID)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE global_id = ?`, c.Table, strings.Join(sets, ", "))
	res, err := tx.Exec(query, vals...)
	if err != nil {
		return false, nil // fall back to full upsert
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, nil
	}
	return true, nil
}

func (w *Worker) fullUpsert(tx *sql.Tx, c merge.Change, known map[string]bool) error {
	fields, err := decodeFields(c.Data.New)
	if err != nil {
		return fmt.Errorf("worker: upsert %s/%s: %w", c.Table, c.RecordID, err)
	}
	fields = filterKnownColumns(c.Table, fields, known)
	fields["global_id"] = c.RecordID

	cols := make([]string, 0, len(fields))
	for k := range fields {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	// Try UPDATE-by-global_id first — global_id carries no uniqueness
	// guarantee at the schema level (it's an ordinary indexed column, not
	// a primary key), so a literal INSERT OR REPLACE can't rely on a
	// conflict target. Only INSERT a fresh row when no existing row
	// matched.
	sets := make([]string, 0, len(cols))
	updateVals := make([]any, 0, len(cols)+1)
	for _, col := range cols {
		if col == "global_id" {
			continue
		}
		sets = append(sets, col+" = ?")
		updateVals = append(updateVals, fields[col])
	}
	if len(sets) > 0 {
		updateVals = append(updateVals, c.RecordID)
		query := fmt.Sprintf(`UPDATE %s SET %s WHERE global_id = ?`, c.Table, strings.Join(sets, ", "))
		res, err := tx.Exec(query, updateVals...)
		if err == nil {
			if n, _ := res.RowsAffected(); n > 0 {
				return nil
			}
		}
	}

	placeholders := make([]string, len(cols))
	insertVals := make([]any, len(cols))
	for i, col := range cols {
		placeholders[i] = "?"
		insertVals[i] = fields[col]
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, c.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := tx.Exec(query, insertVals...); err != nil {
		return fmt.Errorf("worker: insert %s/%s: %w", c.Table, c.RecordID, err)
	}
	return nil
}

// tryBootstrapSnapshot consumes an optional server-prepared bootstrap
// snapshot when this device has never downloaded anything yet. The
// snapshot body is a batch of SQL statements the server prepared for
// direct execution against a fresh local database; building it is the
// server's concern, this client only knows how to apply one. A nil
// result (no snapshot available) is not an error — the caller falls
// back to a normal incremental download from since=0.
func (w *Worker) tryBootstrapSnapshot(ctx context.Context) error {
	snap, err := w.net.GetSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	if _, err := w.db.ExecContext(ctx, string(snap.Data)); err != nil {
		return fmt.Errorf("worker: apply snapshot: %w", err)
	}
	return changelog.SetLastDownload(w.db, w.cfg.DeviceID, snap.WatermarkTimestamp)
}
