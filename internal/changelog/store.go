package changelog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
)

// System table and index names. Reserved — user tables must never use
// this prefix (see internal/schema for the detection rule that relies on
// it).
const (
	TableChanges          = "__sync_changes"
	TableVersion          = "__sync_version"
	TableDeviceState      = "__sync_device_state"
	TableProcessedChanges = "__sync_processed_changes"
	TableProcessedTables  = "__sync_processed_tables"
	TableTriggerBackup    = "__sync_trigger_backup"
)

// Store is the Change Log Store: durable append-only mutation history plus
// the singleton bookkeeping tables it shares a schema lifecycle with.
type Store struct {
	db *sql.DB
}

// New wraps an already-open database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the system tables and their indexes if absent.
func (s *Store) Init() error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name TEXT NOT NULL,
			record_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			version INTEGER NOT NULL,
			data TEXT NOT NULL,
			synced INTEGER NOT NULL DEFAULT 0
		)`, TableChanges),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_sync_changes_synced ON %s(synced)`, TableChanges),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_sync_changes_version ON %s(table_name, record_id, version)`, TableChanges),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_sync_changes_timestamp ON %s(timestamp)`, TableChanges),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_sync_changes_table ON %s(table_name)`, TableChanges),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_sync_changes_record ON %s(record_id)`, TableChanges),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key INTEGER PRIMARY KEY CHECK (key = 1),
			version TEXT NOT NULL,
			last_reset_timestamp INTEGER NOT NULL DEFAULT 0
		)`, TableVersion),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			device_id TEXT PRIMARY KEY,
			last_upload_timestamp INTEGER NOT NULL DEFAULT 0,
			last_download_timestamp INTEGER NOT NULL DEFAULT 0,
			last_sync_status TEXT NOT NULL DEFAULT '',
			last_cleanup_timestamp INTEGER NOT NULL DEFAULT 0
		)`, TableDeviceState),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			change_id TEXT PRIMARY KEY
		)`, TableProcessedChanges),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			table_name TEXT PRIMARY KEY
		)`, TableProcessedTables),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			table_name TEXT PRIMARY KEY,
			trigger_sql TEXT NOT NULL
		)`, TableTriggerBackup),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("changelog: init: %w", err)
		}
	}
	return nil
}

// NextVersion returns the version the next log entry for (table, recordID)
// should carry: the maximum existing version for that record, plus one.
func NextVersion(q Queryer, table, recordID string) (int64, error) {
	var max sql.NullInt64
	err := q.QueryRow(
		fmt.Sprintf(`SELECT MAX(version) FROM %s WHERE table_name = ? AND record_id = ?`, TableChanges),
		table, recordID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("changelog: next version: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

// Queryer is satisfied by both *sql.DB and *sql.Tx, so store helpers can
// run either standalone or as part of a caller's transaction (triggers
// always run inside the writer's own transaction).
type Queryer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Append inserts a new change-log entry and returns its id.
func Append(q Queryer, e Entry) (int64, error) {
	data, err := marshalPayload(e.Data)
	if err != nil {
		return 0, fmt.Errorf("changelog: append: marshal payload: %w", err)
	}
	res, err := q.Exec(
		fmt.Sprintf(`INSERT INTO %s (table_name, record_id, operation, timestamp, version, data, synced)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, TableChanges),
		e.TableName, e.RecordID, string(e.Operation), e.Timestamp, e.Version, data, int(StatePending),
	)
	if err != nil {
		return 0, fmt.Errorf("changelog: append: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("changelog: append: last insert id: %w", err)
	}
	return id, nil
}

// Pending returns all synced=0 rows for a table, ordered by
// (record_id, timestamp ASC) — the order the Change Aggregator requires.
func Pending(q Queryer, table string) ([]Entry, error) {
	rows, err := q.Query(
		fmt.Sprintf(`SELECT id, table_name, record_id, operation, timestamp, version, data, synced
			FROM %s WHERE table_name = ? AND synced = ? ORDER BY record_id, timestamp ASC`, TableChanges),
		table, int(StatePending),
	)
	if err != nil {
		return nil, fmt.Errorf("changelog: pending: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var op string
		var data string
		var synced int
		if err := rows.Scan(&e.ID, &e.TableName, &e.RecordID, &op, &e.Timestamp, &e.Version, &data, &synced); err != nil {
			return nil, fmt.Errorf("changelog: scan: %w", err)
		}
		e.Operation = Operation(op)
		e.Synced = SyncState(synced)
		payload, err := unmarshalPayload(data)
		if err != nil {
			slog.Warn("changelog: corrupt entry payload, isolating", "id", e.ID, "table", e.TableName, "err", err)
			continue
		}
		e.Data = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestFor returns the most recent non-pruned entry for (table,
// recordID), whether still pending or already uploaded. The download
// path uses it to detect a concurrent local edit that was uploaded
// earlier in the same cycle and would otherwise be invisible to
// conflict detection.
func LatestFor(q Queryer, table, recordID string) (Entry, bool, error) {
	rows, err := q.Query(
		fmt.Sprintf(`SELECT id, table_name, record_id, operation, timestamp, version, data, synced
			FROM %s WHERE table_name = ? AND record_id = ? AND synced IN (?, ?)
			ORDER BY timestamp DESC, id DESC LIMIT 1`, TableChanges),
		table, recordID, int(StatePending), int(Uploaded),
	)
	if err != nil {
		return Entry{}, false, fmt.Errorf("changelog: latest for %s/%s: %w", table, recordID, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return Entry{}, false, err
	}
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	return entries[0], true, nil
}

// MarkSynced flags the given change-log ids as uploaded.
func MarkSynced(q Queryer, ids []int64) error {
	return setSynced(q, ids, Uploaded)
}

// MarkPruned flags the given change-log ids as pruned (dropped, over cap).
func MarkPruned(q Queryer, ids []int64) error {
	return setSynced(q, ids, Pruned)
}

func setSynced(q Queryer, ids []int64, state SyncState) error {
	for _, id := range ids {
		if _, err := q.Exec(fmt.Sprintf(`UPDATE %s SET synced = ? WHERE id = ?`, TableChanges), int(state), id); err != nil {
			return fmt.Errorf("changelog: set synced id=%d: %w", id, err)
		}
	}
	return nil
}

// PruneExcess demotes the oldest pending entries beyond queueCap to
// Pruned, keeping only the most recent queueCap rows by timestamp DESC.
// This is a safety valve and a logged, abnormal condition, not a normal
// operating mode.
func PruneExcess(q Queryer, queueCap int) (int64, error) {
	var count int64
	if err := q.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE synced = ?`, TableChanges), int(StatePending)).Scan(&count); err != nil {
		return 0, fmt.Errorf("changelog: prune: count: %w", err)
	}
	if count <= int64(queueCap) {
		return 0, nil
	}
	excess := count - int64(queueCap)
	res, err := q.Exec(fmt.Sprintf(`UPDATE %s SET synced = ?
		WHERE id IN (
			SELECT id FROM %s WHERE synced = ? ORDER BY timestamp ASC LIMIT ?
		)`, TableChanges, TableChanges), int(Pruned), int(StatePending), excess)
	if err != nil {
		return 0, fmt.Errorf("changelog: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Warn("changelog: queue cap exceeded, pruning oldest entries", "cap", queueCap, "pruned", n)
	}
	return n, nil
}

// RetentionPrune deletes uploaded rows older than the retention horizon.
// The worker calls this at most once per 24h.
func RetentionPrune(q Queryer, olderThanMillis int64) (int64, error) {
	res, err := q.Exec(fmt.Sprintf(`DELETE FROM %s WHERE synced = ? AND timestamp < ?`, TableChanges), int(Uploaded), olderThanMillis)
	if err != nil {
		return 0, fmt.Errorf("changelog: retention prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func marshalPayload(p ChangePayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalPayload(s string) (ChangePayload, error) {
	var p ChangePayload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return ChangePayload{}, err
	}
	return p, nil
}
