// Package schema implements the Schema Manager: it provisions the sync
// engine's own system tables, augments application ("user") tables with a
// global_id column, and installs the INSERT/UPDATE/DELETE triggers that
// feed the change log. Trigger SQL is generated from a typed column-list
// representation rather than templated ad hoc.
package schema

import (
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/driftsync/engine/internal/changelog"
	"github.com/driftsync/engine/internal/idgen"
)

// reservedPrefixes lists identifier prefixes that mark a table as
// sync-internal, engine-internal, or platform scratch — never a user
// table eligible for change tracking.
var reservedPrefixes = []string{
	"__sync_",  // this engine's own system tables
	"sqlite_",  // SQLite internal tables (sqlite_sequence, sqlite_stat1, ...)
	"__drift_", // reserved for future engine-internal scratch tables
}

// IsUserTable reports whether name is an application table eligible for
// change tracking, as opposed to a reserved system table.
func IsUserTable(name string) bool {
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(name, p) {
			return false
		}
	}
	return true
}

var validIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Manager provisions and maintains all sync-owned schema artifacts.
type Manager struct {
	db *sql.DB
}

// New creates a Manager over an already-open connection.
func New(db *sql.DB) *Manager {
	return &Manager{db: db}
}

// Initialize creates system tables if absent.
func (m *Manager) Initialize() error {
	return changelog.New(m.db).Init()
}

// ListUserTables returns the names of all application tables currently
// present in the database (sqlite_master, filtered by IsUserTable).
func (m *Manager) ListUserTables() ([]string, error) {
	rows, err := m.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return nil, fmt.Errorf("schema: list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("schema: scan table name: %w", err)
		}
		if IsUserTable(name) {
			names = append(names, name)
		}
	}
	return names, rows.Err()
}

// columnInfo is one row of PRAGMA table_info.
type columnInfo struct {
	Name    string
	Type    string
	NotNull bool
	PK      bool
}

// ColumnNames returns table's current column names (including global_id
// if present), for callers outside this package that need to validate or
// filter fields against the live schema — e.g. the Sync Worker's
// backfill of rows that predate change tracking.
func (m *Manager) ColumnNames(table string) ([]string, error) {
	cols, err := m.tableColumns(table)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names, nil
}

func (m *Manager) tableColumns(table string) ([]columnInfo, error) {
	if !validIdent.MatchString(table) {
		return nil, fmt.Errorf("schema: invalid table name %q", table)
	}
	rows, err := m.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("schema: table_info(%s): %w", table, err)
	}
	defer rows.Close()

	var cols []columnInfo
	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("schema: scan table_info(%s): %w", table, err)
		}
		cols = append(cols, columnInfo{Name: name, Type: ctype, NotNull: notnull != 0, PK: pk != 0})
	}
	return cols, rows.Err()
}

func hasColumn(cols []columnInfo, name string) bool {
	for _, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

// SetupChangeTracking idempotently augments table with a global_id column,
// a secondary index on it, back-fills existing rows, and (re)installs the
// three sync triggers. Safe to call repeatedly, including after a
// schema-change detection re-run.
func (m *Manager) SetupChangeTracking(table string) error {
	if !validIdent.MatchString(table) {
		return fmt.Errorf("schema: invalid table name %q", table)
	}

	cols, err := m.tableColumns(table)
	if err != nil {
		return err
	}

	if !hasColumn(cols, "global_id") {
		if _, err := m.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN global_id TEXT`, table)); err != nil {
			return fmt.Errorf("schema: add global_id to %s: %w", table, err)
		}
		cols = append(cols, columnInfo{Name: "global_id", Type: "TEXT"})
	}

	indexName := fmt.Sprintf("idx_%s_global_id", table)
	if _, err := m.db.Exec(fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(global_id)`, indexName, table)); err != nil {
		return fmt.Errorf("schema: index global_id on %s: %w", table, err)
	}

	if err := m.backfillGlobalIDs(table); err != nil {
		return err
	}

	userCols := make([]string, 0, len(cols))
	for _, c := range cols {
		if c.Name == "global_id" {
			continue
		}
		userCols = append(userCols, c.Name)
	}

	if err := m.dropTriggers(table); err != nil {
		return err
	}
	return m.installTriggers(table, userCols)
}

// backfillGlobalIDs assigns a fresh global id to every row currently
// missing one.
func (m *Manager) backfillGlobalIDs(table string) error {
	rows, err := m.db.Query(fmt.Sprintf(`SELECT rowid FROM %s WHERE global_id IS NULL OR global_id = ''`, table))
	if err != nil {
		return fmt.Errorf("schema: backfill %s: select: %w", table, err)
	}
	var rowids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("schema: backfill %s: scan: %w", table, err)
		}
		rowids = append(rowids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, rowid := range rowids {
		gid, err := idgen.GlobalID()
		if err != nil {
			return fmt.Errorf("schema: backfill %s: generate global_id: %w", table, err)
		}
		if _, err := m.db.Exec(fmt.Sprintf(`UPDATE %s SET global_id = ? WHERE rowid = ?`, table), gid, rowid); err != nil {
			return fmt.Errorf("schema: backfill %s rowid=%d: %w", table, rowid, err)
		}
	}
	if len(rowids) > 0 {
		slog.Debug("schema: backfilled global_id", "table", table, "rows", len(rowids))
	}
	return nil
}

// Reset drops all system tables and re-initializes them, provided the
// stored plugin version differs from current. Runs at most once per
// version; on error, triggers are left re-enabled (the reset never tears
// down trigger state on its own failure path, only ever replaces it with
// a fresh Initialize+SetupChangeTracking pass).
func (m *Manager) Reset(currentVersion string, userTables []string) (err error) {
	stored, _, err := changelog.GetPluginVersion(m.db)
	if err != nil {
		return err
	}
	if stored == currentVersion {
		return nil
	}

	slog.Info("schema: plugin version changed, resetting", "stored", stored, "current", currentVersion)
	defer func() {
		if err == nil {
			return
		}
		if ierr := m.Initialize(); ierr != nil {
			slog.Error("schema: reset failed, reinitialize", "err", ierr)
		}
		for _, t := range userTables {
			if serr := m.SetupChangeTracking(t); serr != nil {
				slog.Error("schema: reset failed, re-setup triggers", "table", t, "err", serr)
			}
		}
	}()

	for _, t := range userTables {
		if err := m.dropTriggers(t); err != nil {
			return fmt.Errorf("schema: reset: drop triggers %s: %w", t, err)
		}
	}

	systemTables := []string{
		changelog.TableChanges, changelog.TableVersion, changelog.TableDeviceState,
		changelog.TableProcessedChanges, changelog.TableProcessedTables, changelog.TableTriggerBackup,
	}
	for _, t := range systemTables {
		if _, err := m.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, t)); err != nil {
			return fmt.Errorf("schema: reset: drop %s: %w", t, err)
		}
	}

	if err := m.Initialize(); err != nil {
		return fmt.Errorf("schema: reset: reinitialize: %w", err)
	}
	for _, t := range userTables {
		if err := m.SetupChangeTracking(t); err != nil {
			return fmt.Errorf("schema: reset: re-setup %s: %w", t, err)
		}
	}

	return changelog.SetPluginVersion(m.db, currentVersion, time.Now().UnixMilli())
}
