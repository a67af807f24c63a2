package schema

import (
	"fmt"
	"strings"
)

const tableChanges = "__sync_changes"

// triggerName returns the reserved name for one of the three sync
// triggers on table.
func triggerName(kind, table string) string {
	return fmt.Sprintf("after_%s_%s", kind, table)
}

// nowMillis is the trigger-time timestamp expression: milliseconds since
// epoch, computed from julianday so sub-second writes stay ordered.
const nowMillis = "CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)"

// rowJSON builds a json_object(...) expression reading the CURRENT
// on-disk row by rowid — used instead of referencing NEW/OLD directly so
// a global_id assigned earlier in the same trigger body is reflected.
// The subquery is wrapped in json() because SQLite's JSON subtype does
// not survive a subquery boundary; without it the row would be embedded
// as an escaped string rather than a nested object.
func rowJSON(table string, cols []string, rowidExpr string) string {
	parts := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		parts = append(parts, fmt.Sprintf("'%s', %s", c, c))
	}
	parts = append(parts, "'global_id', global_id")
	return fmt.Sprintf("json((SELECT json_object(%s) FROM %s WHERE rowid = %s))", strings.Join(parts, ", "), table, rowidExpr)
}

// insertTriggerSQL is a pure function of the table's non-global_id column
// list. It assigns a global_id to the new row when missing, then appends
// a version-1 INSERT log entry reflecting the row as finally stored.
func insertTriggerSQL(table string, cols []string) string {
	return fmt.Sprintf(`
CREATE TRIGGER %s AFTER INSERT ON %s
BEGIN
	UPDATE %s SET global_id = lower(hex(randomblob(16))) WHERE rowid = NEW.rowid AND global_id IS NULL;
	INSERT INTO %s (table_name, record_id, operation, timestamp, version, data, synced)
	VALUES ('%s', (SELECT global_id FROM %s WHERE rowid = NEW.rowid), 'INSERT',
		`+nowMillis+`, 1,
		json_object('new', %s), 0);
END;`,
		triggerName("insert", table), table,
		table,
		tableChanges,
		table, table,
		rowJSON(table, cols, "NEW.rowid"),
	)
}

// updateTriggerSQL fires only when a non-global_id column actually
// changed (including NULL transitions), guaranteeing the invariant that
// an unchanged row never produces an UPDATE log entry.
func updateTriggerSQL(table string, cols []string) string {
	changeCond := make([]string, 0, len(cols))
	for _, c := range cols {
		changeCond = append(changeCond, fmt.Sprintf("NEW.%s IS NOT OLD.%s", c, c))
	}
	oldParts := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		oldParts = append(oldParts, fmt.Sprintf("'%s', OLD.%s", c, c))
	}
	oldParts = append(oldParts, "'global_id', OLD.global_id")
	oldJSON := "json_object(" + strings.Join(oldParts, ", ") + ")"

	return fmt.Sprintf(`
CREATE TRIGGER %s AFTER UPDATE ON %s
WHEN (%s)
BEGIN
	UPDATE %s SET global_id = lower(hex(randomblob(16))) WHERE rowid = NEW.rowid AND global_id IS NULL;
	INSERT INTO %s (table_name, record_id, operation, timestamp, version, data, synced)
	VALUES ('%s', (SELECT global_id FROM %s WHERE rowid = NEW.rowid), 'UPDATE',
		`+nowMillis+`,
		(SELECT COALESCE(MAX(version), 0) + 1 FROM %s WHERE table_name = '%s' AND record_id = (SELECT global_id FROM %s WHERE rowid = NEW.rowid)),
		json_object('old', %s, 'new', %s), 0);
END;`,
		triggerName("update", table), table,
		strings.Join(changeCond, " OR "),
		table,
		tableChanges,
		table, table,
		tableChanges, table, table,
		oldJSON, rowJSON(table, cols, "NEW.rowid"),
	)
}

// deleteTriggerSQL records the deleted row's snapshot under 'old'. OLD is
// still fully valid inside an AFTER DELETE trigger, so no rowid subselect
// is needed here.
func deleteTriggerSQL(table string, cols []string) string {
	oldParts := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		oldParts = append(oldParts, fmt.Sprintf("'%s', OLD.%s", c, c))
	}
	oldParts = append(oldParts, "'global_id', OLD.global_id")
	oldJSON := "json_object(" + strings.Join(oldParts, ", ") + ")"

	return fmt.Sprintf(`
CREATE TRIGGER %s AFTER DELETE ON %s
BEGIN
	INSERT INTO %s (table_name, record_id, operation, timestamp, version, data, synced)
	VALUES ('%s', COALESCE(OLD.global_id, lower(hex(randomblob(16)))), 'DELETE',
		`+nowMillis+`,
		(SELECT COALESCE(MAX(version), 0) + 1 FROM %s WHERE table_name = '%s' AND record_id = COALESCE(OLD.global_id, lower(hex(randomblob(16))))),
		json_object('old', %s), 0);
END;`,
		triggerName("delete", table), table,
		tableChanges,
		table,
		tableChanges, table,
		oldJSON,
	)
}

// installTriggers (re)creates all three triggers for table, replacing
// whatever was there before.
func (m *Manager) installTriggers(table string, userCols []string) error {
	stmts := []string{
		insertTriggerSQL(table, userCols),
		updateTriggerSQL(table, userCols),
		deleteTriggerSQL(table, userCols),
	}
	for _, stmt := range stmts {
		if _, err := m.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema: install triggers on %s: %w", table, err)
		}
	}
	return nil
}

// dropTriggers removes all sync-owned triggers for table, if present.
func (m *Manager) dropTriggers(table string) error {
	names := []string{
		triggerName("insert", table),
		triggerName("update", table),
		triggerName("delete", table),
	}
	for _, n := range names {
		if _, err := m.db.Exec(fmt.Sprintf(`DROP TRIGGER IF EXISTS %s`, n)); err != nil {
			return fmt.Errorf("schema: drop trigger %s: %w", n, err)
		}
	}
	return nil
}

// DisableTriggers drops all sync-owned triggers for the given tables.
// Triggers are pure functions of the column list, so re-enabling means
// regenerating them, not replaying a saved backup. Used by the Sync
// Worker while applying remote changes.
func (m *Manager) DisableTriggers(tables []string) error {
	for _, t := range tables {
		if err := m.dropTriggers(t); err != nil {
			return err
		}
	}
	return nil
}

// EnableTriggers regenerates triggers for the given tables from their
// current column lists. Callers must invoke this even when the preceding
// apply failed, so trigger state never stays disabled past a single
// transaction.
func (m *Manager) EnableTriggers(tables []string) error {
	for _, t := range tables {
		cols, err := m.tableColumns(t)
		if err != nil {
			return err
		}
		var userCols []string
		for _, c := range cols {
			if c.Name != "global_id" {
				userCols = append(userCols, c.Name)
			}
		}
		if err := m.installTriggers(t, userCols); err != nil {
			return err
		}
	}
	return nil
}
