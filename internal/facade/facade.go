// Package facade implements the Database Facade: a thin pass-through
// around the relational API that guarantees every inserted row carries a
// global id, classifies raw SQL statements, and accumulates the set of
// tables touched by a transaction so the Change Notifier can fire one
// fan-out notification per table on commit.
package facade

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/driftsync/engine/internal/idgen"
)

// Kind classifies a SQL statement's effect.
type Kind int

const (
	KindReadOnly Kind = iota
	KindInsert
	KindUpdate
	KindDelete
)

var leadingVerb = regexp.MustCompile(`(?i)^\s*(insert|update|delete|with)\b`)

// Classify determines whether stmt is an INSERT, UPDATE, DELETE, or
// read-only statement. WITH-prefixed statements are classified by their
// trailing DML verb, since a CTE can wrap any of the three.
func Classify(stmt string) Kind {
	m := leadingVerb.FindStringSubmatch(stmt)
	if m == nil {
		return KindReadOnly
	}
	verb := strings.ToLower(m[1])
	if verb == "with" {
		return classifyAfterCTE(stmt)
	}
	switch verb {
	case "insert":
		return KindInsert
	case "update":
		return KindUpdate
	case "delete":
		return KindDelete
	default:
		return KindReadOnly
	}
}

var trailingDML = regexp.MustCompile(`(?i)\)\s*(insert\s+into|update|delete\s+from)\b`)

func classifyAfterCTE(stmt string) Kind {
	m := trailingDML.FindStringSubmatch(stmt)
	if m == nil {
		return KindReadOnly
	}
	verb := strings.ToLower(strings.Fields(m[1])[0])
	switch verb {
	case "insert":
		return KindInsert
	case "update":
		return KindUpdate
	case "delete":
		return KindDelete
	default:
		return KindReadOnly
	}
}

// tableRef matches FROM|JOIN|UPDATE|DELETE|INTO|TABLE <ident> tokens,
// case-insensitive. Used to extract affected table names.
var tableRef = regexp.MustCompile(`(?i)\b(from|join|update|delete\s+from|into|table)\s+` + "`" + `?([a-zA-Z_][a-zA-Z0-9_]*)` + "`" + `?`)

// cteName matches `WITH <name> AS` / `, <name> AS` definitions, whose
// identifiers are aliases, not real tables, and must be excluded from the
// affected-table set.
var cteName = regexp.MustCompile(`(?i)(?:with|,)\s+([a-zA-Z_][a-zA-Z0-9_]*)\s+as\s*\(`)

// AffectedTables extracts the set of table names a statement touches,
// ignoring CTE aliases.
func AffectedTables(stmt string) []string {
	aliases := map[string]bool{}
	for _, m := range cteName.FindAllStringSubmatch(stmt, -1) {
		aliases[strings.ToLower(m[1])] = true
	}

	seen := map[string]bool{}
	var out []string
	for _, m := range tableRef.FindAllStringSubmatch(stmt, -1) {
		name := m[2]
		if aliases[strings.ToLower(name)] {
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// Facade wraps a *sql.DB with global-id injection and affected-table
// tracking.
type Facade struct {
	db *sql.DB
}

// New wraps an already-open connection.
func New(db *sql.DB) *Facade {
	return &Facade{db: db}
}

// Insert performs a structured insert into table, injecting a fresh
// global_id if fields doesn't already carry one. Returns the global_id
// used.
func (f *Facade) Insert(table string, fields map[string]any) (string, error) {
	return insertWithExec(f.db, table, fields)
}

func insertWithExec(exec interface {
	Exec(query string, args ...any) (sql.Result, error)
}, table string, fields map[string]any) (string, error) {
	gid, _ := fields["global_id"].(string)
	if gid == "" {
		var err error
		gid, err = idgen.GlobalID()
		if err != nil {
			return "", fmt.Errorf("facade: generate global_id: %w", err)
		}
	}
	fields = cloneFields(fields)
	fields["global_id"] = gid

	cols := make([]string, 0, len(fields))
	for k := range fields {
		cols = append(cols, k)
	}
	placeholders := make([]string, len(cols))
	vals := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		vals[i] = fields[c]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := exec.Exec(query, vals...); err != nil {
		return "", fmt.Errorf("facade: insert into %s: %w", table, err)
	}
	return gid, nil
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// InjectGlobalID rewrites a raw-SQL INSERT statement's column and value
// lists to append global_id. Returns the rewritten SQL, args with the new
// global_id appended, and that global_id. If the statement already
// mentions global_id, the SQL and args are returned unchanged with an
// empty global_id — callers are expected to prefer structured Insert for
// anything beyond simple cases.
func InjectGlobalID(rawSQL string, args []any) (string, []any, string, error) {
	if Classify(rawSQL) != KindInsert {
		return rawSQL, args, "", fmt.Errorf("facade: InjectGlobalID called on non-INSERT statement")
	}
	lower := strings.ToLower(rawSQL)
	if strings.Contains(lower, "global_id") {
		return rawSQL, args, "", nil
	}

	openParen := strings.Index(rawSQL, "(")
	if openParen < 0 {
		return rawSQL, args, "", fmt.Errorf("facade: INSERT missing column list")
	}
	closeParen := strings.Index(rawSQL[openParen:], ")")
	if closeParen < 0 {
		return rawSQL, args, "", fmt.Errorf("facade: INSERT missing closing paren for column list")
	}
	closeParen += openParen

	valuesIdx := strings.Index(strings.ToLower(rawSQL[closeParen:]), "values")
	if valuesIdx < 0 {
		return rawSQL, args, "", fmt.Errorf("facade: INSERT missing VALUES clause")
	}
	valuesIdx += closeParen

	valOpen := strings.Index(rawSQL[valuesIdx:], "(")
	if valOpen < 0 {
		return rawSQL, args, "", fmt.Errorf("facade: VALUES missing opening paren")
	}
	valOpen += valuesIdx
	valClose := strings.LastIndex(rawSQL, ")")
	if valClose < 0 || valClose <= valOpen {
		return rawSQL, args, "", fmt.Errorf("facade: VALUES missing closing paren")
	}

	gid, err := idgen.GlobalID()
	if err != nil {
		return rawSQL, args, "", fmt.Errorf("facade: generate global_id: %w", err)
	}

	rewritten := rawSQL[:closeParen] + ", global_id" + rawSQL[closeParen:valClose] + ", ?" + rawSQL[valClose:]
	newArgs := append(append([]any{}, args...), gid)
	return rewritten, newArgs, gid, nil
}

// Tx is a transaction-scoped facade that accumulates the set of tables
// touched by any mutating statement, so the caller can fire exactly one
// fan-out notification per table on successful commit.
type Tx struct {
	tx       *sql.Tx
	affected map[string]bool
}

// Begin starts a transaction wrapper.
func (f *Facade) Begin() (*Tx, error) {
	tx, err := f.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("facade: begin: %w", err)
	}
	return &Tx{tx: tx, affected: map[string]bool{}}, nil
}

// Exec runs a raw mutating statement, tracking its affected tables.
func (t *Tx) Exec(stmt string, args ...any) (sql.Result, error) {
	res, err := t.tx.Exec(stmt, args...)
	if err != nil {
		return nil, err
	}
	if Classify(stmt) != KindReadOnly {
		for _, tbl := range AffectedTables(stmt) {
			t.affected[tbl] = true
		}
	}
	return res, nil
}

// Insert performs a structured insert inside the transaction.
func (t *Tx) Insert(table string, fields map[string]any) (string, error) {
	gid, err := insertWithExec(t.tx, table, fields)
	if err != nil {
		return "", err
	}
	t.affected[table] = true
	return gid, nil
}

// Raw exposes the underlying *sql.Tx for callers that need full control
// (e.g. the Sync Worker applying remote changes with triggers disabled).
func (t *Tx) Raw() *sql.Tx { return t.tx }

// Commit commits the transaction and returns the set of affected tables
// for the caller to fan out notifications over.
func (t *Tx) Commit() ([]string, error) {
	if err := t.tx.Commit(); err != nil {
		return nil, fmt.Errorf("facade: commit: %w", err)
	}
	tables := make([]string, 0, len(t.affected))
	for tbl := range t.affected {
		tables = append(tables, tbl)
	}
	return tables, nil
}

// Rollback aborts the transaction; no notification fires.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}
