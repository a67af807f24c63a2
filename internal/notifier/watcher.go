package notifier

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/driftsync/engine/internal/facade"
	"github.com/driftsync/engine/internal/idgen"
)

const watcherDebounce = 50 * time.Millisecond

// Result is published on a Watcher's channel after each (re-)run of its
// query.
type Result struct {
	Rows []map[string]any
	Err  error
}

// Watcher re-runs a query whenever one of its affected tables changes,
// publishing the latest result set. Errors from query execution are
// delivered on the stream and do not terminate it.
type Watcher struct {
	out chan Result
}

// Results returns the channel Watcher publishes on.
func (w *Watcher) Results() <-chan Result { return w.out }

// groupKey collapses a query and its rendered arguments into a compact
// deterministic identity, so Watch calls with identical (sql, args)
// resolve to the same group.
func groupKey(query string, args []any) string {
	return idgen.Deterministic("watch_", query, argsKey(args))
}

// WatcherRegistry shares debounce coalescing across watchers with
// identical (sql, args).
type WatcherRegistry struct {
	db       *sql.DB
	notifier *Notifier

	mu     sync.Mutex
	groups map[string]*watchGroup
}

type watchGroup struct {
	sql      string
	args     []any
	tables   []string
	mu       sync.Mutex
	timer    *time.Timer
	watchers []*Watcher
	closed   bool
}

// NewWatcherRegistry creates a registry bound to db and the Notifier
// whose table events should trigger re-runs.
func NewWatcherRegistry(db *sql.DB, n *Notifier) *WatcherRegistry {
	return &WatcherRegistry{db: db, notifier: n, groups: make(map[string]*watchGroup)}
}

// Watch seeds the query once, subscribes to each affected table, and
// returns a Watcher whose channel receives the latest result on every
// subsequent change. Multiple Watch calls for identical (sql, args)
// share one table subscription and debounce window for re-runs; each
// Watch call still runs its own seed query.
func (r *WatcherRegistry) Watch(query string, args ...any) *Watcher {
	key := groupKey(query, args)

	r.mu.Lock()
	g, ok := r.groups[key]
	if !ok {
		g = &watchGroup{sql: query, args: args, tables: facade.AffectedTables(query)}
		r.groups[key] = g
		for _, t := range g.tables {
			table := t
			r.notifier.On(table, func(Event) { r.scheduleRerun(g) })
		}
	}
	r.mu.Unlock()

	w := &Watcher{out: make(chan Result, 1)}
	g.mu.Lock()
	g.watchers = append(g.watchers, w)
	g.mu.Unlock()

	go r.runOnce(g)
	return w
}

func (r *WatcherRegistry) scheduleRerun(g *watchGroup) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(watcherDebounce, func() { r.runOnce(g) })
}

func (r *WatcherRegistry) runOnce(g *watchGroup) {
	res := r.execute(g.sql, g.args)
	g.mu.Lock()
	watchers := append([]*Watcher{}, g.watchers...)
	g.mu.Unlock()
	for _, w := range watchers {
		select {
		case w.out <- res:
		default:
			// drain the stale result, keep only the latest
			select {
			case <-w.out:
			default:
			}
			w.out <- res
		}
	}
}

func (r *WatcherRegistry) execute(query string, args []any) Result {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return Result{Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{Err: err}
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{Err: err}
		}
		rowMap := make(map[string]any, len(cols))
		for i, c := range cols {
			rowMap[c] = vals[i]
		}
		out = append(out, rowMap)
	}
	if err := rows.Err(); err != nil {
		return Result{Err: err}
	}
	return Result{Rows: out}
}

func argsKey(args []any) string {
	// Stable enough for coalescing purposes: sprint each arg. Args here
	// are always simple scalars (ids, timestamps), never large blobs.
	s := ""
	for _, a := range args {
		s += sprint(a) + "\x00"
	}
	return s
}

func sprint(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmtStringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

type fmtStringer interface{ String() string }
