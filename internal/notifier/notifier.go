// Package notifier implements the Change Notifier: an in-process fan-out
// of per-table change events with trailing-edge debounce, plus a
// live-query watcher built on top of it.
package notifier

import (
	"sync"
	"time"
)

// Event is one table-change notification. TriggerSync distinguishes
// application-driven writes from remote-applied ones; the Sync Worker
// fans out with TriggerSync=false so the scheduler does not re-upload
// state it just downloaded.
type Event struct {
	Table       string
	TriggerSync bool
}

const (
	// GlobalTable is the synthetic table name global listeners and
	// notify_sync() publish under.
	GlobalTable = "*"

	defaultDebounce = 100 * time.Millisecond
)

// Listener receives change events for a single table (or, for global
// listeners, every table plus the synthetic "*" sync event).
type Listener func(Event)

// Notifier is a process-scoped fan-out; construct one per engine
// instance rather than using package-level state.
type Notifier struct {
	mu       sync.Mutex
	debounce time.Duration
	global   []Listener
	perTable map[string][]Listener
	timers   map[string]*time.Timer
	pending  map[string]Event
	closed   bool
}

// New creates a Notifier with the given debounce window (0 uses the
// default of 100ms).
func New(debounce time.Duration) *Notifier {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Notifier{
		debounce: debounce,
		perTable: make(map[string][]Listener),
		timers:   make(map[string]*time.Timer),
		pending:  make(map[string]Event),
	}
}

// OnAny registers a global listener, notified for any table plus the
// synthetic "*" sync event.
func (n *Notifier) OnAny(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.global = append(n.global, l)
}

// On registers a listener for a specific table.
func (n *Notifier) On(table string, l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.perTable[table] = append(n.perTable[table], l)
}

// Notify schedules a debounced notification for table. The last call
// within the debounce window wins and the event fires once, at
// window-after-the-last-call (trailing edge).
func (n *Notifier) Notify(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	n.pending[ev.Table] = ev
	if t, ok := n.timers[ev.Table]; ok {
		t.Stop()
	}
	n.timers[ev.Table] = time.AfterFunc(n.debounce, func() {
		n.fire(ev.Table)
	})
}

func (n *Notifier) fire(table string) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	ev, ok := n.pending[table]
	delete(n.pending, table)
	delete(n.timers, table)
	globalListeners := append([]Listener{}, n.global...)
	tableListeners := append([]Listener{}, n.perTable[table]...)
	n.mu.Unlock()

	if !ok {
		return
	}
	for _, l := range globalListeners {
		l(ev)
	}
	for _, l := range tableListeners {
		l(ev)
	}
}

// NotifySync emits the synthetic "*" event synchronously to global
// listeners only, bypassing debounce.
func (n *Notifier) NotifySync() {
	n.mu.Lock()
	listeners := append([]Listener{}, n.global...)
	n.mu.Unlock()
	ev := Event{Table: GlobalTable, TriggerSync: true}
	for _, l := range listeners {
		l(ev)
	}
}

// Close cancels all pending debounce timers. No further notifications
// fire after Close returns.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for _, t := range n.timers {
		t.Stop()
	}
	n.timers = make(map[string]*time.Timer)
	n.pending = make(map[string]Event)
}
