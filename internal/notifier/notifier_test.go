package notifier

import (
	"sync"
	"testing"
	"time"
)

func TestNotifyDebouncesToSingleTrailingEvent(t *testing.T) {
	n := New(30 * time.Millisecond)
	defer n.Close()

	var mu sync.Mutex
	var got []Event
	n.On("tasks", func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	n.Notify(Event{Table: "tasks", TriggerSync: true})
	time.Sleep(10 * time.Millisecond)
	n.Notify(Event{Table: "tasks", TriggerSync: false})
	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected the burst to coalesce to 1 event, got %d", len(got))
	}
	if got[0].TriggerSync {
		t.Fatalf("expected the last notification in the window to win")
	}
}

func TestNotifyDebounceIsKeyedByTable(t *testing.T) {
	n := New(20 * time.Millisecond)
	defer n.Close()

	var mu sync.Mutex
	counts := map[string]int{}
	record := func(ev Event) {
		mu.Lock()
		counts[ev.Table]++
		mu.Unlock()
	}
	n.On("tasks", record)
	n.On("boards", record)

	n.Notify(Event{Table: "tasks"})
	n.Notify(Event{Table: "boards"})
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if counts["tasks"] != 1 || counts["boards"] != 1 {
		t.Fatalf("expected one event per table, got %v", counts)
	}
}

func TestGlobalListenerSeesEveryTable(t *testing.T) {
	n := New(10 * time.Millisecond)
	defer n.Close()

	var mu sync.Mutex
	var tables []string
	n.OnAny(func(ev Event) {
		mu.Lock()
		tables = append(tables, ev.Table)
		mu.Unlock()
	})

	n.Notify(Event{Table: "tasks"})
	time.Sleep(40 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(tables) != 1 || tables[0] != "tasks" {
		t.Fatalf("expected global listener to see tasks, got %v", tables)
	}
}

func TestNotifySyncIsSynchronousAndGlobalOnly(t *testing.T) {
	n := New(time.Hour) // debounce must not be involved
	defer n.Close()

	var globalGot, tableGot []Event
	n.OnAny(func(ev Event) { globalGot = append(globalGot, ev) })
	n.On(GlobalTable, func(ev Event) { tableGot = append(tableGot, ev) })

	n.NotifySync()

	if len(globalGot) != 1 || globalGot[0].Table != GlobalTable {
		t.Fatalf("expected one synchronous %q event to global listeners, got %v", GlobalTable, globalGot)
	}
	if len(tableGot) != 0 {
		t.Fatalf("expected per-table listeners to be skipped by NotifySync, got %v", tableGot)
	}
}

func TestCloseCancelsPendingTimers(t *testing.T) {
	n := New(20 * time.Millisecond)

	var mu sync.Mutex
	fired := false
	n.On("tasks", func(Event) {
		mu.Lock()
		fired = true
		mu.Unlock()
	})

	n.Notify(Event{Table: "tasks"})
	n.Close()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if fired {
		t.Fatalf("expected no delivery after Close")
	}
}
