package merge

import (
	"testing"

	"github.com/driftsync/engine/internal/changelog"
)

func chg(table, record string, ts int64) Change {
	return Change{Table: table, RecordID: record, Operation: changelog.OpUpdate, Timestamp: ts}
}

func TestMergePassthroughSingleEntry(t *testing.T) {
	local := []Change{chg("tasks", "r1", 100)}
	out, err := Merge(local, nil, "sess1", LastWriteWins, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].RecordID != "r1" {
		t.Fatalf("expected passthrough of r1, got %+v", out)
	}
}

func TestMergeLastWriteWinsPicksLaterTimestamp(t *testing.T) {
	local := []Change{chg("tasks", "r1", 100)}
	remote := []Change{chg("tasks", "r1", 200)}
	var conflicts []ConflictEvent
	out, err := Merge(local, remote, "sess1", LastWriteWins, nil, func(e ConflictEvent) {
		conflicts = append(conflicts, e)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Timestamp != 200 {
		t.Fatalf("expected remote (ts=200) to win, got %+v", out)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected exactly 1 conflict event, got %d", len(conflicts))
	}
	if conflicts[0].Strategy != LastWriteWins {
		t.Fatalf("expected strategy recorded, got %v", conflicts[0].Strategy)
	}
}

func TestMergeServerWins(t *testing.T) {
	local := []Change{chg("tasks", "r1", 500)}
	remote := []Change{chg("tasks", "r1", 100)}
	out, err := Merge(local, remote, "sess1", ServerWins, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0].Source != SourceRemote {
		t.Fatalf("expected remote to win under server_wins regardless of timestamp, got %+v", out[0])
	}
}

func TestMergeClientWins(t *testing.T) {
	local := []Change{chg("tasks", "r1", 100)}
	remote := []Change{chg("tasks", "r1", 500)}
	out, err := Merge(local, remote, "sess1", ClientWins, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0].Source != SourceLocal {
		t.Fatalf("expected local to win under client_wins regardless of timestamp, got %+v", out[0])
	}
}

func TestMergeCustomResolver(t *testing.T) {
	local := []Change{chg("tasks", "r1", 100)}
	remote := []Change{chg("tasks", "r1", 200)}
	called := false
	resolver := func(l, r Change) (Change, error) {
		called = true
		merged := r
		merged.RecordID = "merged-" + r.RecordID
		return merged, nil
	}
	out, err := Merge(local, remote, "sess1", Custom, resolver, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("expected resolver to be invoked")
	}
	if out[0].RecordID != "merged-r1" {
		t.Fatalf("expected resolver output to win, got %+v", out[0])
	}
}

func TestMergeCustomWithoutResolverErrors(t *testing.T) {
	local := []Change{chg("tasks", "r1", 100)}
	remote := []Change{chg("tasks", "r1", 200)}
	_, err := Merge(local, remote, "sess1", Custom, nil, nil)
	if err == nil {
		t.Fatalf("expected error when custom strategy has no resolver")
	}
}

func TestMergeTieBreakIsDeterministic(t *testing.T) {
	local := []Change{chg("tasks", "r1", 100)}
	remote := []Change{chg("tasks", "r1", 100)}
	out1, err := Merge(local, remote, "sess1", LastWriteWins, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out2, err := Merge(local, remote, "sess1", LastWriteWins, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out1[0].Source != out2[0].Source {
		t.Fatalf("expected deterministic tie-break, got %v then %v", out1[0].Source, out2[0].Source)
	}
}

func TestMergeMultipleKeysIndependent(t *testing.T) {
	local := []Change{chg("tasks", "r1", 100), chg("tasks", "r2", 100)}
	remote := []Change{chg("tasks", "r1", 200)}
	out, err := Merge(local, remote, "sess1", LastWriteWins, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 output changes (r1 resolved, r2 passthrough), got %d", len(out))
	}
}
