package worker

import (
	"encoding/json"
	"testing"

	"github.com/driftsync/engine/internal/merge"
)

func TestDiffFieldsDetectsChangedAddedAndRemoved(t *testing.T) {
	previous := map[string]any{"title": "old", "body": "x", "archived": nil}
	current := map[string]any{"title": "new", "body": "x", "tag": "urgent"}

	changed := diffFields(previous, current)

	if got, ok := changed["title"]; !ok || got != "new" {
		t.Fatalf("expected title to change to new, got %v (ok=%v)", got, ok)
	}
	if _, ok := changed["body"]; ok {
		t.Fatalf("body is unchanged and should not appear in the diff")
	}
	if got, ok := changed["tag"]; !ok || got != "urgent" {
		t.Fatalf("expected new field tag to appear, got %v (ok=%v)", got, ok)
	}
	if got, ok := changed["archived"]; !ok || got != nil {
		t.Fatalf("expected dropped field archived to map to nil, got %v (ok=%v)", got, ok)
	}
}

func TestDiffFieldsNoChangesIsEmpty(t *testing.T) {
	m := map[string]any{"a": 1, "b": "x"}
	if changed := diffFields(m, m); len(changed) != 0 {
		t.Fatalf("expected no diff for identical maps, got %+v", changed)
	}
}

func TestFilterKnownColumnsDropsUnknown(t *testing.T) {
	fields := map[string]any{"title": "x", "new_plugin_column": "y"}
	known := map[string]bool{"title": true, "body": true, "global_id": true}

	out := filterKnownColumns("notes", fields, known)

	if len(out) != 1 {
		t.Fatalf("expected exactly one known column to survive, got %+v", out)
	}
	if out["title"] != "x" {
		t.Fatalf("expected title to survive unchanged, got %v", out["title"])
	}
	if _, ok := out["new_plugin_column"]; ok {
		t.Fatalf("expected unknown column to be dropped")
	}
}

func TestDecodeFieldsRejectsEmptyPayload(t *testing.T) {
	if _, err := decodeFields(nil); err == nil {
		t.Fatalf("expected an error decoding an empty payload")
	}
}

func TestDecodeFieldsRoundTrips(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"title": "hello"})
	fields, err := decodeFields(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fields["title"] != "hello" {
		t.Fatalf("expected title=hello, got %v", fields["title"])
	}
}

func TestTablesOfDedupesPreservingFirstSeenOrder(t *testing.T) {
	changes := []merge.Change{
		{Table: "notes"},
		{Table: "boards"},
		{Table: "notes"},
		{Table: "tags"},
	}
	got := tablesOf(changes)
	want := []string{"notes", "boards", "tags"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRemoteIDFormatsChangeID(t *testing.T) {
	if got := remoteID(42); got != "42" {
		t.Fatalf("expected \"42\", got %q", got)
	}
}
