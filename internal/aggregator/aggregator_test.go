package aggregator

import (
	"encoding/json"
	"testing"

	"github.com/driftsync/engine/internal/changelog"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func entry(id int64, record string, op changelog.Operation, version int64, old, new string) changelog.Entry {
	e := changelog.Entry{
		ID:        id,
		TableName: "tasks",
		RecordID:  record,
		Operation: op,
		Timestamp: 1000 + id,
		Version:   version,
	}
	if old != "" {
		e.Data.Old = raw(old)
	}
	if new != "" {
		e.Data.New = raw(new)
	}
	return e
}

func TestCollapseSingleEntryUnchanged(t *testing.T) {
	in := []changelog.Entry{entry(1, "r1", changelog.OpInsert, 1, "", `{"a":1}`)}
	res := Collapse(in)
	if len(res.Changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(res.Changes))
	}
	if res.Changes[0].ID != 1 {
		t.Fatalf("expected original entry preserved, got %+v", res.Changes[0])
	}
	if len(res.ConsumedIDs) != 1 || res.ConsumedIDs[0] != 1 {
		t.Fatalf("expected consumed ids [1], got %v", res.ConsumedIDs)
	}
}

func TestCollapseInsertThenDeleteEliminated(t *testing.T) {
	in := []changelog.Entry{
		entry(1, "r1", changelog.OpInsert, 1, "", `{"a":1}`),
		entry(2, "r1", changelog.OpUpdate, 2, `{"a":1}`, `{"a":2}`),
		entry(3, "r1", changelog.OpDelete, 3, `{"a":2}`, ""),
	}
	res := Collapse(in)
	if len(res.Changes) != 0 {
		t.Fatalf("expected 0 changes, got %d: %+v", len(res.Changes), res.Changes)
	}
	if len(res.ConsumedIDs) != 3 {
		t.Fatalf("expected all 3 ids consumed, got %v", res.ConsumedIDs)
	}
}

func TestCollapseEndingInDeleteWithoutInsert(t *testing.T) {
	in := []changelog.Entry{
		entry(1, "r1", changelog.OpUpdate, 2, `{"a":1}`, `{"a":2}`),
		entry(2, "r1", changelog.OpDelete, 3, `{"a":2}`, ""),
	}
	res := Collapse(in)
	if len(res.Changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(res.Changes))
	}
	if res.Changes[0].Operation != changelog.OpDelete {
		t.Fatalf("expected DELETE, got %s", res.Changes[0].Operation)
	}
	if res.Changes[0].ID != 2 {
		t.Fatalf("expected final entry id 2, got %d", res.Changes[0].ID)
	}
}

func TestCollapseInsertThenUpdates(t *testing.T) {
	in := []changelog.Entry{
		entry(1, "r1", changelog.OpInsert, 1, "", `{"a":1}`),
		entry(2, "r1", changelog.OpUpdate, 2, `{"a":1}`, `{"a":2}`),
		entry(3, "r1", changelog.OpUpdate, 3, `{"a":2}`, `{"a":3}`),
	}
	res := Collapse(in)
	if len(res.Changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(res.Changes))
	}
	c := res.Changes[0]
	if c.Operation != changelog.OpInsert {
		t.Fatalf("expected INSERT, got %s", c.Operation)
	}
	if string(c.Data.New) != `{"a":3}` {
		t.Fatalf("expected new=final new, got %s", c.Data.New)
	}
	if len(c.Data.Old) != 0 {
		t.Fatalf("expected no old data on collapsed insert, got %s", c.Data.Old)
	}
	if c.Version != 3 || c.Timestamp != 1003 {
		t.Fatalf("expected version/timestamp from last entry, got v=%d ts=%d", c.Version, c.Timestamp)
	}
	if len(res.ConsumedIDs) != 3 {
		t.Fatalf("expected 3 consumed ids, got %v", res.ConsumedIDs)
	}
}

func TestCollapseUpdateThenUpdates(t *testing.T) {
	in := []changelog.Entry{
		entry(1, "r1", changelog.OpUpdate, 2, `{"a":1}`, `{"a":2}`),
		entry(2, "r1", changelog.OpUpdate, 3, `{"a":2}`, `{"a":3}`),
		entry(3, "r1", changelog.OpUpdate, 4, `{"a":3}`, `{"a":4}`),
	}
	res := Collapse(in)
	if len(res.Changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(res.Changes))
	}
	c := res.Changes[0]
	if c.Operation != changelog.OpUpdate {
		t.Fatalf("expected UPDATE, got %s", c.Operation)
	}
	if string(c.Data.Old) != `{"a":1}` {
		t.Fatalf("expected old=first old, got %s", c.Data.Old)
	}
	if string(c.Data.New) != `{"a":4}` {
		t.Fatalf("expected new=final new, got %s", c.Data.New)
	}
}

func TestCollapseMultipleRecordsIndependent(t *testing.T) {
	in := []changelog.Entry{
		entry(1, "r1", changelog.OpInsert, 1, "", `{"a":1}`),
		entry(2, "r2", changelog.OpInsert, 1, "", `{"b":1}`),
		entry(3, "r2", changelog.OpDelete, 2, `{"b":1}`, ""),
	}
	res := Collapse(in)
	if len(res.Changes) != 1 {
		t.Fatalf("expected 1 change (r1 survives, r2 eliminated), got %d", len(res.Changes))
	}
	if res.Changes[0].RecordID != "r1" {
		t.Fatalf("expected surviving record r1, got %s", res.Changes[0].RecordID)
	}
	if len(res.ConsumedIDs) != 3 {
		t.Fatalf("expected 3 consumed ids across both records, got %v", res.ConsumedIDs)
	}
}
