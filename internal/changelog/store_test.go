package changelog

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := New(db).Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return db
}

func appendEntry(t *testing.T, db *sql.DB, record string, op Operation, ts, version int64) int64 {
	t.Helper()
	id, err := Append(db, Entry{
		TableName: "tasks",
		RecordID:  record,
		Operation: op,
		Timestamp: ts,
		Version:   version,
		Data:      ChangePayload{New: []byte(`{"a":1}`)},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return id
}

func TestNextVersionStartsAtOneAndIncrements(t *testing.T) {
	db := openTestDB(t)

	v, err := NextVersion(db, "tasks", "r1")
	if err != nil {
		t.Fatalf("next version: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected first version 1, got %d", v)
	}

	appendEntry(t, db, "r1", OpInsert, 100, 1)
	appendEntry(t, db, "r1", OpUpdate, 200, 2)

	v, err = NextVersion(db, "tasks", "r1")
	if err != nil {
		t.Fatalf("next version: %v", err)
	}
	if v != 3 {
		t.Fatalf("expected version 3 after two entries, got %d", v)
	}

	// A different record's versions are independent.
	v, err = NextVersion(db, "tasks", "r2")
	if err != nil {
		t.Fatalf("next version: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected version 1 for a fresh record, got %d", v)
	}
}

func TestPendingOrdersByRecordThenTimestamp(t *testing.T) {
	db := openTestDB(t)
	appendEntry(t, db, "r2", OpInsert, 300, 1)
	appendEntry(t, db, "r1", OpUpdate, 200, 2)
	appendEntry(t, db, "r1", OpInsert, 100, 1)

	entries, err := Pending(db, "tasks")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 pending entries, got %d", len(entries))
	}
	if entries[0].RecordID != "r1" || entries[0].Timestamp != 100 {
		t.Fatalf("expected r1@100 first, got %s@%d", entries[0].RecordID, entries[0].Timestamp)
	}
	if entries[1].RecordID != "r1" || entries[1].Timestamp != 200 {
		t.Fatalf("expected r1@200 second, got %s@%d", entries[1].RecordID, entries[1].Timestamp)
	}
	if entries[2].RecordID != "r2" {
		t.Fatalf("expected r2 last, got %s", entries[2].RecordID)
	}
}

func TestMarkSyncedRemovesFromPending(t *testing.T) {
	db := openTestDB(t)
	id := appendEntry(t, db, "r1", OpInsert, 100, 1)

	if err := MarkSynced(db, []int64{id}); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	entries, err := Pending(db, "tasks")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no pending entries after MarkSynced, got %d", len(entries))
	}
}

func TestPendingIsolatesCorruptPayload(t *testing.T) {
	db := openTestDB(t)
	appendEntry(t, db, "r1", OpInsert, 100, 1)
	if _, err := db.Exec(`INSERT INTO __sync_changes (table_name, record_id, operation, timestamp, version, data, synced)
		VALUES ('tasks', 'r2', 'INSERT', 200, 1, 'not-json', 0)`); err != nil {
		t.Fatalf("seed corrupt row: %v", err)
	}

	entries, err := Pending(db, "tasks")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(entries) != 1 || entries[0].RecordID != "r1" {
		t.Fatalf("expected the corrupt entry isolated and the good one returned, got %+v", entries)
	}
}

func TestPruneExcessKeepsNewestCapRows(t *testing.T) {
	db := openTestDB(t)
	for i := int64(1); i <= 10; i++ {
		appendEntry(t, db, "r1", OpUpdate, 100*i, i)
	}

	n, err := PruneExcess(db, 4)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 6 {
		t.Fatalf("expected 6 rows pruned, got %d", n)
	}

	entries, err := Pending(db, "tasks")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected exactly cap=4 pending rows, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Timestamp < 700 {
			t.Fatalf("expected only the newest rows to survive, found ts=%d", e.Timestamp)
		}
	}

	var pruned int
	if err := db.QueryRow(`SELECT COUNT(*) FROM __sync_changes WHERE synced = -1`).Scan(&pruned); err != nil {
		t.Fatalf("count pruned: %v", err)
	}
	if pruned != 6 {
		t.Fatalf("expected 6 rows with synced=-1, got %d", pruned)
	}
}

func TestPruneExcessUnderCapIsNoop(t *testing.T) {
	db := openTestDB(t)
	appendEntry(t, db, "r1", OpInsert, 100, 1)
	n, err := PruneExcess(db, 10)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no pruning under the cap, got %d", n)
	}
}

func TestRetentionPruneDeletesOldUploadedOnly(t *testing.T) {
	db := openTestDB(t)
	oldID := appendEntry(t, db, "r1", OpInsert, 100, 1)
	appendEntry(t, db, "r2", OpInsert, 100, 1) // old but still pending
	newID := appendEntry(t, db, "r3", OpInsert, 900, 1)
	if err := MarkSynced(db, []int64{oldID, newID}); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	n, err := RetentionPrune(db, 500)
	if err != nil {
		t.Fatalf("retention prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the old uploaded row deleted, got %d", n)
	}

	var remaining int
	if err := db.QueryRow(`SELECT COUNT(*) FROM __sync_changes`).Scan(&remaining); err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 2 {
		t.Fatalf("expected 2 rows to survive, got %d", remaining)
	}
}

func TestDeviceStateWatermarks(t *testing.T) {
	db := openTestDB(t)
	if err := EnsureDevice(db, "dev1"); err != nil {
		t.Fatalf("ensure device: %v", err)
	}

	if err := SetLastUpload(db, "dev1", 111); err != nil {
		t.Fatalf("set last upload: %v", err)
	}
	if err := SetLastDownload(db, "dev1", 222); err != nil {
		t.Fatalf("set last download: %v", err)
	}

	d, err := GetDeviceState(db, "dev1")
	if err != nil {
		t.Fatalf("get device state: %v", err)
	}
	if d.LastUploadTimestamp != 111 || d.LastDownloadTimestamp != 222 {
		t.Fatalf("unexpected watermarks: %+v", d)
	}

	// EnsureDevice is idempotent and must not reset watermarks.
	if err := EnsureDevice(db, "dev1"); err != nil {
		t.Fatalf("re-ensure device: %v", err)
	}
	d, _ = GetDeviceState(db, "dev1")
	if d.LastDownloadTimestamp != 222 {
		t.Fatalf("expected watermark to survive re-ensure, got %d", d.LastDownloadTimestamp)
	}
}

func TestProcessedChangesSetSemantics(t *testing.T) {
	db := openTestDB(t)

	ok, err := IsProcessed(db, "c1")
	if err != nil {
		t.Fatalf("is processed: %v", err)
	}
	if ok {
		t.Fatalf("expected c1 unprocessed initially")
	}

	if err := MarkProcessed(db, "c1"); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if err := MarkProcessed(db, "c1"); err != nil {
		t.Fatalf("expected re-marking to be a no-op, got %v", err)
	}

	ok, _ = IsProcessed(db, "c1")
	if !ok {
		t.Fatalf("expected c1 processed after marking")
	}
}

func TestPluginVersionRoundTrip(t *testing.T) {
	db := openTestDB(t)

	v, _, err := GetPluginVersion(db)
	if err != nil {
		t.Fatalf("get plugin version: %v", err)
	}
	if v != "" {
		t.Fatalf("expected empty version before any reset, got %q", v)
	}

	if err := SetPluginVersion(db, "1.2.0", 555); err != nil {
		t.Fatalf("set plugin version: %v", err)
	}
	if err := SetPluginVersion(db, "1.3.0", 666); err != nil {
		t.Fatalf("overwrite plugin version: %v", err)
	}

	v, at, err := GetPluginVersion(db)
	if err != nil {
		t.Fatalf("get plugin version: %v", err)
	}
	if v != "1.3.0" || at != 666 {
		t.Fatalf("expected latest snapshot, got %q at %d", v, at)
	}
}
