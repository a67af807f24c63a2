package syncqueue

import (
	"testing"

	"github.com/driftsync/engine/internal/changelog"
)

func TestQueueIsEmptyInitially(t *testing.T) {
	q := New()
	if !q.IsEmpty() {
		t.Fatalf("expected new queue to be empty")
	}
}

func TestAddLocalMarksNotEmpty(t *testing.T) {
	q := New()
	q.AddLocal("tasks", changelog.OpInsert)
	if q.IsEmpty() {
		t.Fatalf("expected queue to be non-empty after AddLocal")
	}
	tables := q.PendingTables()
	if len(tables) != 1 || tables[0] != "tasks" {
		t.Fatalf("expected pending table [tasks], got %v", tables)
	}
}

func TestMarkTableUploadedClears(t *testing.T) {
	q := New()
	q.AddLocal("tasks", changelog.OpInsert)
	q.MarkTableUploaded("tasks")
	if !q.IsEmpty() {
		t.Fatalf("expected queue empty after MarkTableUploaded")
	}
}

func TestDownloadNoticeLifecycle(t *testing.T) {
	q := New()
	q.AddDownloadNotice()
	if !q.HasPendingDownload() {
		t.Fatalf("expected pending download notice")
	}
	if q.IsEmpty() {
		t.Fatalf("expected queue non-empty with pending download")
	}
	q.MarkDownloadProcessed()
	if q.HasPendingDownload() {
		t.Fatalf("expected download notice cleared")
	}
}

func TestRemoteChangesBuffer(t *testing.T) {
	q := New()
	q.AddRemoteChanges([]RemoteChange{{ChangeID: "c1", Table: "tasks", RecordID: "r1"}})
	got := q.GetRemoteChanges()
	if len(got) != 1 || got[0].ChangeID != "c1" {
		t.Fatalf("expected buffered remote change, got %v", got)
	}
	q.ClearRemoteChanges()
	if len(q.GetRemoteChanges()) != 0 {
		t.Fatalf("expected empty buffer after ClearRemoteChanges")
	}
}
