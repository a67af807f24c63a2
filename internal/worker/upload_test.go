package worker

import (
	"testing"

	"github.com/driftsync/engine/internal/changelog"
)

func TestGroupByOperationPreservesOrderAndPartitions(t *testing.T) {
	entries := []changelog.Entry{
		{ID: 1, RecordID: "a", Operation: changelog.OpInsert},
		{ID: 2, RecordID: "b", Operation: changelog.OpUpdate},
		{ID: 3, RecordID: "c", Operation: changelog.OpInsert},
		{ID: 4, RecordID: "d", Operation: changelog.OpDelete},
	}

	groups := groupByOperation(entries)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups (insert, update, delete), got %d", len(groups))
	}
	if groups[0][0].Operation != changelog.OpInsert || len(groups[0]) != 2 {
		t.Fatalf("expected insert group of 2 first, got %+v", groups[0])
	}
	if groups[1][0].Operation != changelog.OpUpdate || len(groups[1]) != 1 {
		t.Fatalf("expected update group of 1 second, got %+v", groups[1])
	}
	if groups[2][0].Operation != changelog.OpDelete || len(groups[2]) != 1 {
		t.Fatalf("expected delete group of 1 last, got %+v", groups[2])
	}
}

func TestGroupByOperationEmptyInput(t *testing.T) {
	if groups := groupByOperation(nil); groups != nil {
		t.Fatalf("expected nil groups for empty input, got %+v", groups)
	}
}

func TestSplitBatchesRespectsMaxSize(t *testing.T) {
	entries := make([]changelog.Entry, 7)
	for i := range entries {
		entries[i] = changelog.Entry{ID: int64(i)}
	}

	batches := splitBatches(entries, 3)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches of size <= 3, got %d", len(batches))
	}
	if len(batches[0]) != 3 || len(batches[1]) != 3 || len(batches[2]) != 1 {
		t.Fatalf("unexpected batch sizes: %d, %d, %d", len(batches[0]), len(batches[1]), len(batches[2]))
	}
}

func TestSplitBatchesZeroSizeMeansOneBatch(t *testing.T) {
	entries := []changelog.Entry{{ID: 1}, {ID: 2}}
	batches := splitBatches(entries, 0)
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("expected one batch containing everything, got %+v", batches)
	}
}

func TestSplitBatchesEmptyInput(t *testing.T) {
	if batches := splitBatches(nil, 5); batches != nil {
		t.Fatalf("expected nil batches for empty input, got %+v", batches)
	}
}

func TestErrUploadRejectedMessage(t *testing.T) {
	err := errUploadRejected("notes")
	if err.Error() != "worker: upload rejected for table notes" {
		t.Fatalf("unexpected error message: %q", err.Error())
	}
}
