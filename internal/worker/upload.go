package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/driftsync/engine/internal/aggregator"
	"github.com/driftsync/engine/internal/changelog"
	"github.com/driftsync/engine/internal/netclient"
)

// maxConcurrentTableUploads bounds how many tables' batch uploads run
// at once, so a device tracking many tables doesn't open one HTTP
// request per table simultaneously.
const maxConcurrentTableUploads = 4

// uploadPath is the Sync Batch Processor: for each
// table with pending work, collapse its change log through the
// Aggregator, group by operation to preserve wire homogeneity, split
// into batches of at most MaxBatchSize, and upload each batch in turn.
// Tables are processed concurrently (bounded), since one table's
// change log is independent of another's — a batch failure for one
// table stops only that table's upload and leaves it unmarked, so it's
// retried whole on the next cycle, while the rest proceed.
func (w *Worker) uploadPath(ctx context.Context, tables []string) error {
	// A plain (non-context-propagating) errgroup: one table's failure
	// must not cancel another table's in-flight upload.
	var g errgroup.Group
	g.SetLimit(maxConcurrentTableUploads)

	for _, table := range tables {
		table := table
		g.Go(func() error {
			if err := w.uploadTable(ctx, table); err != nil {
				slog.Error("worker: upload failed for table", "table", table, "err", err)
				return err
			}
			w.queue.MarkTableUploaded(table)
			return nil
		})
	}

	return g.Wait()
}

func (w *Worker) uploadTable(ctx context.Context, table string) error {
	entries, err := changelog.Pending(w.db, table)
	if err != nil {
		return err
	}
	w.obs.SetQueueDepth(table, len(entries))
	result := aggregator.Collapse(entries)

	if len(result.Changes) == 0 {
		// Every record in this batch was eliminated (INSERT-then-DELETE)
		// or there was simply nothing pending; still mark the consumed
		// ids synced so they're never re-considered.
		return w.finishUpload(result.ConsumedIDs)
	}

	for _, group := range groupByOperation(result.Changes) {
		for _, batch := range splitBatches(group, w.cfg.MaxBatchSize) {
			wire := make([]netclient.WireChange, len(batch))
			for i, c := range batch {
				wire[i] = netclient.WireChange{
					ChangeID:  c.ID,
					TableName: c.TableName,
					RecordID:  c.RecordID,
					Operation: c.Operation,
					Timestamp: c.Timestamp,
					Version:   c.Version,
					Data:      c.Data,
				}
			}
			ok, err := w.net.UploadChanges(ctx, wire)
			if err != nil {
				w.obs.RecordUpload(table, false)
				return err
			}
			w.obs.RecordUpload(table, ok)
			if !ok {
				return errUploadRejected(table)
			}
		}
	}

	return w.finishUpload(result.ConsumedIDs)
}

func (w *Worker) finishUpload(consumedIDs []int64) error {
	if err := changelog.MarkSynced(w.db, consumedIDs); err != nil {
		return err
	}
	return changelog.SetLastUpload(w.db, w.cfg.DeviceID, time.Now().UnixMilli())
}

// groupByOperation partitions changes by Operation, preserving each
// group's incoming (record_id, timestamp ASC) order from the Aggregator.
func groupByOperation(changes []changelog.Entry) [][]changelog.Entry {
	order := []changelog.Operation{changelog.OpInsert, changelog.OpUpdate, changelog.OpDelete}
	byOp := make(map[changelog.Operation][]changelog.Entry, 3)
	for _, c := range changes {
		byOp[c.Operation] = append(byOp[c.Operation], c)
	}
	var groups [][]changelog.Entry
	for _, op := range order {
		if g := byOp[op]; len(g) > 0 {
			groups = append(groups, g)
		}
	}
	return groups
}

func splitBatches(entries []changelog.Entry, size int) [][]changelog.Entry {
	if size <= 0 {
		size = len(entries)
		if size == 0 {
			return nil
		}
	}
	var batches [][]changelog.Entry
	for i := 0; i < len(entries); i += size {
		end := i + size
		if end > len(entries) {
			end = len(entries)
		}
		batches = append(batches, entries[i:end])
	}
	return batches
}

type uploadRejectedError struct{ table string }

func (e uploadRejectedError) Error() string {
	return "worker: upload rejected for table " + e.table
}

func errUploadRejected(table string) error { return uploadRejectedError{table} }
