// Package syncqueue implements the Sync Queue: process-local, in-memory
// bookkeeping of which tables have pending local changes and whether a
// remote-change notice is outstanding. None of this is durable — the
// change log is the durable record; the queue just tracks what still
// needs draining.
package syncqueue

import (
	"sync"

	"github.com/driftsync/engine/internal/changelog"
)

// RemoteChange is a single change downloaded from the server, awaiting
// merge/apply.
type RemoteChange struct {
	ChangeID  string
	Table     string
	RecordID  string
	Operation changelog.Operation
	Timestamp int64
	Version   int64
	Data      changelog.ChangePayload
}

// Queue tracks pending upload work per table and buffers downloaded
// remote changes awaiting application. Safe for concurrent use.
type Queue struct {
	mu sync.Mutex

	pendingUploads  map[string]map[changelog.Operation]bool
	pendingDownload bool
	remoteChanges   []RemoteChange
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{pendingUploads: make(map[string]map[changelog.Operation]bool)}
}

// AddLocal records that table has a pending local change of the given
// operation kind.
func (q *Queue) AddLocal(table string, op changelog.Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, ok := q.pendingUploads[table]
	if !ok {
		ops = make(map[changelog.Operation]bool)
		q.pendingUploads[table] = ops
	}
	ops[op] = true
}

// AddDownloadNotice flags that the server indicated there may be new
// remote changes.
func (q *Queue) AddDownloadNotice() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pendingDownload = true
}

// AddRemoteChanges appends downloaded remote changes to the buffer
// awaiting merge/apply.
func (q *Queue) AddRemoteChanges(changes []RemoteChange) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remoteChanges = append(q.remoteChanges, changes...)
}

// GetRemoteChanges returns a snapshot of the buffered remote changes.
func (q *Queue) GetRemoteChanges() []RemoteChange {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]RemoteChange, len(q.remoteChanges))
	copy(out, q.remoteChanges)
	return out
}

// ClearRemoteChanges empties the remote-change buffer.
func (q *Queue) ClearRemoteChanges() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remoteChanges = nil
}

// MarkTableUploaded clears table's pending-upload entry after a
// successful upload.
func (q *Queue) MarkTableUploaded(table string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pendingUploads, table)
}

// MarkDownloadProcessed clears the download notice flag.
func (q *Queue) MarkDownloadProcessed() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pendingDownload = false
}

// IsEmpty reports whether there is no pending upload work and no
// outstanding download notice.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pendingUploads) == 0 && !q.pendingDownload
}

// PendingTables returns the tables currently carrying pending local
// changes, in no particular order.
func (q *Queue) PendingTables() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	tables := make([]string, 0, len(q.pendingUploads))
	for t := range q.pendingUploads {
		tables = append(tables, t)
	}
	return tables
}

// HasPendingDownload reports whether a download notice is outstanding.
func (q *Queue) HasPendingDownload() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingDownload
}
