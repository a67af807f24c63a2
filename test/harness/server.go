// Package harness provides a multi-device simulated-sync test harness:
// several in-process devices, each with its own SQLite database and
// sync engine wiring, driven against a single in-memory fake server.
// The fake server exists solely to drive these tests; it is not a
// product deliverable.
package harness

import (
	"context"
	"sync"

	"github.com/driftsync/engine/internal/netclient"
)

// ConflictReport is one telemetry event the fake server recorded via
// ReportConflict.
type ConflictReport struct {
	Table, RecordID, Strategy, SyncSessionID string
}

// FakeServer is the in-memory stand-in for the wire protocol's other
// end: an append-only log of changes from every device, handed back
// incrementally per device, excluding that device's own writes.
type FakeServer struct {
	mu        sync.Mutex
	nextID    int64
	entries   []storedChange
	conflicts []ConflictReport
	sessionN  int
}

type storedChange struct {
	id     int64
	device string
	ts     int64
	change netclient.WireChange
}

// NewFakeServer creates an empty server.
func NewFakeServer() *FakeServer { return &FakeServer{} }

// Upload records a batch of changes from deviceID, stamping each with a
// server-assigned change id and the upload's timestamp.
func (s *FakeServer) Upload(ctx context.Context, deviceID string, ts int64, changes []netclient.WireChange) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range changes {
		s.nextID++
		c.ChangeID = s.nextID
		s.entries = append(s.entries, storedChange{id: s.nextID, device: deviceID, ts: ts, change: c})
	}
	return true
}

// Download returns every change uploaded by a device other than
// deviceID, with a server id greater than sinceID (the harness uses the
// monotonically increasing change id as the "since" cursor, since the
// fake server assigns it in upload order).
func (s *FakeServer) Download(ctx context.Context, deviceID string, sinceID int64) ([]netclient.WireChange, int64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []netclient.WireChange
	maxID := sinceID
	for _, e := range s.entries {
		if e.device == deviceID {
			continue
		}
		if e.id <= sinceID {
			continue
		}
		out = append(out, e.change)
		if e.id > maxID {
			maxID = e.id
		}
	}
	s.sessionN++
	return out, maxID, sessionLabel(s.sessionN)
}

func (s *FakeServer) reportConflict(table, recordID, strategy, syncSessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = append(s.conflicts, ConflictReport{Table: table, RecordID: recordID, Strategy: strategy, SyncSessionID: syncSessionID})
}

// Conflicts returns every conflict report telemetry event recorded so far.
func (s *FakeServer) Conflicts() []ConflictReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConflictReport, len(s.conflicts))
	copy(out, s.conflicts)
	return out
}

func sessionLabel(n int) string {
	const digits = "0123456789abcdef"
	if n == 0 {
		return "sess-0"
	}
	buf := make([]byte, 0, 8)
	for n > 0 {
		buf = append([]byte{digits[n%16]}, buf...)
		n /= 16
	}
	return "sess-" + string(buf)
}
