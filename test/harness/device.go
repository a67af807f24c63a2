package harness

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/driftsync/engine/internal/changelog"
	"github.com/driftsync/engine/internal/facade"
	"github.com/driftsync/engine/internal/merge"
	"github.com/driftsync/engine/internal/netclient"
	"github.com/driftsync/engine/internal/notifier"
	"github.com/driftsync/engine/internal/schema"
	"github.com/driftsync/engine/internal/syncqueue"
	"github.com/driftsync/engine/internal/worker"
)

// Device is one simulated client: its own in-memory SQLite database,
// fully wired sync engine, and a channel connection to the shared
// FakeServer.
type Device struct {
	t        *testing.T
	DeviceID string
	DB       *sql.DB
	Facade   *facade.Facade
	Schema   *schema.Manager
	Queue    *syncqueue.Queue
	Notifier *notifier.Notifier
	Worker   *worker.Worker
}

// serverConn adapts a (FakeServer, deviceID) pair to worker.Network. The
// download watermark is whatever the worker passes in (backed by the
// device's own changelog device-state row) — there is no separate
// cursor to keep in sync.
type serverConn struct {
	server   *FakeServer
	deviceID string
}

func (c *serverConn) UploadChanges(ctx context.Context, changes []netclient.WireChange) (bool, error) {
	ok := c.server.Upload(ctx, c.deviceID, nowMillis(), changes)
	return ok, nil
}

func (c *serverConn) DownloadChanges(ctx context.Context, since int64) (netclient.DownloadResult, error) {
	changes, maxID, sessionID := c.server.Download(ctx, c.deviceID, since)
	return netclient.DownloadResult{Changes: changes, Timestamp: maxID, SyncSessionID: sessionID}, nil
}

func (c *serverConn) ReportConflict(ctx context.Context, tableName, recordID, strategy string, clientData, serverData, resolvedData any, syncSessionID string) {
	c.server.reportConflict(tableName, recordID, strategy, syncSessionID)
}

func (c *serverConn) GetSnapshot(ctx context.Context) (*netclient.SnapshotResult, error) {
	return nil, nil
}

var millisCounter int64

// nowMillis returns a monotonically increasing fake clock reading,
// avoiding a dependency on wall-clock resolution in fast test loops
// (Date.now()-style timestamps need not be real, only increasing).
func nowMillis() int64 {
	millisCounter++
	return millisCounter
}

// NewDevice opens a fresh in-memory database, initializes the schema
// manager and change log, and wires every collaborator for table.
func NewDevice(t *testing.T, server *FakeServer, deviceID string, strategy merge.Strategy, resolver merge.Resolver) *Device {
	t.Helper()

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", deviceID))
	if err != nil {
		t.Fatalf("harness: open db for %s: %v", deviceID, err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	mgr := schema.New(db)
	if err := mgr.Initialize(); err != nil {
		t.Fatalf("harness: initialize schema: %v", err)
	}
	if err := changelog.EnsureDevice(db, deviceID); err != nil {
		t.Fatalf("harness: ensure device: %v", err)
	}

	q := syncqueue.New()
	n := notifier.New(0)
	t.Cleanup(n.Close)

	d := &Device{
		t:        t,
		DeviceID: deviceID,
		DB:       db,
		Facade:   facade.New(db),
		Schema:   mgr,
		Queue:    q,
		Notifier: n,
	}

	conn := &serverConn{server: server, deviceID: deviceID}
	d.Worker = worker.New(db, q, mgr, conn, n, func() bool { return true }, worker.Config{
		DeviceID:         deviceID,
		ConflictStrategy: strategy,
		CustomResolver:   resolver,
	})

	return d
}

// Track installs change tracking on table (idempotent), mirroring what
// the embedding application does once per tracked table at open time.
func (d *Device) Track(table string) {
	d.t.Helper()
	if err := d.Schema.SetupChangeTracking(table); err != nil {
		d.t.Fatalf("harness: setup change tracking on %s: %v", table, err)
	}
}

// Insert performs a structured insert through the Database Facade and
// enqueues the resulting table for upload, as the engine's notifier
// wiring would do in response to the trigger firing.
func (d *Device) Insert(table string, fields map[string]any) string {
	d.t.Helper()
	gid, err := d.Facade.Insert(table, fields)
	if err != nil {
		d.t.Fatalf("harness: insert into %s: %v", table, err)
	}
	d.Queue.AddLocal(table, changelog.OpInsert)
	return gid
}

// Exec runs a raw mutating statement (e.g. an UPDATE or DELETE by
// global_id) and enqueues the table, mirroring facade.Tx's commit-time
// fan-out in the single-statement case.
func (d *Device) Exec(table, stmt string, args ...any) {
	d.t.Helper()
	if _, err := d.DB.Exec(stmt, args...); err != nil {
		d.t.Fatalf("harness: exec on %s: %v", table, err)
	}
	d.Queue.AddLocal(table, changelog.OpUpdate)
}

// Sync forces the queue to drain immediately: upload then download, in
// one pass, mirroring force_sync_now.
func (d *Device) Sync(ctx context.Context) {
	d.t.Helper()
	d.Queue.AddDownloadNotice()
	d.Worker.ProcessQueue(ctx)
}

// Get fetches one column's value from table by global_id, for test
// assertions.
func (d *Device) Get(table, globalID, column string) (any, error) {
	row := d.DB.QueryRow(fmt.Sprintf(`SELECT %s FROM %s WHERE global_id = ?`, column, table), globalID)
	var v any
	if err := row.Scan(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Exists reports whether a row with the given global_id is still
// present in table.
func (d *Device) Exists(table, globalID string) (bool, error) {
	var n int
	row := d.DB.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE global_id = ?`, table), globalID)
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
