// Package worker implements the Sync Worker: the execution pipeline
// that drains the Sync Queue, batches uploads by table and operation
// through the Change Aggregator, downloads and merges remote changes
// through the Merge Engine, applies them with triggers suppressed, and
// advances the device's sync watermarks.
package worker

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/driftsync/engine/internal/changelog"
	"github.com/driftsync/engine/internal/merge"
	"github.com/driftsync/engine/internal/netclient"
	"github.com/driftsync/engine/internal/notifier"
	"github.com/driftsync/engine/internal/schema"
	"github.com/driftsync/engine/internal/syncqueue"
)

// Config is the worker's slice of the engine's configuration knobs.
type Config struct {
	DeviceID             string
	UserID               string
	MaxBatchSize         int           // default 500
	QueueCap             int           // default 10000
	RetentionDays        int           // default 30
	PeriodicSyncInterval time.Duration // default 5 min
	ConflictStrategy     merge.Strategy
	CustomResolver       merge.Resolver
	// SnapshotThreshold, if > 0, makes the worker attempt a bootstrap
	// snapshot before downloading whenever the device's download
	// watermark is still 0 (new-device fast path). Only its sign is
	// consulted: the value is not compared against any timestamp gap,
	// and the local change log is not checked. Zero disables snapshot
	// bootstrap.
	SnapshotThreshold int64
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 500
	}
	if c.QueueCap <= 0 {
		c.QueueCap = 10000
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	if c.PeriodicSyncInterval <= 0 {
		c.PeriodicSyncInterval = 5 * time.Minute
	}
	if c.ConflictStrategy == "" {
		c.ConflictStrategy = merge.LastWriteWins
	}
	return c
}

// Network is the subset of the Network Client the worker calls against,
// narrowed for testability.
type Network interface {
	UploadChanges(ctx context.Context, changes []netclient.WireChange) (bool, error)
	DownloadChanges(ctx context.Context, since int64) (netclient.DownloadResult, error)
	ReportConflict(ctx context.Context, tableName, recordID, strategy string, clientData, serverData, resolvedData any, syncSessionID string)
	GetSnapshot(ctx context.Context) (*netclient.SnapshotResult, error)
}

// Online reports current connectivity; supplied by the embedding
// application's connectivity monitor.
type Online func() bool

// Observer receives operational counters from the worker as it runs.
// Defined here, narrowly, so this package doesn't depend on the
// internal/metrics package directly — the engine composition root wires
// a concrete *metrics.Metrics in, satisfying this interface structurally.
type Observer interface {
	SetQueueDepth(table string, n int)
	RecordUpload(table string, ok bool)
	RecordDownload(ok bool)
	RecordApplied(table string)
	RecordPruned(n int)
	RecordConflict(strategy string)
}

type noopObserver struct{}

func (noopObserver) SetQueueDepth(string, int) {}
func (noopObserver) RecordUpload(string, bool) {}
func (noopObserver) RecordDownload(bool)       {}
func (noopObserver) RecordApplied(string)      {}
func (noopObserver) RecordPruned(int)          {}
func (noopObserver) RecordConflict(string)     {}

// Worker is the Sync Worker. One instance per open database.
type Worker struct {
	db     *sql.DB
	cfg    Config
	queue  *syncqueue.Queue
	schema *schema.Manager
	net    Network
	notify *notifier.Notifier
	online Online
	obs    Observer

	mu      sync.Mutex
	syncing bool
}

// New constructs a Worker wired to its collaborators.
func New(db *sql.DB, queue *syncqueue.Queue, schemaMgr *schema.Manager, net Network, notify *notifier.Notifier, online Online, cfg Config) *Worker {
	if online == nil {
		online = func() bool { return true }
	}
	return &Worker{
		db:     db,
		cfg:    cfg.withDefaults(),
		queue:  queue,
		schema: schemaMgr,
		net:    net,
		notify: notify,
		online: online,
		obs:    noopObserver{},
	}
}

// SetObserver wires a metrics observer. Optional — a Worker built via
// New and never given one reports to a no-op sink.
func (w *Worker) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	w.obs = o
}

// ProcessQueue is the sync callback the engine registers with the
// scheduler: upload path first if any table has pending work, then
// download path if a download notice is outstanding. A no-op if
// already syncing, the queue is empty, or the device is offline.
func (w *Worker) ProcessQueue(ctx context.Context) {
	w.mu.Lock()
	if w.syncing {
		w.mu.Unlock()
		return
	}
	if w.queue.IsEmpty() {
		w.mu.Unlock()
		return
	}
	if !w.online() {
		w.mu.Unlock()
		return
	}
	w.syncing = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.syncing = false
		w.mu.Unlock()
	}()

	tables := w.queue.PendingTables()
	if len(tables) > 0 {
		if err := w.uploadPath(ctx, tables); err != nil {
			slog.Error("worker: upload path failed", "err", err)
		}
	}
	if w.queue.HasPendingDownload() {
		if err := w.downloadPath(ctx); err != nil {
			slog.Error("worker: download path failed", "err", err)
		}
	}

	if n, err := changelog.PruneExcess(w.db, w.cfg.QueueCap); err != nil {
		slog.Error("worker: queue-cap prune failed", "err", err)
	} else if n > 0 {
		slog.Warn("worker: pruned change-log entries over queue cap", "pruned", n, "cap", w.cfg.QueueCap)
		w.obs.RecordPruned(int(n))
	}
}

// PeriodicSweep runs process_queue proactively and performs the
// at-most-once-per-24h retention cleanup. The engine wires this to a
// ticker at cfg.PeriodicSyncInterval.
func (w *Worker) PeriodicSweep(ctx context.Context) {
	w.ProcessQueue(ctx)
	w.runRetentionCleanup()
}

// OnConnectivityRestored reacts to the connectivity monitor's
// "connection restored" edge by immediately attempting process_queue,
// rather than waiting for the next debounce or periodic sweep.
func (w *Worker) OnConnectivityRestored(ctx context.Context) {
	w.ProcessQueue(ctx)
}

func (w *Worker) runRetentionCleanup() {
	device, err := changelog.GetDeviceState(w.db, w.cfg.DeviceID)
	if err != nil {
		return
	}
	if time.Since(time.UnixMilli(device.LastCleanupTimestamp)) < 24*time.Hour {
		return
	}
	horizon := time.Now().AddDate(0, 0, -w.cfg.RetentionDays).UnixMilli()
	n, err := changelog.RetentionPrune(w.db, horizon)
	if err != nil {
		slog.Error("worker: retention prune failed", "err", err)
		return
	}
	if err := changelog.SetLastCleanup(w.db, w.cfg.DeviceID, time.Now().UnixMilli()); err != nil {
		slog.Error("worker: record cleanup timestamp failed", "err", err)
		return
	}
	slog.Info("worker: retention cleanup ran", "deleted", n, "retention_days", w.cfg.RetentionDays)
}
