// Package engine is the composition root: it constructs every
// collaborator — store, schema manager, facade, sync queue, notifier,
// scheduler, worker, network client, metrics — wires them together,
// and exposes the handful of operations the embedding application or
// the daemon actually calls. Dependencies are built in order and
// handed to the next layer up; there is no package-level state.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftsync/engine/internal/changelog"
	"github.com/driftsync/engine/internal/config"
	"github.com/driftsync/engine/internal/facade"
	"github.com/driftsync/engine/internal/metrics"
	"github.com/driftsync/engine/internal/netclient"
	"github.com/driftsync/engine/internal/notifier"
	"github.com/driftsync/engine/internal/scheduler"
	"github.com/driftsync/engine/internal/schema"
	"github.com/driftsync/engine/internal/store"
	"github.com/driftsync/engine/internal/syncqueue"
	"github.com/driftsync/engine/internal/worker"
)

const dbRelPath = "drift.db"

// InitializationError reports a missing identity the sync engine cannot
// operate without. Raised synchronously from Open rather than surfacing
// later as a failed upload.
type InitializationError struct {
	Missing string
}

func (e *InitializationError) Error() string {
	return "engine: missing " + e.Missing
}

// Engine is one embedding application's fully wired sync engine. One
// instance per open database.
type Engine struct {
	cfg config.Config

	db       *store.DB
	schema   *schema.Manager
	facade   *facade.Facade
	queue    *syncqueue.Queue
	notify   *notifier.Notifier
	watchers *notifier.WatcherRegistry
	sched    *scheduler.Scheduler
	worker   *worker.Worker
	net      *netclient.Client
	mx       *metrics.Metrics

	online atomic.Bool

	mu          sync.Mutex
	started     bool
	stopped     bool
	pushCancel  context.CancelFunc
	sweepCancel context.CancelFunc
	wg          sync.WaitGroup
}

// Open constructs an Engine from a resolved daemon Config: opens (or
// creates) the SQLite database under cfg.Process.DataDir, initializes
// the sync system tables, and wires every collaborator. The engine
// starts in the online state; call SetConnectivity(false) if the
// embedding application's own connectivity monitor starts offline.
func Open(cfg *config.Config) (*Engine, error) {
	if cfg.DeviceID == "" {
		return nil, &InitializationError{Missing: "device id"}
	}
	db, err := store.Open(cfg.Process.DataDir, dbRelPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	schemaMgr := schema.New(db.Conn)
	if err := schemaMgr.Initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: initialize schema: %w", err)
	}
	if err := changelog.EnsureDevice(db.Conn, cfg.DeviceID); err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: ensure device: %w", err)
	}

	net := netclient.New(cfg.Sync.ServerURL, nil)
	net.Setup(cfg.Process.ProjectID, cfg.Process.AuthToken, cfg.DeviceID)
	if cfg.Process.UserID != "" {
		net.SetUserID(cfg.Process.UserID)
	}

	e := &Engine{
		cfg:    *cfg,
		db:     db,
		schema: schemaMgr,
		facade: facade.New(db.Conn),
		queue:  syncqueue.New(),
		notify: notifier.New(0),
		net:    net,
		mx:     metrics.New(),
	}
	e.watchers = notifier.NewWatcherRegistry(db.Conn, e.notify)
	e.online.Store(true)

	e.sched = scheduler.New(cfg.Sync.DebounceInterval, e.runSync, e.queue.AddLocal, e.queue.AddDownloadNotice)

	e.worker = worker.New(db.Conn, e.queue, schemaMgr, net, e.notify, e.isOnline, worker.Config{
		DeviceID:             cfg.DeviceID,
		UserID:               cfg.Process.UserID,
		MaxBatchSize:         cfg.Sync.MaxBatchSize,
		QueueCap:             cfg.Sync.QueueCap,
		RetentionDays:        cfg.Sync.ChangeLogRetentionDays,
		PeriodicSyncInterval: cfg.Sync.PeriodicSyncInterval,
		ConflictStrategy:     cfg.Sync.ConflictStrategy,
		SnapshotThreshold:    cfg.Sync.SnapshotThreshold,
	})
	e.worker.SetObserver(e.mx)

	return e, nil
}

// runSync is the Scheduler's SyncFunc: it just delegates to the worker,
// which already knows how to upload-then-download in one pass and is
// its own single-flight guard.
func (e *Engine) runSync() {
	e.worker.ProcessQueue(context.Background())
}

func (e *Engine) isOnline() bool { return e.online.Load() }

// TrackTable installs change tracking on table and, if the
// sync_existing_data knob is enabled (the default), backfills any rows
// already present so they appear in the next upload.
func (e *Engine) TrackTable(table string) error {
	if !schema.IsUserTable(table) {
		return fmt.Errorf("engine: %q is a reserved table name, not eligible for change tracking", table)
	}
	return e.db.WithWriteLock(func() error {
		if err := e.schema.SetupChangeTracking(table); err != nil {
			return fmt.Errorf("engine: track table %s: %w", table, err)
		}
		if e.cfg.Sync.SyncExistingData {
			if err := e.worker.BackfillExisting(table); err != nil {
				return fmt.Errorf("engine: backfill table %s: %w", table, err)
			}
		}
		return nil
	})
}

// Insert performs a structured insert through the Database Facade,
// then schedules table for upload and fans out a change notification.
// As with Exec, the change-tracking trigger installed by TrackTable
// appends the change-log row; the scheduling and notification are done
// here explicitly.
func (e *Engine) Insert(table string, fields map[string]any) (string, error) {
	var gid string
	err := e.db.WithWriteLock(func() error {
		var err error
		gid, err = e.facade.Insert(table, fields)
		return err
	})
	if err != nil {
		return "", err
	}
	e.afterWrite([]string{table}, changelog.OpInsert)
	return gid, nil
}

// Exec runs a raw mutating statement (UPDATE/DELETE by global_id, or
// any other application SQL) outside a transaction. The affected
// table(s) are extracted from the statement text and scheduled for
// upload; the change-tracking trigger installed by TrackTable is what
// actually appends the change-log row.
func (e *Engine) Exec(stmt string, args ...any) (sql.Result, error) {
	kind := facade.Classify(stmt)
	if kind == facade.KindReadOnly {
		return e.db.Conn.Exec(stmt, args...)
	}

	var res sql.Result
	err := e.db.WithWriteLock(func() error {
		var err error
		res, err = e.db.Conn.Exec(stmt, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.afterWrite(facade.AffectedTables(stmt), operationForKind(kind))
	return res, nil
}

// WithTx runs fn inside a single facade transaction. On success, every
// table the transaction touched is scheduled for upload and notified
// once, after commit — mirroring facade.Tx's own accumulate-then-fan-out
// design.
func (e *Engine) WithTx(fn func(*facade.Tx) error) error {
	var tables []string
	err := e.db.WithWriteLock(func() error {
		tx, err := e.facade.Begin()
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		tables, err = tx.Commit()
		return err
	})
	if err != nil {
		return err
	}
	e.afterWrite(tables, changelog.OpUpdate)
	return nil
}

func operationForKind(k facade.Kind) changelog.Operation {
	switch k {
	case facade.KindInsert:
		return changelog.OpInsert
	case facade.KindDelete:
		return changelog.OpDelete
	default:
		return changelog.OpUpdate
	}
}

func (e *Engine) afterWrite(tables []string, op changelog.Operation) {
	for _, t := range tables {
		e.sched.ScheduleUpload(t, op)
		e.notify.Notify(notifier.Event{Table: t, TriggerSync: true})
		if n, err := changelog.Pending(e.db.Conn, t); err == nil {
			e.mx.SetQueueDepth(t, len(n))
		}
	}
}

// OnAny registers a listener for change notifications across every
// table, for an embedding application's live-query layer.
func (e *Engine) OnAny(l notifier.Listener) { e.notify.OnAny(l) }

// On registers a listener for change notifications on a single table.
func (e *Engine) On(table string, l notifier.Listener) { e.notify.On(table, l) }

// Watch runs query once to seed and re-runs it whenever one of its
// affected tables changes, publishing the latest result set on the
// returned Watcher's channel.
func (e *Engine) Watch(query string, args ...any) *notifier.Watcher {
	return e.watchers.Watch(query, args...)
}

// ForceSync triggers an immediate upload-then-download pass, bypassing
// the debounce window.
func (e *Engine) ForceSync() { e.sched.ForceSyncNow() }

// SetConnectivity updates the engine's view of network reachability.
// Transitioning from offline to online immediately attempts a sync
// pass, rather than waiting for the next debounce or periodic sweep.
func (e *Engine) SetConnectivity(online bool) {
	was := e.online.Swap(online)
	if online && !was {
		e.worker.OnConnectivityRestored(context.Background())
	}
}

// MetricsHandler returns the Prometheus scrape handler for this
// engine's operational metrics.
func (e *Engine) MetricsHandler() http.Handler { return e.mx.Handler() }

// DB exposes the underlying connection so the embedding application can
// create and migrate its own tables before calling TrackTable — the
// engine owns change tracking, not application schema.
func (e *Engine) DB() *sql.DB { return e.db.Conn }

// Start launches the engine's two background loops: the periodic
// sweep (upload/download retry plus retention cleanup) and the
// server-initiated push-notification listener. Safe to call once per
// Engine; a second call is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	e.sweepCancel = sweepCancel
	e.wg.Add(1)
	go e.runPeriodicSweep(sweepCtx)

	pushCtx, pushCancel := context.WithCancel(ctx)
	e.pushCancel = pushCancel
	notifications, _ := e.net.ListenForRemoteChanges(pushCtx)
	e.mx.SetPushConnected(true)
	e.wg.Add(1)
	go e.runPushListener(notifications)
}

func (e *Engine) runPeriodicSweep(ctx context.Context) {
	defer e.wg.Done()
	interval := e.cfg.Sync.PeriodicSyncInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.worker.PeriodicSweep(ctx)
		}
	}
}

func (e *Engine) runPushListener(notifications <-chan netclient.PushNotification) {
	defer e.wg.Done()
	defer e.mx.SetPushConnected(false)
	for n := range notifications {
		slog.Debug("engine: push notification received", "source_device", n.SourceDeviceID, "change_count", n.ChangeCount)
		e.sched.ScheduleDownload()
	}
}

// Stop cancels the background loops, waits for them to exit, closes
// the notifier's pending debounce timers, and checkpoints and closes
// the database. Safe to call once; a second call is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	if e.pushCancel != nil {
		e.pushCancel()
	}
	if e.sweepCancel != nil {
		e.sweepCancel()
	}
	e.net.Disconnect()
	e.wg.Wait()
	e.notify.Close()
	return e.db.Close()
}

// Reset re-provisions every system and tracked table when
// currentVersion differs from what's stored, per the Schema Manager's
// version-gated reset path. The embedding application calls this at
// startup, before TrackTable, when it knows its own plugin version.
func (e *Engine) Reset(currentVersion string) error {
	tables, err := e.schema.ListUserTables()
	if err != nil {
		return fmt.Errorf("engine: reset: list tables: %w", err)
	}
	return e.db.WithWriteLock(func() error {
		return e.schema.Reset(currentVersion, tables)
	})
}
