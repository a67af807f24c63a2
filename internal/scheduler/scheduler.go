// Package scheduler implements the Sync Scheduler: debounce and
// single-flight semantics for the upload and download directions, with
// separate timers and in-progress flags and a download-yields-to-upload
// suppression rule.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/driftsync/engine/internal/changelog"
)

// DefaultDebounce is the default debounce window for both directions.
const DefaultDebounce = 5 * time.Second

// SyncFunc runs one full sync pass (upload then, if applicable,
// download) and is supplied by the Sync Worker.
type SyncFunc func()

// Scheduler coordinates when the sync callback fires, enforcing that
// upload and download are each single-flight and that downloads yield to
// an in-flight or scheduled upload.
type Scheduler struct {
	debounce time.Duration
	sync     SyncFunc
	onLocal  func(table string, op changelog.Operation)
	onNotice func()

	mu                 sync.Mutex
	uploadScheduled    bool
	downloadScheduled  bool
	uploadInProgress   bool
	downloadInProgress bool
	uploadTimer        *time.Timer
	downloadTimer      *time.Timer
}

// New creates a Scheduler. debounce <= 0 uses DefaultDebounce. sync is
// invoked from a timer goroutine whenever a debounce window elapses, and
// on the caller's goroutine when ForceSyncNow is called; onLocal/onNotice let the Scheduler update the
// caller's Sync Queue before scheduling.
func New(debounce time.Duration, sync SyncFunc, onLocal func(string, changelog.Operation), onNotice func()) *Scheduler {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Scheduler{debounce: debounce, sync: sync, onLocal: onLocal, onNotice: onNotice}
}

// ScheduleUpload records a pending local change and arms (or
// re-arms) the upload debounce timer. If an upload is already in
// progress, the change is queued but no new timer starts — it will be
// picked up by process_queue on the next cycle.
func (s *Scheduler) ScheduleUpload(table string, op changelog.Operation) {
	if s.onLocal != nil {
		s.onLocal(table, op)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploadInProgress {
		return
	}
	if s.uploadTimer != nil {
		s.uploadTimer.Stop()
	}
	// Any armed download timer yields: the upload-fired pass drains the
	// download notice too, so nothing is lost by disarming it here.
	if s.downloadTimer != nil {
		s.downloadTimer.Stop()
		s.downloadTimer = nil
		s.downloadScheduled = false
	}
	s.uploadScheduled = true
	s.uploadTimer = time.AfterFunc(s.debounce, s.fireUpload)
}

// ScheduleDownload records a download notice. If a download is already
// in progress, it's a no-op beyond recording the notice. If any upload is
// scheduled or in progress, the download timer is suppressed entirely —
// downloads yield to uploads until the upload path completes.
func (s *Scheduler) ScheduleDownload() {
	if s.onNotice != nil {
		s.onNotice()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.downloadInProgress {
		return
	}
	if s.uploadScheduled || s.uploadInProgress {
		return
	}
	if s.downloadTimer != nil {
		s.downloadTimer.Stop()
	}
	s.downloadScheduled = true
	s.downloadTimer = time.AfterFunc(s.debounce, s.fireDownload)
}

// ForceSyncNow cancels any pending timers and, unless either direction is
// currently running, invokes the sync callback immediately (covering
// both directions in one pass, since the worker's process_queue handles
// upload then download in a single invocation).
func (s *Scheduler) ForceSyncNow() {
	s.mu.Lock()
	if s.uploadTimer != nil {
		s.uploadTimer.Stop()
		s.uploadTimer = nil
	}
	if s.downloadTimer != nil {
		s.downloadTimer.Stop()
		s.downloadTimer = nil
	}
	s.uploadScheduled = false
	s.downloadScheduled = false
	if s.uploadInProgress || s.downloadInProgress {
		s.mu.Unlock()
		return
	}
	s.uploadInProgress = true
	s.downloadInProgress = true
	s.mu.Unlock()

	s.runSync()

	s.mu.Lock()
	s.uploadInProgress = false
	s.downloadInProgress = false
	s.mu.Unlock()
}

func (s *Scheduler) fireUpload() {
	s.mu.Lock()
	if !s.uploadScheduled {
		s.mu.Unlock()
		return
	}
	s.uploadScheduled = false
	s.uploadInProgress = true
	s.mu.Unlock()

	s.runSync()

	s.mu.Lock()
	s.uploadInProgress = false
	s.mu.Unlock()
}

func (s *Scheduler) fireDownload() {
	s.mu.Lock()
	if !s.downloadScheduled {
		s.mu.Unlock()
		return
	}
	s.downloadScheduled = false
	s.downloadInProgress = true
	s.mu.Unlock()

	s.runSync()

	s.mu.Lock()
	s.downloadInProgress = false
	s.mu.Unlock()
}

// runSync invokes the sync callback, catching and logging any panic so a
// single bad cycle never poisons the in-progress flags (errors are
// expected to be handled and logged inside SyncFunc itself; this is a
// last-resort backstop).
func (s *Scheduler) runSync() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler: sync callback panicked", "recover", r)
		}
	}()
	s.sync()
}

// UploadInProgress reports whether the upload direction is currently
// running.
func (s *Scheduler) UploadInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadInProgress
}

// DownloadInProgress reports whether the download direction is currently
// running.
func (s *Scheduler) DownloadInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloadInProgress
}
