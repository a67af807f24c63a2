package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftsync/engine/internal/changelog"
)

func TestScheduleUploadFiresAfterDebounce(t *testing.T) {
	var calls int32
	s := New(10*time.Millisecond, func() { atomic.AddInt32(&calls, 1) }, nil, nil)
	s.ScheduleUpload("tasks", changelog.OpInsert)
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 sync call, got %d", calls)
	}
}

func TestScheduleUploadDebounceCoalesces(t *testing.T) {
	var calls int32
	s := New(30*time.Millisecond, func() { atomic.AddInt32(&calls, 1) }, nil, nil)
	s.ScheduleUpload("tasks", changelog.OpInsert)
	time.Sleep(10 * time.Millisecond)
	s.ScheduleUpload("tasks", changelog.OpUpdate)
	time.Sleep(10 * time.Millisecond)
	s.ScheduleUpload("tasks", changelog.OpUpdate)
	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected debounce to coalesce into 1 call, got %d", calls)
	}
}

func TestScheduleDownloadYieldsToUpload(t *testing.T) {
	var calls int32
	s := New(20*time.Millisecond, func() { atomic.AddInt32(&calls, 1) }, nil, nil)
	s.ScheduleUpload("tasks", changelog.OpInsert)
	s.ScheduleDownload()
	time.Sleep(60 * time.Millisecond)
	// Download should have been suppressed entirely while upload was
	// scheduled/running; only the single upload-triggered sync fires
	// within this window since no separate download timer was armed.
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected 1 sync call (download suppressed), got %d", calls)
	}
}

func TestForceSyncNowSkipsWhenRunning(t *testing.T) {
	start := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	s := New(time.Hour, func() {
		atomic.AddInt32(&calls, 1)
		close(start)
		<-release
	}, nil, nil)

	go s.ForceSyncNow()
	<-start

	s.mu.Lock()
	running := s.uploadInProgress
	s.mu.Unlock()
	if !running {
		t.Fatalf("expected in-progress flag set while sync callback runs")
	}

	s.ForceSyncNow() // should be a no-op, sync still running
	close(release)
	time.Sleep(20 * time.Millisecond)

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected second ForceSyncNow to skip while first was running, got %d calls", calls)
	}
}
