package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRecordUploadExposedOnHandler(t *testing.T) {
	m := New()
	m.RecordUpload("tasks", true)
	m.RecordUpload("tasks", false)
	m.SetQueueDepth("tasks", 3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `driftsync_upload_batches_total{status="success",table="tasks"} 1`) {
		t.Fatalf("expected success counter in output, got:\n%s", body)
	}
	if !strings.Contains(body, `driftsync_upload_batches_total{status="failure",table="tasks"} 1`) {
		t.Fatalf("expected failure counter in output, got:\n%s", body)
	}
	if !strings.Contains(body, `driftsync_queue_pending_changes{table="tasks"} 3`) {
		t.Fatalf("expected queue depth gauge in output, got:\n%s", body)
	}
}

func TestRecordPrunedIgnoresNonPositive(t *testing.T) {
	m := New()
	m.RecordPruned(0)
	m.RecordPruned(-5)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if strings.Contains(rec.Body.String(), "driftsync_queue_pruned_total 1") {
		t.Fatalf("expected pruned counter to stay at zero for non-positive input")
	}
}

func TestSetPushConnectedTogglesGauge(t *testing.T) {
	m := New()
	m.SetPushConnected(true)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), "driftsync_push_connected 1") {
		t.Fatalf("expected push_connected gauge to read 1, got:\n%s", rec.Body.String())
	}

	m.SetPushConnected(false)
	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), "driftsync_push_connected 0") {
		t.Fatalf("expected push_connected gauge to read 0, got:\n%s", rec.Body.String())
	}
}
