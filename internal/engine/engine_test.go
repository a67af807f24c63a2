package engine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/driftsync/engine/internal/config"
)

// fakeServer is a minimal stand-in for the sync server: it records
// uploaded batches and always reports an empty download, just enough
// surface for the engine's write path to exercise a real HTTP round
// trip instead of a mocked Network.
type fakeServer struct {
	mu      sync.Mutex
	uploads []map[string]any
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/upload", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.uploads = append(f.uploads, body)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/sync/download", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count": 0, "timestamp": 1, "sync_session_id": "s1", "changes": []any{},
		})
	})
	return mux
}

func (f *fakeServer) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func newTestEngine(t *testing.T, serverURL string) *Engine {
	t.Helper()
	cfg := &config.Config{
		Process: config.ProcessConfig{
			DataDir:    t.TempDir(),
			ListenAddr: ":0",
			ProjectID:  "proj1",
		},
		Sync:     config.SyncKnobs{}.Resolve(),
		DeviceID: "device-1",
	}
	cfg.Sync.ServerURL = serverURL

	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	t.Cleanup(func() { e.Stop() })
	return e
}

func TestInsertThenForceSyncUploads(t *testing.T) {
	srv := &fakeServer{}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	e := newTestEngine(t, ts.URL)

	if _, err := e.DB().Exec(`CREATE TABLE tasks (global_id TEXT, title TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := e.TrackTable("tasks"); err != nil {
		t.Fatalf("track table: %v", err)
	}

	if _, err := e.Insert("tasks", map[string]any{"title": "write tests"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	e.ForceSync()

	if n := srv.uploadCount(); n != 1 {
		t.Fatalf("expected exactly one upload batch, got %d", n)
	}
}

func TestTrackTableBackfillsExistingRows(t *testing.T) {
	srv := &fakeServer{}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	e := newTestEngine(t, ts.URL)

	if _, err := e.DB().Exec(`CREATE TABLE notes (title TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := e.DB().Exec(`INSERT INTO notes (title) VALUES ('pre-existing')`); err != nil {
		t.Fatalf("seed row: %v", err)
	}

	if err := e.TrackTable("notes"); err != nil {
		t.Fatalf("track table: %v", err)
	}

	e.ForceSync()

	if n := srv.uploadCount(); n != 1 {
		t.Fatalf("expected the backfilled row to upload in one batch, got %d", n)
	}
}

func TestTrackTableRejectsReservedName(t *testing.T) {
	e := newTestEngine(t, "http://unused.invalid")
	if err := e.TrackTable("__sync_changes"); err == nil {
		t.Fatalf("expected an error tracking a reserved system table")
	}
}
