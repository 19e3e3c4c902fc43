package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maruel/jules/internal/juleserr"
	"github.com/maruel/jules/internal/model"
	"github.com/maruel/jules/internal/platform"
	"github.com/maruel/jules/internal/sessionindex"
)

func wireSession(id, state string, createTime time.Time) map[string]any {
	return map[string]any{
		"id":             id,
		"createTime":     createTime.Format(time.RFC3339Nano),
		"updateTime":     createTime.Format(time.RFC3339Nano),
		"state":          state,
		"prompt":         "p",
		"automationMode": "AUTO_CREATE_PR",
	}
}

func TestSyncFull_IngestsAllNewSessions(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessions := []map[string]any{
			wireSession("s3", "COMPLETED", base.Add(2*time.Hour)),
			wireSession("s2", "COMPLETED", base.Add(time.Hour)),
			wireSession("s1", "COMPLETED", base),
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"sessions": sessions})
	}))
	defer srv.Close()

	tr := platform.NewTransport(platform.Config{APIKey: "k", BaseURL: srv.URL})
	root := t.TempDir()
	idx := sessionindex.New(root)
	e := New(tr, idx, root)

	stats, err := e.Sync(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.SessionsIngested != 3 || !stats.IsComplete {
		t.Fatalf("stats = %+v", stats)
	}
	for _, id := range []string{"s1", "s2", "s3"} {
		if cached, err := idx.Get(id); err != nil || cached == nil {
			t.Errorf("expected %s cached, got %v, %v", id, cached, err)
		}
	}
}

func TestSyncFull_IncrementalStopsAtHWM(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	root := t.TempDir()
	idx := sessionindex.New(root)
	// Pre-seed s1 as already cached at base.
	if err := idx.Upsert(model.CachedSession{Resource: model.Session{ID: "s1", State: model.StateCompleted, CreateTime: base}}); err != nil {
		t.Fatalf("seed Upsert: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessions := []map[string]any{
			wireSession("s2", "COMPLETED", base.Add(time.Hour)),
			wireSession("s1", "COMPLETED", base),
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"sessions": sessions})
	}))
	defer srv.Close()
	tr := platform.NewTransport(platform.Config{APIKey: "k", BaseURL: srv.URL})
	e := New(tr, idx, root)

	stats, err := e.Sync(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.SessionsIngested != 1 {
		t.Fatalf("SessionsIngested = %d, want 1 (only s2 is newer than HWM)", stats.SessionsIngested)
	}
}

func TestSyncFull_NonIncrementalRescansEverything(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	root := t.TempDir()
	idx := sessionindex.New(root)
	if err := idx.Upsert(model.CachedSession{Resource: model.Session{ID: "s1", State: model.StateCompleted, CreateTime: base}}); err != nil {
		t.Fatalf("seed Upsert: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessions := []map[string]any{
			wireSession("s2", "COMPLETED", base.Add(time.Hour)),
			wireSession("s1", "COMPLETED", base),
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"sessions": sessions})
	}))
	defer srv.Close()
	tr := platform.NewTransport(platform.Config{APIKey: "k", BaseURL: srv.URL})
	e := New(tr, idx, root)

	stats, err := e.Sync(context.Background(), Options{NonIncremental: true})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.SessionsIngested != 2 {
		t.Fatalf("SessionsIngested = %d, want 2 (NonIncremental skips the local HWM check)", stats.SessionsIngested)
	}
}

func TestSyncTargeted(t *testing.T) {
	base := time.Now()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(wireSession("s1", "IN_PROGRESS", base))
	}))
	defer srv.Close()
	tr := platform.NewTransport(platform.Config{APIKey: "k", BaseURL: srv.URL})
	root := t.TempDir()
	idx := sessionindex.New(root)
	e := New(tr, idx, root)

	stats, err := e.Sync(context.Background(), Options{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.SessionsIngested != 1 || stats.ActivitiesIngested != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestSync_ConcurrentCallFailsFast(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		_ = json.NewEncoder(w).Encode(map[string]any{"sessions": []map[string]any{}})
	}))
	defer srv.Close()
	tr := platform.NewTransport(platform.Config{APIKey: "k", BaseURL: srv.URL})
	root := t.TempDir()
	idx := sessionindex.New(root)
	e := New(tr, idx, root)

	done := make(chan error, 1)
	go func() {
		_, err := e.Sync(context.Background(), Options{})
		done <- err
	}()
	// Give the first Sync time to set the running flag before racing the second.
	time.Sleep(20 * time.Millisecond)
	_, err := e.Sync(context.Background(), Options{})
	close(block)
	<-done

	if !juleserr.Is(err, juleserr.SyncInProgress) {
		t.Fatalf("second Sync err = %v, want SyncInProgress", err)
	}
}
