package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maruel/jules/internal/juleserr"
	"github.com/maruel/jules/internal/model"
	"github.com/maruel/jules/internal/platform"
	"github.com/maruel/jules/internal/sessionindex"
)

func newTestEngine(t *testing.T, handler http.HandlerFunc) *Engine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tr := platform.NewTransport(platform.Config{APIKey: "k", BaseURL: srv.URL})
	idx := sessionindex.New(t.TempDir())
	e := New(tr, idx)
	e.PollingInterval = 10 * time.Millisecond
	return e
}

func sessionWire(id, state string) map[string]any {
	return map[string]any{
		"id":             id,
		"createTime":     time.Now().Format(time.RFC3339Nano),
		"updateTime":     time.Now().Format(time.RFC3339Nano),
		"state":          state,
		"prompt":         "do the thing",
		"automationMode": "AUTO_CREATE_PR",
	}
}

func TestCreate(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sessions" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["automationMode"] != "AUTO_CREATE_PR" {
			t.Errorf("automationMode = %v, want AUTO_CREATE_PR", body["automationMode"])
		}
		_ = json.NewEncoder(w).Encode(sessionWire("s1", "QUEUED"))
	})
	id, err := e.Create(context.Background(), CreateConfig{Prompt: "do the thing"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != "s1" {
		t.Fatalf("Create id = %q, want s1", id)
	}
	cached, err := e.Index.Get("s1")
	if err != nil || cached == nil {
		t.Fatalf("expected s1 upserted, got %v, %v", cached, err)
	}
}

func TestInfo_CacheHitAvoidsNetwork(t *testing.T) {
	var calls int32
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(sessionWire("s1", "COMPLETED"))
	})
	ctx := context.Background()
	if _, err := e.Create(ctx, CreateConfig{Prompt: "x"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls after Create = %d, want 1", calls)
	}
	// Completed + just synced => warm cache; Info should not hit the network again.
	if _, err := e.Info(ctx, "s1"); err != nil {
		t.Fatalf("Info: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls after Info = %d, want 1 (warm cache hit)", calls)
	}
}

func TestInfo_NotFoundDropsCache(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(sessionWire("s1", "IN_PROGRESS"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	ctx := context.Background()
	if _, err := e.Create(ctx, CreateConfig{Prompt: "x"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// IN_PROGRESS is non-terminal: hot, forces network, which 404s.
	_, err := e.Info(ctx, "s1")
	if !juleserr.Is(err, juleserr.NotFound) {
		t.Fatalf("Info err = %v, want NotFound", err)
	}
	cached, err := e.Index.Get("s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cached != nil {
		t.Fatalf("expected cache dropped after 404, got %+v", cached)
	}
}

func TestWaitFor_ReachesTerminal(t *testing.T) {
	states := []string{"QUEUED", "IN_PROGRESS", "COMPLETED"}
	var i int32
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		idx := int(atomic.AddInt32(&i, 1)) - 1
		if idx >= len(states) {
			idx = len(states) - 1
		}
		_ = json.NewEncoder(w).Encode(sessionWire("s1", states[idx]))
	})
	s, err := e.WaitFor(context.Background(), "s1", model.StateCompleted, time.Second)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if s.State != model.StateCompleted {
		t.Fatalf("final state = %q, want completed", s.State)
	}
}

func TestResult_Failed(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sessionWire("s1", "FAILED"))
	})
	_, err := e.Result(context.Background(), "s1", time.Second)
	if !juleserr.Is(err, juleserr.SessionFailed) {
		t.Fatalf("Result err = %v, want SessionFailed", err)
	}
}

func TestResult_CompletedMapsOutcome(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		s := sessionWire("s1", "COMPLETED")
		s["outputs"] = []map[string]any{
			{"pullRequest": map[string]any{"url": "https://example/pr/1", "title": "t"}},
			{"changeSet": map[string]any{
				"source": "agent",
				"gitPatch": map[string]any{
					"unidiffPatch": "diff --git a/f b/f\n--- /dev/null\n+++ b/f\n@@ -0,0 +1,1 @@\n+hi\n",
					"baseCommitId": "abc",
				},
			}},
		}
		_ = json.NewEncoder(w).Encode(s)
	})
	out, err := e.Result(context.Background(), "s1", time.Second)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if out.PullRequest == nil || out.PullRequest.URL != "https://example/pr/1" {
		t.Fatalf("PullRequest = %+v", out.PullRequest)
	}
	files := out.GeneratedFiles()
	if len(files) != 1 || files[0].Path != "f" || files[0].Content != "hi" {
		t.Fatalf("GeneratedFiles = %+v", files)
	}
}

func TestAsk_ReturnsAgentReply(t *testing.T) {
	var sent int32
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/sessions/s1":
			_ = json.NewEncoder(w).Encode(sessionWire("s1", "IN_PROGRESS"))
		case r.Method == http.MethodPost && r.URL.Path == "/sessions/s1:sendMessage":
			atomic.AddInt32(&sent, 1)
			w.Write([]byte(`{}`))
		case r.Method == http.MethodGet && r.URL.Path == "/sessions/s1/activities":
			var acts []map[string]any
			if atomic.LoadInt32(&sent) > 0 {
				acts = append(acts, map[string]any{
					"id":            "a1",
					"createTime":    time.Now().Add(time.Hour).Format(time.RFC3339Nano),
					"originator":    "agent",
					"agentMessaged": map[string]any{"message": "sure thing"},
				})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"activities": acts})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})
	a, err := e.Ask(context.Background(), "s1", "can you do X?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if a.Type != model.ActivityAgentMessaged || a.AgentMessage != "sure thing" {
		t.Fatalf("Ask result = %+v", a)
	}
}
