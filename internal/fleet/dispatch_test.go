package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maruel/jules/internal/platform"
	"github.com/maruel/jules/internal/session"
	"github.com/maruel/jules/internal/sessionindex"
)

func newTestDispatchEngine(t *testing.T, failPrompts map[string]bool) *session.Engine {
	t.Helper()
	var seq atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		prompt, _ := body["prompt"].(string)
		if failPrompts[prompt] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		n := int(seq.Add(1))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":             fmt.Sprintf("s%d", n),
			"createTime":     time.Now().Format(time.RFC3339Nano),
			"state":          "QUEUED",
			"prompt":         prompt,
			"automationMode": "AUTO_CREATE_PR",
		})
	}))
	t.Cleanup(srv.Close)
	tr := platform.NewTransport(platform.Config{APIKey: "k", BaseURL: srv.URL})
	idx := sessionindex.New(t.TempDir())
	return session.New(tr, idx)
}

func TestDispatch_AllSucceed(t *testing.T) {
	eng := newTestDispatchEngine(t, nil)
	configs := []DispatchConfig{
		{Prompt: "a"}, {Prompt: "b"}, {Prompt: "c"},
	}
	results, err := Dispatch(context.Background(), eng, configs, DispatchOptions{StopOnError: true})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results len = %d, want 3", len(results))
	}
	for _, r := range results {
		if r.Err != nil || r.SessionID == "" {
			t.Errorf("result[%d] = %+v", r.Index, r)
		}
	}
}

func TestDispatch_StopOnErrorPropagates(t *testing.T) {
	eng := newTestDispatchEngine(t, map[string]bool{"a": true})
	configs := []DispatchConfig{{Prompt: "a"}}
	_, err := Dispatch(context.Background(), eng, configs, DispatchOptions{StopOnError: true, Concurrency: 1})
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestDispatch_NoStopAggregatesFailures(t *testing.T) {
	eng := newTestDispatchEngine(t, map[string]bool{"b": true})
	configs := []DispatchConfig{{Prompt: "a"}, {Prompt: "b"}, {Prompt: "c"}}
	results, err := Dispatch(context.Background(), eng, configs, DispatchOptions{StopOnError: false, Concurrency: 1})
	if err == nil {
		t.Fatal("expected an aggregated error")
	}
	if len(results) != 3 {
		t.Fatalf("results len = %d, want 3", len(results))
	}
	failures := 0
	for _, r := range results {
		if r.Err != nil {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("failures = %d, want 1", failures)
	}
}
