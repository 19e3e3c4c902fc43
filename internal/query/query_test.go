package query

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/maruel/jules/internal/activitylog"
	"github.com/maruel/jules/internal/juleserr"
	"github.com/maruel/jules/internal/model"
	"github.com/maruel/jules/internal/sessionindex"
)

func seedSessions(t *testing.T, idx *sessionindex.Store) {
	t.Helper()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sessions := []model.CachedSession{
		{Resource: model.Session{ID: "s1", State: model.StateCompleted, CreateTime: base, UpdateTime: base.Add(time.Hour), Title: "alpha task"}, LastSyncedAt: base},
		{Resource: model.Session{ID: "s2", State: model.StateInProgress, CreateTime: base.Add(time.Minute), Title: "beta task"}, LastSyncedAt: base},
		{Resource: model.Session{ID: "s3", State: model.StateFailed, CreateTime: base.Add(2 * time.Minute), UpdateTime: base.Add(2*time.Minute + 30*time.Second), Title: "gamma task"}, LastSyncedAt: base},
	}
	for _, s := range sessions {
		if err := idx.Upsert(s); err != nil {
			t.Fatalf("seed Upsert: %v", err)
		}
	}
}

func TestRun_SessionsFilter(t *testing.T) {
	idx := sessionindex.New(t.TempDir())
	seedSessions(t, idx)
	e := New(idx)

	res, err := e.Run(Query{
		From:  FromSessions,
		Where: map[string]any{"state": "completed"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Records) != 1 || res.Records[0]["id"] != "s1" {
		t.Fatalf("Records = %+v", res.Records)
	}
}

func TestRun_SessionsOrderDesc(t *testing.T) {
	idx := sessionindex.New(t.TempDir())
	seedSessions(t, idx)
	e := New(idx)

	res, err := e.Run(Query{From: FromSessions, Order: "desc"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Records) != 3 || res.Records[0]["id"] != "s3" {
		t.Fatalf("Records = %+v", res.Records)
	}
}

func TestRun_ComputedFieldDurationMs(t *testing.T) {
	idx := sessionindex.New(t.TempDir())
	seedSessions(t, idx)
	e := New(idx)

	res, err := e.Run(Query{From: FromSessions, Select: []string{"id", "durationMs"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	found := map[string]float64{}
	for _, r := range res.Records {
		id, _ := r["id"].(string)
		ms, _ := r["durationMs"].(float64)
		found[id] = ms
	}
	if found["s1"] != float64(time.Hour.Milliseconds()) {
		t.Errorf("s1 durationMs = %v, want %v", found["s1"], time.Hour.Milliseconds())
	}
	if found["s2"] != 0 {
		t.Errorf("s2 durationMs = %v, want 0 (no updateTime)", found["s2"])
	}
}

func TestRun_FilterOnComputedFieldErrors(t *testing.T) {
	idx := sessionindex.New(t.TempDir())
	e := New(idx)
	_, err := e.Run(Query{From: FromSessions, Where: map[string]any{"durationMs": 5.0}})
	if !juleserr.Is(err, juleserr.InvalidState) {
		t.Fatalf("err = %v, want InvalidState", err)
	}
}

func TestRun_SelectProjectionWithExclusion(t *testing.T) {
	idx := sessionindex.New(t.TempDir())
	seedSessions(t, idx)
	e := New(idx)

	res, err := e.Run(Query{From: FromSessions, Select: []string{"*", "-prompt"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, r := range res.Records {
		if _, ok := r["prompt"]; ok {
			t.Fatalf("prompt should be excluded: %+v", r)
		}
		if _, ok := r["title"]; !ok {
			t.Fatalf("title should survive wildcard select: %+v", r)
		}
	}
}

func TestRun_Activities(t *testing.T) {
	dir := t.TempDir()
	idx := sessionindex.New(dir)
	if err := idx.Upsert(model.CachedSession{Resource: model.Session{ID: "s1", CreateTime: time.Now()}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	log := activitylog.Open(filepath.Join(dir, "s1"))
	if err := log.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	base := time.Now()
	acts := []model.Activity{
		{ID: "a1", CreateTime: base, Type: model.ActivityUserMessaged, UserMessage: "hello there"},
		{ID: "a2", CreateTime: base.Add(time.Second), Type: model.ActivityAgentMessaged, AgentMessage: "hi"},
		{ID: "a3", CreateTime: base.Add(2 * time.Second), Type: model.ActivitySessionCompleted},
	}
	for _, a := range acts {
		if err := log.Append(a); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	e := New(idx)
	res, err := e.Run(Query{From: FromActivities, SessionID: "s1", Select: []string{"id", "summary"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Records) != 3 {
		t.Fatalf("Records = %+v", res.Records)
	}
	if res.Records[0]["summary"] != "User: hello there" {
		t.Errorf("a1 summary = %v", res.Records[0]["summary"])
	}
	if res.Records[2]["summary"] != "Session completed" {
		t.Errorf("a3 summary = %v", res.Records[2]["summary"])
	}
}

func TestRun_ActivityArtifactsProjectionAndFilter(t *testing.T) {
	dir := t.TempDir()
	idx := sessionindex.New(dir)
	if err := idx.Upsert(model.CachedSession{Resource: model.Session{ID: "s1", CreateTime: time.Now()}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	log := activitylog.Open(filepath.Join(dir, "s1"))
	if err := log.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	exitCode := 1
	base := time.Now()
	a := model.Activity{
		ID:         "a1",
		CreateTime: base,
		Type:       model.ActivityAgentMessaged,
		Artifacts: []model.Artifact{
			{Kind: model.ArtifactBashOutput, BashOutput: &model.BashOutputArtifact{Command: "ls", ExitCode: &exitCode}},
			{Kind: model.ArtifactMedia, Media: &model.MediaArtifact{Format: "image/png"}},
		},
	}
	if err := log.Append(a); err != nil {
		t.Fatalf("Append: %v", err)
	}
	e := New(idx)

	res, err := e.Run(Query{From: FromActivities, SessionID: "s1", Select: []string{"id", "artifacts.type"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("Records = %+v", res.Records)
	}
	artifacts, _ := res.Records[0]["artifacts"].([]any)
	if len(artifacts) != 2 {
		t.Fatalf("artifacts = %+v, want 2 elements", artifacts)
	}
	first, _ := artifacts[0].(map[string]any)
	if first["type"] != "bashOutput" {
		t.Errorf("artifacts[0].type = %v, want bashOutput", first["type"])
	}
	if _, ok := first["exitCode"]; ok {
		t.Errorf("artifacts[0] = %+v, want exitCode absent from a type-only projection", first)
	}
	second, _ := artifacts[1].(map[string]any)
	if second["type"] != "media" {
		t.Errorf("artifacts[1].type = %v, want media", second["type"])
	}

	res, err = e.Run(Query{From: FromActivities, SessionID: "s1", Where: map[string]any{"artifacts.exitCode": map[string]any{"gt": 0.0}}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("Records = %+v, want existential match on artifacts.exitCode", res.Records)
	}
}

func TestRun_WhereTypeMismatchErrors(t *testing.T) {
	idx := sessionindex.New(t.TempDir())
	seedSessions(t, idx)
	e := New(idx)
	_, err := e.Run(Query{From: FromSessions, Where: map[string]any{"createTime": map[string]any{"gt": "not-a-number"}}})
	if !juleserr.Is(err, juleserr.InvalidState) {
		t.Fatalf("err = %v, want InvalidState", err)
	}
}

func TestRun_LimitCapped(t *testing.T) {
	idx := sessionindex.New(t.TempDir())
	seedSessions(t, idx)
	e := New(idx)
	res, err := e.Run(Query{From: FromSessions, Limit: 5000})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected a warning for an over-limit request")
	}
}

func TestRun_Cursors(t *testing.T) {
	idx := sessionindex.New(t.TempDir())
	seedSessions(t, idx)
	e := New(idx)
	res, err := e.Run(Query{From: FromSessions, StartAfter: "s1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Records) != 2 || res.Records[0]["id"] != "s2" {
		t.Fatalf("Records = %+v", res.Records)
	}
}
