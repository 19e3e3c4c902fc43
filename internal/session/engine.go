// Package session implements the Session Engine: the lifecycle operations
// (create, info, approve, send, ask, waitFor, result) keyed by session id,
// composing the Transport, Session Index Store, Cache Tiering Policy, and a
// per-session Activity Client.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/maruel/jules/internal/activity"
	"github.com/maruel/jules/internal/activitylog"
	"github.com/maruel/jules/internal/cachetier"
	"github.com/maruel/jules/internal/juleserr"
	"github.com/maruel/jules/internal/model"
	"github.com/maruel/jules/internal/platform"
	"github.com/maruel/jules/internal/sessionindex"
	"github.com/maruel/jules/internal/unidiff"
)

const defaultPollingInterval = 5 * time.Second

// Engine owns the lifecycle operations for every session sharing one cache
// root and one Transport.
type Engine struct {
	Transport       *platform.Transport
	Index           *sessionindex.Store
	PollingInterval time.Duration

	mu      sync.Mutex
	clients map[string]*activity.Client
}

// New builds an Engine over transport, storing cached state under index's
// root directory.
func New(transport *platform.Transport, index *sessionindex.Store) *Engine {
	return &Engine{
		Transport:       transport,
		Index:           index,
		PollingInterval: defaultPollingInterval,
		clients:         map[string]*activity.Client{},
	}
}

// activityClient returns (constructing and caching if necessary) the
// per-session Activity Client for id, backed by its own Activity Log Store
// colocated with session.json.
func (e *Engine) activityClient(id string, createTime time.Time) (*activity.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[id]; ok {
		return c, nil
	}
	log := activitylog.Open(e.Index.SessionDir(id))
	if err := log.Init(); err != nil {
		return nil, err
	}
	c := activity.New(e.Transport, log, id, createTime)
	c.PollingInterval = e.PollingInterval
	e.clients[id] = c
	return c, nil
}

// CreateConfig is the input to Create.
type CreateConfig struct {
	Prompt              string
	Title               string
	Source              string // e.g. "owner/repo"
	StartingBranch      string
	RequirePlanApproval *bool // nil => default by Interactive below
	AutoPR              *bool // nil or true => AUTO_CREATE_PR; explicit false => unspecified
	Interactive         bool  // governs RequirePlanApproval default when unset
}

type createBody struct {
	Prompt              string         `json:"prompt"`
	Title               string         `json:"title,omitempty"`
	SourceContext       *sourceCtxWire `json:"sourceContext,omitempty"`
	AutomationMode      string         `json:"automationMode"`
	RequirePlanApproval bool           `json:"requirePlanApproval"`
}

type sourceCtxWire struct {
	Source            string                `json:"source"`
	GithubRepoContext githubRepoContextWire `json:"githubRepoContext"`
}

type githubRepoContextWire struct {
	StartingBranch string `json:"startingBranch,omitempty"`
}

// Create posts a new session, upserts it into the Session Index Store, and
// returns its id.
func (e *Engine) Create(ctx context.Context, cfg CreateConfig) (string, error) {
	body := createBody{
		Prompt: cfg.Prompt,
		Title:  cfg.Title,
	}
	if cfg.Source != "" {
		body.SourceContext = &sourceCtxWire{
			Source:            "sources/github/" + cfg.Source,
			GithubRepoContext: githubRepoContextWire{StartingBranch: cfg.StartingBranch},
		}
	}
	if cfg.AutoPR == nil || *cfg.AutoPR {
		body.AutomationMode = "AUTO_CREATE_PR"
	} else {
		body.AutomationMode = "AUTOMATION_MODE_UNSPECIFIED"
	}
	switch {
	case cfg.RequirePlanApproval != nil:
		body.RequirePlanApproval = *cfg.RequirePlanApproval
	default:
		body.RequirePlanApproval = cfg.Interactive
	}

	var raw json.RawMessage
	if err := e.Transport.Do(ctx, "POST", "/sessions", nil, body, &raw); err != nil {
		return "", err
	}
	s, err := model.DecodeSession(raw)
	if err != nil {
		return "", err
	}
	if err := e.Index.Upsert(model.CachedSession{Resource: *s, LastSyncedAt: time.Now()}); err != nil {
		return "", err
	}
	return s.ID, nil
}

// Info applies cache tiering: a valid cached copy is returned without a
// network call; otherwise it fetches, upserts, and returns. A 404 against a
// prior cached copy deletes the local copy before propagating the error.
func (e *Engine) Info(ctx context.Context, id string) (*model.Session, error) {
	cached, err := e.Index.Get(id)
	if err != nil {
		return nil, err
	}
	if cachetier.IsCacheValid(cached, time.Now()) {
		return &cached.Resource, nil
	}

	var raw json.RawMessage
	fetchErr := e.Transport.Do(ctx, "GET", "/sessions/"+id, nil, nil, &raw)
	if fetchErr != nil {
		if juleserr.Is(fetchErr, juleserr.NotFound) && cached != nil {
			_ = e.Index.Delete(id)
		}
		return nil, fetchErr
	}
	s, err := model.DecodeSession(raw)
	if err != nil {
		return nil, err
	}
	if err := e.Index.Upsert(model.CachedSession{Resource: *s, LastSyncedAt: time.Now()}); err != nil {
		return nil, err
	}
	return s, nil
}

// Approve posts approvePlan with an empty body. State legality is the
// server's concern; callers needing state-sensitive behavior should
// WaitFor(StateAwaitingPlanApproval) first.
func (e *Engine) Approve(ctx context.Context, id string) error {
	return e.Transport.Do(ctx, "POST", "/sessions/"+id+":approvePlan", nil, map[string]any{}, nil)
}

// Send posts sendMessage with {prompt}. Fire-and-forget: the caller does not
// wait for a reply.
func (e *Engine) Send(ctx context.Context, id, prompt string) error {
	return e.Transport.Do(ctx, "POST", "/sessions/"+id+":sendMessage", nil, map[string]string{"prompt": prompt}, nil)
}

// Ask sends prompt then waits for the first agent-originated agentMessaged
// activity with createTime after the send. Fails with EarlyTermination if a
// terminal activity arrives first.
func (e *Engine) Ask(ctx context.Context, id, prompt string) (*model.Activity, error) {
	s, err := e.Info(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err := e.activityClient(id, s.CreateTime)
	if err != nil {
		return nil, err
	}
	askStart := time.Now()
	if err := e.Send(ctx, id, prompt); err != nil {
		return nil, err
	}
	return c.WaitForAgentReply(ctx, askStart)
}

// WaitFor polls GET /sessions/{id} at PollingInterval until state reaches
// target or any terminal state (terminal states always satisfy the wait, to
// avoid hanging forever on a target the session will never reach). An
// optional timeout, if positive, bounds the wait.
func (e *Engine) WaitFor(ctx context.Context, id string, target model.State, timeout time.Duration) (*model.Session, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		s, err := e.forceInfo(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.State == target || s.State.IsTerminal() {
			return s, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, juleserr.New(juleserr.Timeout, "waitFor: deadline exceeded before reaching target state")
		}
		if err := sleepCancelable(ctx, e.PollingInterval); err != nil {
			return nil, err
		}
	}
}

// forceInfo bypasses cache tiering for poll loops, which must observe
// server-side state transitions rather than a warm cache hit.
func (e *Engine) forceInfo(ctx context.Context, id string) (*model.Session, error) {
	var raw json.RawMessage
	if err := e.Transport.Do(ctx, "GET", "/sessions/"+id, nil, nil, &raw); err != nil {
		if juleserr.Is(err, juleserr.NotFound) {
			_ = e.Index.Delete(id)
		}
		return nil, err
	}
	s, err := model.DecodeSession(raw)
	if err != nil {
		return nil, err
	}
	if err := e.Index.Upsert(model.CachedSession{Resource: *s, LastSyncedAt: time.Now()}); err != nil {
		return nil, err
	}
	return s, nil
}

// Outcome is the terminal-state view of a session: the first pullRequest and
// changeSet outputs (order preserved), plus derived unidiff views.
type Outcome struct {
	SessionID   string
	Title       string
	State       model.State
	PullRequest *model.PullRequestOutput
	Outputs     []model.Output
}

// GeneratedFiles parses the unidiff of the first changeSet output, if any.
func (o Outcome) GeneratedFiles() []unidiff.FileChange {
	cs := o.firstChangeSet()
	if cs == nil {
		return nil
	}
	return unidiff.Parse(cs.GitPatch.UnidiffPatch)
}

// ChangeSet returns the raw patch of the first changeSet output, if any.
func (o Outcome) ChangeSet() string {
	cs := o.firstChangeSet()
	if cs == nil {
		return ""
	}
	return cs.GitPatch.UnidiffPatch
}

func (o Outcome) firstChangeSet() *model.ChangeSetOutput {
	for _, out := range o.Outputs {
		if out.Kind == model.OutputChangeSet {
			return out.ChangeSet
		}
	}
	return nil
}

// Result polls until terminal, upserts, and maps to an Outcome. A terminal
// failed state raises SessionFailed rather than returning a zero Outcome.
func (e *Engine) Result(ctx context.Context, id string, timeout time.Duration) (*Outcome, error) {
	s, err := e.WaitFor(ctx, id, model.StateCompleted, timeout)
	if err != nil {
		return nil, err
	}
	if s.State == model.StateFailed {
		reason := failureReason(s)
		return nil, juleserr.New(juleserr.SessionFailed, reason)
	}
	out := &Outcome{SessionID: s.ID, Title: s.Title, State: s.State, Outputs: s.Outputs}
	for _, o := range s.Outputs {
		if o.Kind == model.OutputPullRequest {
			out.PullRequest = o.PullRequest
			break
		}
	}
	return out, nil
}

func failureReason(s *model.Session) string {
	if s.Title != "" {
		return "session failed: " + s.Title
	}
	return "session failed"
}

func sleepCancelable(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return juleserr.New(juleserr.Cancelled, "cancelled while waiting")
	}
}
