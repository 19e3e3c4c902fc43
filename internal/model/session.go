// Package model defines the wire-and-cache data model: Session, Activity,
// Output, Artifact, and their tagged-variant payloads. Every wire record is
// probed by a discriminator field, then decoded into a concrete Go type;
// unrecognized fields are preserved in an Overflow so nothing is silently
// dropped (see claude.Record/codex.Record in the reference tree for the
// originating idiom).
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// State is the normalized (lowerCamel) session lifecycle state.
type State string

const (
	StateUnspecified           State = "unspecified"
	StateQueued                State = "queued"
	StatePlanning              State = "planning"
	StateAwaitingPlanApproval  State = "awaitingPlanApproval"
	StateAwaitingUserFeedback  State = "awaitingUserFeedback"
	StateInProgress            State = "inProgress"
	StatePaused                State = "paused"
	StateCompleted             State = "completed"
	StateFailed                State = "failed"
)

// IsTerminal reports whether s is a sticky terminal state.
func (s State) IsTerminal() bool { return s == StateCompleted || s == StateFailed }

// wireStateTable maps SCREAMING_SNAKE_CASE wire values (both "STATE_"
// prefixed and unprefixed — two competing tables exist in the source
// material and both are honored per design note) to normalized State.
var wireStateTable = map[string]State{
	"STATE_UNSPECIFIED":        StateUnspecified,
	"UNSPECIFIED":              StateUnspecified,
	"QUEUED":                   StateQueued,
	"PLANNING":                 StatePlanning,
	"AWAITING_PLAN_APPROVAL":   StateAwaitingPlanApproval,
	"AWAITING_USER_FEEDBACK":   StateAwaitingUserFeedback,
	"IN_PROGRESS":              StateInProgress,
	"PAUSED":                   StatePaused,
	"COMPLETED":                StateCompleted,
	"FAILED":                   StateFailed,
}

// NormalizeState maps a wire state string to the normalized form. Unknown
// states pass through lowercased rather than erroring, per design note 2.
func NormalizeState(wire string) State {
	if wire == "" {
		return StateUnspecified
	}
	if s, ok := wireStateTable[wire]; ok {
		return s
	}
	return State(strings.ToLower(wire))
}

// AutomationMode mirrors the wire enum; only two values are recognized.
type AutomationMode string

const (
	AutomationModeUnspecified AutomationMode = "unspecified"
	AutomationModeAutoCreatePR AutomationMode = "autoCreatePr"
)

// SourceContext identifies the repository and starting branch a session was
// launched against.
type SourceContext struct {
	Source          string `json:"source"`
	StartingBranch  string `json:"startingBranch,omitempty"`
}

// Session is the local replica of a remote agent run. Mutated only via
// upserts driven by server responses; the local lastSyncedAt stamp is the
// one locally-owned field.
type Session struct {
	ID             string          `json:"id"`
	CreateTime     time.Time       `json:"createTime"`
	UpdateTime     time.Time       `json:"updateTime"`
	State          State           `json:"state"`
	Prompt         string          `json:"prompt"`
	Title          string          `json:"title,omitempty"`
	SourceContext  *SourceContext  `json:"sourceContext,omitempty"`
	AutomationMode AutomationMode  `json:"automationMode"`
	Outputs        []Output        `json:"outputs,omitempty"`
	URL            string          `json:"url,omitempty"`
}

// wireSession is the shape returned by the REST API, prior to normalization.
type wireSession struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	CreateTime     time.Time       `json:"createTime"`
	UpdateTime     time.Time       `json:"updateTime"`
	State          string          `json:"state"`
	Prompt         string          `json:"prompt"`
	Title          string          `json:"title"`
	SourceContext  *SourceContext  `json:"sourceContext"`
	AutomationMode string          `json:"automationMode"`
	Outputs        []rawOutput     `json:"outputs"`
	URL            string          `json:"url"`
}

// DecodeSession parses a wire session response into the normalized Session.
func DecodeSession(data []byte) (*Session, error) {
	var w wireSession
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	s := &Session{
		ID:             w.ID,
		CreateTime:     w.CreateTime,
		UpdateTime:     w.UpdateTime,
		State:          NormalizeState(w.State),
		Prompt:         w.Prompt,
		Title:          w.Title,
		SourceContext:  w.SourceContext,
		AutomationMode: normalizeAutomationMode(w.AutomationMode),
		URL:            w.URL,
	}
	if w.ID == "" && w.Name != "" {
		s.ID = w.Name
	}
	for _, ro := range w.Outputs {
		o, err := ro.decode()
		if err != nil {
			continue
		}
		s.Outputs = append(s.Outputs, o)
	}
	return s, nil
}

func normalizeAutomationMode(wire string) AutomationMode {
	switch wire {
	case "AUTO_CREATE_PR":
		return AutomationModeAutoCreatePR
	default:
		return AutomationModeUnspecified
	}
}

// CachedSession is the record stored per session under session.json.
type CachedSession struct {
	Resource     Session   `json:"resource"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

// SessionIndexEntry is a lightweight row appended to sessions.jsonl on every
// upsert; the index is deduplicated by ID on read, last write wins.
type SessionIndexEntry struct {
	ID         string    `json:"id"`
	Title      string    `json:"title,omitempty"`
	State      State     `json:"state"`
	CreateTime time.Time `json:"createTime"`
	Source     string    `json:"source,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// SyncCheckpoint records sync progress for a resumable full-mode run.
type SyncCheckpoint struct {
	LastProcessedSessionID string    `json:"lastProcessedSessionId"`
	SessionsProcessed      int       `json:"sessionsProcessed"`
	StartedAt              time.Time `json:"startedAt"`
}
