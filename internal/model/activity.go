package model

import (
	"encoding/json"
	"time"
)

// Originator identifies who produced an Activity.
type Originator string

const (
	OriginatorUser   Originator = "user"
	OriginatorAgent  Originator = "agent"
	OriginatorSystem Originator = "system"
)

// ActivityType discriminates the Activity payload tagged union.
type ActivityType string

const (
	ActivityAgentMessaged   ActivityType = "agentMessaged"
	ActivityUserMessaged    ActivityType = "userMessaged"
	ActivityPlanGenerated   ActivityType = "planGenerated"
	ActivityPlanApproved    ActivityType = "planApproved"
	ActivityProgressUpdated ActivityType = "progressUpdated"
	ActivitySessionCompleted ActivityType = "sessionCompleted"
	ActivitySessionFailed   ActivityType = "sessionFailed"
	ActivityUnknown         ActivityType = "unknown"
)

// PlanStep is one step of a PlanGenerated payload.
type PlanStep struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Index       int    `json:"index"`
}

// Plan is the payload of a planGenerated activity.
type Plan struct {
	ID         string     `json:"id"`
	Steps      []PlanStep `json:"steps"`
	CreateTime time.Time  `json:"createTime"`
}

// Activity is one decoded event in a session's append-only log.
type Activity struct {
	ID         string       `json:"id"`
	CreateTime time.Time    `json:"createTime"`
	Originator Originator   `json:"originator"`
	Artifacts  []Artifact   `json:"artifacts,omitempty"`
	Type       ActivityType `json:"type"`

	AgentMessage     string     `json:"agentMessage,omitempty"`
	UserMessage      string     `json:"userMessage,omitempty"`
	Plan             *Plan      `json:"plan,omitempty"`
	PlanID           string     `json:"planId,omitempty"`
	ProgressTitle    string     `json:"progressTitle,omitempty"`
	ProgressDesc     string     `json:"progressDescription,omitempty"`
	FailureReason    string     `json:"failureReason,omitempty"`

	Overflow
}

// wireActivity is the on-wire/on-disk shape; payload fields live under a
// nested object keyed by type, per spec's tagged-variant data model.
type wireActivity struct {
	ID         string          `json:"id"`
	CreateTime time.Time       `json:"createTime"`
	Originator string          `json:"originator"`
	Artifacts  []rawArtifact   `json:"artifacts"`

	AgentMessaged   json.RawMessage `json:"agentMessaged"`
	UserMessaged    json.RawMessage `json:"userMessaged"`
	PlanGenerated   json.RawMessage `json:"planGenerated"`
	PlanApproved    json.RawMessage `json:"planApproved"`
	ProgressUpdated json.RawMessage `json:"progressUpdated"`
	SessionCompleted json.RawMessage `json:"sessionCompleted"`
	SessionFailed   json.RawMessage `json:"sessionFailed"`
}

var knownActivityKeys = makeSet(
	"id", "createTime", "originator", "artifacts",
	"agentMessaged", "userMessaged", "planGenerated", "planApproved",
	"progressUpdated", "sessionCompleted", "sessionFailed",
)

// DecodeActivity decodes one JSON line into an Activity, preserving unknown
// top-level fields in Overflow and mapping an unrecognized payload tag to
// ActivityUnknown rather than failing (design note: unknown tag -> Unknown
// variant for forward compatibility at read sites).
func DecodeActivity(line []byte) (Activity, error) {
	var w wireActivity
	if err := json.Unmarshal(line, &w); err != nil {
		return Activity{}, err
	}
	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(line, &rawMap); err != nil {
		return Activity{}, err
	}
	a := Activity{
		ID:         w.ID,
		CreateTime: w.CreateTime,
		Originator: Originator(w.Originator),
	}
	for _, ra := range w.Artifacts {
		art, err := ra.decode()
		if err != nil {
			continue
		}
		a.Artifacts = append(a.Artifacts, art)
	}

	switch {
	case w.AgentMessaged != nil:
		var p struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(w.AgentMessaged, &p)
		a.Type, a.AgentMessage = ActivityAgentMessaged, p.Message
	case w.UserMessaged != nil:
		var p struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(w.UserMessaged, &p)
		a.Type, a.UserMessage = ActivityUserMessaged, p.Message
	case w.PlanGenerated != nil:
		var p struct {
			Plan Plan `json:"plan"`
		}
		_ = json.Unmarshal(w.PlanGenerated, &p)
		a.Type, a.Plan = ActivityPlanGenerated, &p.Plan
	case w.PlanApproved != nil:
		var p struct {
			PlanID string `json:"planId"`
		}
		_ = json.Unmarshal(w.PlanApproved, &p)
		a.Type, a.PlanID = ActivityPlanApproved, p.PlanID
	case w.ProgressUpdated != nil:
		var p struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		}
		_ = json.Unmarshal(w.ProgressUpdated, &p)
		a.Type, a.ProgressTitle, a.ProgressDesc = ActivityProgressUpdated, p.Title, p.Description
	case w.SessionCompleted != nil:
		a.Type = ActivitySessionCompleted
	case w.SessionFailed != nil:
		var p struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(w.SessionFailed, &p)
		a.Type, a.FailureReason = ActivitySessionFailed, p.Reason
	default:
		a.Type = ActivityUnknown
	}

	extra := collectUnknown(rawMap, knownActivityKeys)
	if a.Type == ActivityUnknown {
		warnUnknown("activity:"+a.ID, extra)
	}
	a.Extra = extra
	return a, nil
}

// MarshalJSON re-emits the concrete payload under its tag key, matching the
// wire/disk shape DecodeActivity reads.
func (a Activity) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"id":         a.ID,
		"createTime": a.CreateTime,
		"originator": a.Originator,
	}
	if len(a.Artifacts) > 0 {
		m["artifacts"] = a.Artifacts
	}
	switch a.Type {
	case ActivityAgentMessaged:
		m["agentMessaged"] = map[string]string{"message": a.AgentMessage}
	case ActivityUserMessaged:
		m["userMessaged"] = map[string]string{"message": a.UserMessage}
	case ActivityPlanGenerated:
		m["planGenerated"] = map[string]any{"plan": a.Plan}
	case ActivityPlanApproved:
		m["planApproved"] = map[string]string{"planId": a.PlanID}
	case ActivityProgressUpdated:
		m["progressUpdated"] = map[string]string{"title": a.ProgressTitle, "description": a.ProgressDesc}
	case ActivitySessionCompleted:
		m["sessionCompleted"] = map[string]any{}
	case ActivitySessionFailed:
		m["sessionFailed"] = map[string]string{"reason": a.FailureReason}
	}
	for k, v := range a.Extra {
		m[k] = v
	}
	return json.Marshal(m)
}
