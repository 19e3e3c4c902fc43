package model

import "encoding/json"

// OutputKind discriminates the Output tagged union.
type OutputKind string

const (
	OutputPullRequest OutputKind = "pullRequest"
	OutputChangeSet   OutputKind = "changeSet"
	OutputUnknown     OutputKind = "unknown"
)

// GitPatch is the payload shared by changeSet outputs and changeSet
// artifacts.
type GitPatch struct {
	UnidiffPatch           string `json:"unidiffPatch"`
	BaseCommitID           string `json:"baseCommitId"`
	SuggestedCommitMessage string `json:"suggestedCommitMessage,omitempty"`
}

// PullRequestOutput is the pullRequest variant payload.
type PullRequestOutput struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	BaseRef     string `json:"baseRef,omitempty"`
	HeadRef     string `json:"headRef,omitempty"`
}

// ChangeSetOutput is the changeSet variant payload.
type ChangeSetOutput struct {
	Source   string   `json:"source"`
	GitPatch GitPatch `json:"gitPatch"`
}

// Output is the closed sum over pullRequest/changeSet, plus an Unknown
// fallback for forward compatibility at read sites (design note: tagged
// variants).
type Output struct {
	Kind        OutputKind
	PullRequest *PullRequestOutput
	ChangeSet   *ChangeSetOutput
	Overflow
}

type rawOutput struct {
	PullRequest json.RawMessage `json:"pullRequest"`
	ChangeSet   json.RawMessage `json:"changeSet"`
}

var knownOutputKeys = makeSet("pullRequest", "changeSet")

func (r rawOutput) decode() (Output, error) {
	var raw map[string]json.RawMessage
	// rawOutput is already typed; re-marshal isn't needed — build overflow
	// from the two known keys directly, mirroring the probe-then-decode
	// pattern used for Activity/Artifact below.
	raw = map[string]json.RawMessage{}
	if r.PullRequest != nil {
		raw["pullRequest"] = r.PullRequest
	}
	if r.ChangeSet != nil {
		raw["changeSet"] = r.ChangeSet
	}
	switch {
	case r.PullRequest != nil:
		var pr PullRequestOutput
		if err := json.Unmarshal(r.PullRequest, &pr); err != nil {
			return Output{}, err
		}
		return Output{Kind: OutputPullRequest, PullRequest: &pr}, nil
	case r.ChangeSet != nil:
		var cs ChangeSetOutput
		if err := json.Unmarshal(r.ChangeSet, &cs); err != nil {
			return Output{}, err
		}
		return Output{Kind: OutputChangeSet, ChangeSet: &cs}, nil
	default:
		extra := collectUnknown(raw, knownOutputKeys)
		warnUnknown("output", extra)
		return Output{Kind: OutputUnknown, Overflow: Overflow{Extra: extra}}, nil
	}
}

// MarshalJSON re-emits the concrete variant under its tag key.
func (o Output) MarshalJSON() ([]byte, error) {
	m := map[string]any{}
	switch o.Kind {
	case OutputPullRequest:
		m["pullRequest"] = o.PullRequest
	case OutputChangeSet:
		m["changeSet"] = o.ChangeSet
	}
	return json.Marshal(m)
}
