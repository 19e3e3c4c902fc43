// Package snapshot builds the immutable point-in-time aggregate view of a
// session: identity, computed durations, the full activity timeline,
// derived insights, and brotli-compressed archival export.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/sync/errgroup"

	"github.com/maruel/jules/internal/activity"
	"github.com/maruel/jules/internal/model"
	"github.com/maruel/jules/internal/query"
	"github.com/maruel/jules/internal/session"
	"github.com/maruel/jules/internal/unidiff"
)

// TimelineEntry is one activity's projection onto the Snapshot's timeline.
type TimelineEntry struct {
	Time    time.Time          `json:"time"`
	Type    model.ActivityType `json:"type"`
	Summary string             `json:"summary"`
}

// Insights is the derived-counts view over a session's activities.
type Insights struct {
	SessionCompleted int              `json:"sessionCompleted"`
	PlanGenerated    int              `json:"planGenerated"`
	UserMessaged     int              `json:"userMessaged"`
	FailedCommands   []model.Activity `json:"-"` // serialized as failedCommandCount in toJSON
}

// Snapshot is the immutable aggregate. Built once; never mutated.
type Snapshot struct {
	ID             string
	URL            string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DurationMs     int64
	Prompt         string
	Title          string
	PullRequest    *model.PullRequestOutput
	Activities     []model.Activity
	ActivityCounts map[model.ActivityType]int
	Timeline       []TimelineEntry
	Insights       Insights
	Outputs        []model.Output
}

// Build assembles a Snapshot from Engine.Info and the session's full
// history, run concurrently since neither depends on the other.
func Build(ctx context.Context, engine *session.Engine, client *activity.Client, id string) (*Snapshot, error) {
	var info *model.Session
	var acts []model.Activity

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		info, err = engine.Info(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		acts, err = client.History(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s := &Snapshot{
		ID:             info.ID,
		URL:            info.URL,
		CreatedAt:      info.CreateTime,
		UpdatedAt:      info.UpdateTime,
		DurationMs:     durationMs(info.UpdateTime, info.CreateTime),
		Prompt:         info.Prompt,
		Title:          info.Title,
		Activities:     acts,
		Outputs:        info.Outputs,
		ActivityCounts: map[model.ActivityType]int{},
	}
	for _, o := range info.Outputs {
		if o.Kind == model.OutputPullRequest {
			s.PullRequest = o.PullRequest
			break
		}
	}
	for _, a := range acts {
		s.ActivityCounts[a.Type]++
		s.Timeline = append(s.Timeline, TimelineEntry{Time: a.CreateTime, Type: a.Type, Summary: query.Summarize(a)})
		switch a.Type {
		case model.ActivitySessionCompleted:
			s.Insights.SessionCompleted++
		case model.ActivityPlanGenerated:
			s.Insights.PlanGenerated++
		case model.ActivityUserMessaged:
			s.Insights.UserMessaged++
		}
		for _, art := range a.Artifacts {
			if art.Kind == model.ArtifactBashOutput && art.BashOutput != nil &&
				art.BashOutput.ExitCode != nil && *art.BashOutput.ExitCode != 0 {
				s.Insights.FailedCommands = append(s.Insights.FailedCommands, a)
				break
			}
		}
	}
	return s, nil
}

func durationMs(update, create time.Time) int64 {
	if update.IsZero() || create.IsZero() || update.Before(create) {
		return 0
	}
	return update.Sub(create).Milliseconds()
}

// GeneratedFiles parses the unidiff of the first changeSet output, if any.
func (s *Snapshot) GeneratedFiles() []unidiff.FileChange {
	cs := s.firstChangeSet()
	if cs == nil {
		return nil
	}
	return unidiff.Parse(cs.GitPatch.UnidiffPatch)
}

// ChangeSet returns the raw patch of the first changeSet output, if any.
func (s *Snapshot) ChangeSet() string {
	cs := s.firstChangeSet()
	if cs == nil {
		return ""
	}
	return cs.GitPatch.UnidiffPatch
}

func (s *Snapshot) firstChangeSet() *model.ChangeSetOutput {
	for _, o := range s.Outputs {
		if o.Kind == model.OutputChangeSet {
			return o.ChangeSet
		}
	}
	return nil
}

// jsonView is the toJSON serialization shape: ISO date strings and
// failedCommands collapsed to a count.
type jsonView struct {
	ID                 string                     `json:"id"`
	URL                string                     `json:"url,omitempty"`
	CreatedAt          string                     `json:"createdAt"`
	UpdatedAt          string                     `json:"updatedAt"`
	DurationMs         int64                      `json:"durationMs"`
	Prompt             string                     `json:"prompt"`
	Title              string                     `json:"title,omitempty"`
	PullRequest        *model.PullRequestOutput   `json:"pullRequest,omitempty"`
	ActivityCounts     map[model.ActivityType]int `json:"activityCounts"`
	Timeline           []TimelineEntry            `json:"timeline"`
	SessionCompleted   int                        `json:"sessionCompleted"`
	PlanGenerated      int                        `json:"planGenerated"`
	UserMessaged       int                        `json:"userMessaged"`
	FailedCommandCount int                        `json:"failedCommandCount"`
}

// ToJSON serializes the Snapshot with ISO-8601 timestamps and
// failedCommands collapsed to failedCommandCount.
func (s *Snapshot) ToJSON() ([]byte, error) {
	v := jsonView{
		ID:                 s.ID,
		URL:                s.URL,
		CreatedAt:          s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          s.UpdatedAt.Format(time.RFC3339),
		DurationMs:         s.DurationMs,
		Prompt:             s.Prompt,
		Title:              s.Title,
		PullRequest:        s.PullRequest,
		ActivityCounts:     s.ActivityCounts,
		Timeline:           s.Timeline,
		SessionCompleted:   s.Insights.SessionCompleted,
		PlanGenerated:      s.Insights.PlanGenerated,
		UserMessaged:       s.Insights.UserMessaged,
		FailedCommandCount: len(s.Insights.FailedCommands),
	}
	return json.Marshal(v)
}

// ToMarkdown renders a stable section order: header, overview, insights,
// timeline, counts.
func (s *Snapshot) ToMarkdown() string {
	var b strings.Builder
	title := s.Title
	if title == "" {
		title = s.ID
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	fmt.Fprintf(&b, "## Overview\n\n")
	fmt.Fprintf(&b, "- id: %s\n", s.ID)
	if s.URL != "" {
		fmt.Fprintf(&b, "- url: %s\n", s.URL)
	}
	fmt.Fprintf(&b, "- created: %s\n", s.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- updated: %s\n", s.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- duration: %dms\n", s.DurationMs)
	if s.PullRequest != nil {
		fmt.Fprintf(&b, "- pull request: %s\n", s.PullRequest.URL)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## Insights\n\n")
	fmt.Fprintf(&b, "- sessionCompleted: %d\n", s.Insights.SessionCompleted)
	fmt.Fprintf(&b, "- planGenerated: %d\n", s.Insights.PlanGenerated)
	fmt.Fprintf(&b, "- userMessaged: %d\n", s.Insights.UserMessaged)
	fmt.Fprintf(&b, "- failedCommands: %d\n\n", len(s.Insights.FailedCommands))

	fmt.Fprintf(&b, "## Timeline\n\n")
	for _, e := range s.Timeline {
		fmt.Fprintf(&b, "- %s [%s] %s\n", e.Time.Format(time.RFC3339), e.Type, e.Summary)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## Activity counts\n\n")
	for t, n := range s.ActivityCounts {
		fmt.Fprintf(&b, "- %s: %d\n", t, n)
	}
	return b.String()
}

// Archive writes a brotli-compressed JSON export of the Snapshot, for
// long-term point-in-time storage cheaper than the plain JSONL cache.
func (s *Snapshot) Archive(w io.Writer) error {
	data, err := s.ToJSON()
	if err != nil {
		return err
	}
	bw := brotli.NewWriter(w)
	if _, err := bw.Write(data); err != nil {
		_ = bw.Close()
		return err
	}
	return bw.Close()
}
