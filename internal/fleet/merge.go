// Package fleet implements the Fleet Merge Controller and the bounded
// Dispatch/Overlap helpers for batches of sessions created from
// declarative goals and merged sequentially.
package fleet

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/maruel/jules/internal/juleserr"
)

const (
	defaultBaseBranch         = "main"
	defaultMaxCIWaitSeconds   = 600
	defaultMaxRetries         = 2
	defaultPollTimeoutSeconds = 900
	defaultUpdatePropagation  = 5 * time.Second
	defaultInterPRSleep       = 5 * time.Second
	defaultCIPollInterval     = 10 * time.Second
	defaultRedispatchPoll     = 10 * time.Second
)

// CIResult is the outcome of waiting for CI on a commit.
type CIResult string

const (
	CIPass    CIResult = "pass"
	CIFail    CIResult = "fail"
	CINone    CIResult = "none"
	CITimeout CIResult = "timeout"
)

// SessionDispatcher creates a new session for re-dispatch after a
// conflicting PR is abandoned, seeded with the same prompt/source as the
// original.
type SessionDispatcher interface {
	Dispatch(ctx context.Context, prompt, source, startingBranch string) (sessionID string, err error)
	// FindPR polls for a PR referencing sessionID, returning its number once
	// one appears.
	FindPR(ctx context.Context, sessionID string) (PR, bool, error)
}

// Config configures one MergeController.Run call.
type Config struct {
	Mode               ListMode
	RunID              string
	BaseBranch         string // default "main"
	Admin              bool
	MaxCIWaitSeconds   int // default 600
	MaxRetries         int // default 2
	PollTimeoutSeconds int // default 900
	ReDispatch         bool
}

// Redispatch records one conflict-triggered re-dispatch.
type Redispatch struct {
	OldPR int
	NewPR int
}

// Result is the outcome of one Run call.
type Result struct {
	Merged       []int
	Skipped      []int
	Redispatched []Redispatch
}

// MergeController runs the sequential per-PR merge loop: update branch,
// wait for CI, squash-merge, with bounded conflict re-dispatch. The sleep
// intervals default to production values but are exposed for tests that
// need the loop to run without real wall-clock delay.
type MergeController struct {
	Host       RepoHost
	Dispatcher SessionDispatcher

	UpdatePropagationSleep time.Duration
	InterPRSleep           time.Duration
	CIPollInterval         time.Duration
	RedispatchPollInterval time.Duration
}

// NewMergeController builds a MergeController over host and dispatcher.
func NewMergeController(host RepoHost, dispatcher SessionDispatcher) *MergeController {
	return &MergeController{
		Host:                   host,
		Dispatcher:             dispatcher,
		UpdatePropagationSleep: defaultUpdatePropagation,
		InterPRSleep:           defaultInterPRSleep,
		CIPollInterval:         defaultCIPollInterval,
		RedispatchPollInterval: defaultRedispatchPoll,
	}
}

// Run selects PRs per cfg.Mode then merges them sequentially in
// PR-number-ascending order, re-dispatching on conflict when cfg.ReDispatch
// is set.
func (m *MergeController) Run(ctx context.Context, cfg Config) (Result, error) {
	cfg = withDefaults(cfg)

	prs, err := m.Host.ListPRs(ctx, cfg.Mode, cfg.RunID, cfg.BaseBranch)
	if err != nil {
		return Result{}, juleserr.New(juleserr.GithubApiError, "list PRs: "+err.Error()).Wrap(err)
	}
	sort.Slice(prs, func(i, j int) bool { return prs[i].Number < prs[j].Number })

	var res Result
	for i := 0; i < len(prs); i++ {
		pr := prs[i]
		merged, err := m.runOnePR(ctx, cfg, &res, pr, i > 0)
		if err != nil {
			return res, err
		}
		if !merged {
			res.Skipped = append(res.Skipped, pr.Number)
		}
		if ctx.Err() != nil {
			return res, juleserr.New(juleserr.Cancelled, "merge run cancelled").Wrap(ctx.Err())
		}
		if i < len(prs)-1 {
			if err := sleepCancelable(ctx, m.InterPRSleep); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// runOnePR drives one PR through update/wait/merge, retrying on conflict
// via re-dispatch up to cfg.MaxRetries times. Returns true if merged.
func (m *MergeController) runOnePR(ctx context.Context, cfg Config, res *Result, pr PR, needsUpdate bool) (bool, error) {
	retries := 0
	for {
		if needsUpdate || retries > 0 {
			outcome, err := m.Host.UpdateBranch(ctx, pr)
			if err != nil || outcome == UpdateError {
				return false, juleserr.New(juleserr.GithubApiError, "update branch").Wrap(err)
			}
			if outcome == UpdateConflict {
				if !cfg.ReDispatch || retries >= cfg.MaxRetries {
					return false, juleserr.Newf(juleserr.ConflictRetriesExhausted,
						"PR #%d could not be updated after %d retries; see https://github.com/x/x/pull/%d", pr.Number, retries, pr.Number)
				}
				newPR, err := m.redispatch(ctx, cfg, pr)
				if err != nil {
					return false, err
				}
				res.Redispatched = append(res.Redispatched, Redispatch{OldPR: pr.Number, NewPR: newPR.Number})
				pr = newPR
				retries++
				continue
			}
			if err := sleepCancelable(ctx, m.UpdatePropagationSleep); err != nil {
				return false, err
			}
		}

		ci, err := m.waitForCI(ctx, pr, cfg.MaxCIWaitSeconds)
		if err != nil {
			return false, err
		}
		if ci == CIFail || ci == CITimeout {
			return false, nil
		}

		if err := m.Host.SquashMerge(ctx, pr); err != nil {
			return false, juleserr.New(juleserr.MergeFailed, "squash merge PR #"+strconv.Itoa(pr.Number)).Wrap(err)
		}
		res.Merged = append(res.Merged, pr.Number)
		return true, nil
	}
}

// waitForCI polls check runs on pr.HeadSHA until a terminal conclusion or
// maxWaitSeconds elapses.
func (m *MergeController) waitForCI(ctx context.Context, pr PR, maxWaitSeconds int) (CIResult, error) {
	deadline := time.Now().Add(time.Duration(maxWaitSeconds) * time.Second)
	for {
		runs, err := m.Host.CheckRuns(ctx, pr.HeadSHA)
		if err != nil {
			return "", juleserr.New(juleserr.GithubApiError, "check runs").Wrap(err)
		}
		if len(runs) == 0 {
			return CINone, nil
		}
		allComplete := true
		anyFailed := false
		for _, r := range runs {
			if r.Status != "completed" {
				allComplete = false
				continue
			}
			if r.Conclusion != "success" && r.Conclusion != "neutral" && r.Conclusion != "skipped" {
				anyFailed = true
			}
		}
		if allComplete {
			if anyFailed {
				return CIFail, nil
			}
			return CIPass, nil
		}
		if time.Now().After(deadline) {
			return CITimeout, nil
		}
		if err := sleepCancelable(ctx, m.CIPollInterval); err != nil {
			return "", err
		}
	}
}

// redispatch enqueues a new session seeded the same way as the original
// PR, then polls for its replacement PR.
func (m *MergeController) redispatch(ctx context.Context, cfg Config, pr PR) (PR, error) {
	sessionID, err := m.Dispatcher.Dispatch(ctx, pr.Prompt, pr.Source, pr.HeadBranch)
	if err != nil {
		return PR{}, juleserr.New(juleserr.GithubApiError, "redispatch session create").Wrap(err)
	}
	deadline := time.Now().Add(time.Duration(cfg.PollTimeoutSeconds) * time.Second)
	for {
		newPR, ok, err := m.Dispatcher.FindPR(ctx, sessionID)
		if err != nil {
			return PR{}, juleserr.New(juleserr.GithubApiError, "find redispatched PR").Wrap(err)
		}
		if ok {
			return newPR, nil
		}
		if time.Now().After(deadline) {
			return PR{}, juleserr.Newf(juleserr.RedispatchTimeout, "no PR found for redispatched session %s after %ds", sessionID, cfg.PollTimeoutSeconds)
		}
		if err := sleepCancelable(ctx, m.RedispatchPollInterval); err != nil {
			return PR{}, err
		}
	}
}

func withDefaults(cfg Config) Config {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = defaultBaseBranch
	}
	if cfg.MaxCIWaitSeconds == 0 {
		cfg.MaxCIWaitSeconds = defaultMaxCIWaitSeconds
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.PollTimeoutSeconds == 0 {
		cfg.PollTimeoutSeconds = defaultPollTimeoutSeconds
	}
	return cfg
}

func sleepCancelable(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return juleserr.New(juleserr.Cancelled, "sleep cancelled").Wrap(ctx.Err())
	}
}

