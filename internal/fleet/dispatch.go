package fleet

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/maruel/jules/internal/juleserr"
	"github.com/maruel/jules/internal/session"
)

const defaultDispatchConcurrency = 4

// DispatchConfig is one config to launch as a new session.
type DispatchConfig struct {
	Prompt         string
	Title          string
	Source         string
	StartingBranch string
}

// DispatchOptions controls a Dispatch call.
type DispatchOptions struct {
	Concurrency int  // default 4
	StopOnError bool // true: first failure cancels pending work; the zero value (false) aggregates failures
	DelayMs     int  // optional spacing between launches
}

// DispatchResult pairs a launch's config index with its outcome. TaskID
// correlates this launch across logs/progress callbacks independently of
// SessionID, which is only known once the create call succeeds.
type DispatchResult struct {
	Index     int
	TaskID    string
	SessionID string
	Err       error
}

// Dispatch launches configs as new sessions via engine, bounded by
// opts.Concurrency. With StopOnError set, the first failure cancels pending
// launches and the error propagates; with it unset (the zero value), every
// launch runs to completion and per-item failures are aggregated via
// go-multierror.
func Dispatch(ctx context.Context, engine *session.Engine, configs []DispatchConfig, opts DispatchOptions) ([]DispatchResult, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultDispatchConcurrency
	}

	results := make([]DispatchResult, len(configs))
	taskIDs := make([]string, len(configs))
	for i := range configs {
		taskIDs[i] = uuid.New().String()
	}
	var launched atomic.Int32

	if opts.StopOnError {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Concurrency)
		for i, cfg := range configs {
			i, cfg := i, cfg
			g.Go(func() error {
				if err := delayLaunch(gctx, opts.DelayMs, int(launched.Add(1))-1); err != nil {
					return err
				}
				id, err := engine.Create(gctx, cfg.toCreateConfig())
				results[i] = DispatchResult{Index: i, TaskID: taskIDs[i], SessionID: id, Err: err}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return results, err
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(context.Background())
	g.SetLimit(opts.Concurrency)
	var mu sync.Mutex
	var merr error
	for i, cfg := range configs {
		i, cfg := i, cfg
		g.Go(func() error {
			if err := delayLaunch(gctx, opts.DelayMs, int(launched.Add(1))-1); err != nil {
				results[i] = DispatchResult{Index: i, TaskID: taskIDs[i], Err: err}
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
				return nil
			}
			if ctx.Err() != nil {
				results[i] = DispatchResult{Index: i, TaskID: taskIDs[i], Err: ctx.Err()}
				mu.Lock()
				merr = multierror.Append(merr, ctx.Err())
				mu.Unlock()
				return nil
			}
			id, err := engine.Create(ctx, cfg.toCreateConfig())
			results[i] = DispatchResult{Index: i, TaskID: taskIDs[i], SessionID: id, Err: err}
			if err != nil {
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, merr
}

func (c DispatchConfig) toCreateConfig() session.CreateConfig {
	return session.CreateConfig{
		Prompt:         c.Prompt,
		Title:          c.Title,
		Source:         c.Source,
		StartingBranch: c.StartingBranch,
	}
}

func delayLaunch(ctx context.Context, delayMs, ordinal int) error {
	if delayMs <= 0 || ordinal <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(delayMs) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return juleserr.New(juleserr.Cancelled, "dispatch delay cancelled").Wrap(ctx.Err())
	}
}
