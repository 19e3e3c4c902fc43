package reconcile

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler drives periodic Sync calls on a cron expression, logging each
// run's outcome rather than surfacing it — callers that need per-run
// results should call Sync directly instead.
type Scheduler struct {
	engine *Engine
	opts   Options
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler builds a Scheduler that runs engine.Sync(opts) on spec, a
// standard 5-field cron expression (e.g. "*/15 * * * *" for every 15
// minutes).
func NewScheduler(engine *Engine, spec string, opts Options, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{engine: engine, opts: opts, cron: cron.New(), logger: logger}
	_, err := s.cron.AddFunc(spec, s.runOnce)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) runOnce() {
	stats, err := s.engine.Sync(context.Background(), s.opts)
	if err != nil {
		s.logger.Warn("scheduled sync failed", "err", err)
		return
	}
	s.logger.Info("scheduled sync completed",
		"sessionsIngested", stats.SessionsIngested,
		"activitiesIngested", stats.ActivitiesIngested,
		"isComplete", stats.IsComplete,
		"durationMs", stats.DurationMs,
	)
}

// Start begins the cron scheduler in the background. Stop via Stop.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
