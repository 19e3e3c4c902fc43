// Package reconcile implements the Reconciliation Engine: the single
// sync() operation that streams sessions from the server into the Session
// Index Store and, optionally, hydrates each candidate's Activity Log
// Store, incrementally and resumably.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/maruel/ksid"
	"golang.org/x/sync/errgroup"

	"github.com/maruel/jules/internal/activity"
	"github.com/maruel/jules/internal/activitylog"
	"github.com/maruel/jules/internal/juleserr"
	"github.com/maruel/jules/internal/model"
	"github.com/maruel/jules/internal/platform"
	"github.com/maruel/jules/internal/sessionindex"
	"github.com/maruel/jules/internal/titlegen"
)

// Depth controls whether sync only ingests session metadata or also
// hydrates each candidate's activity log.
type Depth string

const (
	DepthMetadata   Depth = "metadata"
	DepthActivities Depth = "activities"
)

// Progress is emitted via Options.OnProgress during a run.
type Progress struct {
	RunID          string // ksid identifying the Sync call this Progress belongs to
	Phase          string // "fetching_list" | "hydrating_records"
	Current        int
	Total          int
	LastIngestedID string
	ActivityCount  int
}

// Options configures one sync() call.
type Options struct {
	SessionID string // targeted mode when non-empty
	Limit     int    // default 100
	Depth     Depth  // default metadata
	// NonIncremental disables the local high-water-mark check, forcing a
	// full re-scan of every session the server reports. Sync is incremental
	// by default (§4.7); this flag is inverted so the Go zero value keeps
	// that default instead of silently disabling it.
	NonIncremental bool
	Concurrency    int // default 3
	Checkpoint     bool
	OnProgress     func(Progress)
}

// Stats is sync()'s return value.
type Stats struct {
	RunID              string // ksid, correlates this run's log lines and Progress callbacks
	SessionsIngested   int
	ActivitiesIngested int
	IsComplete         bool
	DurationMs         int64
}

const (
	defaultLimit       = 100
	defaultConcurrency = 3
	checkpointFileName = "sync-checkpoint.json"
)

// Engine owns the process-wide mutual-exclusion flag for sync, plus the
// stores and transport it reconciles.
type Engine struct {
	Transport *platform.Transport
	Index     *sessionindex.Store
	Root      string // cache root; checkpoint file lives at {Root}/sync-checkpoint.json

	// TitleGen backfills Session.Title for sessions the server left titleless,
	// once their activities have hydrated. A nil TitleGen disables backfill.
	TitleGen *titlegen.Generator

	running atomic.Bool
}

// New builds an Engine. root is typically the same directory passed to
// sessionindex.New.
func New(transport *platform.Transport, index *sessionindex.Store, root string) *Engine {
	return &Engine{Transport: transport, Index: index, Root: root}
}

func (e *Engine) checkpointPath() string { return filepath.Join(e.Root, checkpointFileName) }

// Sync runs one reconciliation pass. Exactly one Sync may run at a time per
// Engine; a concurrent call fails fast with SyncInProgress. Cancellation via
// ctx is swallowed into partial stats (IsComplete:false) rather than
// surfaced as an error; every other failure propagates.
func (e *Engine) Sync(ctx context.Context, opts Options) (Stats, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Stats{}, juleserr.New(juleserr.SyncInProgress, "a sync is already running on this client")
	}
	defer e.running.Store(false)

	runID := ksid.NewID()
	start := time.Now()
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}
	if opts.Depth == "" {
		opts.Depth = DepthMetadata
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	slog.Info("sync started", "runId", runID, "depth", opts.Depth, "sessionId", opts.SessionID)

	if opts.SessionID != "" {
		stats, err := e.syncTargeted(ctx, opts)
		stats.RunID = runID
		stats.DurationMs = time.Since(start).Milliseconds()
		return stats, err
	}
	stats, err := e.syncFull(ctx, runID, opts)
	stats.RunID = runID
	stats.DurationMs = time.Since(start).Milliseconds()
	return stats, err
}

func (e *Engine) syncTargeted(ctx context.Context, opts Options) (Stats, error) {
	var raw json.RawMessage
	if err := e.Transport.Do(ctx, "GET", "/sessions/"+opts.SessionID, nil, nil, &raw); err != nil {
		if ctx.Err() != nil {
			return Stats{IsComplete: false}, nil
		}
		return Stats{}, err
	}
	s, err := model.DecodeSession(raw)
	if err != nil {
		return Stats{}, err
	}
	if err := e.Index.Upsert(model.CachedSession{Resource: *s, LastSyncedAt: time.Now()}); err != nil {
		return Stats{}, err
	}
	return Stats{SessionsIngested: 1, ActivitiesIngested: 0, IsComplete: ctx.Err() == nil}, nil
}

func (e *Engine) syncFull(ctx context.Context, runID string, opts Options) (Stats, error) {
	resumeFromID := ""
	startingCount := 0
	if opts.Checkpoint {
		if ckpt, err := e.readCheckpoint(); err == nil && ckpt != nil {
			resumeFromID = ckpt.LastProcessedSessionID
			startingCount = ckpt.SessionsProcessed
		}
	}

	var hwm time.Time
	if !opts.NonIncremental {
		hwm = e.localHWM()
	}

	var candidates []model.SessionIndexEntry
	var hydrateOnly []model.SessionIndexEntry
	ingestedThisRun := 0
	wasAborted := false
	seenResumeMarker := resumeFromID == ""

	pageToken := ""
pageLoop:
	for {
		if ctx.Err() != nil {
			wasAborted = true
			break
		}
		page, err := e.listSessionsPage(ctx, pageToken)
		if err != nil {
			if ctx.Err() != nil {
				wasAborted = true
				break
			}
			return Stats{}, err
		}
		for _, s := range page.Sessions {
			if ctx.Err() != nil {
				wasAborted = true
				break pageLoop
			}
			if !seenResumeMarker {
				if s.ID == resumeFromID {
					seenResumeMarker = true
				}
				continue
			}
			if !hwm.IsZero() && !s.CreateTime.After(hwm) {
				if opts.Depth == DepthActivities {
					hydrateOnly = append(hydrateOnly, toIndexEntry(s))
				}
				break pageLoop
			}
			if err := e.Index.Upsert(model.CachedSession{Resource: s, LastSyncedAt: time.Now()}); err != nil {
				return Stats{}, err
			}
			entry := toIndexEntry(s)
			candidates = append(candidates, entry)
			ingestedThisRun++
			if opts.Checkpoint {
				if err := e.writeCheckpoint(model.SyncCheckpoint{
					LastProcessedSessionID: s.ID,
					SessionsProcessed:      startingCount + ingestedThisRun,
					StartedAt:              time.Now(),
				}); err != nil {
					return Stats{}, err
				}
			}
			if opts.OnProgress != nil {
				opts.OnProgress(Progress{RunID: runID, Phase: "fetching_list", Current: len(candidates), LastIngestedID: s.ID})
			}
			if len(candidates) >= opts.Limit {
				break pageLoop
			}
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	activitiesIngested := 0
	if opts.Depth == DepthActivities && !wasAborted {
		all := append(append([]model.SessionIndexEntry{}, candidates...), hydrateOnly...)
		n, err := e.hydrateAll(ctx, runID, all, opts)
		if err != nil && ctx.Err() == nil {
			return Stats{}, err
		}
		wasAborted = err != nil
		activitiesIngested = n
	}

	if !wasAborted && opts.Checkpoint {
		_ = os.Remove(e.checkpointPath())
	}

	return Stats{
		SessionsIngested:   ingestedThisRun,
		ActivitiesIngested: activitiesIngested,
		IsComplete:         !wasAborted,
	}, nil
}

func (e *Engine) hydrateAll(ctx context.Context, runID string, entries []model.SessionIndexEntry, opts Options) (int, error) {
	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, entry := range entries {
		entry := entry
		idx := i
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			log := activitylog.Open(e.Index.SessionDir(entry.ID))
			if err := log.Init(); err != nil {
				return err
			}
			c := activity.New(e.Transport, log, entry.ID, entry.CreateTime)
			n, err := c.Hydrate(gctx)
			if err != nil {
				return err
			}
			total.Add(int64(n))
			if err := e.backfillTitle(gctx, log, entry.ID); err != nil {
				slog.Warn("title backfill failed", "sessionId", entry.ID, "err", err)
			}
			if opts.OnProgress != nil {
				opts.OnProgress(Progress{
					RunID:          runID,
					Phase:          "hydrating_records",
					Current:        idx + 1,
					Total:          len(entries),
					LastIngestedID: entry.ID,
					ActivityCount:  n,
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(total.Load()), err
	}
	return int(total.Load()), nil
}

// backfillTitle generates and persists a title for sessionID if it has none
// and TitleGen is configured. Best-effort: the caller logs and moves on if
// this returns an error, since a missing title never blocks a sync.
func (e *Engine) backfillTitle(ctx context.Context, log *activitylog.Store, sessionID string) error {
	if !e.TitleGen.Enabled() {
		return nil
	}
	cached, err := e.Index.Get(sessionID)
	if err != nil {
		return err
	}
	if cached == nil || cached.Resource.Title != "" {
		return nil
	}
	acts, err := log.Scan()
	if err != nil {
		return err
	}
	title := e.TitleGen.Generate(ctx, cached.Resource.Prompt, acts)
	if title == "" {
		return nil
	}
	cached.Resource.Title = title
	cached.LastSyncedAt = time.Now()
	return e.Index.Upsert(*cached)
}

func (e *Engine) localHWM() time.Time {
	entries, err := e.Index.ScanIndex()
	if err != nil {
		return time.Time{}
	}
	var hwm time.Time
	for _, entry := range entries {
		if entry.CreateTime.After(hwm) {
			hwm = entry.CreateTime
		}
	}
	return hwm
}

type sessionsPage struct {
	Sessions      []model.Session
	NextPageToken string
}

// UnmarshalJSON decodes the wire shape then lazily decodes each session
// through model.DecodeSession, which expects a whole-object byte slice
// rather than an already-parsed struct.
func (p *sessionsPage) UnmarshalJSON(data []byte) error {
	var wire struct {
		Sessions      []json.RawMessage `json:"sessions"`
		NextPageToken string            `json:"nextPageToken"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	p.NextPageToken = wire.NextPageToken
	for _, raw := range wire.Sessions {
		s, err := model.DecodeSession(raw)
		if err != nil {
			continue
		}
		p.Sessions = append(p.Sessions, *s)
	}
	return nil
}

func (e *Engine) listSessionsPage(ctx context.Context, pageToken string) (*sessionsPage, error) {
	q := url.Values{}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	var page sessionsPage
	if err := e.Transport.Do(ctx, "GET", "/sessions", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func toIndexEntry(s model.Session) model.SessionIndexEntry {
	entry := model.SessionIndexEntry{
		ID:         s.ID,
		Title:      s.Title,
		State:      s.State,
		CreateTime: s.CreateTime,
		UpdatedAt:  time.Now(),
	}
	if s.SourceContext != nil {
		entry.Source = s.SourceContext.Source
	}
	return entry
}

func (e *Engine) readCheckpoint() (*model.SyncCheckpoint, error) {
	data, err := os.ReadFile(e.checkpointPath()) //nolint:gosec // local cache file
	if err != nil {
		return nil, nil
	}
	var ckpt model.SyncCheckpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, nil
	}
	return &ckpt, nil
}

func (e *Engine) writeCheckpoint(ckpt model.SyncCheckpoint) error {
	data, err := json.Marshal(ckpt)
	if err != nil {
		return err
	}
	tmp := e.checkpointPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec // local cache file
		return fmt.Errorf("reconcile: write checkpoint: %w", err)
	}
	return os.Rename(tmp, e.checkpointPath())
}
