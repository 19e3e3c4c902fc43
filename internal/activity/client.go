// Package activity implements the Activity Client: cold history, hot
// updates, and a merged stream, plus the hydrate() fill operation, all keyed
// by a single session id. History is finite and restartable and returns a
// slice; Updates and Stream return channels that run until the caller's
// context is cancelled.
package activity

import (
	"context"
	"net/url"
	"time"

	"github.com/maruel/jules/internal/activitylog"
	"github.com/maruel/jules/internal/cachetier"
	"github.com/maruel/jules/internal/juleserr"
	"github.com/maruel/jules/internal/model"
	"github.com/maruel/jules/internal/platform"
)

const defaultPollingInterval = 5 * time.Second

// Client is the per-session Activity Client.
type Client struct {
	SessionID       string
	SessionCreate   time.Time // used to gate frozen-session hydration
	Transport       *platform.Transport
	Log             *activitylog.Store
	PollingInterval time.Duration
}

// New builds a Client for sessionID backed by log.
func New(transport *platform.Transport, log *activitylog.Store, sessionID string, sessionCreate time.Time) *Client {
	return &Client{
		SessionID:       sessionID,
		SessionCreate:   sessionCreate,
		Transport:       transport,
		Log:             log,
		PollingInterval: defaultPollingInterval,
	}
}

// hwm is the high-water mark: the newest createTime in the local log,
// tie-broken by id equality.
type hwm struct {
	createTime time.Time
	id         string
	known      bool
	ids        map[string]struct{}
}

func (c *Client) computeHWM() (hwm, error) {
	acts, err := c.Log.Scan()
	if err != nil {
		return hwm{}, err
	}
	h := hwm{ids: map[string]struct{}{}}
	for _, a := range acts {
		h.ids[a.ID] = struct{}{}
		if !h.known || a.CreateTime.After(h.createTime) {
			h.createTime, h.id, h.known = a.CreateTime, a.ID, true
		}
	}
	return h, nil
}

// isNew reports whether a matches the "newer than HWM" rule from §4.6/§4.7:
// createTime > HWM.createTime, or equal and a previously-unknown id.
func (h hwm) isNew(a model.Activity) bool {
	if !h.known {
		return true
	}
	if a.CreateTime.After(h.createTime) {
		return true
	}
	if a.CreateTime.Equal(h.createTime) {
		_, known := h.ids[a.ID]
		return !known
	}
	return false
}

// activitiesPage is the shape of GET /sessions/{id}/activities.
type activitiesPage struct {
	Activities    []pagedActivity `json:"activities"`
	NextPageToken string          `json:"nextPageToken"`
}

type pagedActivity struct {
	raw []byte
}

func (p *pagedActivity) UnmarshalJSON(data []byte) error {
	p.raw = append([]byte(nil), data...)
	return nil
}

// Hydrate fills the local log with anything newer than the local HWM,
// returning the count of newly appended activities. Frozen sessions
// (createTime older than 30 days) are a no-op.
func (c *Client) Hydrate(ctx context.Context) (int, error) {
	if cachetier.IsFrozen(c.SessionCreate, time.Now()) {
		return 0, nil
	}
	h, err := c.computeHWM()
	if err != nil {
		return 0, err
	}

	appended := 0
	pageToken := ""
	for {
		var page activitiesPage
		q := url.Values{}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		if err := c.Transport.Do(ctx, "GET", "/sessions/"+c.SessionID+"/activities", q, nil, &page); err != nil {
			return appended, err
		}
		pageFullyCovered := true
		for _, pa := range page.Activities {
			a, decErr := model.DecodeActivity(pa.raw)
			if decErr != nil {
				continue
			}
			if h.isNew(a) {
				if err := c.Log.Append(a); err != nil {
					return appended, err
				}
				appended++
				h.ids[a.ID] = struct{}{}
				pageFullyCovered = false
			}
		}
		if page.NextPageToken == "" || (h.known && pageFullyCovered) {
			break
		}
		pageToken = page.NextPageToken
	}
	return appended, nil
}

// History runs Hydrate then yields the whole local log in append order.
// Finite and restartable: each call is fresh.
func (c *Client) History(ctx context.Context) ([]model.Activity, error) {
	if _, err := c.Hydrate(ctx); err != nil {
		return nil, err
	}
	return c.Log.Scan()
}

// Updates opens a polling loop, yielding activities newer than the HWM as
// they arrive on the wire. Infinite until ctx is cancelled; the caller must
// drain the returned channel to allow the goroutine to exit.
func (c *Client) Updates(ctx context.Context) <-chan model.Activity {
	out := make(chan model.Activity)
	go func() {
		defer close(out)
		h, err := c.computeHWM()
		if err != nil {
			return
		}
		ticker := time.NewTicker(c.PollingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			n, err := c.Hydrate(ctx)
			if err != nil || n == 0 {
				continue
			}
			acts, err := c.Log.Scan()
			if err != nil {
				continue
			}
			for _, a := range acts {
				if !h.isNew(a) {
					continue
				}
				h.ids[a.ID] = struct{}{}
				if a.CreateTime.After(h.createTime) {
					h.createTime, h.id = a.CreateTime, a.ID
				}
				select {
				case out <- a:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Stream concatenates History then Updates, filtering Updates against the
// tail already yielded by History to avoid re-yielding it.
func (c *Client) Stream(ctx context.Context) (<-chan model.Activity, error) {
	hist, err := c.History(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan model.Activity)
	go func() {
		defer close(out)
		for _, a := range hist {
			select {
			case out <- a:
			case <-ctx.Done():
				return
			}
		}
		for a := range c.Updates(ctx) {
			select {
			case out <- a:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// SelectOptions filters a local-log linear scan.
type SelectOptions struct {
	Type   model.ActivityType
	After  string // exclusive cursor: activity id
	Before string // exclusive cursor: activity id
	Limit  int
}

// Select performs a linear scan of the local log with optional type/cursor
// filters and a limit.
func (c *Client) Select(opts SelectOptions) ([]model.Activity, error) {
	all, err := c.Log.Scan()
	if err != nil {
		return nil, err
	}
	var afterIdx, beforeIdx = -1, len(all)
	for i, a := range all {
		if opts.After != "" && a.ID == opts.After {
			afterIdx = i
		}
		if opts.Before != "" && a.ID == opts.Before {
			beforeIdx = i
		}
	}
	var out []model.Activity
	for i := afterIdx + 1; i < beforeIdx; i++ {
		a := all[i]
		if opts.Type != "" && a.Type != opts.Type {
			continue
		}
		out = append(out, a)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// WaitForAgentReply waits for the first non-user activity with createTime
// after since whose type is agentMessaged. If a terminal activity
// (sessionCompleted/sessionFailed) arrives first, it fails with
// EarlyTermination. Used by the Session Engine's ask() operation, which
// performs the sendMessage call itself before waiting here.
func (c *Client) WaitForAgentReply(ctx context.Context, since time.Time) (*model.Activity, error) {
	for a := range c.Updates(ctx) {
		if a.Originator == model.OriginatorUser {
			continue
		}
		if !a.CreateTime.After(since) {
			continue
		}
		switch a.Type {
		case model.ActivitySessionCompleted, model.ActivitySessionFailed:
			return nil, juleserr.New(juleserr.EarlyTermination, "session ended before ask() reply arrived")
		case model.ActivityAgentMessaged:
			return &a, nil
		}
	}
	return nil, ctx.Err()
}
