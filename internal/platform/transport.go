package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/maruel/jules/internal/juleserr"
)

// Transport defaults, named exactly as the design's tunables.
const (
	defaultBaseDelay       = 1 * time.Second
	defaultMaxDelay        = 30 * time.Second
	defaultMaxRetryTime    = 300 * time.Second
	defaultRequestTimeout  = 30 * time.Second
	defaultNotFoundRetries = 5
	defaultNotFoundDelay   = 1 * time.Second
)

// Transport exposes the single REST request operation every higher-level
// component builds on. It resolves the base URL and API key once at
// construction.
type Transport struct {
	baseURL string
	apiKey  func() string // indirection lets the key hot-reload
	client  *http.Client

	baseDelay      time.Duration
	maxDelay       time.Duration
	maxRetryTime   time.Duration
	requestTimeout time.Duration

	// limiter paces outbound requests client-side, independent of the
	// server's own 429 backoff; nil (the default) applies no pacing.
	limiter *rate.Limiter

	logger *slog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(c *http.Client) Option { return func(t *Transport) { t.client = c } }

// WithLogger overrides the logger used for warnings.
func WithLogger(l *slog.Logger) Option { return func(t *Transport) { t.logger = l } }

// WithAPIKeyFunc overrides how the current API key is resolved, enabling
// hot-reloaded credentials (see Watcher).
func WithAPIKeyFunc(f func() string) Option { return func(t *Transport) { t.apiKey = f } }

// WithRateLimit paces outbound requests to at most rps per second, with
// bursts up to burst, smoothing traffic from concurrent callers (the Fleet
// Dispatch fan-out, the Reconciliation Engine's hydration workers) to avoid
// tripping server-side 429s in the first place.
func WithRateLimit(rps float64, burst int) Option {
	return func(t *Transport) { t.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewTransport builds a Transport from a resolved Config.
func NewTransport(cfg Config, opts ...Option) *Transport {
	base := cfg.APIKey
	tr := &http.Transport{}
	_ = http2.ConfigureTransport(tr) // best-effort; HTTP/1.1 still works if this fails
	t := &Transport{
		baseURL:        cfg.BaseURL,
		apiKey:         func() string { return base },
		client:         &http.Client{Transport: tr},
		baseDelay:      defaultBaseDelay,
		maxDelay:       defaultMaxDelay,
		maxRetryTime:   defaultMaxRetryTime,
		requestTimeout: defaultRequestTimeout,
		logger:         slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Do issues a single JSON request against path, retrying 429s per the
// rate-limit policy. body, if non-nil, is marshaled as JSON; the response
// body is decoded into out (if non-nil).
func (t *Transport) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	key := t.apiKey()
	if key == "" {
		return juleserr.New(juleserr.MissingCredential, "no API key configured")
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	u := t.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	deadline := time.Now().Add(t.maxRetryTime)
	delay := t.baseDelay
	for attempt := 0; ; attempt++ {
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return juleserr.New(juleserr.Cancelled, "rate limit wait cancelled").Wrap(err)
			}
		}
		status, respBody, err := t.attempt(ctx, method, u, key, payload)
		if err != nil {
			return err
		}
		switch {
		case status >= 200 && status < 300:
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("decode response body: %w", err)
				}
			}
			return nil
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return juleserr.Newf(juleserr.AuthFailure, "authentication failed (status %d)", status)
		case status == http.StatusNotFound:
			return juleserr.New(juleserr.NotFound, "resource not found")
		case status == http.StatusTooManyRequests:
			if time.Now().Add(delay).After(deadline) {
				return juleserr.New(juleserr.RateLimited, "rate limited; retry budget exhausted")
			}
			t.logger.Warn("rate limited, backing off", "delay", delay, "attempt", attempt)
			if err := sleepCancelable(ctx, delay); err != nil {
				return err
			}
			delay *= 2
			if delay > t.maxDelay {
				delay = t.maxDelay
			}
		default:
			return juleserr.Newf(juleserr.ServerError, "server returned status %d", status).WithDetail("status", status)
		}
	}
}

// attempt issues a single HTTP round-trip bounded by requestTimeout.
func (t *Transport) attempt(ctx context.Context, method, u, apiKey string, payload []byte) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Goog-Api-Key", apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return 0, nil, juleserr.New(juleserr.Cancelled, "request cancelled")
		}
		return 0, nil, juleserr.Newf(juleserr.NetworkFailure, "request failed: %v", err).Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, juleserr.Newf(juleserr.NetworkFailure, "reading response body: %v", err).Wrap(err)
	}
	return resp.StatusCode, data, nil
}

// sleepCancelable sleeps for d, aborting early with Cancelled if ctx ends.
func sleepCancelable(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return juleserr.New(juleserr.Cancelled, "cancelled during backoff sleep")
	}
}

// RetryNotFound wraps fn, retrying on NotFound with exponential backoff —
// the eventual-consistency helper used for immediate reads right after a
// session is created. Any non-NotFound error short-circuits immediately.
func RetryNotFound[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	delay := defaultNotFoundDelay
	var zero T
	for attempt := 0; ; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if !juleserr.Is(err, juleserr.NotFound) || attempt >= defaultNotFoundRetries {
			return zero, err
		}
		if err := sleepCancelable(ctx, delay); err != nil {
			return zero, err
		}
		delay *= 2
	}
}
