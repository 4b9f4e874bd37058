// Package strava talks to the Strava v3 API: the paginated activity listing
// and the OAuth token endpoints.
package strava

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/stravasync/internal/convert"
	"github.com/and161185/stravasync/internal/errs"
	"github.com/and161185/stravasync/internal/limiter"
	"github.com/and161185/stravasync/internal/metrics"
	"github.com/and161185/stravasync/internal/model"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://www.strava.com/api/v3"

const maxBodySize = 16 << 20

// ClientConfig tunes the activity client. Zero durations and counts take
// defaults, except RetryAttempts where zero disables transient retries.
type ClientConfig struct {
	BaseURL           string
	Timeout           time.Duration // per request
	RequestInterval   time.Duration // pacing between requests
	RateLimitRetries  int           // attempts while the provider answers 429
	RateLimitFallback time.Duration // wait when a 429 carries no hint
	RetryAttempts     uint64        // transient retries (network, 5xx)
	RetryBase         time.Duration
	RetryMax          time.Duration
}

func (c *ClientConfig) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RateLimitRetries <= 0 {
		c.RateLimitRetries = 5
	}
	if c.RateLimitFallback <= 0 {
		c.RateLimitFallback = 60 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
}

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Client fetches activity pages.
type Client struct {
	cfg   ClientConfig
	http  *http.Client
	pacer limiter.Pacer
	log   *zap.Logger
	wait  WaitFunc
	now   func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithPacer replaces the request pacer.
func WithPacer(p limiter.Pacer) Option { return func(c *Client) { c.pacer = p } }

// WithWait replaces the rate-limit wait.
func WithWait(w WaitFunc) Option { return func(c *Client) { c.wait = w } }

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// NewClient constructs an activity client.
func NewClient(cfg ClientConfig, log *zap.Logger, opts ...Option) *Client {
	cfg.defaults()
	c := &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		pacer: limiter.NewPacer(cfg.RequestInterval),
		log:   log,
		wait:  sleep,
		now:   time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rateLimited is returned by a single attempt answered with 429.
type rateLimited struct {
	delay time.Duration
	daily bool
}

func (e *rateLimited) Error() string {
	if e.daily {
		return "daily request budget exhausted"
	}
	return fmt.Sprintf("rate limited, retry in %s", e.delay)
}

// FetchPage returns one page of the authenticated athlete's activities,
// newest first. Pages are 1-indexed; an empty slice means the listing is exhausted.
func (c *Client) FetchPage(ctx context.Context, accessToken string, page, perPage int) ([]model.Activity, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/athlete/activities?" + q.Encode()

	body, err := c.get(ctx, accessToken, u)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", page, err)
	}
	acts, err := convert.Activities(body, c.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: page %d: %w", errs.ErrFetchFailed, page, err)
	}
	return acts, nil
}

// get waits out 429 responses up to RateLimitRetries attempts.
func (c *Client) get(ctx context.Context, token, u string) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		body, err := c.getRetrying(ctx, token, u)
		var rl *rateLimited
		if !errors.As(err, &rl) {
			return body, err
		}
		if rl.daily {
			return nil, fmt.Errorf("%w: %s", errs.ErrRateLimited, rl)
		}
		if attempt >= c.cfg.RateLimitRetries {
			return nil, fmt.Errorf("%w: still limited after %d attempts", errs.ErrRateLimited, attempt)
		}
		metrics.RecordRateLimitWait()
		c.log.Warn("rate limited, waiting",
			zap.Duration("delay", rl.delay), zap.Int("attempt", attempt))
		if err := c.wait(ctx, rl.delay); err != nil {
			return nil, err
		}
	}
}

// getRetrying performs one logical request with capped exponential backoff
// for network errors and 5xx.
func (c *Client) getRetrying(ctx context.Context, token, u string) ([]byte, error) {
	b := retry.NewExponential(c.cfg.RetryBase)
	b = retry.WithCappedDuration(c.cfg.RetryMax, b)
	b = retry.WithMaxRetries(c.cfg.RetryAttempts, b)

	var body []byte
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		body, err = c.do(ctx, token, u)
		var tr *transient
		if errors.As(err, &tr) {
			metrics.RecordRetry()
			c.log.Debug("transient failure", zap.Error(tr.err))
			return retry.RetryableError(err)
		}
		return err
	})
	return body, err
}

// transient marks failures worth retrying.
type transient struct{ err error }

func (e *transient) Error() string { return e.err.Error() }
func (e *transient) Unwrap() error { return e.err }

func (c *Client) do(ctx context.Context, token, u string) ([]byte, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", errs.ErrFetchFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordRequest("activities", 0)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transient{fmt.Errorf("%w: %v", errs.ErrFetchFailed, err)}
	}
	defer resp.Body.Close()
	metrics.RecordRequest("activities", resp.StatusCode)

	usage, hasUsage := limiter.ParseUsage(resp.Header)
	if hasUsage {
		metrics.RecordUsage(usage.ShortUsed, usage.ShortLimit, usage.DailyUsed, usage.DailyLimit)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return nil, &transient{fmt.Errorf("%w: read body: %v", errs.ErrFetchFailed, err)}
		}
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, c.rateLimitDelay(resp.Header, usage, hasUsage)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %w", errs.ErrFetchFailed, errs.ErrUnauthorized)
	case resp.StatusCode >= 500:
		return nil, &transient{fmt.Errorf("%w: status %d", errs.ErrFetchFailed, resp.StatusCode)}
	default:
		return nil, fmt.Errorf("%w: status %d: %s", errs.ErrFetchFailed, resp.StatusCode, readSnippet(resp.Body))
	}
}

// rateLimitDelay picks the wait for a 429: Retry-After, then the next
// 15-minute window when the short budget is spent, then the fallback.
func (c *Client) rateLimitDelay(h http.Header, u limiter.Usage, hasUsage bool) *rateLimited {
	if hasUsage && u.DailyExhausted() {
		return &rateLimited{daily: true}
	}
	now := c.now()
	if d, ok := limiter.RetryAfter(h, now); ok {
		return &rateLimited{delay: d}
	}
	if hasUsage && u.ShortExhausted() {
		return &rateLimited{delay: limiter.NextWindow(now)}
	}
	return &rateLimited{delay: c.cfg.RateLimitFallback}
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
