package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/pricewatch/internal/metrics"
	"github.com/JakeFAU/pricewatch/internal/ratelimit"
)

// Response is what a Transport returns whenever the site answered, whatever the status.
type Response struct {
	URL        string
	StatusCode int
	Body       []byte
}

// Transport performs a single HTTP GET. It returns an error only when no HTTP
// response was received.
type Transport interface {
	Do(ctx context.Context, url string) (Response, error)
}

// Config controls a Client.
type Config struct {
	Site        string
	Concurrency int
	Timeout     time.Duration
	JitterMin   time.Duration
	JitterMax   time.Duration
	Retry       RetryPolicy
}

// DefaultConfig returns the per-adapter defaults for site.
func DefaultConfig(site string) Config {
	return Config{
		Site:        site,
		Concurrency: 8,
		Timeout:     14 * time.Second,
		JitterMin:   30 * time.Millisecond,
		JitterMax:   120 * time.Millisecond,
		Retry:       DefaultRetryPolicy(),
	}
}

// Client fetches pages for one site: semaphore, jitter, token bucket, then transport.
type Client struct {
	cfg       Config
	sem       *semaphore.Weighted
	bucket    *ratelimit.Bucket
	transport Transport
	logger    *zap.Logger
	sleep     func(context.Context, time.Duration) error
}

// NewClient wires a Client around transport and bucket.
func NewClient(cfg Config, transport Transport, bucket *ratelimit.Bucket, logger *zap.Logger) (*Client, error) {
	if transport == nil {
		return nil, errors.New("fetch: transport is required")
	}
	if bucket == nil {
		return nil, errors.New("fetch: rate bucket is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		bucket:    bucket,
		transport: transport,
		logger:    logger.Named("fetch").With(zap.String("site", cfg.Site)),
		sleep:     sleepCtx,
	}, nil
}

// Concurrency returns the number of requests allowed in flight.
func (c *Client) Concurrency() int {
	return c.cfg.Concurrency
}

// Fetch returns the body of url. A 404/410 yields ErrNotFound; exhausted retries
// and non-retryable statuses yield *FetchError.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	attempts := c.cfg.Retry.Attempts()
	var lastErr *FetchError
	for attempt := 1; attempt <= attempts; attempt++ {
		body, err := c.attempt(ctx, url)
		if err == nil {
			metrics.ObserveFetch(c.cfg.Site, metrics.OutcomeOK)
			return body, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			metrics.ObserveFetch(c.cfg.Site, metrics.OutcomeCanceled)
			return nil, fmt.Errorf("fetch %s: %w", url, ctxErr)
		}
		if errors.Is(err, ErrNotFound) {
			metrics.ObserveFetch(c.cfg.Site, metrics.OutcomeNotFound)
			return nil, err
		}

		var fe *FetchError
		if !errors.As(err, &fe) {
			fe = &FetchError{URL: url, Err: err}
		}
		fe.Attempts = attempt
		lastErr = fe
		if !fe.Transient {
			metrics.ObserveFetch(c.cfg.Site, metrics.OutcomeClient)
			return nil, fe
		}
		metrics.ObserveFetch(c.cfg.Site, metrics.OutcomeTransient)
		if attempt == attempts {
			break
		}
		wait := c.cfg.Retry.Backoff(attempt)
		c.logger.Debug("retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Int("status", fe.StatusCode),
			zap.Duration("backoff", wait),
			zap.Error(fe.Err),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, err)
		}
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, url string) ([]byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire fetch slot: %w", err)
	}
	defer c.sem.Release(1)

	if err := c.sleep(ctx, c.jitter()); err != nil {
		return nil, err
	}
	if err := c.bucket.Take(ctx, 1); err != nil {
		return nil, err
	}

	reqCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	resp, err := c.transport.Do(reqCtx, url)
	if err != nil {
		if errors.Is(err, ErrBlocked) {
			return nil, &FetchError{URL: url, Err: err}
		}
		return nil, &FetchError{URL: url, Transient: true, Err: err}
	}
	return classify(url, resp)
}

func classify(url string, resp Response) ([]byte, error) {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return resp.Body, nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return nil, fmt.Errorf("fetch %s: status %d: %w", url, status, ErrNotFound)
	case status == http.StatusTooManyRequests || status >= 500:
		return nil, &FetchError{URL: url, StatusCode: status, Transient: true}
	default:
		return nil, &FetchError{URL: url, StatusCode: status}
	}
}

func (c *Client) jitter() time.Duration {
	lo, hi := c.cfg.JitterMin, c.cfg.JitterMax
	if hi <= 0 {
		return 0
	}
	if hi == lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
