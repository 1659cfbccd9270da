// Package collyfetch implements fetch.Transport using gocolly.
package collyfetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/pricewatch/internal/fetch"
)

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	AcceptLanguage string
	RespectRobots  bool
	ConnectTimeout time.Duration
	Timeout        time.Duration
	Headers        http.Header
}

// Transport implements fetch.Transport with a shared Colly collector backend.
type Transport struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Transport. The HTTP transport is installed once on the base
// collector; clones share it.
func New(cfg Config) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 14 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 8 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)

	var rt http.RoundTripper = newHTTPTransport(cfg.ConnectTimeout)
	if cfg.RespectRobots {
		rt = &robotsAwareTransport{base: rt}
	}
	c.WithTransport(rt)

	return &Transport{cfg: cfg, baseCollector: c}
}

// Do executes a single HTTP GET. Any HTTP response, whatever its status, is returned
// without error; errors mean nothing was received.
func (t *Transport) Do(ctx context.Context, url string) (fetch.Response, error) {
	var (
		result   fetch.Response
		fetchErr error
	)
	collector := t.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.Context = ctx
	t.configureCollectorHooks(collector, &result, &fetchErr)

	if err := t.runCollector(ctx, collector, url, &result, &fetchErr); err != nil {
		return fetch.Response{}, err
	}
	return result, nil
}

func (t *Transport) configureCollectorHooks(hooks collectorHooks, result *fetch.Response, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		t.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = fetch.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			*result = fetch.Response{
				URL:        r.Request.URL.String(),
				StatusCode: r.StatusCode,
				Body:       append([]byte(nil), r.Body...),
			}
			return
		}
		*fetchErr = err
	})
}

func (t *Transport) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	url string,
	result *fetch.Response,
	fetchErr *error,
) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err == nil || result.StatusCode > 0 {
			return nil
		}
		if errors.Is(err, colly.ErrRobotsTxtBlocked) || errors.Is(err, colly.ErrForbiddenURL) ||
			errors.Is(err, colly.ErrForbiddenDomain) {
			return fmt.Errorf("colly visit %s: %w: %w", url, fetch.ErrBlocked, err)
		}
		return fmt.Errorf("colly visit failed: %w", err)
	}
}

func (t *Transport) copyHeaders(r *colly.Request) {
	if t.cfg.AcceptLanguage != "" {
		r.Headers.Set("Accept-Language", t.cfg.AcceptLanguage)
	}
	for key, values := range t.cfg.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport(connectTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
