// Package adapter holds the competitor site adapters: each one turns a lookup key
// into a parsed pricing.CandidateListing using the shared fetch client.
package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricewatch/internal/fetch"
	"github.com/JakeFAU/pricewatch/internal/pricing"
)

// ErrParseMiss reports a page that was fetched but lacked the fields an adapter needs.
// Adapters archive the page and degrade it to "no data"; it never leaves the package.
var ErrParseMiss = errors.New("adapter: parse miss")

// Fetcher is the slice of the fetch client the adapters use.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Limits declares an adapter's politeness budget.
type Limits struct {
	Rate        float64 `mapstructure:"rate"`
	Burst       int     `mapstructure:"burst"`
	Concurrency int     `mapstructure:"concurrency"`
}

// Deps are the collaborators every adapter is built from.
type Deps struct {
	BaseURL  string
	Fetcher  Fetcher
	Archiver *Archiver
	Logger   *zap.Logger
}

type base struct {
	code     string
	baseURL  *url.URL
	fetcher  Fetcher
	archiver *Archiver
	logger   *zap.Logger
}

func newBase(code, defaultBaseURL string, deps Deps) (base, error) {
	if deps.Fetcher == nil {
		return base{}, fmt.Errorf("adapter %s: fetcher is required", code)
	}
	raw := strings.TrimRight(deps.BaseURL, "/")
	if raw == "" {
		raw = defaultBaseURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return base{}, fmt.Errorf("adapter %s: invalid base url %q", code, raw)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{
		code:     code,
		baseURL:  u,
		fetcher:  deps.Fetcher,
		archiver: deps.Archiver,
		logger:   logger.Named("adapter").With(zap.String("site", code)),
	}, nil
}

// SiteCode returns the competitor site code.
func (b *base) SiteCode() string {
	return b.code
}

func (b *base) document(ctx context.Context, pageURL string) (*goquery.Document, []byte, error) {
	body, err := b.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return nil, nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, body, fmt.Errorf("parse %s: %w: %w", pageURL, ErrParseMiss, err)
	}
	return doc, body, nil
}

// miss archives a page whose structure did not yield the expected fields.
func (b *base) miss(ctx context.Context, pageURL string, body []byte, reason string) error {
	b.logger.Debug("parse miss", zap.String("url", pageURL), zap.String("reason", reason))
	if b.archiver != nil {
		if _, err := b.archiver.Archive(ctx, b.code, pageURL, body); err != nil {
			b.logger.Warn("archive parse miss", zap.String("url", pageURL), zap.Error(err))
		}
	}
	return fmt.Errorf("%s: %s: %w", pageURL, reason, ErrParseMiss)
}

// settle converts "no data" outcomes into a nil listing and keeps real failures.
func (b *base) settle(listing *pricing.CandidateListing, err error) (*pricing.CandidateListing, error) {
	switch {
	case err == nil:
		return listing, nil
	case errors.Is(err, fetch.ErrNotFound), errors.Is(err, ErrParseMiss):
		b.logger.Debug("no data", zap.Error(err))
		return nil, nil
	default:
		return nil, err
	}
}

func (b *base) absolute(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return b.baseURL.ResolveReference(ref).String()
}

func (b *base) pathSearchURL(prefix, query string) string {
	return b.baseURL.String() + prefix + url.PathEscape(query)
}

func (b *base) querySearchURL(path, param, query string) string {
	return b.baseURL.String() + path + "?" + url.Values{param: {query}}.Encode()
}

// chooseQuery prefers the competitor SKU and falls back to the barcode.
func chooseQuery(primary, secondary string) (query string, byBarcode bool) {
	if p := strings.TrimSpace(primary); p != "" {
		return p, false
	}
	if s := strings.TrimSpace(secondary); s != "" {
		return s, true
	}
	return "", false
}

func text(sel *goquery.Selection) string {
	return strings.Join(strings.Fields(sel.Text()), " ")
}

func firstText(scope *goquery.Selection, selectors ...string) string {
	for _, selector := range selectors {
		if t := text(scope.Find(selector).First()); t != "" {
			return t
		}
	}
	return ""
}
