// Package matcher pairs catalog items with competitor listings.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/pricewatch/internal/metrics"
	"github.com/JakeFAU/pricewatch/internal/pricing"
)

// Adapters resolves the adapter instance for a site code.
type Adapters interface {
	Get(code string) (pricing.SiteAdapter, error)
}

// Config tunes a matching pass.
type Config struct {
	BatchSize   int `mapstructure:"batch_size"`
	Parallelism int `mapstructure:"parallelism"`
}

// DefaultConfig returns the standard batch size and lookup parallelism.
func DefaultConfig() Config {
	return Config{BatchSize: 500, Parallelism: 12}
}

// Result aggregates one matching pass.
type Result struct {
	Attempted int `json:"attempted"`
	Found     int `json:"found"`
}

// Matcher runs matching passes against one store.
type Matcher struct {
	store    pricing.MatchStore
	adapters Adapters
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Matcher.
func New(store pricing.MatchStore, adapters Adapters, cfg Config, logger *zap.Logger) (*Matcher, error) {
	if store == nil {
		return nil, errors.New("matcher: store is required")
	}
	if adapters == nil {
		return nil, errors.New("matcher: adapters are required")
	}
	defaults := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaults.Parallelism
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{store: store, adapters: adapters, cfg: cfg, logger: logger.Named("matcher")}, nil
}

// Run matches up to limit unmatched items (0 means all) on the site. Per-item
// lookup failures and failed batch commits are logged and counted as not found;
// an error is returned only when the pass could not start or ctx ended it.
func (m *Matcher) Run(ctx context.Context, siteCode string, limit int) (Result, error) {
	var res Result
	site, err := m.store.SiteByCode(ctx, siteCode)
	if err != nil {
		return res, fmt.Errorf("match %s: %w", siteCode, err)
	}
	adapter, err := m.adapters.Get(siteCode)
	if err != nil {
		return res, fmt.Errorf("match %s: %w", siteCode, err)
	}
	items, err := m.store.ListUnmatchedItems(ctx, site.ID, limit)
	if err != nil {
		return res, fmt.Errorf("list unmatched items for %s: %w", siteCode, err)
	}

	logger := m.logger.With(zap.String("site", siteCode))
	start := time.Now()
	cache := newLookupCache(adapter)
	defer func() {
		metrics.ObserveMatchPass(siteCode, res.Attempted, res.Found, time.Since(start))
		logger.Info("matching pass finished",
			zap.Int("candidates", len(items)),
			zap.Int("attempted", res.Attempted),
			zap.Int("found", res.Found),
			zap.Int64("lookups", cache.calls.Load()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}()

	for offset := 0; offset < len(items); offset += m.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("match %s: %w", siteCode, err)
		}
		batch := items[offset:min(offset+m.cfg.BatchSize, len(items))]
		found := m.lookupBatch(ctx, logger, cache, adapter.Precedence(), site, batch)
		res.Attempted += len(batch)
		if len(found) == 0 {
			continue
		}
		inserted, err := m.store.CreateMatches(ctx, found)
		if err != nil {
			metrics.ObserveChunkFailure(siteCode, "match")
			logger.Warn("match batch commit failed", zap.Int("batch_offset", offset), zap.Error(err))
			continue
		}
		res.Found += inserted
	}
	return res, nil
}

// lookupBatch resolves every item of the batch before anything is written.
func (m *Matcher) lookupBatch(
	ctx context.Context,
	logger *zap.Logger,
	cache *lookupCache,
	precedence []pricing.LookupStrategy,
	site pricing.Site,
	batch []pricing.CatalogItem,
) []pricing.Match {
	results := make([]*pricing.Match, len(batch))
	var g errgroup.Group
	g.SetLimit(m.cfg.Parallelism)
	for i, item := range batch {
		g.Go(func() error {
			results[i] = matchItem(ctx, logger, cache, precedence, site, item)
			return nil
		})
	}
	_ = g.Wait()

	found := make([]pricing.Match, 0, len(batch))
	for _, match := range results {
		if match != nil {
			found = append(found, *match)
		}
	}
	return found
}

func matchItem(
	ctx context.Context,
	logger *zap.Logger,
	cache *lookupCache,
	precedence []pricing.LookupStrategy,
	site pricing.Site,
	item pricing.CatalogItem,
) *pricing.Match {
	for _, strategy := range precedence {
		key := pricing.LookupKey(item, strategy)
		if key == "" {
			continue
		}
		listing, err := cache.lookup(ctx, strategy, key)
		if err != nil {
			logger.Debug("lookup failed",
				zap.String("sku", item.SKU),
				zap.String("strategy", string(strategy)),
				zap.Error(err),
			)
			continue
		}
		if listing == nil {
			continue
		}
		match := pricing.Match{
			ItemID:            item.ID,
			SiteID:            site.ID,
			CompetitorSKU:     strings.TrimSpace(listing.CompetitorSKU),
			CompetitorBarcode: strings.TrimSpace(listing.CompetitorBarcode),
		}
		if !match.HasKey() {
			match.CompetitorBarcode = pricing.LookupKey(item, pricing.StrategyBarcode)
		}
		if match.HasKey() {
			return &match
		}
	}
	return nil
}
