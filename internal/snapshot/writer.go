// Package snapshot refreshes matched listings and records price history.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/pricewatch/internal/adapter"
	"github.com/JakeFAU/pricewatch/internal/metrics"
	"github.com/JakeFAU/pricewatch/internal/pricing"
)

// Adapters resolves adapter instances and their declared limits.
type Adapters interface {
	Get(code string) (pricing.SiteAdapter, error)
	Limits(code string) (adapter.Limits, error)
}

// Catalog lists catalog items and their matches for filtered refreshes.
type Catalog interface {
	ListCatalogItems(ctx context.Context, filter pricing.ItemFilter) ([]pricing.CatalogItem, error)
	MatchesForItems(ctx context.Context, siteID int64, itemIDs []int64) ([]pricing.Match, error)
}

// MaxFilteredRefresh caps the catalog items one filtered refresh visits.
const MaxFilteredRefresh = 50

// FilteredResult summarises a filtered refresh.
type FilteredResult struct {
	Items    int `json:"items"`
	Matched  int `json:"matched"`
	Observed int `json:"observed"`
	Written  int `json:"written"`
	Failed   int `json:"failed"`
}

// Retention bounds the stored history per (site, key).
type Retention struct {
	MaxAge     time.Duration `mapstructure:"max_age"`
	KeepLatest int           `mapstructure:"keep_latest"`
}

// Config tunes snapshot passes.
type Config struct {
	ChunkSize int
	Tolerance float64
	Retention Retention
	// Topic receives PriceChange events; empty disables publishing.
	Topic string
}

// DefaultConfig returns the standard chunking, tolerance and retention.
func DefaultConfig() Config {
	return Config{
		ChunkSize: 50,
		Tolerance: DefaultTolerance,
		Retention: Retention{MaxAge: 180 * 24 * time.Hour, KeepLatest: 10},
	}
}

// Writer refreshes matches and writes snapshots when observations change.
type Writer struct {
	store     pricing.SnapshotStore
	adapters  Adapters
	publisher pricing.Publisher
	catalog   Catalog
	clock     pricing.Clock
	ids       pricing.IDGenerator
	cfg       Config
	logger    *zap.Logger
}

// Option customises a Writer.
type Option func(*Writer)

// WithPublisher publishes committed snapshots as PriceChange events.
func WithPublisher(p pricing.Publisher) Option {
	return func(w *Writer) { w.publisher = p }
}

// WithCatalog enables RefreshFiltered.
func WithCatalog(c Catalog) Option {
	return func(w *Writer) { w.catalog = c }
}

// WithIDGenerator sets the generator used for run ids.
func WithIDGenerator(ids pricing.IDGenerator) Option {
	return func(w *Writer) { w.ids = ids }
}

// New constructs a Writer.
func New(store pricing.SnapshotStore, adapters Adapters, clock pricing.Clock, cfg Config, logger *zap.Logger, opts ...Option) (*Writer, error) {
	if store == nil {
		return nil, errors.New("snapshot: store is required")
	}
	if adapters == nil {
		return nil, errors.New("snapshot: adapters are required")
	}
	if clock == nil {
		return nil, errors.New("snapshot: clock is required")
	}
	defaults := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaults.ChunkSize
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = defaults.Tolerance
	}
	if cfg.Retention.MaxAge <= 0 {
		cfg.Retention.MaxAge = defaults.Retention.MaxAge
	}
	if cfg.Retention.KeepLatest <= 0 {
		cfg.Retention.KeepLatest = defaults.Retention.KeepLatest
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		store:    store,
		adapters: adapters,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("snapshot"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

type observation struct {
	match   pricing.Match
	listing pricing.CandidateListing
}

// outcome is what one observation did inside a committed chunk.
type outcome struct {
	written     *pricing.Snapshot
	prunedAge   int64
	prunedCount int64
	decision    Decision
}

// RunPass refreshes up to limit matches of the site (0 means all),
// least-recently-observed first. Every fetch completes before any write; writes
// are committed in chunks and a failed chunk is logged and skipped. It returns
// the number of snapshots written.
func (w *Writer) RunPass(ctx context.Context, siteCode string, limit int) (int, error) {
	site, err := w.store.SiteByCode(ctx, siteCode)
	if err != nil {
		return 0, fmt.Errorf("snapshot %s: %w", siteCode, err)
	}
	a, err := w.adapters.Get(siteCode)
	if err != nil {
		return 0, fmt.Errorf("snapshot %s: %w", siteCode, err)
	}
	limits, err := w.adapters.Limits(siteCode)
	if err != nil {
		return 0, fmt.Errorf("snapshot %s: %w", siteCode, err)
	}
	matches, err := w.store.ListRefreshCandidates(ctx, site.ID, limit)
	if err != nil {
		return 0, fmt.Errorf("list refresh candidates for %s: %w", siteCode, err)
	}

	runID := w.runID()
	logger := w.logger.With(zap.String("site", siteCode), zap.String("run_id", runID))
	start := time.Now()
	defer func() { metrics.ObserveSnapshotPass(siteCode, time.Since(start)) }()

	observations := w.fetchAll(ctx, logger, a, max(limits.Concurrency, 1), matches)
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("snapshot %s: %w", siteCode, err)
	}

	written := 0
	failedChunks := 0
	for offset := 0; offset < len(observations); offset += w.cfg.ChunkSize {
		chunk := observations[offset:min(offset+w.cfg.ChunkSize, len(observations))]
		outcomes, err := w.writeChunk(ctx, site, chunk)
		if err != nil {
			failedChunks++
			metrics.ObserveChunkFailure(siteCode, "snapshot")
			logger.Warn("snapshot chunk rolled back",
				zap.Int("chunk_offset", offset),
				zap.Int("chunk_size", len(chunk)),
				zap.Error(err),
			)
			continue
		}
		written += w.commitOutcomes(ctx, logger, site, runID, outcomes)
	}

	logger.Info("snapshot pass finished",
		zap.Int("candidates", len(matches)),
		zap.Int("observed", len(observations)),
		zap.Int("written", written),
		zap.Int("failed_chunks", failedChunks),
		zap.Duration("elapsed", time.Since(start)),
	)
	return written, nil
}

// Observe records a single observation in its own transaction and reports
// whether a snapshot was written.
func (w *Writer) Observe(ctx context.Context, site pricing.Site, match pricing.Match, listing pricing.CandidateListing) (bool, error) {
	logger := w.logger.With(zap.String("site", site.Code))
	return w.observe(ctx, logger, site, w.runID(), observation{match: match, listing: listing})
}

func (w *Writer) observe(ctx context.Context, logger *zap.Logger, site pricing.Site, runID string, obs observation) (bool, error) {
	outcomes, err := w.writeChunk(ctx, site, []observation{obs})
	if err != nil {
		metrics.ObserveChunkFailure(site.Code, "snapshot")
		return false, err
	}
	return w.commitOutcomes(ctx, logger, site, runID, outcomes) > 0, nil
}

// RefreshFiltered refreshes the matches of the catalog items selected by filter
// on one site, at most MaxFilteredRefresh items. Each observation is written in
// its own transaction; a failed write is logged and counted.
func (w *Writer) RefreshFiltered(ctx context.Context, siteCode string, filter pricing.ItemFilter) (FilteredResult, error) {
	var res FilteredResult
	if w.catalog == nil {
		return res, errors.New("snapshot: filtered refresh needs a catalog")
	}
	if filter.Limit <= 0 || filter.Limit > MaxFilteredRefresh {
		filter.Limit = MaxFilteredRefresh
	}
	site, err := w.store.SiteByCode(ctx, siteCode)
	if err != nil {
		return res, fmt.Errorf("refresh %s: %w", siteCode, err)
	}
	a, err := w.adapters.Get(siteCode)
	if err != nil {
		return res, fmt.Errorf("refresh %s: %w", siteCode, err)
	}
	limits, err := w.adapters.Limits(siteCode)
	if err != nil {
		return res, fmt.Errorf("refresh %s: %w", siteCode, err)
	}

	items, err := w.catalog.ListCatalogItems(ctx, filter)
	if err != nil {
		return res, fmt.Errorf("list catalog items: %w", err)
	}
	res.Items = len(items)
	if len(items) == 0 {
		return res, nil
	}
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	matches, err := w.catalog.MatchesForItems(ctx, site.ID, ids)
	if err != nil {
		return res, fmt.Errorf("list matches for %s: %w", siteCode, err)
	}
	res.Matched = len(matches)

	runID := w.runID()
	logger := w.logger.With(zap.String("site", siteCode), zap.String("run_id", runID), zap.Bool("filtered", true))
	start := time.Now()
	defer func() { metrics.ObserveSnapshotPass(siteCode, time.Since(start)) }()

	observations := w.fetchAll(ctx, logger, a, max(limits.Concurrency, 1), matches)
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("refresh %s: %w", siteCode, err)
	}
	res.Observed = len(observations)
	for _, obs := range observations {
		wrote, err := w.observe(ctx, logger, site, runID, obs)
		if err != nil {
			res.Failed++
			logger.Warn("snapshot write rolled back", zap.Int64("match_id", obs.match.ID), zap.Error(err))
			continue
		}
		if wrote {
			res.Written++
		}
	}

	logger.Info("filtered refresh finished",
		zap.Int("items", res.Items),
		zap.Int("matched", res.Matched),
		zap.Int("observed", res.Observed),
		zap.Int("written", res.Written),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func (w *Writer) fetchAll(
	ctx context.Context,
	logger *zap.Logger,
	a pricing.SiteAdapter,
	parallelism int,
	matches []pricing.Match,
) []observation {
	results := make([]*observation, len(matches))
	var g errgroup.Group
	g.SetLimit(parallelism)
	for i, match := range matches {
		g.Go(func() error {
			listing, err := a.SearchByKey(ctx, match.CompetitorSKU, match.CompetitorBarcode)
			if err != nil {
				logger.Debug("refresh failed", zap.Int64("match_id", match.ID), zap.String("key", match.Key()), zap.Error(err))
				return nil
			}
			if listing == nil || !listing.HasPrice() {
				logger.Debug("no listing data", zap.Int64("match_id", match.ID), zap.String("key", match.Key()))
				return nil
			}
			results[i] = &observation{match: match, listing: *listing}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]observation, 0, len(matches))
	for _, obs := range results {
		if obs != nil {
			out = append(out, *obs)
		}
	}
	return out
}

func (w *Writer) writeChunk(ctx context.Context, site pricing.Site, chunk []observation) ([]outcome, error) {
	var outcomes []outcome
	err := w.store.WithTx(ctx, func(tx pricing.SnapshotTx) error {
		outcomes = make([]outcome, 0, len(chunk))
		for _, obs := range chunk {
			out, err := w.apply(ctx, tx, site, obs)
			if err != nil {
				return err
			}
			outcomes = append(outcomes, out)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// apply runs backfill, change detection, insert and retention for one observation.
func (w *Writer) apply(ctx context.Context, tx pricing.SnapshotTx, site pricing.Site, obs observation) (outcome, error) {
	match := obs.match
	listing := obs.listing
	sku := strings.TrimSpace(listing.CompetitorSKU)
	barcode := strings.TrimSpace(listing.CompetitorBarcode)
	needsSKU := strings.TrimSpace(match.CompetitorSKU) == "" && sku != ""
	needsBarcode := strings.TrimSpace(match.CompetitorBarcode) == "" && barcode != ""
	if needsSKU || needsBarcode {
		if err := tx.BackfillMatchKeys(ctx, match.ID, sku, barcode); err != nil {
			return outcome{}, err
		}
		if needsSKU {
			match.CompetitorSKU = sku
		}
		if needsBarcode {
			match.CompetitorBarcode = barcode
		}
	}

	key := match.Key()
	if key == "" {
		return outcome{decision: Decision{Reason: "keyless"}}, nil
	}
	var prior *pricing.Snapshot
	latest, err := tx.LatestSnapshot(ctx, site.ID, key)
	switch {
	case err == nil:
		prior = &latest
	case errors.Is(err, pricing.ErrNotFound):
	default:
		return outcome{}, err
	}

	now := w.clock.Now()
	next := pricing.Snapshot{
		SiteID:       site.ID,
		Key:          key,
		Timestamp:    now,
		Name:         strings.TrimSpace(listing.Name),
		URL:          strings.TrimSpace(listing.URL),
		Label:        strings.TrimSpace(listing.Label),
		RegularPrice: listing.RegularPrice,
		PromoPrice:   listing.PromoPrice,
	}
	decision := Decide(prior, next, w.cfg.Tolerance)
	out := outcome{decision: decision}
	if !decision.Write {
		return out, nil
	}

	id, err := tx.InsertSnapshot(ctx, next)
	if err != nil {
		return outcome{}, err
	}
	next.ID = id
	out.written = &next

	if out.prunedAge, err = tx.PruneSnapshotsOlderThan(ctx, site.ID, key, now.Add(-w.cfg.Retention.MaxAge)); err != nil {
		return outcome{}, err
	}
	if out.prunedCount, err = tx.PruneSnapshotsBeyond(ctx, site.ID, key, w.cfg.Retention.KeepLatest); err != nil {
		return outcome{}, err
	}
	return out, nil
}

// commitOutcomes records metrics and publishes events for a committed chunk.
func (w *Writer) commitOutcomes(ctx context.Context, logger *zap.Logger, site pricing.Site, runID string, outcomes []outcome) int {
	written := 0
	for _, out := range outcomes {
		metrics.ObserveSnapshot(site.Code, out.written != nil)
		metrics.ObservePruned(site.Code, "age", out.prunedAge)
		metrics.ObservePruned(site.Code, "count", out.prunedCount)
		if out.written == nil {
			continue
		}
		written++
		logger.Debug("snapshot written",
			zap.String("key", out.written.Key),
			zap.String("reason", out.decision.Reason),
		)
		w.publish(ctx, logger, site, runID, *out.written)
	}
	return written
}

func (w *Writer) publish(ctx context.Context, logger *zap.Logger, site pricing.Site, runID string, snap pricing.Snapshot) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	event := pricing.PriceChange{
		SiteCode:     site.Code,
		Key:          snap.Key,
		Timestamp:    snap.Timestamp,
		RegularPrice: snap.RegularPrice,
		PromoPrice:   snap.PromoPrice,
		Label:        snap.Label,
		URL:          snap.URL,
		RunID:        runID,
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		logger.Warn("publish price change failed", zap.String("key", snap.Key), zap.Error(err))
	}
}

func (w *Writer) runID() string {
	if w.ids == nil {
		return ""
	}
	id, err := w.ids.NewID()
	if err != nil {
		w.logger.Warn("generate run id", zap.Error(err))
		return ""
	}
	return id
}
