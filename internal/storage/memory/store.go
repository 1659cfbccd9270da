// Package memory provides in-memory implementations of the persistence contracts
// for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/pricewatch/internal/pricing"
)

type state struct {
	items     map[int64]pricing.CatalogItem
	sites     map[int64]pricing.Site
	matches   map[int64]pricing.Match
	snapshots map[int64]pricing.Snapshot
	nextID    int64
}

func newState() *state {
	return &state{
		items:     make(map[int64]pricing.CatalogItem),
		sites:     make(map[int64]pricing.Site),
		matches:   make(map[int64]pricing.Match),
		snapshots: make(map[int64]pricing.Snapshot),
	}
}

func (s *state) clone() *state {
	c := &state{
		items:     make(map[int64]pricing.CatalogItem, len(s.items)),
		sites:     make(map[int64]pricing.Site, len(s.sites)),
		matches:   make(map[int64]pricing.Match, len(s.matches)),
		snapshots: make(map[int64]pricing.Snapshot, len(s.snapshots)),
		nextID:    s.nextID,
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.sites {
		c.sites[k] = v
	}
	for k, v := range s.matches {
		c.matches[k] = v
	}
	for k, v := range s.snapshots {
		c.snapshots[k] = v
	}
	return c
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store implements pricing.Store in memory. Transactions run serially against a
// copy of the state that replaces the original only on commit.
type Store struct {
	mu    sync.RWMutex
	st    *state
	clock pricing.Clock
}

// NewStore constructs an empty Store.
func NewStore(clock pricing.Clock) *Store {
	return &Store{st: newState(), clock: clock}
}

func (s *Store) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

// EnsureSites inserts missing sites and refreshes name and base URL of existing ones.
func (s *Store) EnsureSites(_ context.Context, sites []pricing.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, site := range sites {
		if strings.TrimSpace(site.Code) == "" {
			return fmt.Errorf("ensure sites: empty site code")
		}
		if existing, ok := s.st.siteByCode(site.Code); ok {
			existing.Name = site.Name
			existing.BaseURL = site.BaseURL
			s.st.sites[existing.ID] = existing
			continue
		}
		site.ID = s.st.id()
		s.st.sites[site.ID] = site
	}
	return nil
}

// SiteByCode returns the site with code or pricing.ErrNotFound.
func (s *Store) SiteByCode(_ context.Context, code string) (pricing.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.st.siteByCode(code)
	if !ok {
		return pricing.Site{}, fmt.Errorf("site %q: %w", code, pricing.ErrNotFound)
	}
	return site, nil
}

// ListSites returns all sites ordered by code.
func (s *Store) ListSites(_ context.Context) ([]pricing.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pricing.Site, 0, len(s.st.sites))
	for _, site := range s.st.sites {
		out = append(out, site)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// UpsertCatalogItems inserts or updates items keyed by SKU.
func (s *Store) UpsertCatalogItems(_ context.Context, items []pricing.CatalogItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, item := range items {
		if strings.TrimSpace(item.SKU) == "" {
			return n, fmt.Errorf("upsert catalog item: empty sku")
		}
		if existing, ok := s.st.itemBySKU(item.SKU); ok {
			item.ID = existing.ID
		} else {
			item.ID = s.st.id()
		}
		s.st.items[item.ID] = item
		n++
	}
	return n, nil
}

// ListCatalogItems filters items newest first.
func (s *Store) ListCatalogItems(_ context.Context, filter pricing.ItemFilter) ([]pricing.CatalogItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := strings.ToLower(strings.TrimSpace(filter.Query))
	brand := normalizeBrand(filter.Brand)
	out := make([]pricing.CatalogItem, 0)
	for _, item := range s.st.items {
		if q != "" && !containsFold(q, item.SKU, item.Barcode, item.Name) {
			continue
		}
		if brand != "" && normalizeBrand(item.Brand) != brand {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return limitItems(out, filter.Limit), nil
}

// ItemBySKU returns the catalog item with sku or pricing.ErrNotFound.
func (s *Store) ItemBySKU(_ context.Context, sku string) (pricing.CatalogItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.st.itemBySKU(sku)
	if !ok {
		return pricing.CatalogItem{}, fmt.Errorf("item %q: %w", sku, pricing.ErrNotFound)
	}
	return item, nil
}

// ListUnmatchedItems returns items without a match on the site that carry a
// barcode or an item number, newest first.
func (s *Store) ListUnmatchedItems(_ context.Context, siteID int64, limit int) ([]pricing.CatalogItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make(map[int64]bool)
	for _, m := range s.st.matches {
		if m.SiteID == siteID {
			matched[m.ItemID] = true
		}
	}
	out := make([]pricing.CatalogItem, 0)
	for _, item := range s.st.items {
		if matched[item.ID] {
			continue
		}
		if strings.TrimSpace(item.Barcode) == "" && strings.TrimSpace(item.ItemNumber) == "" {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return limitItems(out, limit), nil
}

// CreateMatches inserts matches, skipping keyless ones and existing (item, site) pairs.
func (s *Store) CreateMatches(_ context.Context, matches []pricing.Match) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	inserted := 0
	for _, m := range matches {
		if !m.HasKey() || s.st.hasMatch(m.ItemID, m.SiteID) {
			continue
		}
		m.ID = s.st.id()
		m.CreatedAt, m.UpdatedAt = now, now
		s.st.matches[m.ID] = m
		inserted++
	}
	return inserted, nil
}

// MatchesForItems returns the site's matches for the given items.
func (s *Store) MatchesForItems(_ context.Context, siteID int64, itemIDs []int64) ([]pricing.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[int64]bool, len(itemIDs))
	for _, id := range itemIDs {
		want[id] = true
	}
	out := make([]pricing.Match, 0)
	for _, m := range s.st.matches {
		if m.SiteID == siteID && want[m.ItemID] {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListRefreshCandidates orders keyed matches by the timestamp of their latest
// snapshot, never-observed first, then by match id.
func (s *Store) ListRefreshCandidates(_ context.Context, siteID int64, limit int) ([]pricing.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type candidate struct {
		match    pricing.Match
		observed bool
		last     time.Time
	}
	cands := make([]candidate, 0)
	for _, m := range s.st.matches {
		if m.SiteID != siteID || !m.HasKey() {
			continue
		}
		c := candidate{match: m}
		if snap, ok := s.st.latest(siteID, m.Key()); ok {
			c.observed, c.last = true, snap.Timestamp
		}
		cands = append(cands, c)
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.observed != b.observed {
			return !a.observed
		}
		if !a.last.Equal(b.last) {
			return a.last.Before(b.last)
		}
		return a.match.ID < b.match.ID
	})
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]pricing.Match, len(cands))
	for i, c := range cands {
		out[i] = c.match
	}
	return out, nil
}

// LatestSnapshot returns the newest snapshot for (site, key) or pricing.ErrNotFound.
func (s *Store) LatestSnapshot(_ context.Context, siteID int64, key string) (pricing.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.st.latest(siteID, key)
	if !ok {
		return pricing.Snapshot{}, fmt.Errorf("snapshot %d/%s: %w", siteID, key, pricing.ErrNotFound)
	}
	return snap, nil
}

// SnapshotSeries returns the history for (site, key), oldest first.
func (s *Store) SnapshotSeries(_ context.Context, siteID int64, key string) ([]pricing.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.st.series(siteID, key)
	for i, j := 0, len(series)-1; i < j; i, j = i+1, j-1 {
		series[i], series[j] = series[j], series[i]
	}
	return series, nil
}

// WithTx runs fn against a private copy of the state and publishes it when fn
// returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx pricing.SnapshotTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &Tx{st: s.st.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.st = tx.st
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Store) Close() {}

// Tx is the transactional view handed to WithTx callbacks.
type Tx struct {
	st *state
}

// LatestSnapshot returns the newest snapshot visible in the transaction.
func (t *Tx) LatestSnapshot(_ context.Context, siteID int64, key string) (pricing.Snapshot, error) {
	snap, ok := t.st.latest(siteID, key)
	if !ok {
		return pricing.Snapshot{}, fmt.Errorf("snapshot %d/%s: %w", siteID, key, pricing.ErrNotFound)
	}
	return snap, nil
}

// InsertSnapshot stores snap and returns its id.
func (t *Tx) InsertSnapshot(_ context.Context, snap pricing.Snapshot) (int64, error) {
	if snap.Key == "" {
		return 0, fmt.Errorf("insert snapshot: empty key")
	}
	snap.ID = t.st.id()
	t.st.snapshots[snap.ID] = snap
	return snap.ID, nil
}

// BackfillMatchKeys fills empty key columns of a match; populated columns are kept.
func (t *Tx) BackfillMatchKeys(_ context.Context, matchID int64, competitorSKU, competitorBarcode string) error {
	m, ok := t.st.matches[matchID]
	if !ok {
		return fmt.Errorf("match %d: %w", matchID, pricing.ErrNotFound)
	}
	if strings.TrimSpace(m.CompetitorSKU) == "" && competitorSKU != "" {
		m.CompetitorSKU = competitorSKU
	}
	if strings.TrimSpace(m.CompetitorBarcode) == "" && competitorBarcode != "" {
		m.CompetitorBarcode = competitorBarcode
	}
	t.st.matches[matchID] = m
	return nil
}

// PruneSnapshotsOlderThan deletes snapshots for (site, key) taken before cutoff.
func (t *Tx) PruneSnapshotsOlderThan(_ context.Context, siteID int64, key string, cutoff time.Time) (int64, error) {
	var n int64
	for id, snap := range t.st.snapshots {
		if snap.SiteID == siteID && snap.Key == key && snap.Timestamp.Before(cutoff) {
			delete(t.st.snapshots, id)
			n++
		}
	}
	return n, nil
}

// PruneSnapshotsBeyond keeps the newest keep snapshots for (site, key).
func (t *Tx) PruneSnapshotsBeyond(_ context.Context, siteID int64, key string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	series := t.st.series(siteID, key)
	var n int64
	for _, snap := range series[min(keep, len(series)):] {
		delete(t.st.snapshots, snap.ID)
		n++
	}
	return n, nil
}

func (s *state) siteByCode(code string) (pricing.Site, bool) {
	for _, site := range s.sites {
		if site.Code == code {
			return site, true
		}
	}
	return pricing.Site{}, false
}

func (s *state) itemBySKU(sku string) (pricing.CatalogItem, bool) {
	for _, item := range s.items {
		if item.SKU == sku {
			return item, true
		}
	}
	return pricing.CatalogItem{}, false
}

func (s *state) hasMatch(itemID, siteID int64) bool {
	for _, m := range s.matches {
		if m.ItemID == itemID && m.SiteID == siteID {
			return true
		}
	}
	return false
}

// series returns snapshots for (site, key), newest first by (ts, id).
func (s *state) series(siteID int64, key string) []pricing.Snapshot {
	out := make([]pricing.Snapshot, 0)
	for _, snap := range s.snapshots {
		if snap.SiteID == siteID && snap.Key == key {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (s *state) latest(siteID int64, key string) (pricing.Snapshot, bool) {
	if key == "" {
		return pricing.Snapshot{}, false
	}
	series := s.series(siteID, key)
	if len(series) == 0 {
		return pricing.Snapshot{}, false
	}
	return series[0], true
}

func normalizeBrand(brand string) string {
	brand = strings.ToLower(strings.ReplaceAll(brand, ".", ""))
	return strings.Join(strings.Fields(brand), "")
}

func containsFold(q string, fields ...string) bool {
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

func limitItems(items []pricing.CatalogItem, limit int) []pricing.CatalogItem {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
