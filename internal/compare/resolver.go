// Package compare resolves the latest competitor observations for catalog items.
package compare

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pricewatch/internal/pricing"
)

// Catalog lists catalog items for the filtered comparison view.
type Catalog interface {
	ListCatalogItems(ctx context.Context, filter pricing.ItemFilter) ([]pricing.CatalogItem, error)
}

// Row is one (catalog item, site) comparison line. Competitor fields are nil or
// empty while the match has never been observed.
type Row struct {
	ItemID       int64    `json:"item_id"`
	SKU          string   `json:"sku"`
	Barcode      string   `json:"barcode,omitempty"`
	Name         string   `json:"name,omitempty"`
	Brand        string   `json:"brand,omitempty"`
	RegularPrice *float64 `json:"regular_price"`
	PromoPrice   *float64 `json:"promo_price"`

	SiteCode               string     `json:"site"`
	CompetitorSKU          string     `json:"competitor_sku,omitempty"`
	CompetitorBarcode      string     `json:"competitor_barcode,omitempty"`
	CompetitorName         string     `json:"competitor_name,omitempty"`
	CompetitorURL          string     `json:"competitor_url,omitempty"`
	CompetitorLabel        string     `json:"competitor_label,omitempty"`
	CompetitorRegularPrice *float64   `json:"competitor_regular_price"`
	CompetitorPromoPrice   *float64   `json:"competitor_promo_price"`
	ObservedAt             *time.Time `json:"observed_at"`

	Difference *float64 `json:"difference"`
	Verdict    Verdict  `json:"verdict"`
}

// Series is the snapshot history of one catalog item on one site.
type Series struct {
	SiteCode  string             `json:"site"`
	Key       string             `json:"key"`
	Snapshots []pricing.Snapshot `json:"snapshots"`
}

// Resolver answers comparison and history queries. It never writes.
type Resolver struct {
	store     pricing.ComparisonStore
	catalog   Catalog
	tolerance float64
	logger    *zap.Logger
}

// New constructs a Resolver. catalog may be nil when Compare is not used.
func New(store pricing.ComparisonStore, catalog Catalog, tolerance float64, logger *zap.Logger) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("compare: store is required")
	}
	if tolerance <= 0 {
		tolerance = 0.005
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, catalog: catalog, tolerance: tolerance, logger: logger.Named("compare")}, nil
}

// Compare lists catalog items with filter and resolves them against siteCode.
func (r *Resolver) Compare(ctx context.Context, siteCode string, filter pricing.ItemFilter) ([]Row, error) {
	if r.catalog == nil {
		return nil, errors.New("compare: catalog is not configured")
	}
	items, err := r.catalog.ListCatalogItems(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list catalog items: %w", err)
	}
	return r.Resolve(ctx, siteCode, items)
}

// Resolve builds rows for items on one site, or on every site in code order when
// siteCode is pricing.AllSites. Items without a match on a site are left out and
// an unknown site yields no rows.
func (r *Resolver) Resolve(ctx context.Context, siteCode string, items []pricing.CatalogItem) ([]Row, error) {
	if len(items) == 0 {
		return []Row{}, nil
	}
	if siteCode != pricing.AllSites {
		site, err := r.store.SiteByCode(ctx, siteCode)
		if err != nil {
			if errors.Is(err, pricing.ErrNotFound) {
				return []Row{}, nil
			}
			return nil, fmt.Errorf("resolve %s: %w", siteCode, err)
		}
		return r.resolveSite(ctx, site, items)
	}

	sites, err := r.store.ListSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	rows := []Row{}
	for _, site := range sites {
		siteRows, err := r.resolveSite(ctx, site, items)
		if err != nil {
			return nil, err
		}
		rows = append(rows, siteRows...)
	}
	return rows, nil
}

func (r *Resolver) resolveSite(ctx context.Context, site pricing.Site, items []pricing.CatalogItem) ([]Row, error) {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	matches, err := r.store.MatchesForItems(ctx, site.ID, ids)
	if err != nil {
		return nil, fmt.Errorf("load matches for %s: %w", site.Code, err)
	}
	byItem := make(map[int64]pricing.Match, len(matches))
	for _, m := range matches {
		byItem[m.ItemID] = m
	}

	rows := make([]Row, 0, len(matches))
	for _, item := range items {
		m, ok := byItem[item.ID]
		if !ok {
			continue
		}
		snap, err := r.latest(ctx, site.ID, m)
		if err != nil {
			return nil, fmt.Errorf("resolve %s/%s: %w", site.Code, item.SKU, err)
		}
		rows = append(rows, r.row(site, item, m, snap))
	}
	r.logger.Debug("resolved site", zap.String("site", site.Code), zap.Int("items", len(items)), zap.Int("rows", len(rows)))
	return rows, nil
}

// latest prefers the competitor SKU series and falls back to the barcode series
// when the SKU has no data. It returns nil when neither has been observed.
func (r *Resolver) latest(ctx context.Context, siteID int64, m pricing.Match) (*pricing.Snapshot, error) {
	for _, key := range matchKeys(m) {
		snap, err := r.store.LatestSnapshot(ctx, siteID, key)
		if err == nil {
			return &snap, nil
		}
		if !errors.Is(err, pricing.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

func (r *Resolver) row(site pricing.Site, item pricing.CatalogItem, m pricing.Match, snap *pricing.Snapshot) Row {
	row := Row{
		ItemID:            item.ID,
		SKU:               item.SKU,
		Barcode:           item.Barcode,
		Name:              item.Name,
		Brand:             item.Brand,
		RegularPrice:      item.RegularPrice,
		PromoPrice:        item.PromoPrice,
		SiteCode:          site.Code,
		CompetitorSKU:     m.CompetitorSKU,
		CompetitorBarcode: m.CompetitorBarcode,
	}
	if snap != nil {
		observed := snap.Timestamp
		row.CompetitorName = snap.Name
		row.CompetitorURL = snap.URL
		row.CompetitorLabel = snap.Label
		row.CompetitorRegularPrice = snap.RegularPrice
		row.CompetitorPromoPrice = snap.PromoPrice
		row.ObservedAt = &observed
	}
	row.Difference, row.Verdict = Assess(
		pricing.EffectivePrice(item.RegularPrice, item.PromoPrice),
		pricing.EffectivePrice(row.CompetitorRegularPrice, row.CompetitorPromoPrice),
		r.tolerance,
	)
	return row
}

// History returns the snapshot series of the catalog item sku on one site or on
// every site (siteCode empty or pricing.AllSites), oldest first.
func (r *Resolver) History(ctx context.Context, sku, siteCode string) ([]Series, error) {
	item, err := r.store.ItemBySKU(ctx, sku)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", sku, err)
	}
	var sites []pricing.Site
	if siteCode == "" || siteCode == pricing.AllSites {
		if sites, err = r.store.ListSites(ctx); err != nil {
			return nil, fmt.Errorf("list sites: %w", err)
		}
	} else {
		site, err := r.store.SiteByCode(ctx, siteCode)
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", sku, err)
		}
		sites = []pricing.Site{site}
	}

	out := []Series{}
	for _, site := range sites {
		matches, err := r.store.MatchesForItems(ctx, site.ID, []int64{item.ID})
		if err != nil {
			return nil, fmt.Errorf("load matches for %s: %w", site.Code, err)
		}
		if len(matches) == 0 {
			continue
		}
		series := Series{SiteCode: site.Code, Key: matches[0].Key(), Snapshots: []pricing.Snapshot{}}
		for _, key := range matchKeys(matches[0]) {
			snaps, err := r.store.SnapshotSeries(ctx, site.ID, key)
			if err != nil {
				return nil, fmt.Errorf("load history for %s/%s: %w", site.Code, key, err)
			}
			if len(snaps) > 0 {
				series.Key, series.Snapshots = key, snaps
				break
			}
		}
		out = append(out, series)
	}
	return out, nil
}

// matchKeys lists the snapshot keys to try for a match, SKU first.
func matchKeys(m pricing.Match) []string {
	keys := make([]string, 0, 2)
	if sku := m.Key(); sku != "" {
		keys = append(keys, sku)
	}
	if barcode := strings.TrimSpace(m.CompetitorBarcode); barcode != "" && (len(keys) == 0 || keys[0] != barcode) {
		keys = append(keys, barcode)
	}
	return keys
}
