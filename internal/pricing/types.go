// Package pricing defines the domain types and capability contracts shared by the
// price-intelligence acquisition core.
package pricing

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by stores when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// AllSites is the sentinel site code that resolves comparisons across every site.
const AllSites = "all"

// CatalogItem is a product from the retailer's own catalog. Empty strings mean absent.
type CatalogItem struct {
	ID           int64    `json:"id"`
	SKU          string   `json:"sku"`
	Barcode      string   `json:"barcode,omitempty"`
	ItemNumber   string   `json:"item_number,omitempty"`
	Brand        string   `json:"brand,omitempty"`
	Name         string   `json:"name,omitempty"`
	RegularPrice *float64 `json:"regular_price"`
	PromoPrice   *float64 `json:"promo_price"`
}

// Site is a competitor e-commerce site.
type Site struct {
	ID      int64  `json:"id"`
	Code    string `json:"code"`
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
}

// Match associates a catalog item with a competitor listing on one site.
type Match struct {
	ID                int64     `json:"id"`
	ItemID            int64     `json:"item_id"`
	SiteID            int64     `json:"site_id"`
	CompetitorSKU     string    `json:"competitor_sku,omitempty"`
	CompetitorBarcode string    `json:"competitor_barcode,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Key returns the snapshot key for the match: the competitor SKU when known,
// otherwise the competitor barcode.
func (m Match) Key() string {
	if sku := strings.TrimSpace(m.CompetitorSKU); sku != "" {
		return sku
	}
	return strings.TrimSpace(m.CompetitorBarcode)
}

// HasKey reports whether the match carries at least one competitor key.
func (m Match) HasKey() bool {
	return m.Key() != ""
}

// Snapshot is one immutable price observation for a (site, key).
type Snapshot struct {
	ID           int64     `json:"id"`
	SiteID       int64     `json:"site_id"`
	Key          string    `json:"key"`
	Timestamp    time.Time `json:"ts"`
	Name         string    `json:"name,omitempty"`
	URL          string    `json:"url,omitempty"`
	Label        string    `json:"label,omitempty"`
	RegularPrice *float64  `json:"regular_price"`
	PromoPrice   *float64  `json:"promo_price"`
}

// CandidateListing is what a site adapter extracts for one competitor product.
type CandidateListing struct {
	CompetitorSKU     string   `json:"competitor_sku,omitempty"`
	CompetitorBarcode string   `json:"competitor_barcode,omitempty"`
	Name              string   `json:"name,omitempty"`
	URL               string   `json:"url,omitempty"`
	Label             string   `json:"label,omitempty"`
	RegularPrice      *float64 `json:"regular_price"`
	PromoPrice        *float64 `json:"promo_price"`
}

// HasKey reports whether the listing exposes a competitor identifier.
func (c CandidateListing) HasKey() bool {
	return strings.TrimSpace(c.CompetitorSKU) != "" || strings.TrimSpace(c.CompetitorBarcode) != ""
}

// HasPrice reports whether either price was extracted.
func (c CandidateListing) HasPrice() bool {
	return c.RegularPrice != nil || c.PromoPrice != nil
}

// ItemFilter narrows catalog item listings.
type ItemFilter struct {
	Query string
	Brand string
	Limit int
}

// PriceChange is published after a new snapshot has been committed.
type PriceChange struct {
	SiteCode     string    `json:"site_code"`
	Key          string    `json:"key"`
	Timestamp    time.Time `json:"ts"`
	RegularPrice *float64  `json:"regular_price"`
	PromoPrice   *float64  `json:"promo_price"`
	Label        string    `json:"label,omitempty"`
	URL          string    `json:"url,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// EffectivePrice is the promo price when present, otherwise the regular price.
func EffectivePrice(regular, promo *float64) *float64 {
	if promo != nil {
		return promo
	}
	return regular
}
