package adapter

import (
	"context"
	"strings"

	"github.com/JakeFAU/pricewatch/internal/pricing"
)

// MashiniBGCode is the site code of onlinemashini.bg.
const MashiniBGCode = "mashinibg"

const (
	mashiniCardSelector = "div.product-box-h.cat.rounded.col-md-12.product_container.mb-2"
	mashiniDescSelector = "div.col-8.col-md-8.full.description.pr-md-4"
)

// MashiniBG searches onlinemashini.bg, falling back to the product page when the
// search card carries no price.
type MashiniBG struct {
	base
}

// NewMashiniBG builds the onlinemashini.bg adapter.
func NewMashiniBG(deps Deps) (*MashiniBG, error) {
	b, err := newBase(MashiniBGCode, "https://www.onlinemashini.bg", deps)
	if err != nil {
		return nil, err
	}
	return &MashiniBG{base: b}, nil
}

// Precedence tries brand plus item number first, then the barcode.
func (m *MashiniBG) Precedence() []pricing.LookupStrategy {
	return []pricing.LookupStrategy{pricing.StrategyItemNumber, pricing.StrategyBarcode}
}

// Lookup searches for key. Barcode lookups keep the barcode as the competitor key.
func (m *MashiniBG) Lookup(ctx context.Context, strategy pricing.LookupStrategy, key string) (*pricing.CandidateListing, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	listing, err := m.search(ctx, key, false)
	if err == nil && listing != nil && strategy == pricing.StrategyBarcode {
		listing.CompetitorBarcode = key
	}
	return m.settle(listing, err)
}

// SearchByKey refreshes a known listing, searching by SKU when known and barcode otherwise.
func (m *MashiniBG) SearchByKey(ctx context.Context, primary, secondary string) (*pricing.CandidateListing, error) {
	query, byBarcode := chooseQuery(primary, secondary)
	if query == "" {
		return nil, nil
	}
	listing, err := m.search(ctx, query, true)
	if err != nil || listing == nil {
		return m.settle(listing, err)
	}
	listing.CompetitorSKU = strings.TrimSpace(primary)
	listing.CompetitorBarcode = strings.TrimSpace(secondary)
	if listing.CompetitorBarcode == "" && byBarcode {
		listing.CompetitorBarcode = query
	}
	return listing, nil
}

func (m *MashiniBG) search(ctx context.Context, query string, needPrice bool) (*pricing.CandidateListing, error) {
	searchURL := m.pathSearchURL("/search/", query)
	doc, body, err := m.document(ctx, searchURL)
	if err != nil {
		return nil, err
	}
	card := doc.Find(mashiniCardSelector).First()
	if card.Length() == 0 {
		return nil, nil
	}

	listing := &pricing.CandidateListing{URL: searchURL}
	desc := card.Find(mashiniDescSelector).First()
	if desc.Length() > 0 {
		listing.Name = firstText(desc, "a", "h2", "h3", "h4")
		if listing.Name == "" {
			listing.Name = text(desc)
		}
		if href, ok := desc.Find("a[href]").First().Attr("href"); ok {
			if pdp := m.absolute(href); pdp != "" {
				listing.URL = pdp
			}
		}
	}
	old := parseBGN(text(card.Find("span.otstupka.oldprice s").First()))
	current := parseBGN(text(card.Find("div.price").First()))
	listing.RegularPrice, listing.PromoPrice = regularPromo(old, current)

	if !needPrice || listing.HasPrice() {
		return listing, nil
	}
	if listing.URL == searchURL {
		return nil, m.miss(ctx, searchURL, body, "card without price or product link")
	}

	pdp, pdpBody, err := m.document(ctx, listing.URL)
	if err != nil {
		return nil, err
	}
	if name := firstText(pdp.Selection, "h1", "h1.product-title", "title"); name != "" {
		listing.Name = name
	}
	page := normalizeSpaces(string(pdpBody))
	old, current = nil, parseBGN(page)
	if idx := listPriceRe.FindStringSubmatchIndex(page); idx != nil {
		old = normalizeNumber(page[idx[2]:idx[3]])
		current = parseBGN(page[idx[1]:])
	}
	listing.RegularPrice, listing.PromoPrice = regularPromo(old, current)
	if !listing.HasPrice() {
		return nil, m.miss(ctx, listing.URL, pdpBody, "product page without price")
	}
	return listing, nil
}
