package adapter

import (
	"context"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/pricewatch/internal/pricing"
)

// PraktikerCode is the site code of praktiker.bg.
const PraktikerCode = "praktiker"

var praktikerSKURe = regexp.MustCompile(`/p/(\d+)`)

// Praktiker searches praktiker.bg. Its product links carry a numeric id that is used
// as the competitor SKU.
type Praktiker struct {
	base
}

// NewPraktiker builds the praktiker.bg adapter.
func NewPraktiker(deps Deps) (*Praktiker, error) {
	b, err := newBase(PraktikerCode, "https://praktiker.bg", deps)
	if err != nil {
		return nil, err
	}
	return &Praktiker{base: b}, nil
}

// Precedence tries brand plus item number first, then the barcode.
func (p *Praktiker) Precedence() []pricing.LookupStrategy {
	return []pricing.LookupStrategy{pricing.StrategyItemNumber, pricing.StrategyBarcode}
}

// Lookup searches for key and returns the first product card.
func (p *Praktiker) Lookup(ctx context.Context, _ pricing.LookupStrategy, key string) (*pricing.CandidateListing, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	return p.settle(p.search(ctx, key, false))
}

// SearchByKey refreshes a known listing, searching by SKU when known and barcode otherwise.
func (p *Praktiker) SearchByKey(ctx context.Context, primary, secondary string) (*pricing.CandidateListing, error) {
	query, _ := chooseQuery(primary, secondary)
	if query == "" {
		return nil, nil
	}
	listing, err := p.search(ctx, query, true)
	if err != nil || listing == nil {
		return p.settle(listing, err)
	}
	if listing.CompetitorSKU == "" {
		listing.CompetitorSKU = strings.TrimSpace(primary)
	}
	listing.CompetitorBarcode = strings.TrimSpace(secondary)
	return listing, nil
}

func (p *Praktiker) search(ctx context.Context, query string, needPrice bool) (*pricing.CandidateListing, error) {
	searchURL := p.pathSearchURL("/search/", query)
	doc, body, err := p.document(ctx, searchURL)
	if err != nil {
		return nil, err
	}
	card := doc.Find("div.products-grid te-product-box div.products-grid__item").First()
	if card.Length() == 0 {
		return nil, nil
	}

	listing := &pricing.CandidateListing{
		Name: text(card.Find("h2.product-item__title a").First()),
		URL:  searchURL,
	}
	listing.RegularPrice, listing.PromoPrice = praktikerPrices(card)
	pdpURL := ""
	if href, ok := card.Find("a[href*='/p/']").First().Attr("href"); ok {
		pdpURL = p.absolute(href)
		if m := praktikerSKURe.FindStringSubmatch(href); m != nil {
			listing.CompetitorSKU = m[1]
		}
	}
	if pdpURL != "" {
		listing.URL = pdpURL
	}

	if !needPrice || listing.HasPrice() {
		return listing, nil
	}
	if pdpURL == "" {
		return nil, p.miss(ctx, searchURL, body, "card without price or product link")
	}

	pdp, pdpBody, err := p.document(ctx, pdpURL)
	if err != nil {
		return nil, err
	}
	if listing.Name == "" {
		listing.Name = firstText(pdp.Selection, "h1", "h1.product-title", "title")
	}
	listing.RegularPrice, listing.PromoPrice = praktikerPrices(pdp.Selection)
	if !listing.HasPrice() {
		return nil, p.miss(ctx, pdpURL, pdpBody, "product page without price")
	}
	return listing, nil
}

// praktikerPrices reads (regular, promo). A struck-out block is the regular price
// and the current block the promo; a lone current price is regular.
func praktikerPrices(scope *goquery.Selection) (regular, promo *float64) {
	old := scope.Find("span.product-price.product-price--old span.product-price__value").First()
	if old.Length() > 0 {
		regular = parsePrice(text(old))
	}
	current := scope.Find("span.product-price:not(.product-price--old)").First()
	if current.Length() > 0 {
		promo = parsePrice(text(current.Find("span.product-price__value").First()))
	}
	if regular == nil && promo == nil {
		return dualPriceBGN(scope), nil
	}
	if regular == nil {
		return promo, nil
	}
	return regular, promo
}

// dualPriceBGN reads the BGN value of a block listing BGN then EUR, either wrapped in
// span.price-wrapper elements or as bare value spans.
func dualPriceBGN(scope *goquery.Selection) *float64 {
	block := scope.Find("span.product-price:not(.product-price--old)").First()
	if block.Length() == 0 {
		block = scope.Find("span.product-price").First()
	}
	if block.Length() == 0 {
		return nil
	}
	if wrappers := block.Find("span.price-wrapper"); wrappers.Length() > 0 {
		return parsePrice(text(wrappers.First().Find("span.product-price__value").First()))
	}
	var found *float64
	block.Find("span.product-price__value").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		found = parsePrice(text(s))
		return found == nil
	})
	return found
}
