package adapter

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/pricewatch/internal/pricing"
)

// MrBricolageCode is the site code of mr-bricolage.bg.
const MrBricolageCode = "mrbricolage"

// MrBricolage searches mr-bricolage.bg. The site exposes no stable product id, so
// matches are keyed by barcode.
type MrBricolage struct {
	base
}

// NewMrBricolage builds the mr-bricolage.bg adapter.
func NewMrBricolage(deps Deps) (*MrBricolage, error) {
	b, err := newBase(MrBricolageCode, "https://mr-bricolage.bg", deps)
	if err != nil {
		return nil, err
	}
	return &MrBricolage{base: b}, nil
}

// Precedence only uses the barcode; item numbers do not search reliably on this site.
func (m *MrBricolage) Precedence() []pricing.LookupStrategy {
	return []pricing.LookupStrategy{pricing.StrategyBarcode}
}

// Lookup searches for key and returns the first product card.
func (m *MrBricolage) Lookup(ctx context.Context, _ pricing.LookupStrategy, key string) (*pricing.CandidateListing, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	return m.settle(m.search(ctx, key, false))
}

// SearchByKey refreshes a known listing. Identifiers are carried over from the match.
func (m *MrBricolage) SearchByKey(ctx context.Context, primary, secondary string) (*pricing.CandidateListing, error) {
	query, _ := chooseQuery(primary, secondary)
	if query == "" {
		return nil, nil
	}
	listing, err := m.search(ctx, query, true)
	if err != nil || listing == nil {
		return m.settle(listing, err)
	}
	listing.CompetitorSKU = strings.TrimSpace(primary)
	listing.CompetitorBarcode = strings.TrimSpace(secondary)
	return listing, nil
}

func (m *MrBricolage) search(ctx context.Context, query string, needPrice bool) (*pricing.CandidateListing, error) {
	searchURL := m.querySearchURL("/search-list", "query", query)
	doc, body, err := m.document(ctx, searchURL)
	if err != nil {
		return nil, err
	}
	card := doc.Find("div.plp-product div.product").First()
	if card.Length() == 0 {
		return nil, nil
	}

	listing := m.parseCard(card)
	if listing.URL == "" {
		listing.URL = searchURL
	}
	if needPrice && !listing.HasPrice() {
		return nil, m.miss(ctx, searchURL, body, "card without price")
	}
	return listing, nil
}

func (m *MrBricolage) parseCard(card *goquery.Selection) *pricing.CandidateListing {
	listing := &pricing.CandidateListing{}
	top := card.Find("div.product__content-top").First()
	if a := top.Find("a").First(); a.Length() > 0 {
		listing.Name = text(a)
		if href, ok := a.Attr("href"); ok {
			listing.URL = m.absolute(href)
		}
	} else {
		listing.Name = firstText(top, "h2", "h3", "h4", ".product__title")
	}

	old := parsePrice(text(card.Find("div.product__price--old div.product__price").First()))
	current := parsePrice(text(card.Find("div.product__price--new div.product__price").First()))
	if old == nil && current == nil {
		old = parsePrice(text(card.Find("div.product__price").First()))
	}
	listing.RegularPrice, listing.PromoPrice = regularPromo(old, current)
	listing.Label = badgeLabel(card)
	return listing
}

type badge struct {
	class string
	image string
}

type labelRule struct {
	label   string
	matches func(badge) bool
}

// labelRules are evaluated in order against each badge; the first match wins.
var labelRules = []labelRule{
	{label: "Промо", matches: func(b badge) bool { return strings.Contains(b.class, "sale") }},
	{label: "Брошура", matches: func(b badge) bool { return strings.Contains(b.image, "brochure") }},
	{label: "Топ", matches: func(b badge) bool {
		return strings.Contains(b.image, "top-offer") || strings.Contains(b.class, "top")
	}},
}

func badgeLabel(card *goquery.Selection) string {
	var label string
	card.Find("div.pdp-badge").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		class, _ := s.Attr("class")
		src, _ := s.Find("img").First().Attr("src")
		b := badge{class: strings.ToLower(class), image: strings.ToLower(src)}
		for _, rule := range labelRules {
			if rule.matches(b) {
				label = rule.label
				return false
			}
		}
		return true
	})
	return label
}
