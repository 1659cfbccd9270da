package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pricewatch/internal/fetch"
	"github.com/JakeFAU/pricewatch/internal/pricing"
)

const praktikerPromoCard = `
<div class="products-grid">
  <te-product-box>
    <div class="products-grid__item">
      <h2 class="product-item__title"><a href="/p/100234">Бормашина Bosch GSB 13 RE</a></h2>
      <a href="/p/100234" class="product-item__image"></a>
      <span class="product-price product-price--old">
        <span class="product-price__value">129,90</span><span class="product-price__value">66,42</span>
      </span>
      <span class="product-price">
        <span class="product-price__value">99,90</span><span class="product-price__value">51,08</span>
      </span>
    </div>
  </te-product-box>
</div>`

func newPraktikerForTest(t *testing.T, fetcher *fakeFetcher, blobs *recordingBlobs) *Praktiker {
	t.Helper()
	deps := Deps{BaseURL: "https://praktiker.test", Fetcher: fetcher}
	if blobs != nil {
		archiver, err := NewArchiver(blobs, constHasher{}, "")
		require.NoError(t, err)
		deps.Archiver = archiver
	}
	p, err := NewPraktiker(deps)
	require.NoError(t, err)
	return p
}

func TestPraktikerLookupDerivesSKUAndPrices(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.pages["https://praktiker.test/search/Bosch%20GSB13"] = page(praktikerPromoCard)
	p := newPraktikerForTest(t, fetcher, nil)

	listing, err := p.Lookup(context.Background(), pricing.StrategyItemNumber, "Bosch GSB13")
	require.NoError(t, err)
	require.NotNil(t, listing)
	require.Equal(t, "100234", listing.CompetitorSKU)
	require.Equal(t, "Бормашина Bosch GSB 13 RE", listing.Name)
	require.Equal(t, "https://praktiker.test/p/100234", listing.URL)
	require.InDelta(t, 129.90, *listing.RegularPrice, 0.001)
	require.InDelta(t, 99.90, *listing.PromoPrice, 0.001)
}

func TestPraktikerSingleCurrentPriceIsRegular(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.pages["https://praktiker.test/search/555"] = page(`
<div class="products-grid"><te-product-box><div class="products-grid__item">
  <a href="/p/555">x</a>
  <span class="product-price"><span class="price-wrapper"><span class="product-price__value">15,49</span></span>
  <span class="price-wrapper"><span class="product-price__value">7,92</span></span></span>
</div></te-product-box></div>`)
	p := newPraktikerForTest(t, fetcher, nil)

	listing, err := p.SearchByKey(context.Background(), "555", "3800000000001")
	require.NoError(t, err)
	require.NotNil(t, listing)
	require.InDelta(t, 15.49, *listing.RegularPrice, 0.001)
	require.Nil(t, listing.PromoPrice)
	require.Equal(t, "555", listing.CompetitorSKU)
	require.Equal(t, "3800000000001", listing.CompetitorBarcode)
}

func TestPraktikerSearchByKeyFollowsProductPage(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.pages["https://praktiker.test/search/3800000000002"] = page(`
<div class="products-grid"><te-product-box><div class="products-grid__item">
  <h2 class="product-item__title"><a href="/p/777">Лепило</a></h2>
</div></te-product-box></div>`)
	fetcher.pages["https://praktiker.test/p/777"] = page(`
<h1>Лепило за плочки</h1>
<span class="product-price"><span class="product-price__value">8,20</span></span>`)
	p := newPraktikerForTest(t, fetcher, nil)

	listing, err := p.SearchByKey(context.Background(), "", "3800000000002")
	require.NoError(t, err)
	require.NotNil(t, listing)
	require.Equal(t, "777", listing.CompetitorSKU)
	require.Equal(t, "3800000000002", listing.CompetitorBarcode)
	require.Equal(t, "Лепило", listing.Name)
	require.InDelta(t, 8.20, *listing.RegularPrice, 0.001)
	require.Len(t, fetcher.calls, 2)
}

func TestPraktikerNoResultsIsNil(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.pages["https://praktiker.test/search/zzz"] = page(`<div class="products-grid"></div>`)
	p := newPraktikerForTest(t, fetcher, nil)

	listing, err := p.Lookup(context.Background(), pricing.StrategyBarcode, "zzz")
	require.NoError(t, err)
	require.Nil(t, listing)

	listing, err = p.Lookup(context.Background(), pricing.StrategyBarcode, "missing-page")
	require.NoError(t, err)
	require.Nil(t, listing)
}

func TestPraktikerTransientErrorSurfaces(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.errs["https://praktiker.test/search/x"] = &fetch.FetchError{URL: "x", StatusCode: 503, Transient: true}
	p := newPraktikerForTest(t, fetcher, nil)

	_, err := p.Lookup(context.Background(), pricing.StrategyBarcode, "x")
	require.Error(t, err)
	require.True(t, errors.Is(err, fetch.ErrTransient))
}

func TestPraktikerParseMissIsArchived(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.pages["https://praktiker.test/search/42"] = page(`
<div class="products-grid"><te-product-box><div class="products-grid__item">
  <h2 class="product-item__title"><a href="/p/42">Нещо</a></h2>
</div></te-product-box></div>`)
	fetcher.pages["https://praktiker.test/p/42"] = page(`<h1>Нещо</h1><div>Цена скоро</div>`)
	blobs := &recordingBlobs{}
	p := newPraktikerForTest(t, fetcher, blobs)

	listing, err := p.SearchByKey(context.Background(), "42", "")
	require.NoError(t, err)
	require.Nil(t, listing)
	require.Len(t, blobs.objects, 1)
	for path := range blobs.objects {
		require.Contains(t, path, "parse-miss/praktiker/")
	}
}
