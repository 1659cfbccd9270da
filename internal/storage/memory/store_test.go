package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pricewatch/internal/pricing"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func seededStore(t *testing.T) (*Store, pricing.Site) {
	t.Helper()
	ctx := context.Background()
	store := NewStore(fixedClock{now: t0})
	require.NoError(t, store.EnsureSites(ctx, []pricing.Site{{Code: "praktiker", Name: "Praktiker"}}))
	site, err := store.SiteByCode(ctx, "praktiker")
	require.NoError(t, err)
	return store, site
}

func TestEnsureSitesIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, site := seededStore(t)

	require.NoError(t, store.EnsureSites(ctx, []pricing.Site{{Code: "praktiker", Name: "Praktiker BG", BaseURL: "https://praktiker.bg"}}))
	sites, err := store.ListSites(ctx)
	require.NoError(t, err)
	require.Len(t, sites, 1)
	require.Equal(t, site.ID, sites[0].ID)
	require.Equal(t, "Praktiker BG", sites[0].Name)

	_, err = store.SiteByCode(ctx, "nope")
	require.ErrorIs(t, err, pricing.ErrNotFound)
}

func TestListUnmatchedItemsExcludesMatchedAndKeyless(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, site := seededStore(t)

	_, err := store.UpsertCatalogItems(ctx, []pricing.CatalogItem{
		{SKU: "A", Barcode: "111"},
		{SKU: "B", ItemNumber: "X-1"},
		{SKU: "C"},
		{SKU: "D", Barcode: "444"},
	})
	require.NoError(t, err)
	a, err := store.ItemBySKU(ctx, "A")
	require.NoError(t, err)

	n, err := store.CreateMatches(ctx, []pricing.Match{{ItemID: a.ID, SiteID: site.ID, CompetitorBarcode: "111"}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	items, err := store.ListUnmatchedItems(ctx, site.ID, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "D", items[0].SKU)
	require.Equal(t, "B", items[1].SKU)

	items, err = store.ListUnmatchedItems(ctx, site.ID, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestCreateMatchesSkipsDuplicatesAndKeyless(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, site := seededStore(t)

	n, err := store.CreateMatches(ctx, []pricing.Match{
		{ItemID: 1, SiteID: site.ID, CompetitorSKU: "s1"},
		{ItemID: 1, SiteID: site.ID, CompetitorSKU: "s2"},
		{ItemID: 2, SiteID: site.ID},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	matches, err := store.MatchesForItems(ctx, site.ID, []int64{1, 2})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "s1", matches[0].CompetitorSKU)
	require.Equal(t, t0, matches[0].CreatedAt)
}

func TestLatestSnapshotBreaksTiesByID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, site := seededStore(t)

	var second int64
	require.NoError(t, store.WithTx(ctx, func(tx pricing.SnapshotTx) error {
		if _, err := tx.InsertSnapshot(ctx, pricing.Snapshot{SiteID: site.ID, Key: "k", Timestamp: t0, Label: "first"}); err != nil {
			return err
		}
		id, err := tx.InsertSnapshot(ctx, pricing.Snapshot{SiteID: site.ID, Key: "k", Timestamp: t0, Label: "second"})
		second = id
		return err
	}))

	latest, err := store.LatestSnapshot(ctx, site.ID, "k")
	require.NoError(t, err)
	require.Equal(t, second, latest.ID)
	require.Equal(t, "second", latest.Label)

	_, err = store.LatestSnapshot(ctx, site.ID, "missing")
	require.ErrorIs(t, err, pricing.ErrNotFound)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, site := seededStore(t)
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx pricing.SnapshotTx) error {
		if _, err := tx.InsertSnapshot(ctx, pricing.Snapshot{SiteID: site.ID, Key: "k", Timestamp: t0}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	series, err := store.SnapshotSeries(ctx, site.ID, "k")
	require.NoError(t, err)
	require.Empty(t, series)
}

func TestBackfillMatchKeysNeverOverwrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, site := seededStore(t)

	_, err := store.CreateMatches(ctx, []pricing.Match{{ItemID: 7, SiteID: site.ID, CompetitorBarcode: "380"}})
	require.NoError(t, err)
	matches, err := store.MatchesForItems(ctx, site.ID, []int64{7})
	require.NoError(t, err)
	require.Len(t, matches, 1)

	require.NoError(t, store.WithTx(ctx, func(tx pricing.SnapshotTx) error {
		return tx.BackfillMatchKeys(ctx, matches[0].ID, "SKU-1", "999")
	}))

	matches, err = store.MatchesForItems(ctx, site.ID, []int64{7})
	require.NoError(t, err)
	require.Equal(t, "SKU-1", matches[0].CompetitorSKU)
	require.Equal(t, "380", matches[0].CompetitorBarcode)
}

func TestPruneSnapshots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, site := seededStore(t)

	require.NoError(t, store.WithTx(ctx, func(tx pricing.SnapshotTx) error {
		for i := 0; i < 15; i++ {
			snap := pricing.Snapshot{SiteID: site.ID, Key: "k", Timestamp: t0.Add(time.Duration(i) * time.Hour)}
			if _, err := tx.InsertSnapshot(ctx, snap); err != nil {
				return err
			}
		}
		old := pricing.Snapshot{SiteID: site.ID, Key: "old", Timestamp: t0.AddDate(0, 0, -200)}
		_, err := tx.InsertSnapshot(ctx, old)
		return err
	}))

	var byCount, byAge int64
	require.NoError(t, store.WithTx(ctx, func(tx pricing.SnapshotTx) error {
		var err error
		byCount, err = tx.PruneSnapshotsBeyond(ctx, site.ID, "k", 10)
		if err != nil {
			return err
		}
		byAge, err = tx.PruneSnapshotsOlderThan(ctx, site.ID, "old", t0.AddDate(0, 0, -180))
		return err
	}))
	require.Equal(t, int64(5), byCount)
	require.Equal(t, int64(1), byAge)

	series, err := store.SnapshotSeries(ctx, site.ID, "k")
	require.NoError(t, err)
	require.Len(t, series, 10)
	require.Equal(t, t0.Add(5*time.Hour), series[0].Timestamp)
	require.Equal(t, t0.Add(14*time.Hour), series[9].Timestamp)
}

func TestListRefreshCandidatesOrdersLeastRecentlyObserved(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, site := seededStore(t)

	_, err := store.CreateMatches(ctx, []pricing.Match{
		{ItemID: 1, SiteID: site.ID, CompetitorSKU: "fresh"},
		{ItemID: 2, SiteID: site.ID, CompetitorSKU: "stale"},
		{ItemID: 3, SiteID: site.ID, CompetitorSKU: "never"},
	})
	require.NoError(t, err)
	require.NoError(t, store.WithTx(ctx, func(tx pricing.SnapshotTx) error {
		if _, err := tx.InsertSnapshot(ctx, pricing.Snapshot{SiteID: site.ID, Key: "fresh", Timestamp: t0}); err != nil {
			return err
		}
		_, err := tx.InsertSnapshot(ctx, pricing.Snapshot{SiteID: site.ID, Key: "stale", Timestamp: t0.Add(-time.Hour)})
		return err
	}))

	matches, err := store.ListRefreshCandidates(ctx, site.ID, 0)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	require.Equal(t, "never", matches[0].Key())
	require.Equal(t, "stale", matches[1].Key())
	require.Equal(t, "fresh", matches[2].Key())
}

func TestListCatalogItemsFilters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := seededStore(t)

	_, err := store.UpsertCatalogItems(ctx, []pricing.CatalogItem{
		{SKU: "100", Name: "Bosch drill", Brand: "Bosch"},
		{SKU: "200", Name: "Makita saw", Brand: "Ma.Kita"},
		{SKU: "300", Name: "Bosch saw", Brand: "BOSCH "},
	})
	require.NoError(t, err)

	items, err := store.ListCatalogItems(ctx, pricing.ItemFilter{Brand: "bosch"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "300", items[0].SKU)

	items, err = store.ListCatalogItems(ctx, pricing.ItemFilter{Query: "SAW"})
	require.NoError(t, err)
	require.Len(t, items, 2)

	items, err = store.ListCatalogItems(ctx, pricing.ItemFilter{Brand: "makita", Limit: 5})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "200", items[0].SKU)
}
