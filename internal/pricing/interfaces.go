package pricing

import (
	"context"
	"io"
	"time"
)

// SiteAdapter knows how to look up and refresh listings on one competitor site.
type SiteAdapter interface {
	SiteCode() string
	// Precedence lists the lookup strategies to try during matching, in order.
	Precedence() []LookupStrategy
	// Lookup returns nil with a nil error when the site has no listing for key.
	Lookup(ctx context.Context, strategy LookupStrategy, key string) (*CandidateListing, error)
	// SearchByKey refreshes a known listing by competitor SKU, falling back to barcode.
	SearchByKey(ctx context.Context, primary, secondary string) (*CandidateListing, error)
}

// SiteReader resolves configured competitor sites.
type SiteReader interface {
	SiteByCode(ctx context.Context, code string) (Site, error)
	ListSites(ctx context.Context) ([]Site, error)
}

// MatchStore is the persistence the matcher needs.
type MatchStore interface {
	SiteReader
	ListUnmatchedItems(ctx context.Context, siteID int64, limit int) ([]CatalogItem, error)
	// CreateMatches inserts matches, ignoring (item, site) pairs that already exist,
	// and returns the number actually inserted.
	CreateMatches(ctx context.Context, matches []Match) (int, error)
}

// SnapshotTx is the unit of work used by the snapshot writer for one chunk.
type SnapshotTx interface {
	LatestSnapshot(ctx context.Context, siteID int64, key string) (Snapshot, error)
	InsertSnapshot(ctx context.Context, snap Snapshot) (int64, error)
	BackfillMatchKeys(ctx context.Context, matchID int64, competitorSKU, competitorBarcode string) error
	PruneSnapshotsOlderThan(ctx context.Context, siteID int64, key string, cutoff time.Time) (int64, error)
	PruneSnapshotsBeyond(ctx context.Context, siteID int64, key string, keep int) (int64, error)
}

// SnapshotStore is the persistence the snapshot writer needs.
type SnapshotStore interface {
	SiteReader
	// ListRefreshCandidates orders matches least-recently-observed first.
	ListRefreshCandidates(ctx context.Context, siteID int64, limit int) ([]Match, error)
	// WithTx commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx SnapshotTx) error) error
}

// ComparisonStore is the read-only persistence the comparison resolver needs.
type ComparisonStore interface {
	SiteReader
	MatchesForItems(ctx context.Context, siteID int64, itemIDs []int64) ([]Match, error)
	LatestSnapshot(ctx context.Context, siteID int64, key string) (Snapshot, error)
	SnapshotSeries(ctx context.Context, siteID int64, key string) ([]Snapshot, error)
	ItemBySKU(ctx context.Context, sku string) (CatalogItem, error)
}

// Store is the full persistence surface of the service.
type Store interface {
	MatchStore
	SnapshotStore
	ComparisonStore
	EnsureSites(ctx context.Context, sites []Site) error
	ListCatalogItems(ctx context.Context, filter ItemFilter) ([]CatalogItem, error)
	UpsertCatalogItems(ctx context.Context, items []CatalogItem) (int, error)
	Ping(ctx context.Context) error
	Close()
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
