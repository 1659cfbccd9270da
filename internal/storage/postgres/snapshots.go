package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/pricewatch/internal/pricing"
)

const snapshotColumns = `id, site_id, key, ts, COALESCE(name, ''), COALESCE(url, ''), COALESCE(label, ''),
	regular_price::float8, promo_price::float8`

func scanSnapshot(row pgx.Row) (pricing.Snapshot, error) {
	var snap pricing.Snapshot
	err := row.Scan(
		&snap.ID,
		&snap.SiteID,
		&snap.Key,
		&snap.Timestamp,
		&snap.Name,
		&snap.URL,
		&snap.Label,
		&snap.RegularPrice,
		&snap.PromoPrice,
	)
	return snap, err
}

func latestSnapshot(ctx context.Context, q querier, siteID int64, key string) (pricing.Snapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM snapshots
		WHERE site_id = $1 AND key = $2
		ORDER BY ts DESC, id DESC
		LIMIT 1;
	`
	snap, err := scanSnapshot(q.QueryRow(ctx, query, siteID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pricing.Snapshot{}, fmt.Errorf("snapshot %d/%s: %w", siteID, key, pricing.ErrNotFound)
		}
		return pricing.Snapshot{}, fmt.Errorf("get latest snapshot: %w", err)
	}
	return snap, nil
}

// LatestSnapshot returns the newest snapshot for (site, key) or pricing.ErrNotFound.
func (s *Store) LatestSnapshot(ctx context.Context, siteID int64, key string) (pricing.Snapshot, error) {
	return latestSnapshot(ctx, s.pool, siteID, key)
}

// SnapshotSeries returns the history for (site, key), oldest first.
func (s *Store) SnapshotSeries(ctx context.Context, siteID int64, key string) ([]pricing.Snapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM snapshots
		WHERE site_id = $1 AND key = $2
		ORDER BY ts ASC, id ASC;
	`
	rows, err := s.pool.Query(ctx, query, siteID, key)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var series []pricing.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		series = append(series, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read snapshots: %w", err)
	}
	return series, nil
}

// Tx is the transactional view handed to WithTx callbacks.
type Tx struct {
	q querier
}

// LatestSnapshot returns the newest snapshot visible in the transaction.
func (t *Tx) LatestSnapshot(ctx context.Context, siteID int64, key string) (pricing.Snapshot, error) {
	return latestSnapshot(ctx, t.q, siteID, key)
}

// InsertSnapshot stores snap and returns its id.
func (t *Tx) InsertSnapshot(ctx context.Context, snap pricing.Snapshot) (int64, error) {
	query := `
		INSERT INTO snapshots (site_id, key, ts, name, url, label, regular_price, promo_price)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8)
		RETURNING id;
	`
	var id int64
	err := t.q.QueryRow(ctx, query,
		snap.SiteID,
		snap.Key,
		snap.Timestamp,
		snap.Name,
		snap.URL,
		snap.Label,
		snap.RegularPrice,
		snap.PromoPrice,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return id, nil
}

// BackfillMatchKeys fills empty key columns of a match; populated columns are kept.
func (t *Tx) BackfillMatchKeys(ctx context.Context, matchID int64, competitorSKU, competitorBarcode string) error {
	query := `
		UPDATE matches
		SET competitor_sku = COALESCE(NULLIF(competitor_sku, ''), NULLIF($2, '')),
			competitor_barcode = COALESCE(NULLIF(competitor_barcode, ''), NULLIF($3, '')),
			updated_at = now()
		WHERE id = $1;
	`
	if _, err := t.q.Exec(ctx, query, matchID, competitorSKU, competitorBarcode); err != nil {
		return fmt.Errorf("backfill match %d: %w", matchID, err)
	}
	return nil
}

// PruneSnapshotsOlderThan deletes snapshots for (site, key) taken before cutoff.
func (t *Tx) PruneSnapshotsOlderThan(ctx context.Context, siteID int64, key string, cutoff time.Time) (int64, error) {
	query := `DELETE FROM snapshots WHERE site_id = $1 AND key = $2 AND ts < $3;`
	tag, err := t.q.Exec(ctx, query, siteID, key, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots by age: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneSnapshotsBeyond keeps the newest keep snapshots for (site, key).
func (t *Tx) PruneSnapshotsBeyond(ctx context.Context, siteID int64, key string, keep int) (int64, error) {
	query := `
		DELETE FROM snapshots
		WHERE id IN (
			SELECT id FROM snapshots
			WHERE site_id = $1 AND key = $2
			ORDER BY ts DESC, id DESC
			OFFSET $3
		);
	`
	tag, err := t.q.Exec(ctx, query, siteID, key, max(keep, 0))
	if err != nil {
		return 0, fmt.Errorf("prune snapshots by count: %w", err)
	}
	return tag.RowsAffected(), nil
}
