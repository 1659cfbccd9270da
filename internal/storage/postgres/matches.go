package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/pricewatch/internal/pricing"
)

const matchColumns = `m.id, m.item_id, m.site_id, COALESCE(m.competitor_sku, ''),
	COALESCE(m.competitor_barcode, ''), m.created_at, m.updated_at`

func collectMatches(rows pgx.Rows) ([]pricing.Match, error) {
	defer rows.Close()
	var matches []pricing.Match
	for rows.Next() {
		var m pricing.Match
		err := rows.Scan(
			&m.ID,
			&m.ItemID,
			&m.SiteID,
			&m.CompetitorSKU,
			&m.CompetitorBarcode,
			&m.CreatedAt,
			&m.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan match row: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read matches: %w", err)
	}
	return matches, nil
}

// CreateMatches inserts matches in one transaction. Keyless matches are skipped
// and existing (item, site) pairs are left untouched. It returns the number of
// rows inserted.
func (s *Store) CreateMatches(ctx context.Context, matches []pricing.Match) (int, error) {
	query := `
		INSERT INTO matches (item_id, site_id, competitor_sku, competitor_barcode)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))
		ON CONFLICT (item_id, site_id) DO NOTHING;
	`
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	inserted := 0
	for _, m := range matches {
		if !m.HasKey() {
			continue
		}
		tag, err := tx.Exec(ctx, query, m.ItemID, m.SiteID, m.CompetitorSKU, m.CompetitorBarcode)
		if err != nil {
			return 0, fmt.Errorf("insert match for item %d: %w", m.ItemID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit matches: %w", err)
	}
	return inserted, nil
}

// MatchesForItems returns the site's matches for the given items.
func (s *Store) MatchesForItems(ctx context.Context, siteID int64, itemIDs []int64) ([]pricing.Match, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT ` + matchColumns + `
		FROM matches m
		WHERE m.site_id = $1 AND m.item_id = ANY($2)
		ORDER BY m.id;
	`
	rows, err := s.pool.Query(ctx, query, siteID, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	return collectMatches(rows)
}

// ListRefreshCandidates orders keyed matches by the timestamp of their latest
// snapshot, never-observed first, then by match id. A zero limit returns every row.
func (s *Store) ListRefreshCandidates(ctx context.Context, siteID int64, limit int) ([]pricing.Match, error) {
	query := `
		SELECT ` + matchColumns + `
		FROM matches m
		LEFT JOIN LATERAL (
			SELECT s.ts
			FROM snapshots s
			WHERE s.site_id = m.site_id
			AND s.key = COALESCE(NULLIF(btrim(m.competitor_sku), ''), btrim(m.competitor_barcode))
			ORDER BY s.ts DESC, s.id DESC
			LIMIT 1
		) last ON true
		WHERE m.site_id = $1
		AND (COALESCE(btrim(m.competitor_sku), '') <> '' OR COALESCE(btrim(m.competitor_barcode), '') <> '')
		ORDER BY last.ts ASC NULLS FIRST, m.id ASC
		LIMIT NULLIF($2, 0);
	`
	rows, err := s.pool.Query(ctx, query, siteID, limit)
	if err != nil {
		return nil, fmt.Errorf("list refresh candidates: %w", err)
	}
	return collectMatches(rows)
}
