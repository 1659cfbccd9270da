package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/pricewatch/internal/pricing"
)

const itemColumns = `id, sku, COALESCE(barcode, ''), COALESCE(item_number, ''), COALESCE(brand, ''),
	COALESCE(name, ''), regular_price::float8, promo_price::float8`

func scanItem(row pgx.Row) (pricing.CatalogItem, error) {
	var item pricing.CatalogItem
	err := row.Scan(
		&item.ID,
		&item.SKU,
		&item.Barcode,
		&item.ItemNumber,
		&item.Brand,
		&item.Name,
		&item.RegularPrice,
		&item.PromoPrice,
	)
	return item, err
}

func collectItems(rows pgx.Rows) ([]pricing.CatalogItem, error) {
	defer rows.Close()
	var items []pricing.CatalogItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan catalog item row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read catalog items: %w", err)
	}
	return items, nil
}

// UpsertCatalogItems inserts or updates items keyed by SKU in one transaction.
func (s *Store) UpsertCatalogItems(ctx context.Context, items []pricing.CatalogItem) (int, error) {
	query := `
		INSERT INTO catalog_items (sku, barcode, item_number, brand, name, regular_price, promo_price)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7)
		ON CONFLICT (sku) DO UPDATE
		SET barcode = EXCLUDED.barcode,
			item_number = EXCLUDED.item_number,
			brand = EXCLUDED.brand,
			name = EXCLUDED.name,
			regular_price = EXCLUDED.regular_price,
			promo_price = EXCLUDED.promo_price;
	`
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	n := 0
	for _, item := range items {
		if strings.TrimSpace(item.SKU) == "" {
			return 0, fmt.Errorf("upsert catalog item: empty sku")
		}
		_, err := tx.Exec(ctx, query,
			item.SKU,
			item.Barcode,
			item.ItemNumber,
			item.Brand,
			item.Name,
			item.RegularPrice,
			item.PromoPrice,
		)
		if err != nil {
			return 0, fmt.Errorf("upsert catalog item %s: %w", item.SKU, err)
		}
		n++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit catalog items: %w", err)
	}
	return n, nil
}

// ListCatalogItems filters items newest first. Query matches SKU, name or
// barcode case-insensitively; brand compares with dots and spaces removed.
func (s *Store) ListCatalogItems(ctx context.Context, filter pricing.ItemFilter) ([]pricing.CatalogItem, error) {
	var (
		where []string
		args  []any
	)
	if q := strings.TrimSpace(filter.Query); q != "" {
		args = append(args, "%"+q+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(sku ILIKE $%d OR name ILIKE $%d OR barcode ILIKE $%d)", n, n, n))
	}
	if brand := normalizeBrand(filter.Brand); brand != "" {
		args = append(args, brand)
		where = append(where, fmt.Sprintf("lower(replace(replace(brand, '.', ''), ' ', '')) = $%d", len(args)))
	}
	query := `SELECT ` + itemColumns + ` FROM catalog_items`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list catalog items: %w", err)
	}
	return collectItems(rows)
}

// ItemBySKU returns the catalog item with sku or pricing.ErrNotFound.
func (s *Store) ItemBySKU(ctx context.Context, sku string) (pricing.CatalogItem, error) {
	query := `SELECT ` + itemColumns + ` FROM catalog_items WHERE sku = $1;`
	item, err := scanItem(s.pool.QueryRow(ctx, query, sku))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pricing.CatalogItem{}, fmt.Errorf("item %q: %w", sku, pricing.ErrNotFound)
		}
		return pricing.CatalogItem{}, fmt.Errorf("get catalog item: %w", err)
	}
	return item, nil
}

// ListUnmatchedItems returns items without a match on the site that carry a
// barcode or an item number, newest first. A zero limit returns every row.
func (s *Store) ListUnmatchedItems(ctx context.Context, siteID int64, limit int) ([]pricing.CatalogItem, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM catalog_items ci
		WHERE NOT EXISTS (
			SELECT 1 FROM matches m WHERE m.item_id = ci.id AND m.site_id = $1
		)
		AND (COALESCE(btrim(ci.barcode), '') <> '' OR COALESCE(btrim(ci.item_number), '') <> '')
		ORDER BY ci.id DESC
		LIMIT NULLIF($2, 0);
	`
	rows, err := s.pool.Query(ctx, query, siteID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unmatched items: %w", err)
	}
	return collectItems(rows)
}

func normalizeBrand(brand string) string {
	brand = strings.ToLower(strings.ReplaceAll(brand, ".", ""))
	return strings.Join(strings.Fields(brand), "")
}
