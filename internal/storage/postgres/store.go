// Package postgres provides the Postgres-backed pricing.Store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pricewatch/internal/pricing"
)

// Schema is the DDL applied by Migrate.
//
//go:embed schema.sql
var Schema string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type pool interface {
	querier
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// Store implements pricing.Store on Postgres.
type Store struct {
	pool pool
}

// NewStore connects a pool using cfg.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate applies Schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// EnsureSites inserts missing sites and refreshes name and base URL of existing ones.
func (s *Store) EnsureSites(ctx context.Context, sites []pricing.Site) error {
	query := `
		INSERT INTO sites (code, name, base_url)
		VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (code) DO UPDATE
		SET name = EXCLUDED.name, base_url = EXCLUDED.base_url;
	`
	for _, site := range sites {
		if strings.TrimSpace(site.Code) == "" {
			return fmt.Errorf("ensure sites: empty site code")
		}
		if _, err := s.pool.Exec(ctx, query, site.Code, site.Name, site.BaseURL); err != nil {
			return fmt.Errorf("ensure site %s: %w", site.Code, err)
		}
	}
	return nil
}

const siteColumns = `id, code, name, COALESCE(base_url, '')`

// SiteByCode returns the site with code or pricing.ErrNotFound.
func (s *Store) SiteByCode(ctx context.Context, code string) (pricing.Site, error) {
	query := `SELECT ` + siteColumns + ` FROM sites WHERE code = $1;`
	var site pricing.Site
	err := s.pool.QueryRow(ctx, query, code).Scan(&site.ID, &site.Code, &site.Name, &site.BaseURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pricing.Site{}, fmt.Errorf("site %q: %w", code, pricing.ErrNotFound)
		}
		return pricing.Site{}, fmt.Errorf("get site: %w", err)
	}
	return site, nil
}

// ListSites returns all sites ordered by code.
func (s *Store) ListSites(ctx context.Context) ([]pricing.Site, error) {
	query := `SELECT ` + siteColumns + ` FROM sites ORDER BY code;`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var sites []pricing.Site
	for rows.Next() {
		var site pricing.Site
		if err := rows.Scan(&site.ID, &site.Code, &site.Name, &site.BaseURL); err != nil {
			return nil, fmt.Errorf("scan site row: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	return sites, nil
}

// WithTx runs fn inside one transaction; fn's error rolls it back.
func (s *Store) WithTx(ctx context.Context, fn func(tx pricing.SnapshotTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(&Tx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
