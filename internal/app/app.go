// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricewatch/internal/adapter"
	"github.com/JakeFAU/pricewatch/internal/api"
	"github.com/JakeFAU/pricewatch/internal/clock/system"
	"github.com/JakeFAU/pricewatch/internal/compare"
	"github.com/JakeFAU/pricewatch/internal/config"
	"github.com/JakeFAU/pricewatch/internal/fetch"
	collyfetch "github.com/JakeFAU/pricewatch/internal/fetch/colly"
	"github.com/JakeFAU/pricewatch/internal/hash/sha256"
	"github.com/JakeFAU/pricewatch/internal/id/uuid"
	"github.com/JakeFAU/pricewatch/internal/lock"
	"github.com/JakeFAU/pricewatch/internal/matcher"
	"github.com/JakeFAU/pricewatch/internal/metrics"
	"github.com/JakeFAU/pricewatch/internal/pricing"
	pubsubpublisher "github.com/JakeFAU/pricewatch/internal/publisher/pubsub"
	"github.com/JakeFAU/pricewatch/internal/ratelimit"
	"github.com/JakeFAU/pricewatch/internal/runner"
	"github.com/JakeFAU/pricewatch/internal/snapshot"
	"github.com/JakeFAU/pricewatch/internal/storage/gcs"
	"github.com/JakeFAU/pricewatch/internal/storage/local"
	memorystore "github.com/JakeFAU/pricewatch/internal/storage/memory"
	"github.com/JakeFAU/pricewatch/internal/storage/postgres"
)

// App holds all the shared, long-lived services for the application.
// It is built once at startup from the loaded configuration and handed to the
// commands that need it.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	store    pricing.Store
	adapters *adapter.Registry
	matcher  *matcher.Matcher
	writer   *snapshot.Writer
	resolver *compare.Resolver
	runner   *runner.Runner
	server   *api.Server
	closers  []func() error
}

// Option customises App construction.
type Option func(*options)

type options struct {
	store     pricing.Store
	transport func(site string) fetch.Transport
}

// WithStore injects a ready store instead of the one selected by db.driver.
func WithStore(store pricing.Store) Option {
	return func(o *options) { o.store = store }
}

// WithTransport overrides the per-site HTTP transport.
func WithTransport(fn func(site string) fetch.Transport) Option {
	return func(o *options) { o.transport = fn }
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetStore exposes the configured persistence.
func (a *App) GetStore() pricing.Store {
	return a.store
}

// GetAdapters exposes the adapter registry.
func (a *App) GetAdapters() *adapter.Registry {
	return a.adapters
}

// GetRunner returns the pass runner.
func (a *App) GetRunner() *runner.Runner {
	return a.runner
}

// GetResolver returns the comparison resolver.
func (a *App) GetResolver() *compare.Resolver {
	return a.resolver
}

// GetServer returns the HTTP API.
func (a *App) GetServer() *api.Server {
	return a.server
}

// New creates and initializes the App from cfg. It fails fast if any critical
// service cannot be initialized, closing whatever it already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logger.Info("initializing application services", zap.String("db_driver", cfg.DB.Driver))

	// 1. Store
	a.store = o.store
	if a.store == nil {
		if a.store, err = openStore(ctx, cfg.DB); err != nil {
			return nil, err
		}
		store := a.store
		a.closers = append(a.closers, func() error { store.Close(); return nil })
	}

	sites := make([]pricing.Site, 0, len(cfg.Sites))
	for _, sc := range cfg.EnabledSites() {
		sites = append(sites, pricing.Site{Code: sc.Code, Name: sc.Name, BaseURL: sc.BaseURL})
	}
	if err = a.store.EnsureSites(ctx, sites); err != nil {
		return nil, fmt.Errorf("ensure sites: %w", err)
	}

	// 2. Parse-miss archive
	archiver, err := a.openArchiver(ctx)
	if err != nil {
		return nil, err
	}

	// 3. Adapters, each with its own bucket, transport and fetch client
	if a.adapters, err = a.buildAdapters(cfg, archiver, o.transport); err != nil {
		return nil, err
	}

	// 4. Passes
	if a.matcher, err = matcher.New(a.store, a.adapters, matcher.Config{
		BatchSize:   cfg.Matcher.BatchSize,
		Parallelism: cfg.Matcher.Parallelism,
	}, logger); err != nil {
		return nil, fmt.Errorf("init matcher: %w", err)
	}

	writerOpts := []snapshot.Option{snapshot.WithIDGenerator(uuid.New()), snapshot.WithCatalog(a.store)}
	topic := ""
	if cfg.PubSub.Enabled {
		pub, perr := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID)
		if perr != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", perr)
		}
		a.closers = append(a.closers, pub.Close)
		writerOpts = append(writerOpts, snapshot.WithPublisher(pub))
		topic = cfg.Snapshot.Topic
		logger.Info("publishing price changes", zap.String("project", cfg.PubSub.ProjectID), zap.String("topic", topic))
	}
	if a.writer, err = snapshot.New(a.store, a.adapters, system.New(), snapshot.Config{
		ChunkSize: cfg.Snapshot.ChunkSize,
		Tolerance: cfg.Snapshot.Tolerance,
		Retention: snapshot.Retention{MaxAge: cfg.Retention.MaxAge, KeepLatest: cfg.Retention.KeepLatest},
		Topic:     topic,
	}, logger, writerOpts...); err != nil {
		return nil, fmt.Errorf("init snapshot writer: %w", err)
	}

	if a.resolver, err = compare.New(a.store, a.store, cfg.Snapshot.Tolerance, logger); err != nil {
		return nil, fmt.Errorf("init resolver: %w", err)
	}

	// 5. Locks and runner
	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		rl, lerr := lock.NewRedis(ctx, lock.RedisConfig{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if lerr != nil {
			return nil, fmt.Errorf("init redis lock: %w", lerr)
		}
		a.closers = append(a.closers, rl.Close)
		locker = rl
		logger.Info("using redis pass locks", zap.String("addr", cfg.Redis.Addr))
	}
	if a.runner, err = runner.New(a.matcher, a.writer, locker, a.adapters.Codes, runner.Config{
		LockTTL:       cfg.Redis.LockTTL,
		MatchLimit:    cfg.Scheduler.MatchLimit,
		SnapshotLimit: cfg.Scheduler.SnapshotLimit,
	}, logger); err != nil {
		return nil, fmt.Errorf("init runner: %w", err)
	}

	// 6. HTTP API
	a.server = api.NewServer(a.runner, a.resolver, a.store, cfg, logger)

	logger.Info("application services initialized", zap.Strings("sites", a.adapters.Codes()))
	return a, nil
}

func openStore(ctx context.Context, cfg config.DBConfig) (pricing.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return memorystore.NewStore(nil), nil
	case "postgres":
		store, err := postgres.NewStore(ctx, postgres.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown db driver: %s", cfg.Driver)
	}
}

func (a *App) openArchiver(ctx context.Context) (*adapter.Archiver, error) {
	cfg := a.cfg.Archive
	var blobs pricing.BlobStore
	switch cfg.Driver {
	case "", "none":
		a.logger.Info("parse-miss archive disabled")
		return nil, nil
	case "memory":
		blobs = memorystore.NewBlobStore()
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		blobs = store
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		blobs = store
	default:
		return nil, fmt.Errorf("unknown archive driver: %s", cfg.Driver)
	}
	a.logger.Info("archiving parse misses", zap.String("driver", cfg.Driver))
	archiver, err := adapter.NewArchiver(blobs, sha256.New(), cfg.Prefix)
	if err != nil {
		return nil, fmt.Errorf("init archiver: %w", err)
	}
	return archiver, nil
}

func (a *App) buildAdapters(
	cfg config.Config,
	archiver *adapter.Archiver,
	transportFor func(site string) fetch.Transport,
) (*adapter.Registry, error) {
	registry := adapter.NewRegistry()
	for _, sc := range cfg.EnabledSites() {
		limits := SiteLimits(sc)
		code := sc.Code
		bucket, err := ratelimit.NewBucket(limits.Rate, limits.Burst, ratelimit.WithWaitObserver(func(d time.Duration) {
			metrics.ObserveRateLimitWait(code, d)
		}))
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", code, err)
		}

		var transport fetch.Transport
		if transportFor != nil {
			transport = transportFor(code)
		}
		if transport == nil {
			transport = collyfetch.New(collyfetch.Config{
				UserAgent:      cfg.HTTP.UserAgent,
				AcceptLanguage: cfg.HTTP.AcceptLanguage,
				RespectRobots:  cfg.HTTP.RespectRobots,
				ConnectTimeout: cfg.HTTP.ConnectTimeout,
				Timeout:        cfg.HTTP.Timeout,
			})
		}

		client, err := fetch.NewClient(fetch.Config{
			Site:        code,
			Concurrency: limits.Concurrency,
			Timeout:     cfg.HTTP.Timeout,
			JitterMin:   cfg.HTTP.JitterMin,
			JitterMax:   cfg.HTTP.JitterMax,
			Retry: fetch.RetryPolicy{
				MaxAttempts: cfg.HTTP.MaxAttempts,
				Base:        cfg.HTTP.BackoffBase,
				Max:         cfg.HTTP.BackoffMax,
			},
		}, transport, bucket, a.logger)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", code, err)
		}

		built, err := adapter.Build(code, adapter.Deps{
			BaseURL:  sc.BaseURL,
			Fetcher:  client,
			Archiver: archiver,
			Logger:   a.logger,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(built, limits); err != nil {
			return nil, err
		}
		a.logger.Debug("adapter ready",
			zap.String("site", code),
			zap.Float64("rate", limits.Rate),
			zap.Int("burst", limits.Burst),
			zap.Int("concurrency", limits.Concurrency),
		)
	}
	return registry, nil
}

// SiteLimits merges a site's configured limits over the adapter defaults.
func SiteLimits(sc config.SiteConfig) adapter.Limits {
	limits := adapter.DefaultLimits(sc.Code)
	if sc.Rate > 0 {
		limits.Rate = sc.Rate
	}
	if sc.Burst > 0 {
		limits.Burst = sc.Burst
	}
	if sc.Concurrency > 0 {
		limits.Concurrency = sc.Concurrency
	}
	return limits
}

// Close shuts down the services in reverse order of creation.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing services", zap.Error(err))
	}
}
