// Package runner drives matching and snapshot passes across sites.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pricewatch/internal/lock"
	"github.com/JakeFAU/pricewatch/internal/logging"
	"github.com/JakeFAU/pricewatch/internal/matcher"
	"github.com/JakeFAU/pricewatch/internal/pricing"
	"github.com/JakeFAU/pricewatch/internal/snapshot"
)

// Pass kinds, also used in lock keys.
const (
	KindMatch    = "match"
	KindSnapshot = "snapshot"
)

// Matcher runs matching passes.
type Matcher interface {
	Run(ctx context.Context, siteCode string, limit int) (matcher.Result, error)
}

// Snapshotter runs snapshot passes.
type Snapshotter interface {
	RunPass(ctx context.Context, siteCode string, limit int) (int, error)
	RefreshFiltered(ctx context.Context, siteCode string, filter pricing.ItemFilter) (snapshot.FilteredResult, error)
}

// Config tunes the runner.
type Config struct {
	LockTTL       time.Duration
	MatchLimit    int
	SnapshotLimit int
}

// SiteReport summarises one site within RunAll.
type SiteReport struct {
	Site     string         `json:"site"`
	Match    matcher.Result `json:"match"`
	Written  int            `json:"written"`
	Skipped  bool           `json:"skipped,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Runner serialises passes per (kind, site) through a Locker and fans out
// all-sites runs with one goroutine per site.
type Runner struct {
	matcher  Matcher
	snapshot Snapshotter
	locker   lock.Locker
	sites    func() []string
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Runner. sites lists the site codes RunAll visits.
func New(m Matcher, s Snapshotter, locker lock.Locker, sites func() []string, cfg Config, logger *zap.Logger) (*Runner, error) {
	if m == nil || s == nil {
		return nil, errors.New("runner: matcher and snapshotter are required")
	}
	if sites == nil {
		return nil, errors.New("runner: site source is required")
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		matcher:  m,
		snapshot: s,
		locker:   locker,
		sites:    sites,
		cfg:      cfg,
		logger:   logger.Named("runner"),
	}, nil
}

// Match runs one matching pass on site while holding its match lock.
func (r *Runner) Match(ctx context.Context, site string, limit int) (matcher.Result, error) {
	var res matcher.Result
	err := r.withLock(ctx, KindMatch, site, func(ctx context.Context) error {
		var err error
		res, err = r.matcher.Run(ctx, site, limit)
		return err
	})
	return res, err
}

// Snapshot runs one snapshot pass on site while holding its snapshot lock.
func (r *Runner) Snapshot(ctx context.Context, site string, limit int) (int, error) {
	var written int
	err := r.withLock(ctx, KindSnapshot, site, func(ctx context.Context) error {
		var err error
		written, err = r.snapshot.RunPass(ctx, site, limit)
		return err
	})
	return written, err
}

// RefreshFiltered refreshes the filtered catalog items of site while holding
// its snapshot lock.
func (r *Runner) RefreshFiltered(ctx context.Context, site string, filter pricing.ItemFilter) (snapshot.FilteredResult, error) {
	var res snapshot.FilteredResult
	err := r.withLock(ctx, KindSnapshot, site, func(ctx context.Context) error {
		var err error
		res, err = r.snapshot.RefreshFiltered(ctx, site, filter)
		return err
	})
	return res, err
}

// RunAll matches then refreshes every site, sites running concurrently. A
// failing site does not stop the others; the joined error lists every failure.
func (r *Runner) RunAll(ctx context.Context) ([]SiteReport, error) {
	sites := r.sites()
	reports := make([]SiteReport, len(sites))
	var wg sync.WaitGroup
	for i, site := range sites {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = r.runSite(ctx, site)
		}()
	}
	wg.Wait()

	var errs []error
	for _, rep := range reports {
		if rep.Error != "" {
			errs = append(errs, fmt.Errorf("%s: %s", rep.Site, rep.Error))
		}
	}
	return reports, errors.Join(errs...)
}

func (r *Runner) runSite(ctx context.Context, site string) (rep SiteReport) {
	start := time.Now()
	rep.Site = site
	defer func() { rep.Duration = time.Since(start) }()

	res, err := r.Match(ctx, site, r.cfg.MatchLimit)
	rep.Match = res
	if err != nil && !errors.Is(err, lock.ErrHeld) {
		rep.Error = err.Error()
		return rep
	}
	rep.Skipped = errors.Is(err, lock.ErrHeld)

	written, err := r.Snapshot(ctx, site, r.cfg.SnapshotLimit)
	rep.Written = written
	switch {
	case errors.Is(err, lock.ErrHeld):
		rep.Skipped = true
	case err != nil:
		rep.Error = err.Error()
	}
	return rep
}

// Loop runs RunAll every interval until ctx ends. A run still in progress when
// the ticker fires delays the next one.
func (r *Runner) Loop(ctx context.Context, interval time.Duration, runOnStart bool) {
	if interval <= 0 {
		r.logger.Warn("scheduler disabled: non-positive interval")
		return
	}
	run := func() {
		reports, err := r.RunAll(ctx)
		fields := []zap.Field{zap.Int("sites", len(reports))}
		if err != nil {
			r.logger.Warn("scheduled run finished with errors", append(fields, zap.Error(err))...)
			return
		}
		r.logger.Info("scheduled run finished", fields...)
	}
	if runOnStart {
		run()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

func (r *Runner) withLock(ctx context.Context, kind, site string, fn func(context.Context) error) error {
	logger := logging.ForPass(r.logger, kind, site, "")
	lease, err := r.locker.Acquire(ctx, lock.Key(kind, site), r.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			logger.Info("pass skipped: lock held elsewhere")
		}
		return err
	}
	defer func() {
		// Release must outlive a cancelled pass context.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			logger.Warn("release lock", zap.Error(err))
		}
	}()
	return fn(ctx)
}
