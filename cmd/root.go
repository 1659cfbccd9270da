// Package cmd defines and implements the CLI commands for the pricewatch executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricewatch/internal/app"
	"github.com/JakeFAU/pricewatch/internal/config"
	"github.com/JakeFAU/pricewatch/internal/logging"
	"github.com/JakeFAU/pricewatch/internal/matcher"
	"github.com/JakeFAU/pricewatch/internal/pricing"
	"github.com/JakeFAU/pricewatch/internal/runner"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// skipApp marks commands that run without the application container.
const skipApp = "skip-app"

// Runner is the pass surface commands drive.
type Runner interface {
	Match(ctx context.Context, site string, limit int) (matcher.Result, error)
	Snapshot(ctx context.Context, site string, limit int) (int, error)
	RunAll(ctx context.Context) ([]runner.SiteReport, error)
	Loop(ctx context.Context, interval time.Duration, runOnStart bool)
}

// App defines the application interface that commands use, so tests can inject
// a fake.
type App interface {
	Close()
	Config() config.Config
	GetLogger() *zap.Logger
	GetStore() pricing.Store
	Runner() Runner
	Handler() http.Handler
}

type containerApp struct {
	*app.App
}

func (c containerApp) Runner() Runner {
	return c.GetRunner()
}

func (c containerApp) Handler() http.Handler {
	return c.GetServer().Handler()
}

// newApp is the application factory. It is a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return containerApp{a}, nil
}

// loadConfig is swapped in tests.
var loadConfig = config.Load

type rootOptions struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "pricewatch",
		Short: "Competitor price tracking for the retail catalog.",
		Long: `pricewatch matches catalog items to listings on competitor e-commerce
sites, refreshes their prices under per-site rate limits, keeps a bounded
price history and serves the comparison views over HTTP.`,
		SilenceUsage: true,

		// Config and logger are built for every command; the App container only
		// for commands that need it.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			opts.cfg, opts.logger = cfg, logger

			if cmd.Annotations[skipApp] == "true" {
				return nil
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(
		newServeCmd(),
		newMatchCmd(),
		newSnapshotCmd(),
		newRunCmd(),
		newMigrateCmd(opts),
		newCatalogCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "pricewatch:", err)
		stop()
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
