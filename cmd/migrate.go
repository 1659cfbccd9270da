package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricewatch/internal/config"
	"github.com/JakeFAU/pricewatch/internal/storage/postgres"
)

type migrator interface {
	Migrate(ctx context.Context) error
	Close()
}

// openMigrator is swapped in tests.
var openMigrator = func(ctx context.Context, cfg config.DBConfig) (migrator, error) {
	return postgres.NewStore(ctx, postgres.Config{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
}

// newMigrateCmd creates the 'migrate' subcommand. It runs before the App is
// built because the App seeds sites into tables the migration creates.
func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:         "migrate",
		Short:       "Apply the Postgres schema",
		Annotations: map[string]string{skipApp: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.cfg.DB.Driver != "postgres" {
				return errors.New("migrate requires db.driver=postgres")
			}
			store, err := openMigrator(cmd.Context(), opts.cfg.DB)
			if err != nil {
				return fmt.Errorf("open postgres: %w", err)
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			opts.logger.Info("schema applied", zap.String("driver", opts.cfg.DB.Driver))
			return nil
		},
	}
}
