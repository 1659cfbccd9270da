package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricewatch/internal/lock"
)

type passFlags struct {
	site  string
	limit int
}

func (f *passFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.site, "site", "", "competitor site code")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "maximum items to process (0 = all)")
	_ = cmd.MarkFlagRequired("site")
}

// newMatchCmd creates the 'match' subcommand.
func newMatchCmd() *cobra.Command {
	flags := &passFlags{}
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Match unmatched catalog items against one site",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.Runner().Match(cmd.Context(), flags.site, flags.limit)
			if err := passOutcome(appInstance.GetLogger(), "match", flags.site, err); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	flags.register(cmd)
	return cmd
}

// newSnapshotCmd creates the 'snapshot' subcommand.
func newSnapshotCmd() *cobra.Command {
	flags := &passFlags{}
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Refresh matched listings on one site and record price changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			written, err := appInstance.Runner().Snapshot(cmd.Context(), flags.site, flags.limit)
			if err := passOutcome(appInstance.GetLogger(), "snapshot", flags.site, err); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]int{"written": written})
		},
	}
	flags.register(cmd)
	return cmd
}

// newRunCmd creates the 'run' subcommand: match then snapshot every site once.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Match and refresh every enabled site once (cron friendly)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			reports, runErr := appInstance.Runner().RunAll(cmd.Context())
			if err := writeJSON(cmd.OutOrStdout(), reports); err != nil {
				return err
			}
			if runErr != nil {
				return fmt.Errorf("run: %w", runErr)
			}
			return nil
		},
	}
}

// passOutcome treats a held lock as a clean skip.
func passOutcome(logger *zap.Logger, kind, site string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lock.ErrHeld):
		logger.Info("pass already running elsewhere", zap.String("pass", kind), zap.String("site", site))
		return nil
	default:
		return fmt.Errorf("%s %s: %w", kind, site, err)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
