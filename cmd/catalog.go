package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricewatch/internal/pricing"
)

// newCatalogCmd groups catalog maintenance commands.
func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Maintain the catalog items tracked against competitors",
	}
	cmd.AddCommand(newCatalogImportCmd())
	return cmd
}

func newCatalogImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Upsert catalog items from a JSON array, keyed by sku",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read catalog file: %w", err)
			}
			var items []pricing.CatalogItem
			if err := json.Unmarshal(data, &items); err != nil {
				return fmt.Errorf("decode catalog file: %w", err)
			}
			for i, item := range items {
				if item.SKU == "" {
					return fmt.Errorf("catalog item %d has no sku", i)
				}
			}
			n, err := appInstance.GetStore().UpsertCatalogItems(cmd.Context(), items)
			if err != nil {
				return fmt.Errorf("upsert catalog items: %w", err)
			}
			logger := appInstance.GetLogger()
			if appInstance.Config().DB.Driver != "postgres" {
				logger.Warn("catalog imported into the in-memory store; it is lost when the process exits")
			}
			logger.Info("catalog imported", zap.Int("items", len(items)), zap.Int("upserted", n))
			return writeJSON(cmd.OutOrStdout(), map[string]int{"upserted": n})
		},
	}
}
