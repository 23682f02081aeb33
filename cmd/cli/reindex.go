package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var reindexSince time.Duration

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Index WordPress posts and WooCommerce products into the knowledge base",
	Long: `Fetch published content from the configured WordPress site and rebuild
the generated knowledge entries. Without --since every item is re-indexed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		app, err := newApplication(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()

		if !app.indexer.Enabled() {
			return fmt.Errorf("indexer is disabled, set indexer.enabled and indexer.base_url")
		}

		var since time.Time
		if reindexSince > 0 {
			since = time.Now().Add(-reindexSince)
		}
		report, err := app.indexer.Reindex(cmd.Context(), since)
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	reindexCmd.Flags().DurationVar(&reindexSince, "since", 0, "only index content modified within this duration (e.g. 24h)")
	rootCmd.AddCommand(reindexCmd)
}
