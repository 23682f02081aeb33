package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	extractSince   time.Duration
	extractSession string
	extractForce   bool
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract knowledge entries from past conversations",
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

		var result interface{}
		if extractSession != "" {
			result, err = app.learning.ExtractKnowledgeFromConversation(cmd.Context(), extractSession, extractForce)
		} else {
			result, err = app.learning.ProcessRecent(cmd.Context(), time.Now().Add(-extractSince))
		}
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	extractCmd.Flags().DurationVar(&extractSince, "since", 24*time.Hour, "process conversations updated within this duration")
	extractCmd.Flags().StringVar(&extractSession, "session", "", "extract from a single conversation")
	extractCmd.Flags().BoolVar(&extractForce, "force", false, "re-extract even if the conversation was already processed")
	rootCmd.AddCommand(extractCmd)
}
