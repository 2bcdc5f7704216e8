package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var viewersCmd = &cobra.Command{
	Use:   "viewers",
	Short: "Maintain Twitch viewer counts",
}

var viewersRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-read live viewers for matched games without harvesting",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		env, err := initPipeline(ctx, "refresh", false)
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Pipeline.RefreshViewers(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "viewers refresh")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		}
		fmt.Fprintf(os.Stdout, "Run %s: %d refreshed, %d failed\n", truncateID(rep.RunID), rep.SuccessCount, rep.FailCount)
		if len(rep.Outcomes) > 0 {
			formatOutcomes(os.Stdout, rep.Outcomes)
		}
		return nil
	},
}

func init() {
	viewersRefreshCmd.Flags().Int("limit", 100, "max number of matched games to refresh")
	viewersRefreshCmd.Flags().Bool("json", false, "print the refresh report as JSON")

	viewersCmd.AddCommand(viewersRefreshCmd)
	rootCmd.AddCommand(viewersCmd)
}
