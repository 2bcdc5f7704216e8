package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/gamestats-cli/internal/harvest"
	"github.com/sells-group/gamestats-cli/internal/model"
)

var harvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Harvest the most-played chart and print it without syncing",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("harvest"); err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		h, err := initHarvester()
		if err != nil {
			return err
		}

		res := h.Harvest(ctx)
		if res.Status == harvest.StatusFailed {
			return res.Err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res.Entries)
		}
		formatEntries(os.Stdout, res.Entries)
		return nil
	},
}

func init() {
	harvestCmd.Flags().Bool("json", false, "print entries as JSON")
	rootCmd.AddCommand(harvestCmd)
}

// formatEntries writes harvested entries in chart order.
func formatEntries(out io.Writer, entries []model.HarvestedEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RANK\tNAME\tAPPID\tCURRENT\tPEAK")
	_, _ = fmt.Fprintln(w, "----\t----\t-----\t-------\t----")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\n",
			e.Rank,
			truncateName(e.Name, 40),
			e.SteamAppID,
			e.CurrentPlayers,
			e.PeakToday,
		)
	}
	_ = w.Flush()
}
