package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/gamestats-cli/internal/gamesync"
	"github.com/sells-group/gamestats-cli/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Harvest the chart once and sync it to the store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		asJSON, _ := cmd.Flags().GetBool("json")

		env, err := initPipeline(ctx, "sync", dryRun)
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Pipeline.HarvestAndSync(ctx)
		if err != nil {
			return eris.Wrap(err, "run")
		}

		zap.L().Info("run complete",
			zap.String("run_id", rep.RunID),
			zap.String("harvest_status", string(rep.HarvestStatus)),
			zap.Int("success", rep.SuccessCount),
			zap.Int("failed", rep.FailCount),
			zap.Duration("duration", rep.Duration),
		)

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		}
		formatRunReport(os.Stdout, rep)
		return nil
	},
}

func init() {
	runCmd.Flags().Bool("dry-run", false, "use an in-memory store; nothing is persisted")
	runCmd.Flags().Bool("json", false, "print the run report as JSON")
	rootCmd.AddCommand(runCmd)
}

// formatRunReport writes a run summary followed by one line per entry.
func formatRunReport(out io.Writer, rep *gamesync.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", rep.RunID)
	_, _ = fmt.Fprintf(w, "Harvest:\t%s (%d entries)\n", rep.HarvestStatus, rep.Harvested)
	if rep.HarvestError != "" {
		_, _ = fmt.Fprintf(w, "Harvest error:\t%s\n", rep.HarvestError)
	}
	_, _ = fmt.Fprintf(w, "Synced:\t%d\n", rep.SuccessCount)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", rep.FailCount)
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", rep.Duration.Round(time.Millisecond))
	_ = w.Flush()

	if len(rep.Outcomes) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	formatOutcomes(out, rep.Outcomes)
}

// formatOutcomes writes a tabular list of per-entry outcomes to out.
func formatOutcomes(out io.Writer, outcomes []model.EntryOutcome) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STEAM\tOUTCOME\tTWITCH\tVIEWERS\tDETAIL")
	_, _ = fmt.Fprintln(w, "-----\t-------\t------\t-------\t------")
	for _, o := range outcomes {
		viewers := "-"
		if o.Viewers != nil {
			viewers = strconv.FormatInt(*o.Viewers, 10)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateName(o.SteamName, 40),
			o.Kind,
			truncateName(o.TwitchName, 40),
			viewers,
			o.Reason,
		)
	}
	_ = w.Flush()
}

func truncateName(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
