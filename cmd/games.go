package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/gamestats-cli/internal/report"
)

var gamesCmd = &cobra.Command{
	Use:   "games",
	Short: "Report on synced games",
}

// -- games top --

var gamesTopCmd = &cobra.Command{
	Use:   "top",
	Short: "List games by latest current player count",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		rows, err := report.TopGames(ctx, st, limit)
		if err != nil {
			return eris.Wrap(err, "games top")
		}
		if len(rows) == 0 {
			fmt.Fprintln(os.Stderr, "No games found.")
			return nil
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		}
		return report.WriteTable(os.Stdout, rows)
	},
}

// -- games export --

var gamesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the top games report to an XLSX workbook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			return eris.New("games export: --out is required")
		}
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rows, err := report.TopGames(ctx, st, limit)
		if err != nil {
			return eris.Wrap(err, "games export")
		}
		if err := report.SaveXLSX(out, rows); err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "Wrote %d games to %s\n", len(rows), out)
		return nil
	},
}

func init() {
	gamesTopCmd.Flags().Int("limit", report.DefaultLimit, "max number of games")
	gamesTopCmd.Flags().Bool("json", false, "print as JSON")

	gamesExportCmd.Flags().String("out", "", "output .xlsx path")
	gamesExportCmd.Flags().Int("limit", report.DefaultLimit, "max number of games")

	gamesCmd.AddCommand(gamesTopCmd)
	gamesCmd.AddCommand(gamesExportCmd)
	rootCmd.AddCommand(gamesCmd)
}
