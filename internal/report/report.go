// Package report renders the top-games view as a table, JSON rows or an
// XLSX workbook.
package report

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/gamestats-cli/internal/model"
)

// DefaultLimit is the number of games in the top-games report.
const DefaultLimit = 100

// Source lists games with their most recent snapshot.
type Source interface {
	TopGames(ctx context.Context, limit int) ([]model.GameWithLatest, error)
}

// Row is one line of the top-games report.
type Row struct {
	Position       int       `json:"position"`
	SteamName      string    `json:"steam_name"`
	SteamAppID     int64     `json:"steam_appid"`
	RankSteam      int       `json:"rank_steam"`
	CurrentPlayers int64     `json:"current_players"`
	PeakToday      int64     `json:"peak_today"`
	TwitchName     string    `json:"twitch_name,omitempty"`
	TwitchViewers  *int64    `json:"twitch_viewers,omitempty"`
	BoxArtURL      string    `json:"box_art_url,omitempty"`
	SteamShopURL   string    `json:"steam_shop_url"`
	SnapshotAt     time.Time `json:"snapshot_at"`
}

// TopGames returns up to limit games ordered by their latest current player
// count, highest first. A non-positive limit uses DefaultLimit.
func TopGames(ctx context.Context, src Source, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	games, err := src.TopGames(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "report: top games")
	}

	rows := make([]Row, 0, len(games))
	for i, g := range games {
		r := Row{
			Position:     i + 1,
			SteamName:    g.SteamName,
			SteamAppID:   g.SteamAppID,
			RankSteam:    g.RankSteam,
			SteamShopURL: g.SteamShopURL,
		}
		if g.TwitchName != nil {
			r.TwitchName = *g.TwitchName
		}
		if g.TwitchBoxArtURL != nil {
			r.BoxArtURL = *g.TwitchBoxArtURL
		}
		if g.Latest != nil {
			r.CurrentPlayers = g.Latest.CurrentPlayers
			r.PeakToday = g.Latest.PeakToday
			r.TwitchViewers = g.Latest.TwitchViewers
			r.SnapshotAt = g.Latest.Timestamp
		}
		rows = append(rows, r)
	}
	return rows, nil
}

var columns = []string{
	"#", "Game", "Steam App ID", "Steam Rank", "Current Players", "Peak Today",
	"Twitch Category", "Twitch Viewers", "Snapshot (UTC)", "Steam URL", "Box Art URL",
}

// WriteTable writes rows as an aligned text table.
func WriteTable(out io.Writer, rows []Row) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "#\tGAME\tPLAYERS\tPEAK\tTWITCH\tVIEWERS")
	_, _ = fmt.Fprintln(w, "-\t----\t-------\t----\t------\t-------")
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\n",
			r.Position,
			truncate(r.SteamName, 40),
			r.CurrentPlayers,
			r.PeakToday,
			truncate(r.TwitchName, 30),
			viewersText(r.TwitchViewers),
		)
	}
	return eris.Wrap(w.Flush(), "report: write table")
}

// WriteXLSX writes rows as a single-sheet workbook.
func WriteXLSX(out io.Writer, rows []Row) error {
	f, err := buildWorkbook(rows)
	if err != nil {
		return err
	}
	if err := f.Write(out); err != nil {
		return eris.Wrap(err, "report: write xlsx")
	}
	return nil
}

// SaveXLSX writes rows as a workbook at path.
func SaveXLSX(path string, rows []Row) error {
	f, err := buildWorkbook(rows)
	if err != nil {
		return err
	}
	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "report: save %s", path)
	}
	return nil
}

func buildWorkbook(rows []Row) (*xlsx.File, error) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Top Games")
	if err != nil {
		return nil, eris.Wrap(err, "report: add sheet")
	}

	header := sheet.AddRow()
	for _, c := range columns {
		header.AddCell().SetString(c)
	}

	for _, r := range rows {
		row := sheet.AddRow()
		row.AddCell().SetInt(r.Position)
		row.AddCell().SetString(r.SteamName)
		row.AddCell().SetInt64(r.SteamAppID)
		row.AddCell().SetInt(r.RankSteam)
		row.AddCell().SetInt64(r.CurrentPlayers)
		row.AddCell().SetInt64(r.PeakToday)
		row.AddCell().SetString(r.TwitchName)
		if r.TwitchViewers != nil {
			row.AddCell().SetInt64(*r.TwitchViewers)
		} else {
			row.AddCell().SetString("")
		}
		if r.SnapshotAt.IsZero() {
			row.AddCell().SetString("")
		} else {
			row.AddCell().SetString(r.SnapshotAt.UTC().Format("2006-01-02 15:04"))
		}
		row.AddCell().SetString(r.SteamShopURL)
		row.AddCell().SetString(r.BoxArtURL)
	}
	return f, nil
}

func viewersText(v *int64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatInt(*v, 10)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
