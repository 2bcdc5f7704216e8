// Package store persists games, their hourly snapshots and the sync run log.
package store

import (
	"context"
	"time"

	"github.com/sells-group/gamestats-cli/internal/db"
	"github.com/sells-group/gamestats-cli/internal/model"
)

// TxOptions bounds a unit of work.
type TxOptions struct {
	// MaxWait bounds acquiring a connection and beginning the transaction.
	MaxWait time.Duration
	// Timeout bounds the work function plus commit.
	Timeout time.Duration
}

// DefaultTxOptions returns the bounds used for one sync batch.
func DefaultTxOptions() TxOptions {
	return TxOptions{MaxWait: 30 * time.Second, Timeout: 30 * time.Second}
}

func (o TxOptions) withDefaults() TxOptions {
	d := DefaultTxOptions()
	if o.MaxWait <= 0 {
		o.MaxWait = d.MaxWait
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	return o
}

// RunFilter specifies criteria for listing sync runs.
type RunFilter struct {
	Kind  model.RunKind `json:"kind,omitempty"`
	Limit int           `json:"limit,omitempty"`
}

// Tx is the write surface available inside WithTx. Every write either
// commits with the rest of the unit or not at all.
type Tx interface {
	UpsertGame(ctx context.Context, u model.GameUpsert) (*model.Game, error)
	AppendSnapshot(ctx context.Context, s model.Snapshot) (int64, error)
	FindGameByNaturalKey(ctx context.Context, key string) (*model.Game, error)
}

// Store defines the persistence interface for the harvest and sync pipeline.
type Store interface {
	// WithTx runs fn in a transaction, committing when fn returns nil and
	// rolling back on error or panic.
	WithTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx Tx) error) error

	// Games
	FindGameByNaturalKey(ctx context.Context, key string) (*model.Game, error)
	TopGames(ctx context.Context, limit int) ([]model.GameWithLatest, error)
	ListMatchedGames(ctx context.Context, limit int) ([]model.GameWithLatest, error)
	CountSnapshots(ctx context.Context, gameID int64) (int, error)

	// Run log
	StartRun(ctx context.Context, kind model.RunKind) (*model.SyncRun, error)
	CompleteRun(ctx context.Context, runID string, result model.RunResult) error
	FailRun(ctx context.Context, runID string, result model.RunResult, errMsg string) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.SyncRun, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

// gameColumns is the column order used by every games SELECT and RETURNING.
var gameColumns = []string{
	"id", "steam_name", "steam_appid", "rank_steam", "steam_shop_url",
	"twitch_game_id", "twitch_name", "twitch_box_art_url", "created_at", "updated_at",
}

var gameUpsertConfig = db.UpsertConfig{
	Table: "games",
	Columns: []string{
		"steam_name", "steam_appid", "rank_steam", "steam_shop_url",
		"twitch_game_id", "twitch_name", "twitch_box_art_url", "created_at", "updated_at",
	},
	ConflictKeys: []string{"steam_name"},
	UpdateCols: []string{
		"steam_appid", "rank_steam", "steam_shop_url",
		"twitch_game_id", "twitch_name", "twitch_box_art_url", "updated_at",
	},
	Returning: gameColumns,
}

func mustUpsertSQL(d db.Dialect, returning bool) string {
	cfg := gameUpsertConfig
	if !returning {
		cfg.Returning = nil
	}
	sql, err := db.UpsertSQL(cfg, d)
	if err != nil {
		panic(err)
	}
	return sql
}

func gameUpsertArgs(u model.GameUpsert, now time.Time) []any {
	return []any{
		u.SteamName, u.SteamAppID, u.RankSteam, u.SteamShopURL,
		u.TwitchGameID, u.TwitchName, u.TwitchBoxArtURL, now, now,
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanGame(row scannable) (*model.Game, error) {
	var g model.Game
	if err := row.Scan(
		&g.ID, &g.SteamName, &g.SteamAppID, &g.RankSteam, &g.SteamShopURL,
		&g.TwitchGameID, &g.TwitchName, &g.TwitchBoxArtURL, &g.CreatedAt, &g.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &g, nil
}

// scanGameWithLatest scans gameColumns followed by the latest snapshot's
// id, current_players, peak_today, rank, twitch_viewers and timestamp, all
// of which may be NULL when the game has no snapshot.
func scanGameWithLatest(row scannable) (*model.GameWithLatest, error) {
	var (
		g       model.GameWithLatest
		snapID  *int64
		current *int64
		peak    *int64
		rank    *int
		viewers *int64
		ts      *time.Time
	)
	if err := row.Scan(
		&g.ID, &g.SteamName, &g.SteamAppID, &g.RankSteam, &g.SteamShopURL,
		&g.TwitchGameID, &g.TwitchName, &g.TwitchBoxArtURL, &g.CreatedAt, &g.UpdatedAt,
		&snapID, &current, &peak, &rank, &viewers, &ts,
	); err != nil {
		return nil, err
	}
	if snapID != nil {
		s := &model.Snapshot{ID: *snapID, GameID: g.ID, Rank: rank, TwitchViewers: viewers}
		if current != nil {
			s.CurrentPlayers = *current
		}
		if peak != nil {
			s.PeakToday = *peak
		}
		if ts != nil {
			s.Timestamp = *ts
		}
		g.Latest = s
	}
	return &g, nil
}

func snapshotTimestamp(s model.Snapshot) time.Time {
	if s.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return s.Timestamp.UTC()
}
