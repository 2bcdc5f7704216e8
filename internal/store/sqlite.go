package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/gamestats-cli/internal/db"
	"github.com/sells-group/gamestats-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS games (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	steam_name         TEXT NOT NULL UNIQUE,
	steam_appid        INTEGER NOT NULL,
	rank_steam         INTEGER NOT NULL,
	steam_shop_url     TEXT NOT NULL DEFAULT '',
	twitch_game_id     TEXT,
	twitch_name        TEXT,
	twitch_box_art_url TEXT,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS game_hourly_stats (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	game_id         INTEGER NOT NULL REFERENCES games(id) ON DELETE CASCADE,
	current_players INTEGER NOT NULL DEFAULT 0,
	peak_today      INTEGER NOT NULL DEFAULT 0,
	rank            INTEGER,
	twitch_viewers  INTEGER,
	timestamp       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'running',
	harvest_status TEXT NOT NULL DEFAULT '',
	harvested      INTEGER NOT NULL DEFAULT 0,
	success_count  INTEGER NOT NULL DEFAULT 0,
	fail_count     INTEGER NOT NULL DEFAULT 0,
	error          TEXT,
	started_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at   DATETIME
);

CREATE INDEX IF NOT EXISTS idx_games_steam_appid ON games(steam_appid);
CREATE INDEX IF NOT EXISTS idx_game_hourly_stats_game_ts ON game_hourly_stats(game_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_sync_runs_kind_started ON sync_runs(kind, started_at DESC);
`

var (
	sqliteUpsertGame = mustUpsertSQL(db.SQLite, false)

	sqliteSelectGame = `SELECT ` + strings.Join(gameColumns, ", ") + ` FROM games WHERE steam_name = ?`

	sqliteGameWithLatest = `SELECT g.id, g.steam_name, g.steam_appid, g.rank_steam, g.steam_shop_url,
		g.twitch_game_id, g.twitch_name, g.twitch_box_art_url, g.created_at, g.updated_at,
		s.id, s.current_players, s.peak_today, s.rank, s.twitch_viewers, s.timestamp
		FROM games g
		%s JOIN game_hourly_stats s ON s.id = (
			SELECT id FROM game_hourly_stats WHERE game_id = g.id
			ORDER BY timestamp DESC, id DESC LIMIT 1
		)`
)

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// WithTx implements Store. The transaction is bound to a dedicated
// connection so MaxWait only covers acquiring it.
func (s *SQLiteStore) WithTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx Tx) error) error {
	opts = opts.withDefaults()

	waitCtx, cancelWait := context.WithTimeout(ctx, opts.MaxWait)
	conn, err := s.db.Conn(waitCtx)
	cancelWait()
	if err != nil {
		return eris.Wrap(err, "sqlite: acquire conn")
	}
	defer conn.Close()

	txCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	tx, err := conn.BeginTx(txCtx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}

	rollback := func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			zap.L().Warn("sqlite: rollback failed", zap.Error(rbErr))
		}
	}
	defer func() {
		if p := recover(); p != nil {
			rollback()
			panic(p)
		}
	}()

	if err := fn(txCtx, &sqliteTx{q: tx}); err != nil {
		rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit tx")
	}
	return nil
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTx struct {
	q sqlQuerier
}

// UpsertGame re-reads the row instead of using RETURNING: the driver only
// decodes DATETIME columns that carry a declared type.
func (t *sqliteTx) UpsertGame(ctx context.Context, u model.GameUpsert) (*model.Game, error) {
	if _, err := t.q.ExecContext(ctx, sqliteUpsertGame, gameUpsertArgs(u, time.Now().UTC())...); err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert game %q", u.SteamName)
	}
	g, err := sqliteFindGame(ctx, t.q, u.SteamName)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, eris.Errorf("sqlite: upserted game %q not found", u.SteamName)
	}
	return g, nil
}

func (t *sqliteTx) AppendSnapshot(ctx context.Context, snap model.Snapshot) (int64, error) {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO game_hourly_stats (game_id, current_players, peak_today, rank, twitch_viewers, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		snap.GameID, snap.CurrentPlayers, snap.PeakToday, snap.Rank, snap.TwitchViewers, snapshotTimestamp(snap),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: append snapshot for game %d", snap.GameID)
	}
	id, err := res.LastInsertId()
	return id, eris.Wrap(err, "sqlite: snapshot id")
}

func (t *sqliteTx) FindGameByNaturalKey(ctx context.Context, key string) (*model.Game, error) {
	return sqliteFindGame(ctx, t.q, key)
}

func sqliteFindGame(ctx context.Context, q sqlQuerier, key string) (*model.Game, error) {
	g, err := scanGame(q.QueryRowContext(ctx, sqliteSelectGame, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: find game %q", key)
	}
	return g, nil
}

func (s *SQLiteStore) FindGameByNaturalKey(ctx context.Context, key string) (*model.Game, error) {
	return sqliteFindGame(ctx, s.db, key)
}

func (s *SQLiteStore) TopGames(ctx context.Context, limit int) ([]model.GameWithLatest, error) {
	query := strings.Replace(sqliteGameWithLatest, "%s", "INNER", 1) +
		` ORDER BY s.current_players DESC, g.id LIMIT ?`
	return s.queryGamesWithLatest(ctx, "top games", query, listLimit(limit))
}

func (s *SQLiteStore) ListMatchedGames(ctx context.Context, limit int) ([]model.GameWithLatest, error) {
	query := strings.Replace(sqliteGameWithLatest, "%s", "LEFT", 1) +
		` WHERE g.twitch_game_id IS NOT NULL ORDER BY g.rank_steam, g.id LIMIT ?`
	return s.queryGamesWithLatest(ctx, "list matched games", query, listLimit(limit))
}

func (s *SQLiteStore) queryGamesWithLatest(ctx context.Context, op, query string, args ...any) ([]model.GameWithLatest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close()

	var games []model.GameWithLatest
	for rows.Next() {
		g, err := scanGameWithLatest(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", op)
		}
		games = append(games, *g)
	}
	return games, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

func (s *SQLiteStore) CountSnapshots(ctx context.Context, gameID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM game_hourly_stats WHERE game_id = ?`, gameID).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: count snapshots for game %d", gameID)
	}
	return n, nil
}

func (s *SQLiteStore) StartRun(ctx context.Context, kind model.RunKind) (*model.SyncRun, error) {
	run := &model.SyncRun{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, kind, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, string(run.Kind), string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: start %s run", kind)
	}
	return run, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, result model.RunResult) error {
	return s.finishRun(ctx, runID, model.RunStatusComplete, result, nil)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, result model.RunResult, errMsg string) error {
	return s.finishRun(ctx, runID, model.RunStatusFailed, result, &errMsg)
}

func (s *SQLiteStore) finishRun(ctx context.Context, runID string, status model.RunStatus, result model.RunResult, errMsg *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs
		 SET status = ?, harvest_status = ?, harvested = ?, success_count = ?, fail_count = ?,
		     error = ?, completed_at = ?
		 WHERE id = ?`,
		string(status), result.HarvestStatus, result.Harvested, result.SuccessCount, result.FailCount,
		errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.SyncRun, error) {
	query := `SELECT id, kind, status, harvest_status, harvested, success_count, fail_count, error, started_at, completed_at
		FROM sync_runs WHERE 1=1`
	var args []any
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.SyncRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
