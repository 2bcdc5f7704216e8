package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gamestats-cli/internal/db"
	"github.com/sells-group/gamestats-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var (
	pgUpsertGame = mustUpsertSQL(db.Postgres, true)

	pgSelectGame = `SELECT ` + strings.Join(gameColumns, ", ") + ` FROM games WHERE steam_name = $1`

	pgInsertSnapshot = `INSERT INTO game_hourly_stats (game_id, current_players, peak_today, rank, twitch_viewers, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`

	pgGameWithLatest = `SELECT g.id, g.steam_name, g.steam_appid, g.rank_steam, g.steam_shop_url,
		g.twitch_game_id, g.twitch_name, g.twitch_box_art_url, g.created_at, g.updated_at,
		s.id, s.current_players, s.peak_today, s.rank, s.twitch_viewers, s.timestamp
		FROM games g
		%s JOIN LATERAL (
			SELECT id, current_players, peak_today, rank, twitch_viewers, timestamp
			FROM game_hourly_stats WHERE game_id = g.id
			ORDER BY timestamp DESC, id DESC LIMIT 1
		) s ON true`
)

// preparedStatements lists queries prepared on each new connection; they
// run once per entry in every sync batch.
var preparedStatements = map[string]string{
	"upsert_game":     pgUpsertGame,
	"select_game":     pgSelectGame,
	"insert_snapshot": pgInsertSnapshot,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Close does not close it.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Migrate applies the embedded schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return db.Migrate(ctx, s.pool)
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// WithTx implements Store.
func (s *PostgresStore) WithTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx Tx) error) error {
	opts = opts.withDefaults()

	beginCtx, cancelBegin := context.WithTimeout(ctx, opts.MaxWait)
	tx, err := s.pool.Begin(beginCtx)
	cancelBegin()
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}

	txCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	// Rollback must still reach the server after txCtx expires.
	rollback := func() {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			zap.L().Warn("postgres: rollback failed", zap.Error(rbErr))
		}
	}
	defer func() {
		if p := recover(); p != nil {
			rollback()
			panic(p)
		}
	}()

	if err := fn(txCtx, &pgTx{q: tx}); err != nil {
		rollback()
		return err
	}
	if err := tx.Commit(txCtx); err != nil {
		return eris.Wrap(err, "postgres: commit tx")
	}
	return nil
}

// pgQuerier is satisfied by both db.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	q pgQuerier
}

func (t *pgTx) UpsertGame(ctx context.Context, u model.GameUpsert) (*model.Game, error) {
	g, err := scanGame(t.q.QueryRow(ctx, pgUpsertGame, gameUpsertArgs(u, time.Now().UTC())...))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert game %q", u.SteamName)
	}
	return g, nil
}

func (t *pgTx) AppendSnapshot(ctx context.Context, snap model.Snapshot) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, pgInsertSnapshot,
		snap.GameID, snap.CurrentPlayers, snap.PeakToday, snap.Rank, snap.TwitchViewers, snapshotTimestamp(snap),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: append snapshot for game %d", snap.GameID)
	}
	return id, nil
}

func (t *pgTx) FindGameByNaturalKey(ctx context.Context, key string) (*model.Game, error) {
	return pgFindGame(ctx, t.q, key)
}

func pgFindGame(ctx context.Context, q pgQuerier, key string) (*model.Game, error) {
	g, err := scanGame(q.QueryRow(ctx, pgSelectGame, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: find game %q", key)
	}
	return g, nil
}

func (s *PostgresStore) FindGameByNaturalKey(ctx context.Context, key string) (*model.Game, error) {
	return pgFindGame(ctx, s.pool, key)
}

func (s *PostgresStore) TopGames(ctx context.Context, limit int) ([]model.GameWithLatest, error) {
	query := fmt.Sprintf(pgGameWithLatest, "INNER") +
		` ORDER BY s.current_players DESC, g.id LIMIT $1`
	return s.queryGamesWithLatest(ctx, "top games", query, listLimit(limit))
}

func (s *PostgresStore) ListMatchedGames(ctx context.Context, limit int) ([]model.GameWithLatest, error) {
	query := fmt.Sprintf(pgGameWithLatest, "LEFT") +
		` WHERE g.twitch_game_id IS NOT NULL ORDER BY g.rank_steam, g.id LIMIT $1`
	return s.queryGamesWithLatest(ctx, "list matched games", query, listLimit(limit))
}

func (s *PostgresStore) queryGamesWithLatest(ctx context.Context, op, query string, args ...any) ([]model.GameWithLatest, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var games []model.GameWithLatest
	for rows.Next() {
		g, err := scanGameWithLatest(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", op)
		}
		games = append(games, *g)
	}
	return games, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

func (s *PostgresStore) CountSnapshots(ctx context.Context, gameID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM game_hourly_stats WHERE game_id = $1`, gameID).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: count snapshots for game %d", gameID)
	}
	return n, nil
}

func (s *PostgresStore) StartRun(ctx context.Context, kind model.RunKind) (*model.SyncRun, error) {
	run := &model.SyncRun{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_runs (id, kind, status, started_at) VALUES ($1, $2, $3, $4)`,
		run.ID, string(run.Kind), string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: start %s run", kind)
	}
	return run, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, result model.RunResult) error {
	return s.finishRun(ctx, runID, model.RunStatusComplete, result, nil)
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, result model.RunResult, errMsg string) error {
	return s.finishRun(ctx, runID, model.RunStatusFailed, result, &errMsg)
}

func (s *PostgresStore) finishRun(ctx context.Context, runID string, status model.RunStatus, result model.RunResult, errMsg *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_runs
		 SET status = $1, harvest_status = $2, harvested = $3, success_count = $4, fail_count = $5,
		     error = $6, completed_at = $7
		 WHERE id = $8`,
		string(status), result.HarvestStatus, result.Harvested, result.SuccessCount, result.FailCount,
		errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.SyncRun, error) {
	query := `SELECT id, kind, status, harvest_status, harvested, success_count, fail_count, error, started_at, completed_at
		FROM sync_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, string(filter.Kind))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.SyncRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanRun(row scannable) (*model.SyncRun, error) {
	var (
		r      model.SyncRun
		errStr *string
	)
	if err := row.Scan(&r.ID, &r.Kind, &r.Status, &r.HarvestStatus, &r.Harvested,
		&r.SuccessCount, &r.FailCount, &errStr, &r.StartedAt, &r.CompletedAt); err != nil {
		return nil, err
	}
	if errStr != nil {
		r.Error = *errStr
	}
	return &r, nil
}
