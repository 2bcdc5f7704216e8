package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/gamestats-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresFromPool(mock), mock
}

func gameRows(now time.Time) *pgxmock.Rows {
	return pgxmock.NewRows(gameColumns).AddRow(
		int64(7), "Counter-Strike 2", int64(730), 1, "https://store.steampowered.com/app/730/",
		strPtr("32399"), strPtr("Counter-Strike"), strPtr("https://static-cdn.jtvnw.net/ttv-boxart/32399-285x380.jpg"),
		now, now,
	)
}

func TestPostgresStore_WithTx_Commit(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "games" .* ON CONFLICT \("steam_name"\) DO UPDATE SET .* RETURNING`).
		WithArgs("Counter-Strike 2", int64(730), 1, "https://store.steampowered.com/app/730/",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(gameRows(now))
	mock.ExpectQuery(`INSERT INTO game_hourly_stats`).
		WithArgs(int64(7), int64(1000000), int64(1500000), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectCommit()

	var snapID int64
	err := s.WithTx(context.Background(), DefaultTxOptions(), func(ctx context.Context, tx Tx) error {
		u := cs2Upsert(1)
		u.TwitchGameID = strPtr("32399")
		g, err := tx.UpsertGame(ctx, u)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(7), g.ID)
		require.NotNil(t, g.TwitchGameID)
		assert.Equal(t, "32399", *g.TwitchGameID)

		snapID, err = tx.AppendSnapshot(ctx, model.Snapshot{GameID: g.ID, CurrentPlayers: 1000000, PeakToday: 1500000})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11), snapID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WithTx_RollbackOnError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "games"`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), TxOptions{}, func(ctx context.Context, tx Tx) error {
		_, err := tx.UpsertGame(ctx, cs2Upsert(1))
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadlock detected")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WithTx_BeginError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	called := false
	err := s.WithTx(context.Background(), TxOptions{}, func(context.Context, Tx) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindGame_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, steam_name, .* FROM games WHERE steam_name = \$1`).
		WithArgs("Unknown").
		WillReturnError(pgx.ErrNoRows)

	g, err := s.FindGameByNaturalKey(context.Background(), "Unknown")
	require.NoError(t, err)
	assert.Nil(t, g)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindGame_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM games WHERE steam_name`).
		WithArgs("Counter-Strike 2").
		WillReturnError(errors.New("connection reset"))

	_, err := s.FindGameByNaturalKey(context.Background(), "Counter-Strike 2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "find game")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountSnapshots(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM game_hourly_stats WHERE game_id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))

	n, err := s.CountSnapshots(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_StartRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO sync_runs`).
		WithArgs(pgxmock.AnyArg(), "harvest_sync", "running", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.StartRun(context.Background(), model.RunKindHarvestSync)
	require.NoError(t, err)
	assert.Len(t, run.ID, 36)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE sync_runs`).
		WithArgs("complete", "ok", 100, 100, 0, pgxmock.AnyArg(), pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteRun(context.Background(), "missing", model.RunResult{HarvestStatus: "ok", Harvested: 100, SuccessCount: 100})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE sync_runs`).
		WithArgs("failed", "failed", 0, 0, 0, pgxmock.AnyArg(), pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.FailRun(context.Background(), "run-1", model.RunResult{HarvestStatus: "failed"}, "chrome crashed")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TopGames(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	cols := append(append([]string{}, gameColumns...),
		"sid", "current_players", "peak_today", "rank", "twitch_viewers", "timestamp")
	rank := 1
	viewers := int64(120000)
	mock.ExpectQuery(`INNER JOIN LATERAL .* ORDER BY s.current_players DESC`).
		WithArgs(100).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			int64(7), "Counter-Strike 2", int64(730), 1, "https://store.steampowered.com/app/730/",
			strPtr("32399"), strPtr("Counter-Strike"), strPtr("art"), now, now,
			int64Ptr(11), int64Ptr(1000000), int64Ptr(1500000), &rank, &viewers, &now,
		))

	games, err := s.TopGames(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, games, 1)
	require.NotNil(t, games[0].Latest)
	assert.Equal(t, int64(1000000), games[0].Latest.CurrentPlayers)
	assert.Equal(t, int64(120000), *games[0].Latest.TwitchViewers)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func int64Ptr(v int64) *int64 { return &v }
