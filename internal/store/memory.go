package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/gamestats-cli/internal/model"
)

// MemoryStore implements Store in process memory. It backs --dry-run and
// tests; transactions are serialized and applied atomically on commit.
type MemoryStore struct {
	txMu sync.Mutex // serializes WithTx

	mu    sync.RWMutex
	state memState
	runs  map[string]*model.SyncRun
}

type memState struct {
	games      map[string]model.Game
	snapshots  []model.Snapshot
	nextGameID int64
	nextSnapID int64
}

func (st memState) clone() memState {
	c := memState{
		games:      make(map[string]model.Game, len(st.games)),
		snapshots:  make([]model.Snapshot, len(st.snapshots)),
		nextGameID: st.nextGameID,
		nextSnapID: st.nextSnapID,
	}
	for k, g := range st.games {
		c.games[k] = g
	}
	copy(c.snapshots, st.snapshots)
	return c
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		state: memState{games: make(map[string]model.Game)},
		runs:  make(map[string]*model.SyncRun),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// WithTx implements Store.
func (s *MemoryStore) WithTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx Tx) error) error {
	opts = opts.withDefaults()

	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "memory: begin tx")
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	txCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	s.mu.RLock()
	work := s.state.clone()
	s.mu.RUnlock()

	if err := fn(txCtx, &memTx{state: &work}); err != nil {
		return err
	}
	if err := txCtx.Err(); err != nil {
		return eris.Wrap(err, "memory: commit tx")
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

type memTx struct {
	state *memState
}

func (t *memTx) UpsertGame(_ context.Context, u model.GameUpsert) (*model.Game, error) {
	if u.SteamName == "" {
		return nil, eris.New("memory: upsert game: empty steam name")
	}
	now := time.Now().UTC()
	g, ok := t.state.games[u.SteamName]
	if !ok {
		t.state.nextGameID++
		g = model.Game{ID: t.state.nextGameID, SteamName: u.SteamName, CreatedAt: now}
	}
	g.SteamAppID = u.SteamAppID
	g.RankSteam = u.RankSteam
	g.SteamShopURL = u.SteamShopURL
	g.TwitchGameID = u.TwitchGameID
	g.TwitchName = u.TwitchName
	g.TwitchBoxArtURL = u.TwitchBoxArtURL
	g.UpdatedAt = now
	t.state.games[u.SteamName] = g

	out := g
	return &out, nil
}

func (t *memTx) AppendSnapshot(_ context.Context, snap model.Snapshot) (int64, error) {
	if !t.hasGame(snap.GameID) {
		return 0, eris.Errorf("memory: append snapshot: game %d not found", snap.GameID)
	}
	t.state.nextSnapID++
	snap.ID = t.state.nextSnapID
	snap.Timestamp = snapshotTimestamp(snap)
	t.state.snapshots = append(t.state.snapshots, snap)
	return snap.ID, nil
}

func (t *memTx) hasGame(id int64) bool {
	for _, g := range t.state.games {
		if g.ID == id {
			return true
		}
	}
	return false
}

func (t *memTx) FindGameByNaturalKey(_ context.Context, key string) (*model.Game, error) {
	g, ok := t.state.games[key]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (s *MemoryStore) FindGameByNaturalKey(_ context.Context, key string) (*model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.state.games[key]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

// latest returns the most recent snapshot per game id. Caller holds mu.
func (s *MemoryStore) latest() map[int64]model.Snapshot {
	out := make(map[int64]model.Snapshot)
	for _, snap := range s.state.snapshots {
		cur, ok := out[snap.GameID]
		if !ok || snap.Timestamp.After(cur.Timestamp) ||
			(snap.Timestamp.Equal(cur.Timestamp) && snap.ID > cur.ID) {
			out[snap.GameID] = snap
		}
	}
	return out
}

func (s *MemoryStore) TopGames(_ context.Context, limit int) ([]model.GameWithLatest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := s.latest()
	var games []model.GameWithLatest
	for _, g := range s.state.games {
		snap, ok := latest[g.ID]
		if !ok {
			continue
		}
		games = append(games, model.GameWithLatest{Game: g, Latest: &snap})
	}
	sort.Slice(games, func(i, j int) bool {
		a, b := games[i].Latest.CurrentPlayers, games[j].Latest.CurrentPlayers
		if a != b {
			return a > b
		}
		return games[i].ID < games[j].ID
	})
	return truncate(games, listLimit(limit)), nil
}

func (s *MemoryStore) ListMatchedGames(_ context.Context, limit int) ([]model.GameWithLatest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := s.latest()
	var games []model.GameWithLatest
	for _, g := range s.state.games {
		if g.TwitchGameID == nil {
			continue
		}
		gl := model.GameWithLatest{Game: g}
		if snap, ok := latest[g.ID]; ok {
			gl.Latest = &snap
		}
		games = append(games, gl)
	}
	sort.Slice(games, func(i, j int) bool {
		if games[i].RankSteam != games[j].RankSteam {
			return games[i].RankSteam < games[j].RankSteam
		}
		return games[i].ID < games[j].ID
	})
	return truncate(games, listLimit(limit)), nil
}

func truncate(games []model.GameWithLatest, limit int) []model.GameWithLatest {
	if len(games) > limit {
		return games[:limit]
	}
	return games
}

func (s *MemoryStore) CountSnapshots(_ context.Context, gameID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	for _, snap := range s.state.snapshots {
		if snap.GameID == gameID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) StartRun(_ context.Context, kind model.RunKind) (*model.SyncRun, error) {
	run := &model.SyncRun{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *run
	s.runs[run.ID] = &stored
	return run, nil
}

func (s *MemoryStore) CompleteRun(_ context.Context, runID string, result model.RunResult) error {
	return s.finishRun(runID, model.RunStatusComplete, result, "")
}

func (s *MemoryStore) FailRun(_ context.Context, runID string, result model.RunResult, errMsg string) error {
	return s.finishRun(runID, model.RunStatusFailed, result, errMsg)
}

func (s *MemoryStore) finishRun(runID string, status model.RunStatus, result model.RunResult, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return eris.Errorf("run not found: %s", runID)
	}
	now := time.Now().UTC()
	run.Status = status
	run.HarvestStatus = result.HarvestStatus
	run.Harvested = result.Harvested
	run.SuccessCount = result.SuccessCount
	run.FailCount = result.FailCount
	run.Error = errMsg
	run.CompletedAt = &now
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]model.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []model.SyncRun
	for _, r := range s.runs {
		if filter.Kind != "" && r.Kind != filter.Kind {
			continue
		}
		runs = append(runs, *r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit := listLimit(filter.Limit); len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
