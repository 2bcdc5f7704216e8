package harvest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeBrowser struct {
	sess    *fakeSession
	openErr error
	opts    SessionOptions
}

func (b *fakeBrowser) Open(_ context.Context, opts SessionOptions) (Session, error) {
	b.opts = opts
	if b.openErr != nil {
		return nil, b.openErr
	}
	return b.sess, nil
}

// fakeSession renders growth[k] rows after k scrolls; past the end of growth
// the last value repeats.
type fakeSession struct {
	growth     []int
	rows       []RawRow
	navErr     error
	countErr   error
	extractErr error
	closeErr   error

	navURL  string
	scrolls int
	closed  bool
}

func (s *fakeSession) Navigate(_ context.Context, url string, _ time.Duration) error {
	s.navURL = url
	return s.navErr
}

func (s *fakeSession) CountMatching(_ context.Context, _ string) (int, error) {
	if s.countErr != nil {
		return 0, s.countErr
	}
	if len(s.growth) == 0 {
		return len(s.rows), nil
	}
	i := s.scrolls
	if i >= len(s.growth) {
		i = len(s.growth) - 1
	}
	return s.growth[i], nil
}

func (s *fakeSession) ScrollBy(_ context.Context, _ float64) error {
	s.scrolls++
	return nil
}

func (s *fakeSession) ExtractAll(_ context.Context, _ Selectors) ([]RawRow, error) {
	if s.extractErr != nil {
		return nil, s.extractErr
	}
	return s.rows, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return s.closeErr
}

func chartRows(n int) []RawRow {
	rows := make([]RawRow, n)
	for i := range rows {
		rows[i] = RawRow{
			Name:           fmt.Sprintf("Game %d", i+1),
			Link:           fmt.Sprintf("https://store.steampowered.com/app/%d/Game/", 1000+i),
			CurrentPlayers: fmt.Sprintf("%d,000", 900-i),
			PeakToday:      fmt.Sprintf("%d,500", 950-i),
		}
	}
	return rows
}

func newTestHarvester(b Browser, cfg Config) (*Harvester, *[]time.Duration) {
	h := New(b, cfg)
	var sleeps []time.Duration
	h.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return h, &sleeps
}

func TestHarvest_OK(t *testing.T) {
	sess := &fakeSession{rows: chartRows(100)}
	b := &fakeBrowser{sess: sess}
	h, _ := newTestHarvester(b, Config{URL: "https://example.test/charts"})

	res := h.Harvest(context.Background())

	require.NoError(t, res.Err)
	assert.Equal(t, StatusOK, res.Status)
	require.Len(t, res.Entries, 100)
	assert.Equal(t, 1, res.Entries[0].Rank)
	assert.Equal(t, "Game 1", res.Entries[0].Name)
	assert.Equal(t, int64(1000), res.Entries[0].SteamAppID)
	assert.Equal(t, int64(900000), res.Entries[0].CurrentPlayers)
	assert.Equal(t, int64(950500), res.Entries[0].PeakToday)
	assert.Equal(t, 100, res.Entries[99].Rank)

	assert.Equal(t, "https://example.test/charts", sess.navURL)
	assert.True(t, sess.closed)
	assert.True(t, b.opts.ScriptingEnabled)
	assert.Equal(t, DefaultConfig().UserAgent, b.opts.UserAgent)
}

func TestHarvest_DegradedBelowExpectedCount(t *testing.T) {
	sess := &fakeSession{rows: chartRows(3)}
	h, _ := newTestHarvester(&fakeBrowser{sess: sess}, Config{})

	res := h.Harvest(context.Background())

	assert.Equal(t, StatusDegraded, res.Status)
	assert.NoError(t, res.Err)
	assert.Len(t, res.Entries, 3)
}

func TestHarvest_EmptyChartIsDegradedNotFailed(t *testing.T) {
	sess := &fakeSession{}
	h, _ := newTestHarvester(&fakeBrowser{sess: sess}, Config{})

	res := h.Harvest(context.Background())

	assert.Equal(t, StatusDegraded, res.Status)
	assert.NoError(t, res.Err)
	assert.Empty(t, res.Entries)
}

func TestHarvest_ExcludesInvalidRows(t *testing.T) {
	rows := []RawRow{
		{Name: "Counter-Strike 2", Link: "https://store.steampowered.com/app/730/CounterStrike_2/", CurrentPlayers: "1,000,000", PeakToday: "1,500,000"},
		{Name: "   ", Link: "https://store.steampowered.com/app/570/", CurrentPlayers: "5"},
		{Name: "Bundle", Link: "https://store.steampowered.com/bundle/123/", CurrentPlayers: "7"},
		{Name: "Dota 2", Link: "https://store.steampowered.com/app/570/Dota_2/", CurrentPlayers: "600 000", PeakToday: "n/a"},
	}
	h, _ := newTestHarvester(&fakeBrowser{sess: &fakeSession{rows: rows}}, Config{ExpectedCount: 2})

	res := h.Harvest(context.Background())

	assert.Equal(t, StatusOK, res.Status)
	require.Len(t, res.Entries, 2)
	for _, e := range res.Entries {
		assert.True(t, e.Valid())
	}
	assert.Equal(t, 1, res.Entries[0].Rank)
	assert.Equal(t, "Dota 2", res.Entries[1].Name)
	assert.Equal(t, 4, res.Entries[1].Rank, "rank is the rendered position")
	assert.Equal(t, int64(600000), res.Entries[1].CurrentPlayers)
	assert.Equal(t, int64(0), res.Entries[1].PeakToday)
}

func TestHarvest_OpenFails(t *testing.T) {
	h, _ := newTestHarvester(&fakeBrowser{openErr: errors.New("chrome not found")}, Config{})

	res := h.Harvest(context.Background())

	assert.Equal(t, StatusFailed, res.Status)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "chrome not found")
	assert.Nil(t, res.Entries)
}

func TestHarvest_NavigateFailsClosesSession(t *testing.T) {
	sess := &fakeSession{navErr: errors.New("net::ERR_NAME_NOT_RESOLVED"), closeErr: errors.New("already gone")}
	h, _ := newTestHarvester(&fakeBrowser{sess: sess}, Config{})

	res := h.Harvest(context.Background())

	assert.Equal(t, StatusFailed, res.Status)
	assert.Nil(t, res.Entries)
	assert.True(t, sess.closed)
}

func TestHarvest_CountFails(t *testing.T) {
	sess := &fakeSession{countErr: errors.New("target crashed")}
	h, _ := newTestHarvester(&fakeBrowser{sess: sess}, Config{})

	res := h.Harvest(context.Background())

	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Err.Error(), "count rows")
	assert.True(t, sess.closed)
}

func TestHarvest_ExtractFails(t *testing.T) {
	sess := &fakeSession{rows: chartRows(100), extractErr: errors.New("evaluate: exception")}
	h, _ := newTestHarvester(&fakeBrowser{sess: sess}, Config{})

	res := h.Harvest(context.Background())

	assert.Equal(t, StatusFailed, res.Status)
	assert.Nil(t, res.Entries)
}

func TestHarvest_SleepCancelled(t *testing.T) {
	sess := &fakeSession{rows: chartRows(100)}
	h := New(&fakeBrowser{sess: sess}, Config{Settle: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := h.Harvest(ctx)

	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.True(t, sess.closed)
}

func TestConverge_StopsAfterPlateau(t *testing.T) {
	// Three growing scrolls, then a plateau.
	sess := &fakeSession{growth: []int{10, 20, 30, 40}, rows: chartRows(40)}
	h, sleeps := newTestHarvester(&fakeBrowser{sess: sess}, Config{
		ScrollAttempts:  15,
		StableThreshold: 3,
		Settle:          1500 * time.Millisecond,
	})

	require.NoError(t, h.converge(context.Background(), sess))

	assert.Equal(t, 3+3, sess.scrolls)
	require.Len(t, *sleeps, 6)
	assert.Equal(t, 1500*time.Millisecond, (*sleeps)[0])
}

func TestConverge_GrowthResetsStableCounter(t *testing.T) {
	sess := &fakeSession{growth: []int{10, 10, 20}}
	h, _ := newTestHarvester(&fakeBrowser{sess: sess}, Config{StableThreshold: 3})

	require.NoError(t, h.converge(context.Background(), sess))

	// stable: 1, reset by growth, then 1, 2, 3.
	assert.Equal(t, 5, sess.scrolls)
}

func TestConverge_BoundedByScrollAttempts(t *testing.T) {
	growth := make([]int, 50)
	for i := range growth {
		growth[i] = (i + 1) * 10
	}
	sess := &fakeSession{growth: growth}
	h, _ := newTestHarvester(&fakeBrowser{sess: sess}, Config{ScrollAttempts: 5})

	require.NoError(t, h.converge(context.Background(), sess))
	assert.Equal(t, 5, sess.scrolls)
}

func TestNew_AppliesDefaults(t *testing.T) {
	h := New(&fakeBrowser{}, Config{Settle: -1, Selectors: Selectors{Row: ".only-row"}})

	def := DefaultConfig()
	assert.Equal(t, def.URL, h.cfg.URL)
	assert.Equal(t, def.NavTimeout, h.cfg.NavTimeout)
	assert.Equal(t, def.ScrollAttempts, h.cfg.ScrollAttempts)
	assert.Equal(t, def.Settle, h.cfg.Settle)
	assert.Equal(t, def.StableThreshold, h.cfg.StableThreshold)
	assert.Equal(t, def.ExpectedCount, h.cfg.ExpectedCount)
	assert.Equal(t, def.Selectors, h.cfg.Selectors)
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))
	require.NoError(t, sleepContext(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
