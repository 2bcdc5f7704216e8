package harvest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gamestats-cli/internal/model"
)

// Status distinguishes a harvest that ran from one that crashed.
type Status string

const (
	// StatusOK means the chart rendered at least the expected number of rows.
	StatusOK Status = "ok"
	// StatusDegraded means the harvest ran but found fewer rows than expected.
	StatusDegraded Status = "degraded"
	// StatusFailed means the rendering surface failed; Entries is nil.
	StatusFailed Status = "failed"
)

// Result is the outcome of one harvest.
type Result struct {
	Status  Status
	Entries []model.HarvestedEntry
	Err     error
}

// Config controls navigation and the scroll convergence loop.
type Config struct {
	URL             string
	UserAgent       string
	NavTimeout      time.Duration
	ScrollAttempts  int
	Settle          time.Duration
	StableThreshold int
	ExpectedCount   int
	Selectors       Selectors
}

// DefaultConfig returns the settings used against the live chart.
func DefaultConfig() Config {
	return Config{
		URL:             "https://store.steampowered.com/charts/mostplayed",
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
		NavTimeout:      60 * time.Second,
		ScrollAttempts:  15,
		Settle:          1500 * time.Millisecond,
		StableThreshold: 3,
		ExpectedCount:   100,
		Selectors:       DefaultSelectors(),
	}
}

const scrollViewports = 1.0

// Harvester renders the chart, scrolls until the row count stops growing and
// extracts the rows.
type Harvester struct {
	browser Browser
	cfg     Config
	sleep   func(ctx context.Context, d time.Duration) error
	log     *zap.Logger
}

// New creates a Harvester. Zero-valued config fields fall back to
// DefaultConfig, except Settle: zero disables the pause after each scroll.
func New(browser Browser, cfg Config) *Harvester {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = def.NavTimeout
	}
	if cfg.ScrollAttempts <= 0 {
		cfg.ScrollAttempts = def.ScrollAttempts
	}
	if cfg.Settle < 0 {
		cfg.Settle = def.Settle
	}
	if cfg.StableThreshold <= 0 {
		cfg.StableThreshold = def.StableThreshold
	}
	if cfg.ExpectedCount <= 0 {
		cfg.ExpectedCount = def.ExpectedCount
	}
	if cfg.Selectors.Validate() != nil {
		cfg.Selectors = def.Selectors
	}
	return &Harvester{
		browser: browser,
		cfg:     cfg,
		sleep:   sleepContext,
		log:     zap.L().With(zap.String("component", "harvest")),
	}
}

// Harvest runs one full harvest. It never panics on surface failures; they
// are reported as StatusFailed.
func (h *Harvester) Harvest(ctx context.Context) Result {
	entries, err := h.harvest(ctx)
	if err != nil {
		h.log.Error("harvest failed", zap.Error(err))
		return Result{Status: StatusFailed, Err: err}
	}

	if len(entries) < h.cfg.ExpectedCount {
		h.log.Warn("harvest returned fewer entries than expected",
			zap.Int("entries", len(entries)),
			zap.Int("expected", h.cfg.ExpectedCount),
		)
		return Result{Status: StatusDegraded, Entries: entries}
	}

	h.log.Info("harvest complete", zap.Int("entries", len(entries)))
	return Result{Status: StatusOK, Entries: entries}
}

func (h *Harvester) harvest(ctx context.Context) (entries []model.HarvestedEntry, err error) {
	sess, err := h.browser.Open(ctx, SessionOptions{
		UserAgent:        h.cfg.UserAgent,
		ScriptingEnabled: true,
	})
	if err != nil {
		return nil, eris.Wrap(err, "harvest: open session")
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			h.log.Warn("close session", zap.Error(cerr))
		}
	}()

	if err := sess.Navigate(ctx, h.cfg.URL, h.cfg.NavTimeout); err != nil {
		return nil, eris.Wrap(err, "harvest: navigate")
	}

	if err := h.converge(ctx, sess); err != nil {
		return nil, err
	}

	rows, err := sess.ExtractAll(ctx, h.cfg.Selectors)
	if err != nil {
		return nil, eris.Wrap(err, "harvest: extract rows")
	}
	return h.parseRows(rows), nil
}

// converge scrolls until the row count has failed to grow StableThreshold
// times in a row, or ScrollAttempts is exhausted.
func (h *Harvester) converge(ctx context.Context, sess Session) error {
	stable := 0
	for attempt := 1; attempt <= h.cfg.ScrollAttempts; attempt++ {
		prev, err := sess.CountMatching(ctx, h.cfg.Selectors.Row)
		if err != nil {
			return eris.Wrap(err, "harvest: count rows")
		}
		if err := sess.ScrollBy(ctx, scrollViewports); err != nil {
			return eris.Wrap(err, "harvest: scroll")
		}
		if err := h.sleep(ctx, h.cfg.Settle); err != nil {
			return eris.Wrap(err, "harvest: settle")
		}
		next, err := sess.CountMatching(ctx, h.cfg.Selectors.Row)
		if err != nil {
			return eris.Wrap(err, "harvest: count rows")
		}

		if next > prev {
			stable = 0
		} else {
			stable++
		}
		h.log.Debug("scroll",
			zap.Int("attempt", attempt),
			zap.Int("rows", next),
			zap.Int("stable", stable),
		)
		if stable >= h.cfg.StableThreshold {
			return nil
		}
	}
	return nil
}

func (h *Harvester) parseRows(rows []RawRow) []model.HarvestedEntry {
	entries := make([]model.HarvestedEntry, 0, len(rows))
	dropped := 0
	for i, row := range rows {
		e := model.HarvestedEntry{
			Rank:           i + 1,
			Name:           NormalizeName(row.Name),
			CurrentPlayers: ParseMetric(row.CurrentPlayers),
			PeakToday:      ParseMetric(row.PeakToday),
			SourceURL:      row.Link,
			SteamAppID:     ParseAppID(row.Link),
		}
		if !e.Valid() {
			dropped++
			continue
		}
		entries = append(entries, e)
	}
	if dropped > 0 {
		h.log.Debug("dropped invalid rows", zap.Int("dropped", dropped))
	}
	return entries
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
