// Package gamesync reconciles harvested chart entries with the Twitch
// catalog and persists them in batched transactions.
package gamesync

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gamestats-cli/internal/match"
	"github.com/sells-group/gamestats-cli/internal/model"
	"github.com/sells-group/gamestats-cli/internal/store"
)

// Outcome reasons recorded for unmatched entries.
const (
	ReasonNoMatch      = "no matching Twitch game found"
	ReasonLookupFailed = "catalog lookup failed"
)

// Matcher resolves names against the catalog.
type Matcher interface {
	FindBestMatch(ctx context.Context, name string) (*model.CatalogMatch, error)
	AggregateViewers(ctx context.Context, externalID string) (int64, error)
}

// Config controls batching.
type Config struct {
	BatchSize  int
	BatchPause time.Duration
	Tx         store.TxOptions
	BoxArtSize string
}

// DefaultConfig returns batches of five with a one second pause.
func DefaultConfig() Config {
	return Config{
		BatchSize:  5,
		BatchPause: time.Second,
		Tx:         store.DefaultTxOptions(),
		BoxArtSize: model.DefaultBoxArtSize,
	}
}

// Summary is the result of one SyncAll. SuccessCount + FailCount always
// equals the number of entries submitted.
type Summary struct {
	SuccessCount int                  `json:"success_count"`
	FailCount    int                  `json:"fail_count"`
	Outcomes     []model.EntryOutcome `json:"outcomes"`
}

func (s *Summary) add(outcomes ...model.EntryOutcome) {
	for _, o := range outcomes {
		if o.Success() {
			s.SuccessCount++
		} else {
			s.FailCount++
		}
	}
	s.Outcomes = append(s.Outcomes, outcomes...)
}

// Orchestrator persists entries batch by batch, one transaction per batch.
type Orchestrator struct {
	store   store.Store
	matcher Matcher
	cfg     Config
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	log     *zap.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(st store.Store, m Matcher, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchPause < 0 {
		cfg.BatchPause = def.BatchPause
	}
	if cfg.BoxArtSize == "" {
		cfg.BoxArtSize = def.BoxArtSize
	}
	return &Orchestrator{
		store:   st,
		matcher: m,
		cfg:     cfg,
		sleep:   sleepContext,
		now:     time.Now,
		log:     zap.L().With(zap.String("component", "gamesync")),
	}
}

// SyncAll matches and persists entries in order. A failed batch counts all
// of its entries as failed and does not stop later batches. Cancelling ctx
// stops the run; entries not yet attempted are counted as failed.
func (o *Orchestrator) SyncAll(ctx context.Context, entries []model.HarvestedEntry) Summary {
	sum := Summary{Outcomes: make([]model.EntryOutcome, 0, len(entries))}
	ts := o.now().UTC()
	total := len(entries)

	for start := 0; start < total; start += o.cfg.BatchSize {
		end := min(start+o.cfg.BatchSize, total)
		batch := entries[start:end]

		if start > 0 {
			if err := o.sleep(ctx, o.cfg.BatchPause); err != nil {
				sum.add(failAll(entries[start:], err)...)
				o.log.Warn("sync cancelled", zap.Int("remaining", total-start), zap.Error(err))
				break
			}
		}
		if err := ctx.Err(); err != nil {
			sum.add(failAll(entries[start:], err)...)
			o.log.Warn("sync cancelled", zap.Int("remaining", total-start), zap.Error(err))
			break
		}

		outcomes, err := o.syncBatch(ctx, batch, ts)
		if err != nil {
			o.log.Error("batch failed",
				zap.Int("from", start),
				zap.Int("to", end),
				zap.Error(err),
			)
			outcomes = failAll(batch, err)
		}
		sum.add(outcomes...)

		o.log.Info("sync progress",
			zap.Int("processed", end),
			zap.Int("total", total),
			zap.Int("success", sum.SuccessCount),
			zap.Int("failed", sum.FailCount),
		)
	}
	return sum
}

func (o *Orchestrator) syncBatch(ctx context.Context, batch []model.HarvestedEntry, ts time.Time) ([]model.EntryOutcome, error) {
	var outcomes []model.EntryOutcome
	err := o.store.WithTx(ctx, o.cfg.Tx, func(ctx context.Context, tx store.Tx) error {
		outcomes = make([]model.EntryOutcome, 0, len(batch))
		for _, e := range batch {
			out, err := o.syncEntry(ctx, tx, e, ts)
			if err != nil {
				return eris.Wrapf(err, "sync %q", e.Name)
			}
			outcomes = append(outcomes, out)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// syncEntry matches one entry and writes its game row and snapshot. Catalog
// failures degrade to an unmatched outcome; only persistence errors are
// returned.
func (o *Orchestrator) syncEntry(ctx context.Context, tx store.Tx, e model.HarvestedEntry, ts time.Time) (model.EntryOutcome, error) {
	out := model.EntryOutcome{SteamName: e.Name, Kind: model.OutcomeUnmatched, Reason: ReasonNoMatch}

	m, err := o.matcher.FindBestMatch(ctx, e.Name)
	if err != nil {
		o.log.Warn("catalog lookup failed", zap.String("name", e.Name), zap.Error(err))
		out.Reason = ReasonLookupFailed
		if !errors.Is(err, match.ErrLookupFailed) {
			out.Reason = err.Error()
		}
		m = nil
	}

	var viewers *int64
	if m != nil {
		n, verr := o.matcher.AggregateViewers(ctx, m.ID)
		if verr != nil {
			o.log.Warn("viewer lookup failed", zap.String("name", e.Name), zap.String("twitch_id", m.ID), zap.Error(verr))
		} else {
			viewers = &n
		}
		out = model.EntryOutcome{SteamName: e.Name, Kind: model.OutcomeMatched, TwitchName: m.Name, Viewers: viewers}
	}

	game, err := tx.UpsertGame(ctx, model.NewGameUpsert(e, m, o.cfg.BoxArtSize))
	if err != nil {
		return model.EntryOutcome{}, eris.Wrap(err, "upsert game")
	}

	rank := e.Rank
	if _, err := tx.AppendSnapshot(ctx, model.Snapshot{
		GameID:         game.ID,
		CurrentPlayers: e.CurrentPlayers,
		PeakToday:      e.PeakToday,
		Rank:           &rank,
		TwitchViewers:  viewers,
		Timestamp:      ts,
	}); err != nil {
		return model.EntryOutcome{}, eris.Wrap(err, "append snapshot")
	}

	if out.Kind == model.OutcomeMatched {
		o.log.Debug("matched", zap.String("steam", e.Name), zap.String("twitch", out.TwitchName))
	} else {
		o.log.Debug("unmatched", zap.String("steam", e.Name), zap.String("reason", out.Reason))
	}
	return out, nil
}

func failAll(entries []model.HarvestedEntry, err error) []model.EntryOutcome {
	outcomes := make([]model.EntryOutcome, len(entries))
	for i, e := range entries {
		outcomes[i] = model.EntryOutcome{SteamName: e.Name, Kind: model.OutcomeFailed, Reason: err.Error()}
	}
	return outcomes
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
