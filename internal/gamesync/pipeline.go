package gamesync

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gamestats-cli/internal/harvest"
	"github.com/sells-group/gamestats-cli/internal/model"
	"github.com/sells-group/gamestats-cli/internal/store"
)

// Harvester produces chart entries.
type Harvester interface {
	Harvest(ctx context.Context) harvest.Result
}

// Report describes one HarvestAndSync run.
type Report struct {
	RunID         string         `json:"run_id"`
	HarvestStatus harvest.Status `json:"harvest_status"`
	HarvestError  string         `json:"harvest_error,omitempty"`
	Harvested     int            `json:"harvested"`
	Summary
	Duration time.Duration `json:"duration"`
}

// Pipeline ties the harvester, orchestrator and run log together.
type Pipeline struct {
	harvester Harvester
	orch      *Orchestrator
	store     store.Store
	matcher   Matcher
	log       *zap.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(h Harvester, st store.Store, m Matcher, cfg Config) *Pipeline {
	return &Pipeline{
		harvester: h,
		orch:      NewOrchestrator(st, m, cfg),
		store:     st,
		matcher:   m,
		log:       zap.L().With(zap.String("component", "pipeline")),
	}
}

// Orchestrator returns the batch orchestrator used by the pipeline.
func (p *Pipeline) Orchestrator() *Orchestrator { return p.orch }

// HarvestAndSync harvests the chart, syncs every valid entry and records the
// run. The only error returned is a failure to start the run record; harvest
// and sync failures are reported in the Report.
func (p *Pipeline) HarvestAndSync(ctx context.Context) (*Report, error) {
	start := time.Now()
	run, err := p.store.StartRun(ctx, model.RunKindHarvestSync)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: start run")
	}
	log := p.log.With(zap.String("run_id", run.ID))
	log.Info("harvest and sync started")

	rep := &Report{RunID: run.ID}
	res := p.harvester.Harvest(ctx)
	rep.HarvestStatus = res.Status
	rep.Harvested = len(res.Entries)

	// The run record is finalized even when ctx was cancelled mid-run.
	finishCtx := context.WithoutCancel(ctx)

	if res.Status == harvest.StatusFailed {
		rep.HarvestError = errString(res.Err)
		rep.Duration = time.Since(start)
		result := model.RunResult{HarvestStatus: string(res.Status)}
		if ferr := p.store.FailRun(finishCtx, run.ID, result, rep.HarvestError); ferr != nil {
			log.Error("record failed run", zap.Error(ferr))
		}
		log.Error("harvest failed, nothing synced", zap.String("error", rep.HarvestError))
		return rep, nil
	}

	rep.Summary = p.orch.SyncAll(ctx, res.Entries)
	rep.Duration = time.Since(start)

	result := model.RunResult{
		HarvestStatus: string(res.Status),
		Harvested:     rep.Harvested,
		SuccessCount:  rep.SuccessCount,
		FailCount:     rep.FailCount,
	}
	if cerr := p.store.CompleteRun(finishCtx, run.ID, result); cerr != nil {
		log.Error("record completed run", zap.Error(cerr))
	}

	log.Info("harvest and sync complete",
		zap.String("harvest_status", string(res.Status)),
		zap.Int("harvested", rep.Harvested),
		zap.Int("success", rep.SuccessCount),
		zap.Int("failed", rep.FailCount),
		zap.Duration("duration", rep.Duration),
	)
	return rep, nil
}

// RefreshReport describes one RefreshViewers run.
type RefreshReport struct {
	RunID string `json:"run_id"`
	Summary
}

// RefreshViewers re-reads live viewers for up to limit matched games and
// appends a snapshot carrying the latest player counts with the new viewer
// total. Games are processed sequentially with the batch pause between them.
func (p *Pipeline) RefreshViewers(ctx context.Context, limit int) (*RefreshReport, error) {
	run, err := p.store.StartRun(ctx, model.RunKindViewerRefresh)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: start run")
	}
	log := p.log.With(zap.String("run_id", run.ID))
	finishCtx := context.WithoutCancel(ctx)

	games, err := p.store.ListMatchedGames(ctx, limit)
	if err != nil {
		err = eris.Wrap(err, "pipeline: list matched games")
		if ferr := p.store.FailRun(finishCtx, run.ID, model.RunResult{}, err.Error()); ferr != nil {
			log.Error("record failed run", zap.Error(ferr))
		}
		return nil, err
	}

	rep := &RefreshReport{RunID: run.ID}
	rep.Outcomes = make([]model.EntryOutcome, 0, len(games))
	for i, g := range games {
		if i > 0 {
			if err := p.orch.sleep(ctx, p.orch.cfg.BatchPause); err != nil {
				for _, rest := range games[i:] {
					rep.add(model.EntryOutcome{SteamName: rest.SteamName, Kind: model.OutcomeFailed, Reason: err.Error()})
				}
				break
			}
		}
		rep.add(p.refreshGame(ctx, g))
	}

	result := model.RunResult{Harvested: len(games), SuccessCount: rep.SuccessCount, FailCount: rep.FailCount}
	if cerr := p.store.CompleteRun(finishCtx, run.ID, result); cerr != nil {
		log.Error("record completed run", zap.Error(cerr))
	}
	log.Info("viewer refresh complete",
		zap.Int("games", len(games)),
		zap.Int("success", rep.SuccessCount),
		zap.Int("failed", rep.FailCount),
	)
	return rep, nil
}

func (p *Pipeline) refreshGame(ctx context.Context, g model.GameWithLatest) model.EntryOutcome {
	out := model.EntryOutcome{SteamName: g.SteamName, Kind: model.OutcomeFailed}
	if g.TwitchGameID == nil {
		out.Reason = ReasonNoMatch
		return out
	}

	viewers, err := p.matcher.AggregateViewers(ctx, *g.TwitchGameID)
	if err != nil {
		p.log.Warn("viewer lookup failed", zap.String("name", g.SteamName), zap.Error(err))
		out.Reason = err.Error()
		return out
	}

	snap := model.Snapshot{
		GameID:        g.ID,
		TwitchViewers: &viewers,
		Timestamp:     p.orch.now().UTC(),
	}
	if g.Latest != nil {
		snap.CurrentPlayers = g.Latest.CurrentPlayers
		snap.PeakToday = g.Latest.PeakToday
		snap.Rank = g.Latest.Rank
	}

	err = p.store.WithTx(ctx, p.orch.cfg.Tx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.AppendSnapshot(ctx, snap)
		return err
	})
	if err != nil {
		out.Reason = err.Error()
		return out
	}

	out.Kind = model.OutcomeMatched
	if g.TwitchName != nil {
		out.TwitchName = *g.TwitchName
	}
	out.Viewers = &viewers
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
