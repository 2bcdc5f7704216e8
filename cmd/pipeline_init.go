package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/gamestats-cli/internal/gamesync"
	"github.com/sells-group/gamestats-cli/internal/harvest"
	"github.com/sells-group/gamestats-cli/internal/match"
	"github.com/sells-group/gamestats-cli/internal/resilience"
	"github.com/sells-group/gamestats-cli/internal/store"
	"github.com/sells-group/gamestats-cli/pkg/twitch"
)

// pipelineEnv holds the store and the wired pipeline used by the run,
// schedule, serve and viewers commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *gamesync.Pipeline
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates config for mode, opens and migrates the store and
// builds the Pipeline. dryRun swaps the configured store for an in-memory
// one. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string, dryRun bool) (*pipelineEnv, error) {
	if dryRun {
		cfg.Store.Driver = "memory"
	}
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	h, err := initHarvester()
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	m := match.New(initTwitch(), matchConfig())
	p := gamesync.NewPipeline(h, st, m, syncConfig())

	zap.L().Info("pipeline initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("dry_run", dryRun),
		zap.Int("batch_size", cfg.Sync.BatchSize),
	)

	return &pipelineEnv{Store: st, Pipeline: p}, nil
}

// initHarvester builds the chromedp-backed Harvester from harvest.* config.
func initHarvester() (*harvest.Harvester, error) {
	sel, err := harvest.LoadSelectors(cfg.Harvest.SelectorsFile)
	if err != nil {
		return nil, err
	}

	browser := harvest.NewChromeBrowser(harvest.ChromeOptions{
		ExecPath: cfg.Harvest.ChromePath,
		Headless: cfg.Harvest.Headless,
	})

	return harvest.New(browser, harvest.Config{
		URL:             cfg.Harvest.URL,
		UserAgent:       cfg.Harvest.UserAgent,
		NavTimeout:      time.Duration(cfg.Harvest.NavTimeoutSecs) * time.Second,
		ScrollAttempts:  cfg.Harvest.ScrollAttempts,
		Settle:          time.Duration(cfg.Harvest.SettleMs) * time.Millisecond,
		StableThreshold: cfg.Harvest.StableThreshold,
		ExpectedCount:   cfg.Harvest.ExpectedCount,
		Selectors:       sel,
	}), nil
}

// initTwitch builds the Helix client. A client secret switches auth from
// the static token to the client credentials grant.
func initTwitch() twitch.Client {
	opts := []twitch.Option{
		twitch.WithRateLimit(cfg.Twitch.RateLimit),
		twitch.WithTimeout(time.Duration(cfg.Twitch.TimeoutSecs) * time.Second),
		twitch.WithBreakers(resilience.NewBreakers(
			resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs),
		)),
	}
	if cfg.Twitch.BaseURL != "" {
		opts = append(opts, twitch.WithBaseURL(cfg.Twitch.BaseURL))
	}
	if cfg.Twitch.ClientSecret != "" {
		opts = append(opts, twitch.WithClientCredentials(cfg.Twitch.ClientSecret, cfg.Twitch.TokenURL))
		zap.L().Debug("twitch auth via client credentials")
	}
	return twitch.NewClient(cfg.Twitch.ClientID, cfg.Twitch.AccessToken, opts...)
}

func matchConfig() match.Config {
	mc := match.DefaultConfig()
	if cfg.Match.Threshold > 0 {
		mc.Threshold = cfg.Match.Threshold
	}
	if cfg.Match.MaxCandidates > 0 {
		mc.MaxCandidates = cfg.Match.MaxCandidates
	}
	if cfg.Match.StreamPageSize > 0 {
		mc.StreamPageSize = cfg.Match.StreamPageSize
	}
	mc.Retry = resilience.FromRetryConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs)
	return mc
}

func syncConfig() gamesync.Config {
	sc := gamesync.DefaultConfig()
	if cfg.Sync.BatchSize > 0 {
		sc.BatchSize = cfg.Sync.BatchSize
	}
	if cfg.Sync.BatchPauseMs >= 0 {
		sc.BatchPause = cfg.Sync.BatchPause()
	}
	sc.Tx = store.TxOptions{
		MaxWait: time.Duration(cfg.Sync.TxMaxWaitSecs) * time.Second,
		Timeout: time.Duration(cfg.Sync.TxTimeoutSecs) * time.Second,
	}
	if cfg.Twitch.BoxArtSize != "" {
		sc.BoxArtSize = cfg.Twitch.BoxArtSize
	}
	return sc
}
