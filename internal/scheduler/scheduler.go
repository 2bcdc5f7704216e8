// Package scheduler triggers the harvest-and-sync pipeline on a fixed
// interval.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/gamestats-cli/internal/gamesync"
)

// Runner runs one harvest-and-sync cycle.
type Runner interface {
	HarvestAndSync(ctx context.Context) (*gamesync.Report, error)
}

// Config controls the trigger.
type Config struct {
	Interval   time.Duration
	RunOnStart bool
}

// Scheduler invokes a Runner periodically from a single goroutine, so runs
// never overlap. A tick that fires while a run is in progress is dropped.
type Scheduler struct {
	runner Runner
	cfg    Config
	log    *zap.Logger
}

// New creates a Scheduler. A non-positive interval defaults to one hour.
func New(r Runner, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Scheduler{
		runner: r,
		cfg:    cfg,
		log:    zap.L().With(zap.String("component", "scheduler")),
	}
}

// Run blocks until ctx is cancelled. Run failures are logged and never
// stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Bool("run_on_start", s.cfg.RunOnStart),
	)

	if s.cfg.RunOnStart {
		s.runOnce(ctx)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled run panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()

	rep, err := s.runner.HarvestAndSync(ctx)
	if err != nil {
		s.log.Error("scheduled run failed", zap.Error(err))
		return
	}
	s.log.Info("scheduled run finished",
		zap.String("run_id", rep.RunID),
		zap.String("harvest_status", string(rep.HarvestStatus)),
		zap.Int("success", rep.SuccessCount),
		zap.Int("failed", rep.FailCount),
	)
}
