package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/gamestats-cli/internal/scheduler"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run harvest and sync on a fixed interval until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		dryRun, _ := cmd.Flags().GetBool("dry-run")

		env, err := initPipeline(ctx, "sync", dryRun)
		if err != nil {
			return err
		}
		defer env.Close()

		return newScheduler(env.Pipeline).Run(ctx)
	},
}

func init() {
	scheduleCmd.Flags().Bool("dry-run", false, "use an in-memory store; nothing is persisted")
	rootCmd.AddCommand(scheduleCmd)
}

func newScheduler(runner scheduler.Runner) *scheduler.Scheduler {
	return scheduler.New(runner, scheduler.Config{
		Interval:   time.Duration(cfg.Schedule.IntervalMins) * time.Minute,
		RunOnStart: cfg.Schedule.RunOnStart,
	})
}
