package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marketscope/enrich-cli/internal/config"
	"github.com/marketscope/enrich-cli/internal/job"
)

var workTickSecs int

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run the advance loop until interrupted",
	Long:  "Calls the advance step on a fixed interval, the non-serverless equivalent of a periodic trigger. Ticks faster while a job is making progress so a batch drains without waiting out the full interval between clients.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		tick := config.Timeout(workTickSecs)
		if workTickSecs == 0 {
			tick = config.Timeout(cfg.Job.TickSecs)
		}
		if tick <= 0 {
			tick = time.Minute
		}

		zap.L().Info("worker started", zap.Duration("tick", tick))
		for {
			res := env.Machine.AdvanceAny(ctx)
			logStep(res)

			// Progress means more work is likely queued; only idle results
			// wait out the full tick.
			wait := tick
			if res.Status == job.StepProgressed || res.Status == job.StepCompleted {
				wait = time.Second
			}

			select {
			case <-ctx.Done():
				zap.L().Info("worker stopping")
				return nil
			case <-time.After(wait):
			}
		}
	},
}

func init() {
	workCmd.Flags().IntVar(&workTickSecs, "tick", 0, "seconds between idle ticks (default from config)")
	rootCmd.AddCommand(workCmd)
}
