package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marketscope/enrich-cli/internal/job"
)

var advanceJobID string

var advanceCmd = &cobra.Command{
	Use:   "advance",
	Short: "Advance one job by exactly one client",
	Long:  "Makes one unit of progress and exits. Idempotent and safe to call from a periodic scheduler; overlapping invocations resolve via compare-and-swap on the job row.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var res job.StepResult
		if advanceJobID != "" {
			res = env.Machine.AdvanceOneStep(ctx, advanceJobID)
		} else {
			res = env.Machine.AdvanceAny(ctx)
		}

		logStep(res)
		return res.Err
	},
}

func logStep(res job.StepResult) {
	fields := []zap.Field{zap.String("status", string(res.Status))}
	if res.JobID != "" {
		fields = append(fields, zap.String("job_id", res.JobID))
	}
	if res.ClientID != "" {
		fields = append(fields, zap.String("client_id", res.ClientID))
	}
	if res.Outcome != "" {
		fields = append(fields, zap.String("outcome", string(res.Outcome)))
	}
	if res.Err != nil {
		fields = append(fields, zap.Error(res.Err))
		zap.L().Error("advance step failed", fields...)
		return
	}
	zap.L().Info("advance step", fields...)
}

func init() {
	advanceCmd.Flags().StringVar(&advanceJobID, "job", "", "job ID (default: oldest active job)")
	rootCmd.AddCommand(advanceCmd)
}
