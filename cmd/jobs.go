package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marketscope/enrich-cli/internal/job"
)

var jobsLimit int

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and control enrichment jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		jobs, err := st.ListJobs(ctx, jobsLimit)
		if err != nil {
			return eris.Wrap(err, "list jobs")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tRUN\tSTATUS\tPROGRESS\tSUCCESS\tFAILED\tCREATED")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%s\n",
				j.ID, j.RunID, j.Status, j.Processed, j.Total, j.Success, j.Failed,
				j.CreatedAt.Format(time.RFC3339),
			)
		}
		return w.Flush()
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job's progress summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		j, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "get job")
		}
		if j == nil {
			return eris.Errorf("job %s not found", args[0])
		}

		s := job.Summarize(j, time.Now().UTC())
		fmt.Printf("job:     %s\n", j.ID)
		fmt.Printf("run:     %s\n", j.RunID)
		fmt.Printf("status:  %s\n", j.Status)
		fmt.Printf("summary: %s\n", s.String())
		if j.LastClientID != "" {
			fmt.Printf("last:    %s\n", j.LastClientID)
		}
		if j.LastError != "" {
			fmt.Printf("error:   %s\n", j.LastError)
		}
		return nil
	},
}

func jobControlCmd(use, short string, action func(*job.Machine, *cobra.Command, string) (bool, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := initStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			m := job.NewMachine(st, nil, nil, cfg.Job.MaxAttempts)
			ok, err := action(m, cmd, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return eris.Errorf("job %s is not in a state that allows %s", args[0], use)
			}
			zap.L().Info("job state changed",
				zap.String("action", use),
				zap.String("job_id", args[0]),
			)
			return nil
		},
	}
}

func init() {
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 20, "max jobs to list")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobControlCmd("pause", "Pause a running job", func(m *job.Machine, cmd *cobra.Command, id string) (bool, error) {
		return m.Pause(cmd.Context(), id)
	}))
	jobsCmd.AddCommand(jobControlCmd("resume", "Resume a paused job", func(m *job.Machine, cmd *cobra.Command, id string) (bool, error) {
		return m.Resume(cmd.Context(), id)
	}))
	jobsCmd.AddCommand(jobControlCmd("cancel", "Cancel a job", func(m *job.Machine, cmd *cobra.Command, id string) (bool, error) {
		return m.Cancel(cmd.Context(), id)
	}))
	rootCmd.AddCommand(jobsCmd)
}
