package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/docsight/docsight/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect document job history",
	Long:  "Commands for listing jobs, viewing one job, and dumping a job's round trace.",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List document jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := st.ListJobs(ctx, store.JobFilter{
			Status: store.JobStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show full details of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

// -- jobs trace --

var jobsTraceCmd = &cobra.Command{
	Use:   "trace <job-id>",
	Short: "Dump a job's validation round trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		rounds, err := st.ListRounds(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs trace")
		}

		if len(rounds) == 0 {
			fmt.Fprintln(os.Stderr, "No rounds recorded.")
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rounds)
	},
}

func formatJobsList(w io.Writer, jobs []store.Job) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDOCUMENT\tSTATUS\tACCURACY\tROUNDS\tUPDATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%d\t%s\n",
			j.ID,
			j.DocumentPath,
			j.Status,
			j.FinalAccuracy,
			j.RoundsCompleted,
			j.UpdatedAt.Format(time.RFC3339),
		)
	}
	tw.Flush()
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by status (queued, running, converged, failed, round_limit_reached)")
	jobsListCmd.Flags().Int("limit", 50, "max jobs to list")

	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsTraceCmd)
	rootCmd.AddCommand(jobsCmd)
}
