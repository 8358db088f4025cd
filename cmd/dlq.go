package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/docsight/docsight/internal/resilience"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and retry dead lettered documents",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter queue entries",
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

		limit, _ := cmd.Flags().GetInt("limit")
		errType, _ := cmd.Flags().GetString("error-type")

		entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{
			ErrorType: errType,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Dead letter queue is empty.")
			return nil
		}

		formatDLQList(os.Stdout, entries)
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reprocess retryable dead lettered documents",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "batch")
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")

		summary, err := env.Pipeline.ProcessDLQ(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "dlq retry")
		}

		zap.L().Info("dlq retry complete",
			zap.Int("processed", summary.Processed),
			zap.Int("converged", summary.Converged),
			zap.Int("failed", summary.Failed),
		)
		return nil
	},
}

var dlqCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Count dead letter queue entries",
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

		n, err := st.CountDLQ(ctx)
		if err != nil {
			return eris.Wrap(err, "dlq count")
		}

		fmt.Println(n)
		return nil
	},
}

func formatDLQList(w io.Writer, entries []resilience.DLQEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDOCUMENT\tSTAGE\tTYPE\tRETRIES\tNEXT RETRY\tERROR")
	for _, e := range entries {
		errMsg := e.Error
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			e.ID,
			e.DocumentPath,
			e.FailedStage,
			e.ErrorType,
			e.RetryCount,
			e.MaxRetries,
			e.NextRetryAt.Format(time.RFC3339),
			errMsg,
		)
	}
	tw.Flush()
}

func init() {
	dlqListCmd.Flags().Int("limit", 50, "max entries to list")
	dlqListCmd.Flags().String("error-type", "", "filter by error type (transient or permanent)")
	dlqRetryCmd.Flags().Int("limit", 20, "max entries to retry")

	dlqCmd.AddCommand(dlqListCmd, dlqRetryCmd, dlqCountCmd)
	rootCmd.AddCommand(dlqCmd)
}
