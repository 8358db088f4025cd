package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/docsight/docsight/internal/pipeline"
)

var (
	runSchema    string
	runMaxRounds int
	runTarget    float64
	runShowTrace bool
)

var runCmd = &cobra.Command{
	Use:   "run <document>",
	Short: "Extract and converge a single document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if runMaxRounds > 0 {
			cfg.Engine.MaxRounds = runMaxRounds
		}
		if runTarget > 0 {
			cfg.Engine.TargetAccuracy = runTarget
		}

		env, err := initEnv(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		job := pipeline.Job{
			DocumentPath: args[0],
			SchemaPath:   runSchema,
		}

		outcome, err := env.Pipeline.Process(ctx, job, func(msg string) {
			fmt.Fprintln(os.Stderr, msg)
		})
		if err != nil {
			return eris.Wrap(err, "process document")
		}

		result := outcome.Result
		zap.L().Info("document processed",
			zap.String("job_id", outcome.JobID),
			zap.String("state", result.FinalState.String()),
			zap.Float64("accuracy", result.FinalAccuracy),
			zap.Int("rounds", result.Trace.Len()),
		)

		out := map[string]any{
			"job_id":          outcome.JobID,
			"state":           result.FinalState.String(),
			"accuracy":        result.FinalAccuracy,
			"achieved_target": result.AchievedTarget,
			"record":          result.FinalRecord,
		}
		if runShowTrace {
			out["trace"] = result.Trace
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	runCmd.Flags().StringVar(&runSchema, "schema", "", "path to the extraction schema (required)")
	runCmd.Flags().IntVar(&runMaxRounds, "max-rounds", 0, "override engine.max_rounds")
	runCmd.Flags().Float64Var(&runTarget, "target-accuracy", 0, "override engine.target_accuracy")
	runCmd.Flags().BoolVar(&runShowTrace, "trace", false, "include the full round trace in the output")
	_ = runCmd.MarkFlagRequired("schema")
	rootCmd.AddCommand(runCmd)
}
