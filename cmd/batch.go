package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/docsight/docsight/internal/pipeline"
)

var (
	batchSchema string
	batchLimit  int
)

// documentExts are the file types batch picks up when given a directory.
var documentExts = map[string]bool{
	".pdf":  true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

var batchCmd = &cobra.Command{
	Use:   "batch <dir-or-files...>",
	Short: "Process a batch of documents concurrently",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "batch")
		if err != nil {
			return err
		}
		defer env.Close()

		docs, err := collectDocuments(args)
		if err != nil {
			return err
		}
		if batchLimit > 0 && len(docs) > batchLimit {
			docs = docs[:batchLimit]
		}
		if len(docs) == 0 {
			zap.L().Info("no documents found")
			return nil
		}

		jobs := make([]pipeline.Job, 0, len(docs))
		for _, d := range docs {
			jobs = append(jobs, pipeline.Job{DocumentPath: d, SchemaPath: batchSchema})
		}

		summary, err := env.Pipeline.ProcessBatch(ctx, jobs, cfg.Batch.MaxConcurrentJobs)
		if err != nil {
			return eris.Wrap(err, "process batch")
		}

		zap.L().Info("batch complete",
			zap.Int("processed", summary.Processed),
			zap.Int("converged", summary.Converged),
			zap.Int("round_limit", summary.RoundLimit),
			zap.Int("failed", summary.Failed),
			zap.Int("dead_lettered", summary.DeadLettered),
		)
		return nil
	},
}

// collectDocuments expands directory arguments into their document files
// and passes file arguments through. Results are sorted for stable order.
func collectDocuments(args []string) ([]string, error) {
	var docs []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "stat %s", arg)
		}
		if !info.IsDir() {
			docs = append(docs, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "read dir %s", arg)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if documentExts[strings.ToLower(filepath.Ext(e.Name()))] {
				docs = append(docs, filepath.Join(arg, e.Name()))
			}
		}
	}
	sort.Strings(docs)
	return docs, nil
}

func init() {
	batchCmd.Flags().StringVar(&batchSchema, "schema", "", "path to the extraction schema (required)")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max number of documents to process (0 = all)")
	_ = batchCmd.MarkFlagRequired("schema")
	rootCmd.AddCommand(batchCmd)
}
