package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/docsight/docsight/internal/pipeline"
	"github.com/docsight/docsight/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for document jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		mux := newServeMux(ctx, env)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func newServeMux(ctx context.Context, env *appEnv) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /jobs", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DocumentPath string `json:"document_path"`
			SchemaPath   string `json:"schema_path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if req.DocumentPath == "" || req.SchemaPath == "" {
			http.Error(w, `{"error":"document_path and schema_path are required"}`, http.StatusBadRequest)
			return
		}

		job := pipeline.Job{
			DocumentPath: req.DocumentPath,
			SchemaPath:   req.SchemaPath,
		}

		// Run the job asynchronously; progress lands in the store.
		go func() {
			outcome, err := env.Pipeline.Process(ctx, job, nil)
			if err != nil {
				zap.L().Error("async job failed",
					zap.String("document", job.DocumentPath),
					zap.Error(err),
				)
				return
			}
			zap.L().Info("async job complete",
				zap.String("job_id", outcome.JobID),
				zap.String("state", outcome.Result.FinalState.String()),
			)
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":   "accepted",
			"document": req.DocumentPath,
		})
	})

	mux.HandleFunc("GET /jobs", func(w http.ResponseWriter, r *http.Request) {
		filter := store.JobFilter{
			Status: store.JobStatus(r.URL.Query().Get("status")),
			Limit:  50,
		}
		jobs, err := env.Store.ListJobs(r.Context(), filter)
		if err != nil {
			http.Error(w, `{"error":"list jobs failed"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, jobs)
	})

	mux.HandleFunc("GET /jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		job, err := env.Store.GetJob(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	mux.HandleFunc("GET /jobs/{id}/trace", func(w http.ResponseWriter, r *http.Request) {
		rounds, err := env.Store.ListRounds(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, `{"error":"list rounds failed"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, rounds)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
