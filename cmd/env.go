package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/docsight/docsight/internal/ocr"
	"github.com/docsight/docsight/internal/pipeline"
	"github.com/docsight/docsight/internal/resilience"
	"github.com/docsight/docsight/internal/store"
	anthropicpkg "github.com/docsight/docsight/pkg/anthropic"
)

// appEnv holds the initialized store and pipeline shared by the run,
// batch, and serve commands.
type appEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = "docsight.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv validates config for the given mode, opens the store, and builds
// the pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)

	ocrExt, err := ocr.NewExtractor(cfg.OCR, cfg.Mistral)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init ocr")
	}

	var limiter *rate.Limiter
	if cfg.Anthropic.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Anthropic.RatePerSec), cfg.Anthropic.RatePerSec)
	}

	p := pipeline.New(anthropicClient, ocrExt, st, pipelineConfig(limiter))

	zap.L().Info("pipeline ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("model", cfg.Anthropic.VisionModel),
		zap.Int("max_rounds", cfg.Engine.MaxRounds),
		zap.Float64("target_accuracy", cfg.Engine.TargetAccuracy),
	)

	return &appEnv{Store: st, Pipeline: p}, nil
}

// pipelineConfig maps file/env configuration onto pipeline tuning,
// folding in any per-command flag overrides already applied to cfg.
func pipelineConfig(limiter *rate.Limiter) pipeline.Config {
	return pipeline.Config{
		VisionModel:    cfg.Anthropic.VisionModel,
		MaxTokens:      cfg.Anthropic.MaxTokens,
		MaxRounds:      cfg.Engine.MaxRounds,
		TargetAccuracy: cfg.Engine.TargetAccuracy,
		RoundDelay:     time.Duration(cfg.Engine.RoundDelaySecs) * time.Second,
		Retry: resilience.FromRetryConfig(
			cfg.Retry.MaxAttempts,
			cfg.Retry.InitialBackoffMS,
			cfg.Retry.MaxBackoffMS,
			cfg.Retry.RateLimitFloorMS,
		),
		Limiter: limiter,
	}
}
