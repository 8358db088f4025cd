// Package pipeline orchestrates document jobs end to end: recognize text,
// extract an initial record, run the convergence engine, and persist the
// outcome with its full round trace.
package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/docsight/docsight/internal/engine"
	"github.com/docsight/docsight/internal/extract"
	"github.com/docsight/docsight/internal/ocr"
	"github.com/docsight/docsight/internal/oracle"
	"github.com/docsight/docsight/internal/record"
	"github.com/docsight/docsight/internal/resilience"
	"github.com/docsight/docsight/internal/schema"
	"github.com/docsight/docsight/internal/store"
	"github.com/docsight/docsight/internal/trace"
	"github.com/docsight/docsight/pkg/anthropic"
)

// Config carries per-run tuning for the pipeline.
type Config struct {
	VisionModel    string
	MaxTokens      int64
	MaxRounds      int
	TargetAccuracy float64
	RoundDelay     time.Duration
	Retry          resilience.RetryConfig
	// Limiter bounds the API request rate across every job and stage
	// sharing this pipeline. Nil means unlimited.
	Limiter *rate.Limiter
}

// Job identifies one document to process.
type Job struct {
	DocumentPath string
	SchemaPath   string
}

// Outcome is the persisted result of one job.
type Outcome struct {
	JobID    string
	Document string
	Result   *engine.Result
}

// Pipeline wires the extractor, the oracle, and the store together. The
// store and the OCR extractor are both optional; without a store results
// only reach the caller, without OCR the image alone carries the document.
type Pipeline struct {
	client  anthropic.Client
	ocr     ocr.Extractor
	store   store.Store
	cfg     Config
	oracles func() oracle.Oracle
}

// New creates a Pipeline. ocrExt and st may be nil.
func New(client anthropic.Client, ocrExt ocr.Extractor, st store.Store, cfg Config) *Pipeline {
	p := &Pipeline{
		client: client,
		ocr:    ocrExt,
		store:  st,
		cfg:    cfg,
	}
	// Each job gets its own oracle so repair tracking stays per-job.
	p.oracles = func() oracle.Oracle {
		return oracle.NewClaude(client, oracle.ClaudeConfig{
			Model:     cfg.VisionModel,
			MaxTokens: cfg.MaxTokens,
			Limiter:   cfg.Limiter,
		})
	}
	return p
}

// Process runs one document job to completion and persists the outcome.
// onProgress may be nil.
func (p *Pipeline) Process(ctx context.Context, job Job, onProgress func(string)) (*Outcome, error) {
	log := zap.L().With(zap.String("document", job.DocumentPath))
	log.Info("pipeline: starting job")

	sch, err := schema.Load(job.SchemaPath)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load schema")
	}

	doc, err := loadDocument(job.DocumentPath)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load document")
	}

	var jobID string
	var sink trace.Sink
	if p.store != nil {
		rec, err := p.store.CreateJob(ctx, job.DocumentPath, job.SchemaPath)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: create job")
		}
		jobID = rec.ID
		sink = store.NewRoundSink(ctx, p.store, jobID)
		p.setStatus(ctx, jobID, store.JobStatusRunning)
	}

	doc.Text = p.recognize(ctx, job.DocumentPath, log)

	extractor := extract.New(p.client, extract.Config{
		Model:     p.cfg.VisionModel,
		MaxTokens: p.cfg.MaxTokens,
		Limiter:   p.cfg.Limiter,
	})
	retryCfg := p.cfg.Retry
	retryCfg.ShouldRetry = oracle.Retryable
	retryCfg.OnRetry = resilience.RetryLogger("oracle", "extract")
	initial, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (record.Value, error) {
		return extractor.Extract(ctx, sch, doc)
	})
	if err != nil {
		p.failJob(ctx, jobID, nil, err)
		return nil, eris.Wrap(err, "pipeline: initial extraction")
	}

	ctrl := engine.New(p.oracles(), sink)
	result, runErr := ctrl.Run(ctx, initial, sch, doc, engine.Params{
		MaxRounds:      p.cfg.MaxRounds,
		TargetAccuracy: p.cfg.TargetAccuracy,
		RoundDelay:     p.cfg.RoundDelay,
		Retry:          p.cfg.Retry,
		OnProgress:     onProgress,
	})
	if runErr != nil {
		p.failJob(ctx, jobID, result, runErr)
		return &Outcome{JobID: jobID, Document: job.DocumentPath, Result: result}, eris.Wrap(runErr, "pipeline: convergence")
	}

	p.completeJob(ctx, jobID, result)
	log.Info("pipeline: job finished",
		zap.String("state", result.FinalState.String()),
		zap.Float64("accuracy", result.FinalAccuracy),
		zap.Int("rounds", result.Trace.Len()),
	)
	return &Outcome{JobID: jobID, Document: job.DocumentPath, Result: result}, nil
}

// recognize produces OCR text for PDF documents. Failures leave the text
// empty rather than failing the job; a later semantic refusal from the
// oracle reports the missing content.
func (p *Pipeline) recognize(ctx context.Context, path string, log *zap.Logger) string {
	if p.ocr == nil || !strings.EqualFold(filepath.Ext(path), ".pdf") {
		return ""
	}
	text, err := p.ocr.ExtractText(ctx, path)
	if err != nil {
		log.Warn("pipeline: ocr failed, continuing without text", zap.Error(err))
		return ""
	}
	return text
}

func (p *Pipeline) setStatus(ctx context.Context, jobID string, status store.JobStatus) {
	if p.store == nil || jobID == "" {
		return
	}
	if err := p.store.UpdateJobStatus(ctx, jobID, status); err != nil {
		zap.L().Warn("pipeline: update status failed", zap.String("job", jobID), zap.Error(err))
	}
}

func (p *Pipeline) completeJob(ctx context.Context, jobID string, result *engine.Result) {
	if p.store == nil || jobID == "" {
		return
	}
	rec, err := json.Marshal(result.FinalRecord)
	if err != nil {
		zap.L().Warn("pipeline: marshal final record failed", zap.String("job", jobID), zap.Error(err))
	}
	if err := p.store.CompleteJob(ctx, jobID, store.JobResult{
		Status:          statusForState(result.FinalState),
		FinalAccuracy:   result.FinalAccuracy,
		AchievedTarget:  result.AchievedTarget,
		RoundsCompleted: result.Trace.Len(),
		FinalRecord:     rec,
	}); err != nil {
		zap.L().Warn("pipeline: complete job failed", zap.String("job", jobID), zap.Error(err))
	}
}

func (p *Pipeline) failJob(ctx context.Context, jobID string, result *engine.Result, cause error) {
	if p.store == nil || jobID == "" {
		return
	}
	res := store.JobResult{
		Status: store.JobStatusFailed,
		Error:  cause.Error(),
	}
	if result != nil {
		res.FinalAccuracy = result.FinalAccuracy
		res.RoundsCompleted = result.Trace.Len()
		if rec, err := json.Marshal(result.FinalRecord); err == nil {
			res.FinalRecord = rec
		}
	}
	if err := p.store.CompleteJob(ctx, jobID, res); err != nil {
		zap.L().Warn("pipeline: record failure failed", zap.String("job", jobID), zap.Error(err))
	}
}

func statusForState(s engine.State) store.JobStatus {
	switch s {
	case engine.StateConverged:
		return store.JobStatusConverged
	case engine.StateRoundLimitReached:
		return store.JobStatusRoundLimit
	default:
		return store.JobStatusFailed
	}
}

// loadDocument reads an image file into a DocumentRef. PDFs carry no
// image payload; their content reaches the model as recognized text on
// Text, filled in after OCR runs.
func loadDocument(path string) (oracle.DocumentRef, error) {
	ref := oracle.DocumentRef{Name: filepath.Base(path)}

	mediaType, ok := imageMediaTypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		if strings.EqualFold(filepath.Ext(path), ".pdf") {
			if _, err := os.Stat(path); err != nil {
				return ref, eris.Wrapf(err, "stat %s", path)
			}
			return ref, nil
		}
		return ref, eris.Errorf("unsupported document type %q", filepath.Ext(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ref, eris.Wrapf(err, "read %s", path)
	}
	ref.MediaType = mediaType
	ref.Data = data
	return ref, nil
}

var imageMediaTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// dlqBackoffBase spaces DLQ retries; doubled per prior attempt.
const dlqBackoffBase = 15 * time.Minute

func dlqEntryFor(job Job, stage string, cause error) resilience.DLQEntry {
	now := time.Now().UTC()
	return resilience.DLQEntry{
		ID:           uuid.New().String(),
		DocumentPath: job.DocumentPath,
		SchemaPath:   job.SchemaPath,
		Error:        cause.Error(),
		ErrorType:    resilience.ClassifyError(cause),
		FailedStage:  stage,
		MaxRetries:   3,
		NextRetryAt:  now.Add(dlqBackoffBase),
		CreatedAt:    now,
		LastFailedAt: now,
	}
}
