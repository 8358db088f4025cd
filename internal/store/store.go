// Package store persists document jobs, their per-round audit traces, and
// the dead letter queue. Two implementations exist: SQLite for single-host
// use and Postgres for shared deployments.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/docsight/docsight/internal/resilience"
	"github.com/docsight/docsight/internal/trace"
)

// JobStatus is the lifecycle state of a stored document job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusRunning    JobStatus = "running"
	JobStatusConverged  JobStatus = "converged"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRoundLimit JobStatus = "round_limit_reached"
)

// Job is one document run through the convergence engine.
type Job struct {
	ID              string          `json:"id"`
	DocumentPath    string          `json:"document_path"`
	SchemaPath      string          `json:"schema_path"`
	Status          JobStatus       `json:"status"`
	FinalAccuracy   float64         `json:"final_accuracy"`
	AchievedTarget  bool            `json:"achieved_target"`
	RoundsCompleted int             `json:"rounds_completed"`
	FinalRecord     json.RawMessage `json:"final_record,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// JobResult carries the terminal outcome of a run.
type JobResult struct {
	Status          JobStatus
	FinalAccuracy   float64
	AchievedTarget  bool
	RoundsCompleted int
	FinalRecord     json.RawMessage
	Error           string
}

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status JobStatus `json:"status,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

// Store defines the persistence interface for document jobs.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, documentPath, schemaPath string) (*Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) error
	CompleteJob(ctx context.Context, jobID string, result JobResult) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)

	// Round traces
	AppendRound(ctx context.Context, jobID string, round trace.ValidationRound) error
	ListRounds(ctx context.Context, jobID string) ([]trace.ValidationRound, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// RoundSink streams engine rounds into a store as they complete, so a
// crash mid-run still leaves the finished rounds queryable.
type RoundSink struct {
	ctx   context.Context
	store Store
	jobID string
}

// NewRoundSink binds a sink to one job. The context outlives individual
// Record calls; it is the job's context.
func NewRoundSink(ctx context.Context, st Store, jobID string) *RoundSink {
	return &RoundSink{ctx: ctx, store: st, jobID: jobID}
}

// Record implements trace.Sink.
func (s *RoundSink) Record(round trace.ValidationRound) error {
	return s.store.AppendRound(s.ctx, s.jobID, round)
}
