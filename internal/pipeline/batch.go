package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/docsight/docsight/internal/oracle"
	"github.com/docsight/docsight/internal/resilience"
)

// defaultBatchConcurrency bounds simultaneous document jobs. Each job
// holds at most one API request in flight, so this also bounds API
// pressure.
const defaultBatchConcurrency = 4

// batchBreakerThreshold is the run of consecutive transport failures
// after which the remaining batch stops calling the API and dead
// letters instead.
const batchBreakerThreshold = 5

// BatchSummary aggregates the outcomes of a batch run.
type BatchSummary struct {
	Processed    int
	Converged    int
	RoundLimit   int
	Failed       int
	DeadLettered int
}

// ProcessBatch runs jobs concurrently. Individual failures land in the
// dead letter queue instead of stopping the batch; only context
// cancellation aborts early.
func (p *Pipeline) ProcessBatch(ctx context.Context, jobs []Job, concurrency int) (BatchSummary, error) {
	if concurrency <= 0 {
		concurrency = defaultBatchConcurrency
	}

	var mu sync.Mutex
	var summary BatchSummary

	// One breaker for the whole batch. Only transport trouble counts;
	// semantic and local failures stay per-document.
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		FailureThreshold: batchBreakerThreshold,
		ShouldTrip:       oracle.IsTransport,
		OnStateChange: func(from, to resilience.BreakerState) {
			zap.L().Warn("pipeline: batch breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, job := range jobs {
		g.Go(func() error {
			outcome, err := resilience.Run(gCtx, breaker, func(ctx context.Context) (*Outcome, error) {
				return p.Process(ctx, job, nil)
			})

			mu.Lock()
			defer mu.Unlock()
			summary.Processed++

			if err != nil {
				summary.Failed++
				if gCtx.Err() != nil {
					return gCtx.Err()
				}
				p.deadLetter(gCtx, job, err)
				summary.DeadLettered++
				return nil
			}

			if outcome.Result.AchievedTarget {
				summary.Converged++
			} else {
				summary.RoundLimit++
			}
			return nil
		})
	}

	err := g.Wait()
	return summary, err
}

// ProcessDLQ re-runs eligible dead-lettered jobs. Entries that succeed
// leave the queue; entries that fail again are rescheduled with a longer
// delay until their retry budget runs out.
func (p *Pipeline) ProcessDLQ(ctx context.Context, limit int) (BatchSummary, error) {
	var summary BatchSummary
	if p.store == nil {
		return summary, nil
	}

	entries, err := p.store.DequeueDLQ(ctx, resilience.DLQFilter{ErrorType: "transient", Limit: limit})
	if err != nil {
		return summary, err
	}

	for _, e := range entries {
		job := Job{DocumentPath: e.DocumentPath, SchemaPath: e.SchemaPath}
		outcome, perr := p.Process(ctx, job, nil)
		summary.Processed++

		if perr != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			summary.Failed++
			next := time.Now().UTC().Add(dlqBackoffBase << e.RetryCount)
			if rerr := p.store.IncrementDLQRetry(ctx, e.ID, next, perr.Error()); rerr != nil {
				zap.L().Warn("pipeline: dlq reschedule failed", zap.String("id", e.ID), zap.Error(rerr))
			}
			continue
		}

		if outcome.Result.AchievedTarget {
			summary.Converged++
		} else {
			summary.RoundLimit++
		}
		if rerr := p.store.RemoveDLQ(ctx, e.ID); rerr != nil {
			zap.L().Warn("pipeline: dlq remove failed", zap.String("id", e.ID), zap.Error(rerr))
		}
	}
	return summary, nil
}

func (p *Pipeline) deadLetter(ctx context.Context, job Job, cause error) {
	if p.store == nil {
		return
	}
	entry := dlqEntryFor(job, "process", cause)
	if err := p.store.EnqueueDLQ(ctx, entry); err != nil {
		zap.L().Warn("pipeline: dead letter enqueue failed",
			zap.String("document", job.DocumentPath),
			zap.Error(err),
		)
		return
	}
	zap.L().Info("pipeline: job dead lettered",
		zap.String("document", job.DocumentPath),
		zap.String("error_type", entry.ErrorType),
	)
}
