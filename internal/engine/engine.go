// Package engine implements the validation-correction convergence loop:
// it repeatedly submits the current record to a vision oracle, applies the
// oracle's corrections, diffs and classifies what changed, tracks a
// running accuracy estimate, and decides when to stop.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/docsight/docsight/internal/accuracy"
	"github.com/docsight/docsight/internal/diff"
	"github.com/docsight/docsight/internal/oracle"
	"github.com/docsight/docsight/internal/record"
	"github.com/docsight/docsight/internal/resilience"
	"github.com/docsight/docsight/internal/schema"
	"github.com/docsight/docsight/internal/trace"
)

const (
	defaultMaxRounds      = 5
	defaultTargetAccuracy = 0.95
	defaultRoundDelay     = 2 * time.Second

	// Validate failures inside the first few rounds skip forward
	// instead of aborting, because early-round noise is common.
	earlyRoundLimit = 3

	// A single residual issue at target accuracy does not force an
	// extra round; requiring exactly zero makes the loop oscillate
	// around the threshold.
	residualIssueAllowance = 1
)

// Params controls one convergence run.
type Params struct {
	// MaxRounds caps the validate/correct cycles. Default 5.
	MaxRounds int
	// TargetAccuracy in (0,1] stops the loop once met. Default 0.95.
	TargetAccuracy float64
	// RoundDelay is the pause between rounds, there to respect the
	// oracle's rate limits. Default 2s.
	RoundDelay time.Duration
	// Retry is the per-oracle-call retry policy.
	Retry resilience.RetryConfig
	// OnProgress, when set, receives one message per significant
	// transition. Purely observational.
	OnProgress func(message string)
}

// Result is what every run returns, including failed ones: the best record
// obtained, the full audit trace, and whether the accuracy target was met.
type Result struct {
	FinalRecord    record.Value
	Trace          *trace.ConvergenceTrace
	AchievedTarget bool
	FinalState     State
	FinalAccuracy  float64
}

// RepairTaker is implemented by oracles that track the JSON repairs their
// responses needed; the controller drains them into each round.
type RepairTaker interface {
	TakeRepairs() []string
}

// Controller drives the convergence loop for one job at a time. It owns
// current_record exclusively for the duration of a run and never mutates
// the schema or document reference.
type Controller struct {
	oracle oracle.Oracle
	sink   trace.Sink
	log    *zap.Logger
}

// New builds a controller. sink may be nil when no per-round persistence
// is wanted.
func New(o oracle.Oracle, sink trace.Sink) *Controller {
	return &Controller{
		oracle: o,
		sink:   sink,
		log:    zap.L(),
	}
}

// Run executes validate/correct rounds until convergence, failure, or the
// round budget runs out. The returned Result is always non-nil: on error
// it carries the partial trace and the last good record, so callers can
// judge whether partial output is usable.
func (c *Controller) Run(ctx context.Context, initial record.Value, sch *schema.Schema, doc oracle.DocumentRef, p Params) (*Result, error) {
	p = applyDefaults(p)

	current := initial
	tr := &trace.ConvergenceTrace{}
	lastAccuracy := accuracy.SchemaCompleteness(current, sch)

	result := func(s State) *Result {
		return &Result{
			FinalRecord:    current,
			Trace:          tr,
			AchievedTarget: s == StateConverged,
			FinalState:     s,
			FinalAccuracy:  lastAccuracy,
		}
	}

	for round := 1; round <= p.MaxRounds; round++ {
		if round > 1 {
			if err := sleep(ctx, p.RoundDelay); err != nil {
				return result(StateFailed), eris.Wrap(err, "engine: canceled between rounds")
			}
		}

		start := time.Now()
		c.progress(p, "round %d: validating", round)

		findings, err := resilience.DoVal(ctx, c.retryConfig(p, "validate"), func(ctx context.Context) (oracle.Findings, error) {
			return c.oracle.Validate(ctx, current, sch, doc)
		})
		if err != nil {
			if oracle.IsSemantic(err) || ctx.Err() != nil || round > earlyRoundLimit {
				c.log.Error("validation failed",
					zap.Int("round", round),
					zap.String("document", doc.Name),
					zap.Error(err),
				)
				return result(StateFailed), eris.Wrapf(err, "engine: round %d validate", round)
			}

			// Early rounds absorb the failure as a no-op round and
			// move on, carrying the prior accuracy estimate forward.
			c.log.Warn("skipping failed early round",
				zap.Int("round", round),
				zap.String("document", doc.Name),
				zap.Error(err),
			)
			c.progress(p, "round %d: validation failed, skipping", round)
			c.appendRound(tr, roundEntry(round, oracle.Findings{}, nil, lastAccuracy, start, true, nil))
			continue
		}

		repairs := c.takeRepairs()

		if findings.IssuesFound == 0 {
			// An oracle reporting zero issues is authoritative over
			// heuristic scoring.
			lastAccuracy = 1.0
			c.appendRound(tr, roundEntry(round, findings, nil, lastAccuracy, start, false, repairs))
			c.progress(p, "round %d: no issues found, converged", round)
			return result(StateConverged), nil
		}

		c.progress(p, "round %d: %d issues found, correcting", round, findings.IssuesFound)

		corrected, err := resilience.DoVal(ctx, c.retryConfig(p, "correct"), func(ctx context.Context) (record.Value, error) {
			return c.oracle.Correct(ctx, current, findings, sch, doc)
		})
		if err != nil {
			c.log.Error("correction failed",
				zap.Int("round", round),
				zap.String("document", doc.Name),
				zap.Error(err),
			)
			c.appendRound(tr, roundEntry(round, findings, nil, lastAccuracy, start, false, repairs))
			return result(StateFailed), eris.Wrapf(err, "engine: round %d correct", round)
		}

		corrections := diff.Diff(current, corrected, round)
		lastAccuracy = accuracy.CorrectionPenalty(corrections)
		current = corrected
		repairs = append(repairs, c.takeRepairs()...)

		c.appendRound(tr, roundEntry(round, findings, corrections, lastAccuracy, start, false, repairs))
		c.progress(p, "round %d: applied %d corrections, accuracy %.2f", round, len(corrections), lastAccuracy)

		if lastAccuracy >= p.TargetAccuracy && findings.IssuesFound <= residualIssueAllowance {
			c.progress(p, "target accuracy reached after %d rounds", round)
			return result(StateConverged), nil
		}
	}

	c.progress(p, "round limit reached after %d rounds", p.MaxRounds)
	return result(StateRoundLimitReached), nil
}

func (c *Controller) retryConfig(p Params, op string) resilience.RetryConfig {
	cfg := p.Retry
	cfg.ShouldRetry = oracle.Retryable
	cfg.OnRetry = resilience.RetryLogger("oracle", op)
	return cfg
}

func (c *Controller) takeRepairs() []string {
	if rt, ok := c.oracle.(RepairTaker); ok {
		return rt.TakeRepairs()
	}
	return nil
}

func (c *Controller) appendRound(tr *trace.ConvergenceTrace, round trace.ValidationRound) {
	tr.Append(round)
	if c.sink == nil {
		return
	}
	if err := c.sink.Record(round); err != nil {
		c.log.Warn("trace sink write failed",
			zap.Int("round", round.RoundNumber),
			zap.Error(err),
		)
	}
}

func (c *Controller) progress(p Params, format string, args ...any) {
	if p.OnProgress == nil {
		return
	}
	p.OnProgress(fmt.Sprintf(format, args...))
}

func roundEntry(n int, f oracle.Findings, corrections []diff.CorrectionRecord, est float64, start time.Time, skipped bool, repairs []string) trace.ValidationRound {
	r := trace.ValidationRound{
		RoundNumber:      n,
		Findings:         f,
		Corrections:      corrections,
		AccuracyEstimate: est,
		Skipped:          skipped,
		Repairs:          repairs,
	}
	r.SetDuration(time.Since(start))
	return r
}

func applyDefaults(p Params) Params {
	if p.MaxRounds < 1 {
		p.MaxRounds = defaultMaxRounds
	}
	if p.TargetAccuracy <= 0 || p.TargetAccuracy > 1 {
		p.TargetAccuracy = defaultTargetAccuracy
	}
	if p.RoundDelay <= 0 {
		p.RoundDelay = defaultRoundDelay
	}
	return p
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
