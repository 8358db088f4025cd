// Package trace holds the append-only audit record of one extraction
// job's refinement: every validation round, its findings, corrections,
// and accuracy estimate.
package trace

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/docsight/docsight/internal/diff"
	"github.com/docsight/docsight/internal/oracle"
)

// ValidationRound captures one validate+correct cycle. Rounds are never
// mutated after being appended to a trace.
type ValidationRound struct {
	RoundNumber      int                     `json:"round_number"`
	Findings         oracle.Findings         `json:"findings"`
	Corrections      []diff.CorrectionRecord `json:"corrections"`
	AccuracyEstimate float64                 `json:"accuracy_estimate"`
	Duration         int64                   `json:"duration"`

	// Skipped marks a round whose validate call failed past its retry
	// budget early enough to be treated as a no-op rather than fatal.
	Skipped bool `json:"skipped,omitempty"`

	// Repairs lists the JSON repair strategies that were needed to
	// recover this round's oracle responses. Warning-grade events.
	Repairs []string `json:"repairs,omitempty"`
}

// SetDuration records d as the round's wall-clock duration in
// milliseconds.
func (r *ValidationRound) SetDuration(d time.Duration) {
	r.Duration = d.Milliseconds()
}

// ConvergenceTrace is the ordered sequence of rounds for one job. Appends
// are serialized; readers may take snapshots concurrently while a job is
// still running, since appended rounds never change.
type ConvergenceTrace struct {
	mu     sync.RWMutex
	rounds []ValidationRound
}

// Append adds a completed round.
func (t *ConvergenceTrace) Append(r ValidationRound) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rounds = append(t.rounds, r)
}

// Rounds returns a snapshot of the rounds recorded so far.
func (t *ConvergenceTrace) Rounds() []ValidationRound {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ValidationRound, len(t.rounds))
	copy(out, t.rounds)
	return out
}

// Len returns the number of recorded rounds.
func (t *ConvergenceTrace) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rounds)
}

// Last returns the most recent round, if any.
func (t *ConvergenceTrace) Last() (ValidationRound, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.rounds) == 0 {
		return ValidationRound{}, false
	}
	return t.rounds[len(t.rounds)-1], true
}

// MarshalJSON serializes the trace as a plain list of rounds so external
// tooling can consume it without knowing engine internals.
func (t *ConvergenceTrace) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Rounds())
}

// Sink receives each round as it completes. Implementations must tolerate
// being called from the single job goroutine only; a job never shares its
// sink with another job.
type Sink interface {
	Record(round ValidationRound) error
}

// MemorySink collects rounds in memory, for tests and for callers that
// only want the final trace.
type MemorySink struct {
	mu     sync.Mutex
	rounds []ValidationRound
}

// Record implements Sink.
func (s *MemorySink) Record(round ValidationRound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds = append(s.rounds, round)
	return nil
}

// Rounds returns the rounds recorded so far.
func (s *MemorySink) Rounds() []ValidationRound {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ValidationRound, len(s.rounds))
	copy(out, s.rounds)
	return out
}
