// Package resilience provides retry, circuit breaking, and dead letter
// bookkeeping for oracle API calls.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// BreakerState is the current mode of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen lets a probe call through to test recovery.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned when a call is rejected without being run.
var ErrBreakerOpen = eris.New("breaker is open")

// BreakerConfig controls when a Breaker opens and recovers.
type BreakerConfig struct {
	// FailureThreshold is the run of consecutive counted failures that
	// opens the breaker. Default 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before allowing a
	// probe. Default 30s.
	Cooldown time.Duration

	// ShouldTrip decides which errors count toward the threshold. Nil
	// counts every error.
	ShouldTrip func(err error) bool

	// OnStateChange observes transitions.
	OnStateChange func(from, to BreakerState)
}

// Breaker stops dispatching work to a failing upstream. A batch shares
// one breaker across its jobs so a dead API fails the batch fast instead
// of burning a full retry cycle per document.
type Breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time

	now func() time.Time
}

// NewBreaker creates a Breaker with the given config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{cfg: cfg, state: BreakerClosed, now: time.Now}
}

// Run executes fn through the breaker, preserving its value. Returns
// ErrBreakerOpen without calling fn when the breaker is open.
func Run[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.record(err)
	return val, err
}

// State returns the breaker's current mode, accounting for an elapsed
// cooldown.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.lastFailure) >= b.cfg.Cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.state
	b.state = BreakerClosed
	b.failures = 0
	if old != BreakerClosed && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(old, BreakerClosed)
	}
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) >= b.cfg.Cooldown {
			b.transition(BreakerHalfOpen)
			return nil
		}
		return ErrBreakerOpen
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	counted := err != nil
	if counted && b.cfg.ShouldTrip != nil {
		counted = b.cfg.ShouldTrip(err)
	}

	if !counted {
		if b.state == BreakerHalfOpen {
			b.transition(BreakerClosed)
		}
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case BreakerClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		// A failed probe reopens immediately.
		b.transition(BreakerOpen)
	}
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
