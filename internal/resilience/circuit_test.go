package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerClosedPassesThrough(t *testing.T) {
	b := NewBreaker(BreakerConfig{})

	var calls int
	val, err := Run(context.Background(), b, func(_ context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, val)
	assert.Equal(t, 1, calls)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3})
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_, err := Run(context.Background(), b, func(_ context.Context) (int, error) {
			return 0, boom
		})
		require.ErrorIs(t, err, boom)
	}

	assert.Equal(t, BreakerOpen, b.State())

	var calls int
	_, err := Run(context.Background(), b, func(_ context.Context) (int, error) {
		calls++
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, 0, calls)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3})
	boom := errors.New("boom")

	fail := func(_ context.Context) (int, error) { return 0, boom }
	ok := func(_ context.Context) (int, error) { return 1, nil }

	Run(context.Background(), b, fail)
	Run(context.Background(), b, fail)
	Run(context.Background(), b, ok)
	Run(context.Background(), b, fail)
	Run(context.Background(), b, fail)

	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})
	now := time.Now()
	b.now = func() time.Time { return now }

	Run(context.Background(), b, func(_ context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	require.Equal(t, BreakerOpen, b.State())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, BreakerHalfOpen, b.State())

	// Successful probe closes the breaker.
	val, err := Run(context.Background(), b, func(_ context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, val)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})
	now := time.Now()
	b.now = func() time.Time { return now }

	Run(context.Background(), b, func(_ context.Context) (int, error) {
		return 0, errors.New("boom")
	})

	now = now.Add(2 * time.Minute)
	_, err := Run(context.Background(), b, func(_ context.Context) (int, error) {
		return 0, errors.New("still down")
	})
	require.Error(t, err)

	_, err = Run(context.Background(), b, func(_ context.Context) (int, error) {
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrBreakerOpen)
}

func TestBreakerShouldTripFilters(t *testing.T) {
	semantic := errors.New("illegible document")
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       func(err error) bool { return !errors.Is(err, semantic) },
	})

	_, err := Run(context.Background(), b, func(_ context.Context) (int, error) {
		return 0, semantic
	})
	require.ErrorIs(t, err, semantic)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(from, to BreakerState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	Run(context.Background(), b, func(_ context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	b.Reset()

	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}
