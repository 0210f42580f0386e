package runner

import (
	"context"
	"math"
	"time"

	"github.com/goliatone/go-service-command"
)

// RetryStrategy encapsulates the delay between handler attempts.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// RetryDecision is the full answer to "should attempt n+1 happen".
type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
	Metadata    map[string]any
}

// RetryDecider lets a strategy veto a retry based on the error.
type RetryDecider interface {
	Decide(attempt int, err error) RetryDecision
}

// DecideRetry asks a RetryDecider when the strategy is one, otherwise always retries
// after SleepDuration.
func DecideRetry(strategy RetryStrategy, attempt int, err error) RetryDecision {
	if strategy == nil {
		return RetryDecision{ShouldRetry: true}
	}
	if decider, ok := strategy.(RetryDecider); ok {
		return decider.Decide(attempt, err)
	}
	return RetryDecision{
		ShouldRetry: true,
		Delay:       strategy.SleepDuration(attempt, err),
	}
}

// NoDelayStrategy performs all retries immediately.
type NoDelayStrategy struct{}

func (n NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// ExponentialBackoffStrategy implements a capped exponential backoff.
//
//	WithRetryStrategy(ExponentialBackoffStrategy{
//	    Base:   100 * time.Millisecond,
//	    Factor: 2,
//	    Max:    5 * time.Second,
//	})
type ExponentialBackoffStrategy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 1
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt))
	if time.Duration(delay) > e.Max && e.Max > 0 {
		return e.Max
	}
	return time.Duration(delay)
}

// MutationGuard wraps the retry strategy of a mutating command. A timed out
// attempt is never retried because the platform call may still have applied.
type MutationGuard struct {
	Next RetryStrategy
}

func (g MutationGuard) SleepDuration(attempt int, err error) time.Duration {
	if g.Next == nil {
		return 0
	}
	return g.Next.SleepDuration(attempt, err)
}

func (g MutationGuard) Decide(attempt int, err error) RetryDecision {
	if command.IsTimeout(err) {
		return RetryDecision{
			ShouldRetry: false,
			Metadata:    map[string]any{"reason": "timed out mutation may have applied"},
		}
	}
	return DecideRetry(g.Next, attempt, err)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
