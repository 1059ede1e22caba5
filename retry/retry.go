// Package retry implements bounded exponential backoff as a structured
// policy. Callers pass a policy and a predicate deciding which errors are
// worth retrying; retry never loops forever and always reports how many
// attempts were made.
package retry

import (
	"context"
	"time"

	"github.com/gaborage/go-datalayer/config"
)

// Policy parameterizes exponential backoff. The zero value performs a single
// attempt with no retries.
type Policy struct {
	MaxRetries   int           // additional attempts after the first
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // upper bound for any single delay
	Multiplier   float64       // delay growth factor per retry
}

// DefaultPolicy returns the backoff used when the caller supplies nothing:
// three retries starting at 100ms, doubling, capped at 5s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// FromConfig builds a Policy from the loaded retry configuration.
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Multiplier:   cfg.BackoffMultiplier,
	}
}

// Retryable decides whether an error justifies another attempt.
type Retryable func(err error) bool

// Do runs fn up to 1+MaxRetries times, sleeping between attempts according to
// the policy. It returns the number of attempts made and the last error.
// A non-retryable error or context cancellation stops the loop immediately;
// cancellation during a backoff sleep returns ctx.Err().
func Do(ctx context.Context, policy Policy, retryable Retryable, fn func(ctx context.Context) error) (attempts int, err error) {
	delay := policy.InitialDelay

	for attempt := 0; ; attempt++ {
		attempts = attempt + 1
		err = fn(ctx)
		if err == nil {
			return attempts, nil
		}

		if attempt >= policy.MaxRetries || retryable == nil || !retryable(err) {
			return attempts, err
		}

		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return attempts, sleepErr
		}

		delay = nextDelay(delay, policy)
	}
}

func nextDelay(current time.Duration, policy Policy) time.Duration {
	multiplier := policy.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	next := time.Duration(float64(current) * multiplier)
	if policy.MaxDelay > 0 && next > policy.MaxDelay {
		next = policy.MaxDelay
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
