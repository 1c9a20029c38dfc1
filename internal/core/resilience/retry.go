package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Policy configures RetryWithPolicy. Multiplier == 1 yields a fixed
// InitialWait between every attempt (the CommandRunner/FunctionRunner
// "retry_interval_seconds" contract); Multiplier > 1 grows the wait
// exponentially up to MaxWait.
type Policy struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
	Jitter      bool // full jitter in [0, currentDelay]
}

// FixedInterval returns a Policy that sleeps exactly interval between every
// attempt, matching spec.md's literal retry_interval_seconds contract.
func FixedInterval(attempts int, interval time.Duration) Policy {
	return Policy{MaxAttempts: attempts, InitialWait: interval, MaxWait: interval, Multiplier: 1}
}

// Retry executes fn with exponential backoff (base delay) + full jitter,
// growing x2 per attempt up to 60s. No package in this module calls it; the
// runners use RetryWithPolicy with FixedInterval.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	return RetryWithPolicy(ctx, Policy{
		MaxAttempts: attempts,
		InitialWait: delay,
		MaxWait:     60 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}, fn)
}

// RetryWithPolicy executes fn up to policy.MaxAttempts times, sleeping
// between attempts per policy, and records otel counters for attempts,
// successes, and failures.
func RetryWithPolicy[T any](ctx context.Context, policy Policy, fn func() (T, error)) (T, error) {
	var zero T
	if policy.MaxAttempts <= 0 {
		return zero, nil
	}
	cur := policy.InitialWait
	var lastErr error
	meter := otel.Meter("taskgraph-resilience")
	attemptCounter, _ := meter.Int64Counter("taskgraph_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("taskgraph_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("taskgraph_resilience_retry_fail_total")

	for i := 0; i < policy.MaxAttempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == policy.MaxAttempts-1 {
			break
		}

		sleep := cur
		if policy.Jitter && cur > 0 {
			sleep = time.Duration(rand.Int63n(int64(cur) + 1))
		}
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}

		if policy.Multiplier > 1 {
			next := time.Duration(float64(cur) * policy.Multiplier)
			if policy.MaxWait > 0 && next > policy.MaxWait {
				next = policy.MaxWait
			}
			cur = next
		}
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
