// Package taskrunner implements CommandRunner and FunctionRunner
// (SPEC_FULL.md §4.5, §4.6): the two concrete Runner kinds a Scheduler
// drives. Per spec.md §9's design note, both collapse to a single Runner
// interface discriminated by capability — start, is_alive, stop, exit_code,
// output — not by an inheritance hierarchy.
package taskrunner

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner is the capability set the Scheduler polls and drives. Start is
// asynchronous: it returns immediately and the runner manages its own
// internal retry loop (up to retry_limit attempts, sleeping retry_interval
// between them) until IsAlive reports false.
type Runner interface {
	// Start begins execution with the given input mapping. It must not block
	// past kicking off the work. After Stop, a later Start makes no attempt.
	Start(ctx context.Context, input map[string]interface{}) error
	// IsAlive reports whether the runner is still attempting the task
	// (including sleeping between retries). Once false, ExitCode/Output are
	// final.
	IsAlive() bool
	// Stop requests cancellation: SIGTERM to the process group for
	// CommandRunner and subprocess FunctionRunner, an event flag for thread
	// FunctionRunner. Idempotent.
	Stop() error
	// ExitCode returns the final attempt's exit code once IsAlive is false.
	ExitCode() int
	// Output returns the parsed output value of the last successful attempt,
	// or an empty map if every attempt failed.
	Output() map[string]interface{}
	// Attempts reports attempts made so far and the configured retry limit.
	Attempts() (made, limit int)
}

// Spec bundles the declaration-time fields common to both runner kinds,
// mirroring spec.md §3's task declaration record.
type Spec struct {
	Name          string
	RetryLimit    int           // >= 1
	RetryInterval time.Duration // sleep between attempts
	Logger        *slog.Logger
}

// base implements the bookkeeping shared by CommandRunner and FunctionRunner:
// attempt counting, liveness, exit code, and output storage behind a mutex,
// plus the idempotent stop flag both runner kinds poll from their retry loop.
type base struct {
	spec Spec

	mu       sync.Mutex
	alive    bool
	attempts int
	exitCode int
	output   map[string]interface{}
	stopped  bool
	doneCh   chan struct{}
}

func newBase(spec Spec) base {
	if spec.Logger == nil {
		spec.Logger = slog.Default()
	}
	if spec.RetryLimit <= 0 {
		spec.RetryLimit = 1
	}
	return base{spec: spec}
}

func (b *base) IsAlive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alive
}

func (b *base) ExitCode() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exitCode
}

func (b *base) Output() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.output == nil {
		return map[string]interface{}{}
	}
	return b.output
}

func (b *base) Attempts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts, b.spec.RetryLimit
}

func (b *base) markStarted() {
	b.mu.Lock()
	b.alive = true
	b.doneCh = make(chan struct{})
	b.mu.Unlock()
}

func (b *base) recordAttempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	return b.attempts
}

func (b *base) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

func (b *base) markStopped() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
}

func (b *base) finish(exitCode int, output map[string]interface{}) {
	b.mu.Lock()
	b.alive = false
	b.exitCode = exitCode
	b.output = output
	done := b.doneCh
	b.mu.Unlock()
	if done != nil {
		close(done)
	}
}
