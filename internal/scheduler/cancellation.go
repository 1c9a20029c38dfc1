package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Tracker registers multiple concurrently-running Scheduler instances under
// a run ID and lets external code (an embedding host process; CronTrigger
// registers each firing's run here) request graceful cancellation of one by
// ID instead of only by in-process OS signal. Each
// Scheduler already installs its own SIGINT/SIGTERM handling in Run; Tracker
// is for hosts that run more than one Scheduler at a time and need to target
// a specific run.
//
// Grounded on cancellation.go's CancellationManager, adapted so Cancel drives
// the Scheduler's own runner.Stop() cascade (via terminateAll) rather than
// only cancelling a context.CancelFunc.
type Tracker struct {
	mu     sync.RWMutex
	active map[string]*tracked

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

type tracked struct {
	sched      *Scheduler
	cancelFunc context.CancelFunc
	status     RunStatus
	reason     string
	endedAt    time.Time
}

// RunStatus is a Tracker-level view of a registered run, distinct from a
// single task's RunnerStatus.
type RunStatus string

const (
	RunActive    RunStatus = "active"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
)

// NewTracker builds a Tracker instrumented with meter.
func NewTracker(meter metric.Meter) *Tracker {
	cancellations, _ := meter.Int64Counter("taskgraph_scheduler_cancellations_total")
	return &Tracker{
		active:        make(map[string]*tracked),
		cancellations: cancellations,
		tracer:        otel.Tracer("taskgraph-scheduler"),
	}
}

// Register records a running Scheduler under runID so it can later be
// cancelled by ID. cancelFunc is the context.CancelFunc controlling the
// context passed to sched.Run.
func (t *Tracker) Register(runID string, sched *Scheduler, cancelFunc context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[runID] = &tracked{sched: sched, cancelFunc: cancelFunc, status: RunActive}
}

// Cancel requests cancellation of the registered run, stopping every
// currently running task's runner and cancelling its context.
func (t *Tracker) Cancel(ctx context.Context, runID, reason string) error {
	ctx, span := t.tracer.Start(ctx, "scheduler.cancel",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("reason", reason),
		),
	)
	defer span.End()

	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.active[runID]
	if !ok {
		return fmt.Errorf("scheduler run not found or already completed: %s", runID)
	}
	if tr.status != RunActive {
		return fmt.Errorf("scheduler run is not active: %s (status: %s)", runID, tr.status)
	}

	tr.sched.terminateAll()
	tr.cancelFunc()
	tr.reason = reason
	tr.endedAt = time.Now()
	tr.status = RunCancelled

	t.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("run_id", runID)))
	span.AddEvent("run_cancelled")
	return nil
}

// Complete records a run's final status. The run stays tracked until Sweep
// removes it.
func (t *Tracker) Complete(runID string, status RunStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.active[runID]; ok {
		tr.status = status
		tr.endedAt = time.Now()
	}
}

// Status reports the tracked status of a run.
func (t *Tracker) Status(runID string) (RunStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr, ok := t.active[runID]
	if !ok {
		return "", false
	}
	return tr.status, true
}

// CancelAll cancels every currently active tracked run (for host shutdown).
func (t *Tracker) CancelAll(ctx context.Context, reason string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for runID, tr := range t.active {
		if tr.status != RunActive {
			continue
		}
		tr.sched.terminateAll()
		tr.cancelFunc()
		tr.reason = reason
		tr.endedAt = time.Now()
		tr.status = RunCancelled
		t.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("run_id", runID)))
		n++
	}
	return n
}

// Sweep removes completed/cancelled entries older than retention, bounding
// Tracker's memory for a long-lived daemon (CronTrigger) that accumulates
// many short runs.
func (t *Tracker) Sweep(retention time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	cleaned := 0
	for runID, tr := range t.active {
		if tr.status == RunActive {
			continue
		}
		if !tr.endedAt.IsZero() && now.Sub(tr.endedAt) > retention {
			delete(t.active, runID)
			cleaned++
		}
	}
	return cleaned
}
