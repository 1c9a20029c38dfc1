// Package crontrigger implements CronTrigger (SPEC_FULL.md §4.12): an
// optional embedding surface that re-runs a named subset of a Registry's
// declared tasks on a cron schedule. Grounded on the teacher's scheduler.go
// Scheduler: same cron.Cron-with-seconds-precision wrapper, same
// per-entry running-count cap (the teacher's EventHandler.running vs.
// MaxConcurrent), same skip-if-still-running-beyond-cap behavior. Unlike
// the teacher, there is no event-driven trigger path (no Kafka/webhook
// event bus feeds this runner) and no BoltDB schedule persistence — a
// CronTrigger's entries are configured once at process start by its host.
package crontrigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskgraph/runner/internal/core/resilience"
	"github.com/taskgraph/runner/internal/registry"
	"github.com/taskgraph/runner/internal/scheduler"
	"github.com/taskgraph/runner/internal/taskrunner"
)

// Entry describes one scheduled re-run of a task subset.
type Entry struct {
	Name           string                 // unique entry name, used in logs and metrics
	CronExpr       string                 // seconds-precision cron expression
	Selector       string                 // graph.Subset selector restricting which declared tasks run; empty runs every declared task
	FeedValues     map[string]interface{} // free parameters fed to registry.Spawn on each fire
	MaxConcurrent  int                    // 0 = unlimited concurrent firings of this entry
	ParallelDegree int                    // forwarded to scheduler.Params; 0 means unlimited

	// RateLimiter is an opt-in fire-rate cap (SPEC_FULL.md §4.13), independent
	// of MaxConcurrent's running-count cap: it bounds how often this entry is
	// allowed to fire at all, useful for a schedule aggressive enough to
	// queue up firings faster than its target system can take them. Nil by
	// default: an Entry with no RateLimiter configured is never throttled.
	RateLimiter *resilience.RateLimiter
}

type runState struct {
	entry   Entry
	mu      sync.Mutex
	running int
}

// Trigger holds a registry of declared tasks and fires scheduler.Scheduler
// runs against subsets of it on cron schedules.
type Trigger struct {
	cron     *cron.Cron
	registry *registry.Registry
	tracker  *scheduler.Tracker
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*runState

	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter
	tracer        trace.Tracer
}

// New builds a Trigger over reg's declared tasks, tracking fired runs in
// tracker so a host can cancel an in-flight firing by run ID.
func New(reg *registry.Registry, tracker *scheduler.Tracker, meter metric.Meter, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	scheduleRuns, _ := meter.Int64Counter("taskgraph_cron_runs_total")
	scheduleFails, _ := meter.Int64Counter("taskgraph_cron_failures_total")
	return &Trigger{
		cron:          cron.New(cron.WithSeconds()),
		registry:      reg,
		tracker:       tracker,
		logger:        logger,
		entries:       make(map[string]*runState),
		scheduleRuns:  scheduleRuns,
		scheduleFails: scheduleFails,
		tracer:        otel.Tracer("taskgraph-cron"),
	}
}

// Add registers e under its own cron entry. Returns an error for a
// malformed cron expression or a duplicate entry name.
func (t *Trigger) Add(e Entry) error {
	t.mu.Lock()
	if _, exists := t.entries[e.Name]; exists {
		t.mu.Unlock()
		return fmt.Errorf("crontrigger: entry %q already registered", e.Name)
	}
	rs := &runState{entry: e}
	t.entries[e.Name] = rs
	t.mu.Unlock()

	_, err := t.cron.AddFunc(e.CronExpr, func() {
		t.fire(rs)
	})
	if err != nil {
		t.mu.Lock()
		delete(t.entries, e.Name)
		t.mu.Unlock()
		return fmt.Errorf("crontrigger: add schedule %q: %w", e.Name, err)
	}
	return nil
}

// Start begins firing registered entries.
func (t *Trigger) Start() { t.cron.Start() }

// Stop waits for in-flight cron dispatch (not in-flight scheduler runs) to
// settle, bounded by ctx.
func (t *Trigger) Stop(ctx context.Context) error {
	stopCtx := t.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Trigger) fire(rs *runState) {
	rs.mu.Lock()
	if rs.entry.MaxConcurrent > 0 && rs.running >= rs.entry.MaxConcurrent {
		rs.mu.Unlock()
		t.logger.Warn("crontrigger: skipping fire, max concurrent reached",
			"entry", rs.entry.Name, "max", rs.entry.MaxConcurrent)
		return
	}
	rs.running++
	rs.mu.Unlock()

	if rs.entry.RateLimiter != nil && !rs.entry.RateLimiter.Allow() {
		rs.mu.Lock()
		rs.running--
		rs.mu.Unlock()
		t.logger.Warn("crontrigger: skipping fire, rate limit exceeded", "entry", rs.entry.Name)
		return
	}

	ctx := context.Background()
	ctx, span := t.tracer.Start(ctx, "crontrigger.fire",
		trace.WithAttributes(attribute.String("entry", rs.entry.Name)))
	defer span.End()

	runID := rs.entry.Name + "-" + uuid.NewString()

	defer func() {
		rs.mu.Lock()
		rs.running--
		rs.mu.Unlock()
	}()

	g, rctx, runners, err := t.registry.Spawn(rs.entry.FeedValues, nil)
	if err != nil {
		t.logger.Error("crontrigger: spawn failed", "entry", rs.entry.Name, "error", err)
		t.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("entry", rs.entry.Name)))
		return
	}

	if rs.entry.Selector != "" {
		sub, err := g.Subset(rs.entry.Selector)
		if err != nil {
			t.logger.Error("crontrigger: selector failed", "entry", rs.entry.Name, "error", err)
			t.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("entry", rs.entry.Name)))
			return
		}
		g = sub
		kept := make(map[string]taskrunner.Runner, len(g.Names(false)))
		for _, name := range g.Names(false) {
			kept[name] = runners[name]
		}
		runners = kept
	}

	sched, err := scheduler.New(g, runners, rctx, nil, scheduler.Params{
		ParallelDegree: rs.entry.ParallelDegree,
	})
	if err != nil {
		t.logger.Error("crontrigger: scheduler init failed", "entry", rs.entry.Name, "error", err)
		t.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("entry", rs.entry.Name)))
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if t.tracker != nil {
		t.tracker.Register(runID, sched, cancel)
	}

	start := time.Now()
	code := sched.Run(runCtx)
	if t.tracker != nil {
		status := scheduler.RunCompleted
		if code != 0 {
			status = scheduler.RunCancelled
		}
		t.tracker.Complete(runID, status)
	}

	if code != 0 {
		t.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("entry", rs.entry.Name)))
		t.logger.Error("crontrigger: run finished with failures",
			"entry", rs.entry.Name, "run_id", runID, "exit_code", code,
			"duration_ms", time.Since(start).Milliseconds())
		return
	}
	t.scheduleRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("entry", rs.entry.Name)))
	t.logger.Info("crontrigger: run completed",
		"entry", rs.entry.Name, "run_id", runID, "duration_ms", time.Since(start).Milliseconds())
}
