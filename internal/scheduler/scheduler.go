// Package scheduler implements the Scheduler (spec.md §4.7): the state
// machine that drives a Graph's tasks to completion through their Runners,
// respecting parallel_degree, try_best, and cooperative cancellation.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/taskgraph/runner/internal/core/resilience"
	"github.com/taskgraph/runner/internal/errs"
	"github.com/taskgraph/runner/internal/graph"
	"github.com/taskgraph/runner/internal/runnerctx"
	"github.com/taskgraph/runner/internal/taskrunner"
)

// RunnerStatus is the eight-state per-task status spec.md §3 names.
type RunnerStatus string

const (
	Waiting  RunnerStatus = "WAITING"
	Ready    RunnerStatus = "READY"
	Running  RunnerStatus = "RUNNING"
	Done     RunnerStatus = "DONE"
	Failed   RunnerStatus = "FAILED"
	Killed   RunnerStatus = "KILLED"
	Canceled RunnerStatus = "CANCELED"
	Disabled RunnerStatus = "DISABLED"
)

func (s RunnerStatus) terminal() bool {
	switch s {
	case Done, Failed, Killed, Canceled, Disabled:
		return true
	default:
		return false
	}
}

// RowState is one ProgressView row, rendered every iteration.
type RowState struct {
	Index            int
	Name             string
	Status           RunnerStatus
	StartTime        time.Time
	Elapsed          time.Duration
	AttemptsMade     int
	AttemptsLimit    int
	DependsRemaining int
}

// ProgressView is the terminal table writer (spec.md §4.8); satisfied
// structurally by internal/progress.View, no import needed here.
type ProgressView interface {
	Render(rows []RowState)
	Close()
}

type noopProgress struct{}

func (noopProgress) Render([]RowState) {}
func (noopProgress) Close()            {}

// EventPublisher is the optional task-status-transition sink (SPEC_FULL.md
// §4.14); satisfied structurally by internal/eventbus.Bus. A Scheduler with
// no EventPublisher configured never calls it, so a run with no event bus
// wired in never touches the network.
type EventPublisher interface {
	Publish(ctx context.Context, task string, status RunnerStatus)
}

// entry is the scheduler's per-task runtime record (spec.md §3's "runner
// runtime record").
type entry struct {
	name      string
	runner    taskrunner.Runner
	status    RunnerStatus
	startTime time.Time
}

// Params bundles the scheduling parameters spec.md §4.7 names.
type Params struct {
	ParallelDegree int // <= 0 means unlimited
	TryBest        bool
	Verbose        bool

	// SpawnLimiter is an opt-in hybrid rate limiter (SPEC_FULL.md §4.13)
	// throttling how fast startReady promotes READY tasks to RUNNING, for a
	// graph that fans out hundreds of command tasks at once. Nil by default:
	// a Scheduler with no SpawnLimiter configured never consults it.
	SpawnLimiter *resilience.HybridRateLimiter
}

// Scheduler drives a validated Graph's tasks through their Runners.
// Grounded on dag_engine.go's executeDAG (ready channel + capacity-gated
// start loop) generalized to the full eight-state machine, and on
// multi_task_runner.py's run() for the exact iteration algorithm.
type Scheduler struct {
	g        *graph.Graph
	dyn      *graph.Dynamic
	rctx     runnerctx.Context
	progress ProgressView
	params   Params
	events   EventPublisher

	mu      sync.Mutex
	entries map[string]*entry
	started bool
}

// WithEvents attaches an EventPublisher that receives every task status
// transition from this point on. Returns s for chaining after New.
func (s *Scheduler) WithEvents(events EventPublisher) *Scheduler {
	s.events = events
	return s
}

func (s *Scheduler) publish(ctx context.Context, task string, status RunnerStatus) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, task, status)
}

// New builds a Scheduler over g (already validated and subset to the
// desired task set; excluded tasks must already be absent from g). runners
// maps each node name in g to the Runner that will execute it.
func New(g *graph.Graph, runners map[string]taskrunner.Runner, rctx runnerctx.Context, progress ProgressView, params Params) (*Scheduler, error) {
	if !g.IsValid() {
		return nil, errs.ErrGraphInvalid
	}
	if progress == nil {
		progress = noopProgress{}
	}
	entries := make(map[string]*entry, g.Len())
	for _, name := range g.Names(false) {
		r, ok := runners[name]
		if !ok {
			return nil, fmt.Errorf("scheduler: no runner registered for task %q", name)
		}
		entries[name] = &entry{name: name, runner: r, status: Waiting}
	}
	return &Scheduler{
		g:        g,
		dyn:      graph.NewDynamic(g),
		rctx:     rctx,
		progress: progress,
		params:   params,
		entries:  entries,
	}, nil
}

// Disable marks tasks DISABLED terminal from the start (spec.md §4.7's
// "subset excludes it" transition) for tasks that stay in g but must not
// run, such as the CLI's task files marked disabled. A disabled task is
// removed from the ready-queue, so its dependents do not wait for it.
func (s *Scheduler) Disable(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		if e, ok := s.entries[n]; ok {
			e.status = Disabled
			s.dyn.Remove(n)
		}
	}
}

// Run executes the scheduler loop to completion (or cancellation) and
// returns the process exit code spec.md §6 names: 0 on full success,
// non-zero otherwise. Run may be invoked at most once per Scheduler.
func (s *Scheduler) Run(ctx context.Context) int {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		panic(errs.ErrAlreadyStarted)
	}
	s.started = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	killed := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			s.terminateAll()
			close(killed)
			cancel()
		case <-ctx.Done():
		}
	}()

	defer s.progress.Close()

	for {
		select {
		case <-killed:
			return s.finalExitCode(true)
		default:
		}

		progressed := s.promoteReady()
		started := s.startReady(ctx)
		anyFailed := s.reapFinished()

		s.renderProgress()

		if anyFailed && !s.params.TryBest {
			s.terminateAll()
			return s.finalExitCode(false)
		}

		if s.activeCount() == 0 {
			return s.finalExitCode(false)
		}

		if !progressed && !started && s.runningCount() == 0 {
			if s.cascadeCanceledIfStalled() {
				return s.finalExitCode(false)
			}
		}

		select {
		case <-ctx.Done():
			s.terminateAll()
			return s.finalExitCode(true)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// promoteReady transitions every WAITING task whose active depends set is
// empty to READY. Returns whether any transition happened.
func (s *Scheduler) promoteReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	progressed := false
	for _, name := range s.dyn.Top(1 << 30) {
		e := s.entries[name]
		if e.status == Waiting {
			e.status = Ready
			progressed = true
		}
	}
	return progressed
}

// startReady pops the ordered ready list while capacity allows, transitions
// to RUNNING, and starts each runner.
func (s *Scheduler) startReady(ctx context.Context) bool {
	s.mu.Lock()
	ready := make([]*entry, 0)
	for _, name := range s.g.Names(true) {
		e := s.entries[name]
		if e.status == Ready {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		ni, _ := s.g.Node(ready[i].name)
		nj, _ := s.g.Node(ready[j].name)
		return ni.OrderID < nj.OrderID
	})

	capacity := s.params.ParallelDegree
	running := s.runningCountLocked()
	started := false
	for _, e := range ready {
		if capacity > 0 && running >= capacity {
			break
		}
		if s.params.SpawnLimiter != nil && !s.params.SpawnLimiter.Allow(ctx) {
			break
		}
		input := s.rctx.GetInput(e.name)
		e.status = Running
		e.startTime = time.Now()
		running++
		started = true
		s.mu.Unlock()
		s.publish(ctx, e.name, Running)
		_ = e.runner.Start(ctx, input)
		s.mu.Lock()
	}
	s.mu.Unlock()
	return started
}

// reapFinished checks every RUNNING task's runner for liveness, transitions
// it to DONE or FAILED, and propagates DONE completions to the dynamic
// graph so dependents' depends counts drop. Returns whether any task
// transitioned to FAILED this call.
func (s *Scheduler) reapFinished() bool {
	s.mu.Lock()
	anyFailed := false
	type transition struct {
		name   string
		status RunnerStatus
	}
	var transitions []transition
	for _, e := range s.entries {
		if e.status != Running {
			continue
		}
		if e.runner.IsAlive() {
			continue
		}
		code := e.runner.ExitCode()
		if code == 0 {
			e.status = Done
			_ = s.rctx.SetOutput(e.name, e.runner.Output())
			s.dyn.Remove(e.name)
		} else {
			e.status = Failed
			anyFailed = true
		}
		transitions = append(transitions, transition{e.name, e.status})
	}
	s.mu.Unlock()

	for _, t := range transitions {
		s.publish(context.Background(), t.name, t.status)
	}
	return anyFailed
}

// cascadeCanceledIfStalled implements spec.md §4.7 step 5: once an iteration
// makes no progress and at least one task has failed, every remaining
// WAITING task whose transitive depends contains a FAILED task transitions
// to CANCELED in one pass. Returns true if the scheduler should now
// terminate (a cascade happened, or nothing more can progress).
func (s *Scheduler) cascadeCanceledIfStalled() bool {
	s.mu.Lock()

	var failedNames []string
	for name, e := range s.entries {
		if e.status == Failed {
			failedNames = append(failedNames, name)
		}
	}
	if len(failedNames) == 0 {
		done := s.activeCountLocked() == 0
		s.mu.Unlock()
		return done
	}

	toCancel := make(map[string]struct{})
	for _, fn := range failedNames {
		for dependent := range s.g.ReverseDepends(fn, true) {
			toCancel[dependent] = struct{}{}
		}
	}
	cascaded := false
	var canceledNames []string
	for name := range toCancel {
		e, ok := s.entries[name]
		if !ok || e.status != Waiting {
			continue
		}
		e.status = Canceled
		cascaded = true
		canceledNames = append(canceledNames, name)
	}
	result := cascaded || s.activeCountLocked() == 0
	s.mu.Unlock()

	for _, name := range canceledNames {
		s.publish(context.Background(), name, Canceled)
	}
	return result
}

// terminateAll stops every currently RUNNING task's runner and transitions
// it to KILLED. Safe to call concurrently with the loop.
func (s *Scheduler) terminateAll() {
	s.mu.Lock()
	var killedNames []string
	for _, e := range s.entries {
		if e.status == Running {
			_ = e.runner.Stop()
			e.status = Killed
			killedNames = append(killedNames, e.name)
		}
	}
	s.mu.Unlock()

	for _, name := range killedNames {
		s.publish(context.Background(), name, Killed)
	}
}

func (s *Scheduler) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningCountLocked()
}

func (s *Scheduler) runningCountLocked() int {
	n := 0
	for _, e := range s.entries {
		if e.status == Running {
			n++
		}
	}
	return n
}

// activeCount reports tasks not yet in a terminal state.
func (s *Scheduler) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCountLocked()
}

func (s *Scheduler) activeCountLocked() int {
	n := 0
	for _, e := range s.entries {
		if !e.status.terminal() {
			n++
		}
	}
	return n
}

func (s *Scheduler) finalExitCode(cancellation bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancellation {
		return 130
	}
	for _, e := range s.entries {
		if e.status == Failed || e.status == Killed || e.status == Canceled {
			return 1
		}
	}
	return 0
}

func (s *Scheduler) renderProgress() {
	s.mu.Lock()
	names := s.g.Names(true)
	rows := make([]RowState, 0, len(names))
	for i, name := range names {
		e := s.entries[name]
		made, limit := 0, 0
		if e.status == Running || e.status.terminal() {
			made, limit = e.runner.Attempts()
		}
		elapsed := time.Duration(0)
		if !e.startTime.IsZero() && e.status == Running {
			elapsed = time.Since(e.startTime)
		}
		remaining := 0
		for d := range s.g.Depends(name) {
			if de, ok := s.entries[d]; ok && de.status != Done && de.status != Disabled {
				remaining++
			}
		}
		rows = append(rows, RowState{
			Index:            i,
			Name:             name,
			Status:           e.status,
			StartTime:        e.startTime,
			Elapsed:          elapsed,
			AttemptsMade:     made,
			AttemptsLimit:    limit,
			DependsRemaining: remaining,
		})
	}
	s.mu.Unlock()
	s.progress.Render(rows)
}

// Status returns the current status of a single task, for callers (tests,
// the CLI's --print-params diagnostics) that want a snapshot without
// waiting for Run to return.
func (s *Scheduler) Status(name string) (RunnerStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return "", false
	}
	return e.status, true
}
