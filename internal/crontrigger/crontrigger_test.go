package crontrigger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/taskgraph/runner/internal/registry"
	"github.com/taskgraph/runner/internal/scheduler"
	"github.com/taskgraph/runner/internal/taskrunner"
)

func countingRunner(n *int64) taskrunner.Runner {
	return taskrunner.NewFunctionRunner(
		taskrunner.Spec{Name: "x", RetryLimit: 1, RetryInterval: time.Millisecond},
		func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
			atomic.AddInt64(n, 1)
			return map[string]interface{}{}, nil
		},
	)
}

func TestFireRunsRegisteredTasksOnSchedule(t *testing.T) {
	var calls int64
	reg := registry.New()
	if err := reg.Register(registry.Decl{Name: "A", Runner: countingRunner(&calls)}); err != nil {
		t.Fatal(err)
	}

	meter := otel.GetMeterProvider().Meter("crontrigger-test")
	trig := New(reg, scheduler.NewTracker(meter), meter, nil)

	rs := &runState{entry: Entry{Name: "every-fire", MaxConcurrent: 1}}
	trig.fire(rs)

	if atomic.LoadInt64(&calls) != 1 {
		t.Fatalf("expected task to run once, got %d", calls)
	}
}

func TestFireSkipsWhenMaxConcurrentReached(t *testing.T) {
	var calls int64
	reg := registry.New()
	if err := reg.Register(registry.Decl{Name: "A", Runner: countingRunner(&calls)}); err != nil {
		t.Fatal(err)
	}

	meter := otel.GetMeterProvider().Meter("crontrigger-test")
	trig := New(reg, scheduler.NewTracker(meter), meter, nil)

	rs := &runState{entry: Entry{Name: "capped", MaxConcurrent: 1}, running: 1}
	trig.fire(rs)

	if atomic.LoadInt64(&calls) != 0 {
		t.Fatalf("expected fire to be skipped while at cap, got %d calls", calls)
	}
}
