package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/taskgraph/runner/internal/graph"
	"github.com/taskgraph/runner/internal/runnerctx"
	"github.com/taskgraph/runner/internal/taskrunner"
)

// fakeRunner is a Runner test double that finishes after a short delay with
// a fixed exit code and output.
type fakeRunner struct {
	exitCode int
	output   map[string]interface{}
	alive    bool
	stopped  bool
}

func newFakeRunner(exitCode int, output map[string]interface{}) *fakeRunner {
	return &fakeRunner{exitCode: exitCode, output: output}
}

func (f *fakeRunner) Start(ctx context.Context, input map[string]interface{}) error {
	f.alive = true
	go func() {
		time.Sleep(20 * time.Millisecond)
		f.alive = false
	}()
	return nil
}
func (f *fakeRunner) IsAlive() bool                  { return f.alive }
func (f *fakeRunner) Stop() error                    { f.stopped = true; f.alive = false; return nil }
func (f *fakeRunner) ExitCode() int                  { return f.exitCode }
func (f *fakeRunner) Output() map[string]interface{} { return f.output }
func (f *fakeRunner) Attempts() (int, int)           { return 1, 1 }

func buildDiamond(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	g.Add("A", nil)
	g.Add("B", []string{"A"})
	g.Add("C", []string{"A"})
	g.Add("D", []string{"B", "C"})
	if !g.IsValid() {
		t.Fatal("expected valid diamond graph")
	}
	return g
}

func TestDiamondRunsToCompletion(t *testing.T) {
	g := buildDiamond(t)
	runners := map[string]taskrunner.Runner{
		"A": newFakeRunner(0, map[string]interface{}{}),
		"B": newFakeRunner(0, map[string]interface{}{}),
		"C": newFakeRunner(0, map[string]interface{}{}),
		"D": newFakeRunner(0, map[string]interface{}{}),
	}
	sched, err := New(g, runners, runnerctx.NewRecord(nil), nil, Params{ParallelDegree: 4})
	if err != nil {
		t.Fatal(err)
	}
	code := sched.Run(context.Background())
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	for _, name := range []string{"A", "B", "C", "D"} {
		st, _ := sched.Status(name)
		if st != Done {
			t.Fatalf("expected %s DONE, got %s", name, st)
		}
	}
}

func TestTryBestFalseCancelsDependentsOnFailure(t *testing.T) {
	g := buildDiamond(t)
	runners := map[string]taskrunner.Runner{
		"A": newFakeRunner(0, map[string]interface{}{}),
		"B": newFakeRunner(0, map[string]interface{}{}),
		"C": newFakeRunner(1, map[string]interface{}{}),
		"D": newFakeRunner(0, map[string]interface{}{}),
	}
	sched, err := New(g, runners, runnerctx.NewRecord(nil), nil, Params{ParallelDegree: 4, TryBest: false})
	if err != nil {
		t.Fatal(err)
	}
	code := sched.Run(context.Background())
	if code == 0 {
		t.Fatalf("expected non-zero exit")
	}
	st, _ := sched.Status("D")
	if st == Done {
		t.Fatalf("D should not have completed, got %s", st)
	}
}

func TestTryBestTrueCascadesCanceledButRunsIndependentBranch(t *testing.T) {
	g := buildDiamond(t)
	runners := map[string]taskrunner.Runner{
		"A": newFakeRunner(0, map[string]interface{}{}),
		"B": newFakeRunner(0, map[string]interface{}{}),
		"C": newFakeRunner(1, map[string]interface{}{}),
		"D": newFakeRunner(0, map[string]interface{}{}),
	}
	sched, err := New(g, runners, runnerctx.NewRecord(nil), nil, Params{ParallelDegree: 4, TryBest: true})
	if err != nil {
		t.Fatal(err)
	}
	code := sched.Run(context.Background())
	if code == 0 {
		t.Fatalf("expected non-zero exit")
	}
	stB, _ := sched.Status("B")
	if stB != Done {
		t.Fatalf("expected B DONE under try_best, got %s", stB)
	}
	stD, _ := sched.Status("D")
	if stD != Canceled {
		t.Fatalf("expected D CANCELED under try_best, got %s", stD)
	}
}

func TestDisabledTasksNeverRun(t *testing.T) {
	g := buildDiamond(t)
	runners := map[string]taskrunner.Runner{
		"A": newFakeRunner(0, map[string]interface{}{}),
		"B": newFakeRunner(0, map[string]interface{}{}),
		"C": newFakeRunner(0, map[string]interface{}{}),
		"D": newFakeRunner(0, map[string]interface{}{}),
	}
	sched, err := New(g, runners, runnerctx.NewRecord(nil), nil, Params{ParallelDegree: 4})
	if err != nil {
		t.Fatal(err)
	}
	sched.Disable("D")
	code := sched.Run(context.Background())
	if code != 0 {
		t.Fatalf("expected exit 0 with D disabled, got %d", code)
	}
	st, _ := sched.Status("D")
	if st != Disabled {
		t.Fatalf("expected D DISABLED, got %s", st)
	}
}
