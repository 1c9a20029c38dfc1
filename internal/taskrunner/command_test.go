package taskrunner

import (
	"context"
	"testing"
	"time"
)

func waitDone(t *testing.T, r Runner, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for r.IsAlive() {
		if time.Now().After(deadline) {
			t.Fatalf("runner did not finish within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCommandRunnerSuccessHarvestsJSONOutput(t *testing.T) {
	r := NewCommandRunner(
		Spec{Name: "echoer", RetryLimit: 1, RetryInterval: 10 * time.Millisecond},
		CommandSpec{Shell: `echo "{\"ok\": true}"`},
	)
	if err := r.Start(context.Background(), map[string]interface{}{"x": 1.0}); err != nil {
		t.Fatal(err)
	}
	waitDone(t, r, 2*time.Second)
	if code := r.ExitCode(); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if r.Output()["ok"] != true {
		t.Fatalf("expected ok=true in output, got %v", r.Output())
	}
}

func TestCommandRunnerNonJSONStdoutYieldsEmptyOutputNotError(t *testing.T) {
	r := NewCommandRunner(
		Spec{Name: "noisy", RetryLimit: 1, RetryInterval: 10 * time.Millisecond},
		CommandSpec{Shell: `echo "not json"`},
	)
	r.Start(context.Background(), map[string]interface{}{})
	waitDone(t, r, 2*time.Second)
	if code := r.ExitCode(); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if len(r.Output()) != 0 {
		t.Fatalf("expected empty output, got %v", r.Output())
	}
}

func TestCommandRunnerRetriesUpToLimitOnNonZeroExit(t *testing.T) {
	r := NewCommandRunner(
		Spec{Name: "failer", RetryLimit: 3, RetryInterval: 10 * time.Millisecond},
		CommandSpec{Shell: `exit 1`},
	)
	r.Start(context.Background(), map[string]interface{}{})
	waitDone(t, r, 2*time.Second)
	made, limit := r.Attempts()
	if made != 3 || limit != 3 {
		t.Fatalf("expected 3/3 attempts, got %d/%d", made, limit)
	}
	if code := r.ExitCode(); code != 1 {
		t.Fatalf("expected final exit code 1, got %d", code)
	}
}

func TestCommandRunnerSeesParametersEnvVar(t *testing.T) {
	r := NewCommandRunner(
		Spec{Name: "params", RetryLimit: 1, RetryInterval: 10 * time.Millisecond},
		CommandSpec{Shell: `echo "$TASK_RUNNER_PARAMETERS"`},
	)
	r.Start(context.Background(), map[string]interface{}{"greeting": "hi"})
	waitDone(t, r, 2*time.Second)
	if r.Output()["greeting"] != "hi" {
		t.Fatalf("expected greeting=hi from parsed env-carried input, got %v", r.Output())
	}
}

func TestCommandRunnerStopSendsSignalAndIsIdempotent(t *testing.T) {
	r := NewCommandRunner(
		Spec{Name: "sleeper", RetryLimit: 5, RetryInterval: 10 * time.Millisecond},
		CommandSpec{Shell: `sleep 30`},
	)
	r.Start(context.Background(), map[string]interface{}{})
	time.Sleep(100 * time.Millisecond)
	if err := r.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second stop should be idempotent: %v", err)
	}
	waitDone(t, r, 2*time.Second)
}
