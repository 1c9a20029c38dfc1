package taskrunner

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFunctionRunnerSuccess(t *testing.T) {
	r := NewFunctionRunner(
		Spec{Name: "adder", RetryLimit: 1, RetryInterval: time.Millisecond},
		func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"sum": input["a"].(float64) + input["b"].(float64)}, nil
		},
	)
	r.Start(context.Background(), map[string]interface{}{"a": 2.0, "b": 3.0})
	waitDone(t, r, time.Second)
	if r.ExitCode() != 0 {
		t.Fatalf("expected exit 0, got %d", r.ExitCode())
	}
	if r.Output()["sum"] != 5.0 {
		t.Fatalf("expected sum=5, got %v", r.Output())
	}
}

func TestFunctionRunnerRecoversPanicAsRunnerCrash(t *testing.T) {
	r := NewFunctionRunner(
		Spec{Name: "panicker", RetryLimit: 1, RetryInterval: time.Millisecond},
		func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
			panic("boom")
		},
	)
	r.Start(context.Background(), map[string]interface{}{})
	waitDone(t, r, time.Second)
	if r.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit after panic")
	}
}

func TestFunctionRunnerRetriesOnError(t *testing.T) {
	attempts := 0
	r := NewFunctionRunner(
		Spec{Name: "flaky", RetryLimit: 3, RetryInterval: time.Millisecond},
		func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("not yet")
			}
			return map[string]interface{}{"ok": true}, nil
		},
	)
	r.Start(context.Background(), map[string]interface{}{})
	waitDone(t, r, time.Second)
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if r.ExitCode() != 0 {
		t.Fatalf("expected eventual success, got exit %d", r.ExitCode())
	}
}

func TestFunctionRunnerFailsAfterExhaustingRetriesOnError(t *testing.T) {
	attempts := 0
	r := NewFunctionRunner(
		Spec{Name: "always-fails", RetryLimit: 3, RetryInterval: time.Millisecond},
		func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
			attempts++
			return nil, errors.New("nope")
		},
	)
	r.Start(context.Background(), map[string]interface{}{})
	waitDone(t, r, time.Second)
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if r.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit after exhausting retries on error, got 0")
	}
}

func TestReflectCallableMatchesByName(t *testing.T) {
	add := func(ctx context.Context, a float64, b float64) (map[string]interface{}, error) {
		return map[string]interface{}{"sum": a + b}, nil
	}
	callable := ReflectCallable(add, []string{"a", "b"})
	out, err := callable(context.Background(), map[string]interface{}{"a": 4.0, "b": 5.0})
	if err != nil {
		t.Fatal(err)
	}
	if out["sum"] != 9.0 {
		t.Fatalf("expected sum=9, got %v", out)
	}
}

func TestRunRegisteredFunctionUnknownNameErrors(t *testing.T) {
	err := RunRegisteredFunction(context.Background(), "does-not-exist", nil, func(map[string]interface{}) error { return nil })
	if err == nil {
		t.Fatal("expected error for unregistered function name")
	}
}
