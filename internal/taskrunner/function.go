package taskrunner

import (
	"context"
	"fmt"
	"reflect"

	"github.com/taskgraph/runner/internal/core/resilience"
	"github.com/taskgraph/runner/internal/errs"
)

// Callable is the Go rendering of func_runner.py's reflection-matched
// target: a plain function taking a context and the runner's input mapping,
// returning an output mapping. Since Go has no keyword arguments, the
// positional/keyword split func_runner.py does against a Python callable's
// signature collapses to this single map-in/map-out shape; ReflectCallable
// below recovers richer matching for callers that want it.
type Callable func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

// ReflectCallable adapts an arbitrary Go function to a Callable by matching
// its non-context parameters against keys in the input map. Go reflection
// exposes no parameter names and no struct tags are read: fieldNames gives
// the name for each non-context argument in order; a name present in input
// is converted to the parameter's type and passed by value, while a name
// absent, a nil value or a value that does not convert leaves the zero value.
func ReflectCallable(fn interface{}, fieldNames []string) Callable {
	fv := reflect.ValueOf(fn)
	ft := fv.Type()
	return func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		args := make([]reflect.Value, 0, ft.NumIn())
		argIdx := 0
		for i := 0; i < ft.NumIn(); i++ {
			paramType := ft.In(i)
			if i == 0 && paramType.Implements(reflect.TypeOf((*context.Context)(nil)).Elem()) {
				args = append(args, reflect.ValueOf(ctx))
				continue
			}
			var name string
			if argIdx < len(fieldNames) {
				name = fieldNames[argIdx]
			}
			argIdx++
			val, ok := input[name]
			if !ok || val == nil {
				args = append(args, reflect.Zero(paramType))
				continue
			}
			rv := reflect.ValueOf(val)
			if rv.Type().ConvertibleTo(paramType) {
				args = append(args, rv.Convert(paramType))
			} else {
				args = append(args, reflect.Zero(paramType))
			}
		}
		out := fv.Call(args)
		return reflectResultsToOutput(out)
	}
}

func reflectResultsToOutput(out []reflect.Value) (map[string]interface{}, error) {
	var resultErr error
	var resultMap map[string]interface{}
	for _, v := range out {
		if v.Type().Implements(reflect.TypeOf((*error)(nil)).Elem()) {
			if !v.IsNil() {
				resultErr = v.Interface().(error)
			}
			continue
		}
		if m, ok := v.Interface().(map[string]interface{}); ok {
			resultMap = m
		}
	}
	if resultMap == nil {
		resultMap = map[string]interface{}{}
	}
	return resultMap, resultErr
}

// FunctionRunner runs a Callable on a goroutine (spec.md §4.6's "thread"
// flavor). A panic inside the callable is recovered and converted to
// errs.ErrRunnerCrash rather than crashing the scheduler process, and counts
// as a failed attempt.
type FunctionRunner struct {
	base
	fn Callable
}

// NewFunctionRunner builds a FunctionRunner around the given callable.
func NewFunctionRunner(spec Spec, fn Callable) *FunctionRunner {
	return &FunctionRunner{base: newBase(spec), fn: fn}
}

func (r *FunctionRunner) Start(ctx context.Context, input map[string]interface{}) error {
	r.markStarted()
	go r.run(ctx, input)
	return nil
}

func (r *FunctionRunner) run(ctx context.Context, input map[string]interface{}) {
	var lastOutput map[string]interface{}
	policy := resilience.FixedInterval(r.spec.RetryLimit, r.spec.RetryInterval)
	_, lastErr := resilience.RetryWithPolicy(ctx, policy, func() (map[string]interface{}, error) {
		if r.isStopped() {
			return nil, errFunctionStopped
		}
		r.recordAttempt()
		out, err := r.callOnce(ctx, input)
		lastOutput = out
		return out, err
	})
	exitCode := 0
	if lastErr != nil {
		exitCode = 1
		lastOutput = nil
	}
	r.finish(exitCode, lastOutput)
}

// callOnce invokes the callable with panic recovery, translating a recovered
// panic into errs.ErrRunnerCrash per spec.md §7.
func (r *FunctionRunner) callOnce(ctx context.Context, input map[string]interface{}) (out map[string]interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.spec.Logger.Error("function runner: recovered panic", "task", r.spec.Name, "panic", p)
			out = nil
			err = fmt.Errorf("%w: %v", errs.ErrRunnerCrash, p)
		}
	}()
	out, err = r.fn(ctx, input)
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, err
}

// Stop sets the stopped flag so that no further retry attempt starts. The
// thread flavor has no OS process to signal, and Stop does not cancel the
// ctx passed to Start, so an attempt already in flight runs to completion.
func (r *FunctionRunner) Stop() error {
	r.markStopped()
	return nil
}

type functionError string

func (e functionError) Error() string { return string(e) }

const errFunctionStopped = functionError("function runner stopped")

// SubprocessEntrypoint is the re-exec hidden-subcommand name the process
// flavor invokes: `<executable> __function_runner <registeredName>`. The CLI
// dispatches this subcommand to RunRegisteredFunction before its normal flag
// parsing. The worker is a fresh exec of the binary, so it starts without the
// scheduler's Go signal handlers and nothing is snapshotted or restored.
const SubprocessEntrypoint = "__function_runner"

var registeredFunctions = map[string]Callable{}

// RegisterFunction makes a Callable reachable by name from the re-exec
// subprocess entrypoint. Call during process init for every function task a
// graph may run in the subprocess flavor.
func RegisterFunction(name string, fn Callable) {
	registeredFunctions[name] = fn
}

// RunRegisteredFunction is invoked by the re-exec subprocess entrypoint: it
// calls the registered function with input (which the CLI decodes from
// TASK_RUNNER_PARAMETERS) and writes its output through stdout as trailing
// stdout JSON — the same contract CommandRunner harvests from, so the runner
// built by NewFunctionProcessRunner is, from the Scheduler's perspective, an
// ordinary Runner.
func RunRegisteredFunction(ctx context.Context, name string, input map[string]interface{}, stdout func(map[string]interface{}) error) (err error) {
	fn, ok := registeredFunctions[name]
	if !ok {
		return fmt.Errorf("function runner: no function registered under name %q", name)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", errs.ErrRunnerCrash, p)
		}
	}()
	out, runErr := fn(ctx, input)
	if runErr != nil {
		return runErr
	}
	return stdout(out)
}

// NewFunctionProcessRunner builds the process flavor of FunctionRunner: a
// CommandRunner that re-execs selfPath with the hidden SubprocessEntrypoint
// subcommand and the registered function's name, reusing CommandRunner's
// own-process-group spawn, TASK_RUNNER_PARAMETERS handoff, and stdout-JSON
// harvest verbatim. Grounded on func_runner.py's FuncProcessRunner.
func NewFunctionProcessRunner(spec Spec, selfPath, registeredName string) *CommandRunner {
	return NewCommandRunner(spec, CommandSpec{
		Argv: []string{selfPath, SubprocessEntrypoint, registeredName},
	})
}
