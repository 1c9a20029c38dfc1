package taskrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/taskgraph/runner/internal/core/resilience"
)

// envParametersKey is the environment variable a spawned child reads its
// input mapping from, JSON-encoded.
const envParametersKey = "TASK_RUNNER_PARAMETERS"

// CommandSpec configures a CommandRunner (spec.md §4.5). Exactly one of Argv
// or Shell should be set: Argv execs directly, Shell runs the string through
// "sh -c" for callers that need pipes/globbing.
type CommandSpec struct {
	Argv      []string
	Shell     string
	Dir       string
	Env       []string // additional "K=V" entries, merged over os.Environ()
	InheritIO bool     // if true, child stdout/stderr are also teed to the parent's

	// Breaker is an opt-in adaptive circuit breaker (SPEC_FULL.md §4.13)
	// shared across every invocation of this CommandRunner instance — most
	// useful when the same Decl.Runner is re-spawned repeatedly by
	// CronTrigger, where a consistently-failing external command target
	// should stop being attempted rather than retried forever. Nil by
	// default: a CommandRunner with no Breaker configured never consults it.
	Breaker *resilience.CircuitBreaker
}

// CommandRunner spawns a child process per spec.md §4.5: own session/process
// group, input handed over via TASK_RUNNER_PARAMETERS, output harvested from
// trailing stdout JSON. Grounded on cmd_runner.py's own-session Popen and the
// teacher's ShellPlugin/PythonPlugin os/exec spawn pattern.
type CommandRunner struct {
	base
	cmdSpec CommandSpec

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewCommandRunner builds a CommandRunner for the given task spec and command
// configuration.
func NewCommandRunner(spec Spec, cmdSpec CommandSpec) *CommandRunner {
	return &CommandRunner{base: newBase(spec), cmdSpec: cmdSpec}
}

// attemptResult is the value RetryWithPolicy threads through the retry loop:
// the last attempt's exit code and harvested output, regardless of whether
// that attempt ultimately counted as a failure.
type attemptResult struct {
	exitCode int
	output   map[string]interface{}
}

// Start begins the retry loop on a background goroutine and returns
// immediately; IsAlive reports true until every attempt is exhausted or a
// successful (exit 0) attempt completes.
func (r *CommandRunner) Start(ctx context.Context, input map[string]interface{}) error {
	r.markStarted()
	go r.run(ctx, input)
	return nil
}

func (r *CommandRunner) run(ctx context.Context, input map[string]interface{}) {
	payload, err := json.Marshal(input)
	if err != nil {
		r.spec.Logger.Error("command runner: failed to encode input", "task", r.spec.Name, "err", err)
		payload = []byte("{}")
	}

	var last attemptResult
	policy := resilience.FixedInterval(r.spec.RetryLimit, r.spec.RetryInterval)
	_, _ = resilience.RetryWithPolicy(ctx, policy, func() (attemptResult, error) {
		if r.isStopped() {
			last = attemptResult{exitCode: -1}
			return last, errCommandStopped
		}
		r.recordAttempt()
		result, runErr := r.runOnce(ctx, payload)
		last = result
		return result, runErr
	})
	if last.exitCode != 0 {
		last.output = nil
	}
	r.finish(last.exitCode, last.output)
}

func (r *CommandRunner) runOnce(ctx context.Context, payload []byte) (attemptResult, error) {
	if r.cmdSpec.Breaker != nil && !r.cmdSpec.Breaker.Allow() {
		return attemptResult{exitCode: -1}, errCircuitOpen
	}

	var cmd *exec.Cmd
	if r.cmdSpec.Shell != "" {
		cmd = exec.CommandContext(ctx, "sh", "-c", r.cmdSpec.Shell)
	} else {
		cmd = exec.CommandContext(ctx, r.cmdSpec.Argv[0], r.cmdSpec.Argv[1:]...)
	}
	cmd.Dir = r.cmdSpec.Dir
	cmd.Env = append(append([]string{}, os.Environ()...), r.cmdSpec.Env...)
	cmd.Env = append(cmd.Env, envParametersKey+"="+string(payload))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout bytes.Buffer
	if r.cmdSpec.InheritIO {
		cmd.Stdout = io.MultiWriter(&stdout, os.Stdout)
		cmd.Stderr = os.Stderr
	} else {
		cmd.Stdout = &stdout
	}

	r.mu.Lock()
	r.cmd = cmd
	r.mu.Unlock()

	runErr := cmd.Run()

	r.mu.Lock()
	r.cmd = nil
	r.mu.Unlock()

	exitCode := 0
	if runErr != nil {
		exitCode = -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	if r.cmdSpec.Breaker != nil {
		r.cmdSpec.Breaker.RecordResult(exitCode == 0)
	}

	result := attemptResult{exitCode: exitCode, output: harvestOutput(stdout.Bytes())}
	if exitCode != 0 {
		return result, errNonZeroExit
	}
	return result, nil
}

// Stop sends SIGTERM to the child's process group, if one is running, and
// prevents further attempts. Idempotent.
func (r *CommandRunner) Stop() error {
	r.markStopped()
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	if err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}

// harvestOutput tries to parse the whole of stdout as JSON; failing that, it
// tries the last non-empty line; failing that, it returns an empty map. A
// parse failure is never an error (spec.md §4.5).
func harvestOutput(stdout []byte) map[string]interface{} {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return map[string]interface{}{}
	}
	var whole map[string]interface{}
	if err := json.Unmarshal(trimmed, &whole); err == nil {
		return whole
	}
	lines := strings.Split(string(trimmed), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var last map[string]interface{}
		if err := json.Unmarshal([]byte(line), &last); err == nil {
			return last
		}
		break
	}
	return map[string]interface{}{}
}

type commandError string

func (e commandError) Error() string { return string(e) }

const (
	errCommandStopped = commandError("command runner stopped")
	errNonZeroExit    = commandError("command exited non-zero")
	errCircuitOpen    = commandError("circuit breaker open, attempt skipped")
)
