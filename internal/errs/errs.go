// Package errs defines the sentinel error kinds shared across the runner,
// so callers can branch with errors.Is instead of string matching.
package errs

import "errors"

var (
	// ErrGraphInvalid marks a cycle, dangling reference, or duplicate task name.
	ErrGraphInvalid = errors.New("graph: invalid")

	// ErrSelectorInvalid marks malformed selector syntax (bad range bounds).
	ErrSelectorInvalid = errors.New("selector: invalid syntax")

	// ErrMissingFreeParam marks a set_params call with insufficient keys.
	ErrMissingFreeParam = errors.New("paramconfig: missing free parameter")

	// ErrConfigForbidden marks a template inside an output subtree, or a
	// cross-task reference into another task's input subtree.
	ErrConfigForbidden = errors.New("paramconfig: forbidden template reference")

	// ErrRunnerNonZero marks exhaustion of all retry attempts for one task.
	ErrRunnerNonZero = errors.New("runner: exited non-zero after all retries")

	// ErrRunnerCrash marks an unhandled panic/exception inside a worker.
	ErrRunnerCrash = errors.New("runner: crashed")

	// ErrSharedMapBroken marks a dropped cross-process transport; the caller
	// should expect shadow-copy fallback behavior, not a fatal abort.
	ErrSharedMapBroken = errors.New("sharedmap: transport broken, serving shadow copy")

	// ErrCancellation marks a scheduler run aborted by SIGINT/SIGTERM.
	ErrCancellation = errors.New("scheduler: cancelled")

	// ErrAlreadyStarted marks a second call to Scheduler.Run on one instance.
	ErrAlreadyStarted = errors.New("scheduler: run already started")

	// ErrAmbiguousProducer marks a facade dependency inference with more
	// than one candidate producer for an input key.
	ErrAmbiguousProducer = errors.New("registry: ambiguous input producer")
)
