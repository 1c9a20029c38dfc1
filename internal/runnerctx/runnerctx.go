// Package runnerctx implements RunnerContext (SPEC_FULL.md §4.3): the
// per-task input/output key-value store every Runner reads from and writes
// to. Two implementations share one interface: Record, pure storage with no
// opinion on where values come from, and Dependent, which derives inputs from
// a paramconfig.Config and forbids direct input writes.
package runnerctx

import (
	"fmt"
	"log/slog"

	"github.com/taskgraph/runner/internal/errs"
	"github.com/taskgraph/runner/internal/paramconfig"
	"github.com/taskgraph/runner/internal/sharedmap"
)

// Store is the checkpoint backend a Context saves to and restores from. It
// is satisfied by internal/checkpoint.Store; kept minimal here to avoid an
// import cycle between runnerctx and checkpoint.
type Store interface {
	Save(runID string, tree map[string]interface{}, maxKeep int) error
	Restore(runID string) (map[string]interface{}, bool, error)
}

// Context is the common interface both implementations satisfy.
type Context interface {
	GetParams() map[string]interface{}
	SetParams(values map[string]interface{}) error
	GetInput(task string) map[string]interface{}
	SetInput(task string, values map[string]interface{}) error
	GetOutput(task string) map[string]interface{}
	SetOutput(task string, values map[string]interface{}) error
	Save(store Store, runID string, maxKeep int) error
	Restore(store Store, runID string) error
}

type slots struct {
	Input  map[string]interface{}
	Output map[string]interface{}
}

// Record is pure storage: reads return an empty map for unseen tasks, writes
// overwrite. SetParams only accepts the empty map — a record context has no
// free parameters of its own.
type Record struct {
	data   *sharedmap.Map
	logger *slog.Logger
}

// NewRecord constructs a Record context over a fresh thread-shared map.
func NewRecord(logger *slog.Logger) *Record {
	if logger == nil {
		logger = slog.Default()
	}
	return &Record{data: sharedmap.New(logger), logger: logger}
}

func (r *Record) GetParams() map[string]interface{} { return map[string]interface{}{} }

func (r *Record) SetParams(values map[string]interface{}) error {
	if len(values) != 0 {
		return fmt.Errorf("%w: record context accepts no free parameters", errs.ErrMissingFreeParam)
	}
	return nil
}

func (r *Record) GetInput(task string) map[string]interface{} {
	return r.get(task).Input
}

func (r *Record) SetInput(task string, values map[string]interface{}) error {
	s := r.get(task)
	s.Input = values
	r.data.Set(task, s)
	return nil
}

func (r *Record) GetOutput(task string) map[string]interface{} {
	return r.get(task).Output
}

func (r *Record) SetOutput(task string, values map[string]interface{}) error {
	s := r.get(task)
	s.Output = values
	r.data.Set(task, s)
	return nil
}

func (r *Record) get(task string) slots {
	v, ok := r.data.Get(task)
	if !ok {
		return slots{Input: map[string]interface{}{}, Output: map[string]interface{}{}}
	}
	return v.(slots)
}

// Save writes the current {task: {input, output}} tree as one checkpoint
// record, pruning older records for runID beyond maxKeep.
func (r *Record) Save(store Store, runID string, maxKeep int) error {
	tree := make(map[string]interface{})
	r.data.Iterate(func(task string, value interface{}) {
		s := value.(slots)
		tree[task] = map[string]interface{}{"input": s.Input, "output": s.Output}
	})
	return store.Save(runID, tree, maxKeep)
}

// Restore replays both input and output from the most recent checkpoint.
func (r *Record) Restore(store Store, runID string) error {
	tree, found, err := store.Restore(runID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	for task, raw := range tree {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		s := slots{
			Input:  asMap(entry["input"]),
			Output: asMap(entry["output"]),
		}
		r.data.Set(task, s)
	}
	return nil
}

func asMap(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

// Dependent derives every task's input from a paramconfig.Config expansion.
// SetInput is forbidden: inputs are a function of configuration, not direct
// writes. SetOutput validates keys against the task's declared output schema,
// pushes into the config, and republishes the re-expanded tree so downstream
// readers observe the new values on their next GetInput.
type Dependent struct {
	config       *paramconfig.Config
	outputSchema map[string]map[string]struct{} // task -> allowed output keys
	data         *sharedmap.Map
	logger       *slog.Logger
}

// NewDependent wraps config. outputSchema maps each task name to its
// declared output keys (spec.md §3's "output schema"); an empty/nil entry
// means the task declares no output keys and SetOutput must receive none.
func NewDependent(config *paramconfig.Config, outputSchema map[string]map[string]struct{}, logger *slog.Logger) *Dependent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dependent{config: config, outputSchema: outputSchema, data: sharedmap.New(logger), logger: logger}
}

func (d *Dependent) GetParams() map[string]interface{} {
	params := d.config.GetParams()
	out := make(map[string]interface{}, len(params))
	for k := range params {
		out[k] = nil
	}
	return out
}

func (d *Dependent) SetParams(values map[string]interface{}) error {
	if err := d.config.SetParams(values); err != nil {
		return err
	}
	tree, err := d.config.Expand()
	if err != nil {
		return err
	}
	d.publish(tree)
	return nil
}

func (d *Dependent) GetInput(task string) map[string]interface{} {
	v, ok := d.data.Get(task)
	if !ok {
		return map[string]interface{}{}
	}
	return v.(slots).Input
}

// SetInput always fails: a dependent context derives inputs from the
// configuration tree, never from direct writes.
func (d *Dependent) SetInput(task string, values map[string]interface{}) error {
	return fmt.Errorf("dependent context: set_input is forbidden for task %q; inputs derive from configuration", task)
}

func (d *Dependent) GetOutput(task string) map[string]interface{} {
	v, ok := d.data.Get(task)
	if !ok {
		return map[string]interface{}{}
	}
	return v.(slots).Output
}

func (d *Dependent) SetOutput(task string, values map[string]interface{}) error {
	allowed := d.outputSchema[task]
	for k := range values {
		if _, ok := allowed[k]; !ok {
			return fmt.Errorf("dependent context: task %q output key %q not in declared schema", task, k)
		}
	}
	for k := range allowed {
		if _, ok := values[k]; !ok {
			d.logger.Warn("dependent context: declared output key not written", "task", task, "key", k)
		}
	}
	tree, err := d.config.UpdateOutput(task, values)
	if err != nil {
		return err
	}
	d.publish(tree)
	return nil
}

// publish re-syncs the shared map's view of input/output from the config's
// latest expanded tree so GetInput/GetOutput observe it immediately.
func (d *Dependent) publish(tree map[string]interface{}) {
	for task, raw := range tree {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		d.data.Set(task, slots{Input: asMap(entry["input"]), Output: asMap(entry["output"])})
	}
}

// Save writes the full expanded configuration tree as one checkpoint record.
func (d *Dependent) Save(store Store, runID string, maxKeep int) error {
	tree, err := d.config.GetConfig()
	if err != nil {
		return err
	}
	return store.Save(runID, tree, maxKeep)
}

// Restore replays only the recorded outputs into the config (never inputs,
// since those are always re-derived), then republishes.
func (d *Dependent) Restore(store Store, runID string) error {
	tree, found, err := store.Restore(runID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	for task, raw := range tree {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		out := asMap(entry["output"])
		if len(out) == 0 {
			continue
		}
		if _, err := d.config.UpdateOutput(task, out); err != nil {
			return fmt.Errorf("dependent context: restore output for %q: %w", task, err)
		}
	}
	tree2, err := d.config.GetConfig()
	if err != nil {
		return err
	}
	d.publish(tree2)
	return nil
}
