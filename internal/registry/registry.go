// Package registry implements the RegistrationFacade (spec.md §4.9): a
// decorator-style accumulation of task declarations that spawn()s into a
// Graph, a RunnerContext, and a Runner set with dependencies inferred from
// matching input/output key names. Grounded on task_register.py's
// TaskRegister/_TaskRegisterHelper, rendered as an explicit Registry object
// per spec.md §9's design note ("avoid module-level mutable globals where
// possible, or gate them behind an initialization step") rather than a
// package-level __tasks__ list.
package registry

import (
	"fmt"
	"sync"

	"github.com/taskgraph/runner/internal/errs"
	"github.com/taskgraph/runner/internal/graph"
	"github.com/taskgraph/runner/internal/runnerctx"
	"github.com/taskgraph/runner/internal/taskrunner"
)

// Decl is one task declaration: its runner, and the input/output key names
// it exposes for dependency inference and feed-dict validation.
type Decl struct {
	Name       string
	Runner     taskrunner.Runner
	InputKeys  []string
	OutputKeys []string
}

// Signature renames a task's local input/output keys at the registration
// boundary (task_register.py's signature_map), without renaming schema
// entries that are local to the task.
type Signature struct {
	Input  map[string]string // local key -> global/mapped name
	Output map[string]string
}

// Registry accumulates Decls and spawns a runnable graph from them.
type Registry struct {
	mu    sync.Mutex
	decls []Decl
	names map[string]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Register adds a task declaration. Returns an error if the name is already
// registered.
func (r *Registry) Register(d Decl) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.names[d.Name]; exists {
		return fmt.Errorf("registry: task %q already registered", d.Name)
	}
	r.names[d.Name] = struct{}{}
	r.decls = append(r.decls, d)
	return nil
}

// Spawn validates feed against the free parameters discovered across every
// declaration, infers dependencies by matching each task's input keys
// against every other task's output keys (renamed through sig), and returns
// a validated Graph, a RunnerContext whose GetInput resolves bound keys
// from their producing task's output at read time, and the Runner set the
// Scheduler needs.
func (r *Registry) Spawn(feed map[string]interface{}, sig map[string]Signature) (*graph.Graph, runnerctx.Context, map[string]taskrunner.Runner, error) {
	r.mu.Lock()
	decls := append([]Decl(nil), r.decls...)
	r.mu.Unlock()

	mapName := func(task, ioType, key string) string {
		s, ok := sig[task]
		if !ok {
			return key
		}
		table := s.Input
		if ioType == "output" {
			table = s.Output
		}
		if mapped, ok := table[key]; ok {
			return mapped
		}
		return key
	}

	bound := make(map[string]map[string]binding) // task -> localKey -> binding
	depends := make(map[string][]string)
	free := make(map[string]struct{}) // mapped global param names

	for _, d := range decls {
		bound[d.Name] = make(map[string]binding)
		for _, key := range d.InputKeys {
			mapped := mapName(d.Name, "input", key)
			var producers []binding
			for _, other := range decls {
				if other.Name == d.Name {
					continue
				}
				for _, outKey := range other.OutputKeys {
					if mapName(other.Name, "output", outKey) == mapped {
						producers = append(producers, binding{sourceTask: other.Name, sourceKey: outKey})
					}
				}
			}
			switch len(producers) {
			case 0:
				free[mapped] = struct{}{}
			case 1:
				bound[d.Name][key] = producers[0]
				depends[d.Name] = appendUnique(depends[d.Name], producers[0].sourceTask)
			default:
				srcs := make([]string, len(producers))
				for i, p := range producers {
					srcs[i] = p.sourceTask + "." + p.sourceKey
				}
				return nil, nil, nil, fmt.Errorf("%w: parameter %q of task %q matches %d producers: %v",
					errs.ErrAmbiguousProducer, key, d.Name, len(producers), srcs)
			}
		}
	}

	var missing []string
	for name := range free {
		if _, ok := feed[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, nil, nil, fmt.Errorf("registry: missing required parameter(s): %v", missing)
	}
	var extra []string
	for name := range feed {
		if _, ok := free[name]; !ok {
			extra = append(extra, name)
		}
	}
	if len(extra) > 0 {
		return nil, nil, nil, fmt.Errorf("registry: extra parameter(s) not used by any task: %v", extra)
	}

	g := graph.New()
	runners := make(map[string]taskrunner.Runner, len(decls))
	for _, d := range decls {
		g.Add(d.Name, depends[d.Name])
		runners[d.Name] = d.Runner
	}
	if !g.IsValid() {
		return nil, nil, nil, errs.ErrGraphInvalid
	}

	base := runnerctx.NewRecord(nil)
	for _, d := range decls {
		inputs := make(map[string]interface{}, len(d.InputKeys))
		for _, key := range d.InputKeys {
			if _, isBound := bound[d.Name][key]; isBound {
				continue
			}
			mapped := mapName(d.Name, "input", key)
			if v, ok := feed[mapped]; ok {
				inputs[key] = v
			}
		}
		if len(inputs) > 0 {
			_ = base.SetInput(d.Name, inputs)
		}
	}

	rctx := &boundContext{base: base, bound: bound}
	return g, rctx, runners, nil
}

func appendUnique(s []string, v string) []string {
	for _, existing := range s {
		if existing == v {
			return s
		}
	}
	return append(s, v)
}

// binding records where a task's bound input key is resolved from: another
// task's output key.
type binding struct {
	sourceTask, sourceKey string
}

// boundContext overlays Record's stored free-parameter inputs with
// dynamically-resolved bound inputs: GetInput(task) reads each bound key's
// value from its producing task's current output, which is already DONE
// (and therefore populated) by the time the Scheduler starts a task whose
// depends are all satisfied.
type boundContext struct {
	base  *runnerctx.Record
	bound map[string]map[string]binding
}

func (c *boundContext) GetParams() map[string]interface{} { return c.base.GetParams() }
func (c *boundContext) SetParams(values map[string]interface{}) error {
	return c.base.SetParams(values)
}

func (c *boundContext) GetInput(task string) map[string]interface{} {
	input := c.base.GetInput(task)
	merged := make(map[string]interface{}, len(input))
	for k, v := range input {
		merged[k] = v
	}
	for key, b := range c.bound[task] {
		out := c.base.GetOutput(b.sourceTask)
		merged[key] = out[b.sourceKey]
	}
	return merged
}

func (c *boundContext) SetInput(task string, values map[string]interface{}) error {
	return c.base.SetInput(task, values)
}

func (c *boundContext) GetOutput(task string) map[string]interface{} { return c.base.GetOutput(task) }
func (c *boundContext) SetOutput(task string, values map[string]interface{}) error {
	return c.base.SetOutput(task, values)
}

func (c *boundContext) Save(store runnerctx.Store, runID string, maxKeep int) error {
	return c.base.Save(store, runID, maxKeep)
}

func (c *boundContext) Restore(store runnerctx.Store, runID string) error {
	return c.base.Restore(store, runID)
}
