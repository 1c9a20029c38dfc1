// Package graph implements the dependency graph over task names: a static
// topological check, declaration-order/topological enumeration, selector-based
// subsetting, and a dynamic ready-queue variant for the scheduler to drain.
package graph

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/taskgraph/runner/internal/errs"
)

// Node is one vertex of the dependency graph.
type Node struct {
	Name           string
	InitialID      int
	OrderID        int // valid only after a successful IsValid()
	Depends        map[string]struct{}
	ReverseDepends map[string]struct{}
}

// Graph is a mutable, lazily-validated dependency graph keyed by task name.
// It is not safe for concurrent use; callers (the Scheduler) serialize access.
type Graph struct {
	nodes      map[string]*Node
	order      []string // insertion order, index == InitialID
	validKnown bool
	valid      bool
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// Add registers name with the given dependency set. depends may be nil.
// If name was previously referenced only as a dependency (forward
// declaration), its InitialID is assigned now. Adding edges invalidates the
// cached validity; it is recomputed lazily on the next IsValid call.
func (g *Graph) Add(name string, depends []string) {
	n := g.ensure(name)
	for _, d := range depends {
		dn := g.ensure(d)
		n.Depends[d] = struct{}{}
		dn.ReverseDepends[name] = struct{}{}
	}
	g.validKnown = false
}

func (g *Graph) ensure(name string) *Node {
	if n, ok := g.nodes[name]; ok {
		return n
	}
	n := &Node{
		Name:           name,
		InitialID:      len(g.order),
		Depends:        make(map[string]struct{}),
		ReverseDepends: make(map[string]struct{}),
	}
	g.nodes[name] = n
	g.order = append(g.order, name)
	return n
}

// IsValid reports whether every referenced name is defined and the graph is
// a DAG, assigning OrderID to every node as a side effect of success.
// Computation iteratively removes nodes with an empty Depends set, tie-broken
// by InitialID ascending, assigning a monotonically increasing OrderID.
func (g *Graph) IsValid() bool {
	if g.validKnown {
		return g.valid
	}
	g.valid = g.computeOrder() == nil
	g.validKnown = true
	return g.valid
}

// Validate is IsValid but returns the distinguishing error instead of a bool.
func (g *Graph) Validate() error {
	if err := g.computeOrder(); err != nil {
		g.valid = false
		g.validKnown = true
		return err
	}
	g.valid = true
	g.validKnown = true
	return nil
}

func (g *Graph) computeOrder() error {
	remaining := make(map[string]map[string]struct{}, len(g.nodes))
	for name, n := range g.nodes {
		deps := make(map[string]struct{}, len(n.Depends))
		for d := range n.Depends {
			if _, ok := g.nodes[d]; !ok {
				return fmt.Errorf("%w: %q depends on undefined node %q", errs.ErrGraphInvalid, name, d)
			}
			deps[d] = struct{}{}
		}
		remaining[name] = deps
	}

	orderID := 0
	removed := make(map[string]bool, len(g.nodes))
	for len(removed) < len(g.nodes) {
		var candidates []string
		for name, deps := range remaining {
			if removed[name] {
				continue
			}
			if len(deps) == 0 {
				candidates = append(candidates, name)
			}
		}
		if len(candidates) == 0 {
			return fmt.Errorf("%w: cycle detected among remaining nodes", errs.ErrGraphInvalid)
		}
		sort.Slice(candidates, func(i, j int) bool {
			return g.nodes[candidates[i]].InitialID < g.nodes[candidates[j]].InitialID
		})
		for _, name := range candidates {
			g.nodes[name].OrderID = orderID
			orderID++
			removed[name] = true
			delete(remaining, name)
			for _, deps := range remaining {
				delete(deps, name)
			}
		}
	}
	return nil
}

// Depends returns the current dependency set of name.
func (g *Graph) Depends(name string) map[string]struct{} {
	n, ok := g.nodes[name]
	if !ok {
		return nil
	}
	out := make(map[string]struct{}, len(n.Depends))
	for d := range n.Depends {
		out[d] = struct{}{}
	}
	return out
}

// ReverseDepends returns the direct (or, if recursive, transitive) children
// of name — nodes that list name in their Depends set.
func (g *Graph) ReverseDepends(name string, recursive bool) map[string]struct{} {
	n, ok := g.nodes[name]
	if !ok {
		return nil
	}
	if !recursive {
		out := make(map[string]struct{}, len(n.ReverseDepends))
		for c := range n.ReverseDepends {
			out[c] = struct{}{}
		}
		return out
	}
	out := make(map[string]struct{})
	var visit func(string)
	visit = func(cur string) {
		cn, ok := g.nodes[cur]
		if !ok {
			return
		}
		for c := range cn.ReverseDepends {
			if _, seen := out[c]; !seen {
				out[c] = struct{}{}
				visit(c)
			}
		}
	}
	visit(name)
	return out
}

// Node looks up a node by name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Names returns all node names, sorted by OrderID if byOrder is true
// (requires a prior successful IsValid), else by declaration order.
func (g *Graph) Names(byOrder bool) []string {
	names := make([]string, len(g.order))
	copy(names, g.order)
	if byOrder {
		sort.Slice(names, func(i, j int) bool {
			return g.nodes[names[i]].OrderID < g.nodes[names[j]].OrderID
		})
	}
	return names
}

// Len reports the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Subset returns a new Graph restricted to the nodes matched by selector,
// with edges induced by intersecting each retained node's Depends with the
// retained set. selector must be valid against an already-validated graph.
func (g *Graph) Subset(selector string) (*Graph, error) {
	if !g.IsValid() {
		return nil, fmt.Errorf("%w: cannot subset an invalid graph", errs.ErrGraphInvalid)
	}
	selected, err := g.resolveSelector(selector)
	if err != nil {
		return nil, err
	}

	out := New()
	// Preserve original declaration order among selected nodes.
	for _, name := range g.Names(false) {
		if _, ok := selected[name]; !ok {
			continue
		}
		var deps []string
		for d := range g.nodes[name].Depends {
			if _, ok := selected[d]; ok {
				deps = append(deps, d)
			}
		}
		out.Add(name, deps)
	}
	return out, nil
}

// resolveSelector parses the comma-separated selector grammar described in
// SPEC_FULL.md §6: task names, integer order_id, ranges LO-HI[-STEP], and
// regular expressions. Unknown names, out-of-range indices and regular
// expressions matching no name are skipped silently (nil error, nothing is
// logged or returned for them); malformed ranges are fatal.
func (g *Graph) resolveSelector(selector string) (map[string]struct{}, error) {
	selected := make(map[string]struct{})
	items := strings.Split(selector, ",")
	byOrder := make([]string, g.Len())
	for _, n := range g.nodes {
		byOrder[n.OrderID] = n.Name
	}

	for _, raw := range items {
		item := strings.TrimSpace(raw)
		if item == "" {
			continue
		}
		if err := g.resolveSelectorItem(item, byOrder, selected); err != nil {
			return nil, err
		}
	}
	return selected, nil
}

var rangePattern = regexp.MustCompile(`^(-?\d*)-(-?\d*)(?:-(\d+))?$`)

func (g *Graph) resolveSelectorItem(item string, byOrder []string, selected map[string]struct{}) error {
	n := len(byOrder)

	// Exact task name.
	if _, ok := g.nodes[item]; ok {
		selected[item] = struct{}{}
		return nil
	}

	// Bare integer order_id.
	if id, err := strconv.Atoi(item); err == nil {
		if id < 0 || id >= n {
			return nil // out-of-range index: skipped silently
		}
		selected[byOrder[id]] = struct{}{}
		return nil
	}

	// Range LO-HI or LO-HI-STEP.
	if m := rangePattern.FindStringSubmatch(item); m != nil {
		lo, hi, step := 0, n-1, 1
		var err error
		if m[1] != "" {
			if lo, err = strconv.Atoi(m[1]); err != nil {
				return fmt.Errorf("%w: bad range lower bound in %q", errs.ErrSelectorInvalid, item)
			}
		}
		if m[2] != "" {
			if hi, err = strconv.Atoi(m[2]); err != nil {
				return fmt.Errorf("%w: bad range upper bound in %q", errs.ErrSelectorInvalid, item)
			}
		}
		if m[3] != "" {
			if step, err = strconv.Atoi(m[3]); err != nil || step <= 0 {
				return fmt.Errorf("%w: bad range step in %q", errs.ErrSelectorInvalid, item)
			}
		}
		if lo < 0 || hi >= n || lo > hi {
			return fmt.Errorf("%w: range %q out of bounds for %d nodes", errs.ErrSelectorInvalid, item, n)
		}
		for i := lo; i <= hi; i += step {
			selected[byOrder[i]] = struct{}{}
		}
		return nil
	}

	// Regular expression matching one or more task names.
	re, err := regexp.Compile(item)
	if err != nil {
		return nil // not a name, not a valid int/range/regex: skipped silently
	}
	matched := false
	for name := range g.nodes {
		if re.MatchString(name) {
			selected[name] = struct{}{}
			matched = true
		}
	}
	_ = matched // zero matches: skipped silently, not fatal
	return nil
}
