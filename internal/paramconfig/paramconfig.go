// Package paramconfig implements ParameterConfig (SPEC_FULL.md §4.4): a
// JSON configuration document keyed by task name, each value holding
// an input and output map whose leaves may be template references of the
// form "<%= EXPR %>". EXPR is either a bare free identifier (an external
// parameter the caller must supply) or a dotted path expression
// "$.task.(input|output).key" resolved against the document itself.
//
// The original lineage evaluates this two-phase via an embedded Jsonnet
// snippet; no Jsonnet-equivalent templating-with-paths library exists in
// this module's dependency set (see DESIGN.md), so this is a direct
// tree-walking implementation. Because every placeholder occurrence is
// parsed into a structured table up front, the two forbidden patterns are
// validated structurally rather than by the source's double-sentinel
// substitution trick — same contract, no interpreter needed to express it.
package paramconfig

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/taskgraph/runner/internal/errs"
)

var (
	placeholderPattern = regexp.MustCompile(`^<%=\s*(.*?)\s*%>$`)
	pathPattern        = regexp.MustCompile(`^\$\.([A-Za-z0-9_]+)\.(input|output)\.([A-Za-z0-9_]+)$`)
)

type placeholderKind int

const (
	kindFree placeholderKind = iota
	kindBound
)

type placeholder struct {
	path []string // e.g. ["taskA", "input", "url"]
	expr string
	kind placeholderKind

	// populated when kind == kindBound
	refTask    string
	refSection string // "input" or "output"
	refKey     string
}

// Config is a parsed, validated parameter configuration document.
type Config struct {
	mu sync.Mutex

	tree         map[string]interface{} // original parsed document
	placeholders []placeholder
	freeNames    map[string]struct{}
	freeValues   map[string]interface{}
	paramsSet    bool
	outputs      map[string]map[string]interface{} // task -> output key -> value
	expanded     map[string]interface{}             // cache of the last rendered tree
}

// Parse reads a JSON document of the shape {task: {input: {...}, output:
// {...}}}, scans it for template placeholders, partitions them into free and
// bound, and validates the two forbidden patterns. It does not yet require
// free parameter values; call SetParams before Expand.
func Parse(source []byte) (*Config, error) {
	var tree map[string]interface{}
	if err := json.Unmarshal(source, &tree); err != nil {
		return nil, fmt.Errorf("paramconfig: parse document: %w", err)
	}

	c := &Config{
		tree:       tree,
		freeNames:  make(map[string]struct{}),
		freeValues: make(map[string]interface{}),
		outputs:    make(map[string]map[string]interface{}),
	}
	c.scan(tree, nil)
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) scan(node interface{}, path []string) {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, child := range v {
			c.scan(child, append(append([]string{}, path...), key))
		}
	case []interface{}:
		for i, child := range v {
			c.scan(child, append(append([]string{}, path...), fmt.Sprintf("[%d]", i)))
		}
	case string:
		m := placeholderPattern.FindStringSubmatch(v)
		if m == nil {
			return
		}
		expr := m[1]
		p := placeholder{path: append([]string{}, path...), expr: expr}
		if pm := pathPattern.FindStringSubmatch(expr); pm != nil {
			p.kind = kindBound
			p.refTask, p.refSection, p.refKey = pm[1], pm[2], pm[3]
		} else {
			p.kind = kindFree
			c.freeNames[expr] = struct{}{}
		}
		c.placeholders = append(c.placeholders, p)
	}
}

// validate enforces: (a) no placeholder inside any task's output subtree,
// (b) no bound placeholder referencing another task's input subtree.
func (c *Config) validate() error {
	for _, p := range c.placeholders {
		if len(p.path) >= 2 && p.path[1] == "output" {
			return fmt.Errorf("%w: template %q inside output subtree at %s",
				errs.ErrConfigForbidden, p.expr, strings.Join(p.path, "."))
		}
		if p.kind == kindBound && p.refSection == "input" {
			return fmt.Errorf("%w: template %q refers to another task's input (%s.input.%s)",
				errs.ErrConfigForbidden, p.expr, p.refTask, p.refKey)
		}
	}
	return nil
}

// GetParams returns the set of free parameter names the document requires.
func (c *Config) GetParams() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]struct{}, len(c.freeNames))
	for k := range c.freeNames {
		out[k] = struct{}{}
	}
	return out
}

// SetParams assigns every free parameter. values must contain exactly the
// keys GetParams reports — extras or omissions are both errors.
func (c *Config) SetParams(values map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range values {
		if _, ok := c.freeNames[k]; !ok {
			return fmt.Errorf("%w: unexpected parameter %q", errs.ErrMissingFreeParam, k)
		}
	}
	for k := range c.freeNames {
		if _, ok := values[k]; !ok {
			return fmt.Errorf("%w: %q not supplied", errs.ErrMissingFreeParam, k)
		}
	}
	c.freeValues = make(map[string]interface{}, len(values))
	for k, v := range values {
		c.freeValues[k] = v
	}
	c.paramsSet = true
	return nil
}

// UpdateParams merges a subset of free parameter values. Unknown keys are
// rejected. Expand succeeds once SetParams has been called or every free
// parameter has a value, whichever way the values were supplied.
func (c *Config) UpdateParams(values map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range values {
		if _, ok := c.freeNames[k]; !ok {
			return fmt.Errorf("%w: unexpected parameter %q", errs.ErrMissingFreeParam, k)
		}
	}
	for k, v := range values {
		c.freeValues[k] = v
	}
	return nil
}

// Expand renders the full JSON tree given the current free parameter
// assignment and any previously recorded output values, caching and
// returning the result.
func (c *Config) Expand() (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expandLocked()
}

func (c *Config) expandLocked() (map[string]interface{}, error) {
	if !c.paramsSet {
		missing := make([]string, 0, len(c.freeNames))
		for k := range c.freeNames {
			if _, ok := c.freeValues[k]; !ok {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: %v", errs.ErrMissingFreeParam, missing)
		}
	}

	rendered := deepCopy(c.tree).(map[string]interface{})
	for task, out := range c.outputs {
		entry, ok := rendered[task].(map[string]interface{})
		if !ok {
			continue
		}
		dst, ok := entry["output"].(map[string]interface{})
		if !ok {
			dst = make(map[string]interface{}, len(out))
			entry["output"] = dst
		}
		for k, v := range out {
			dst[k] = v
		}
	}
	for _, p := range c.placeholders {
		var value interface{}
		switch p.kind {
		case kindFree:
			value = c.freeValues[p.expr]
		case kindBound:
			if out, ok := c.outputs[p.refTask]; ok {
				value = out[p.refKey]
			}
		}
		setPath(rendered, p.path, value)
	}
	c.expanded = rendered
	return rendered, nil
}

// UpdateOutput merges out into the recorded output values for task, re-runs
// expansion against the new values, and returns the updated tree.
func (c *Config) UpdateOutput(task string, out map[string]interface{}) (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dst, ok := c.outputs[task]
	if !ok {
		dst = make(map[string]interface{})
		c.outputs[task] = dst
	}
	for k, v := range out {
		dst[k] = v
	}
	return c.expandLocked()
}

// GetConfig returns the most recently expanded tree, expanding now if Expand
// has never been called.
func (c *Config) GetConfig() (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expanded == nil {
		return c.expandLocked()
	}
	return c.expanded, nil
}

var arrayIndexPattern = regexp.MustCompile(`^\[(\d+)\]$`)

// setPath writes value at path within root, descending through both
// map[string]interface{} nodes (object keys) and []interface{} nodes
// (indices recorded by scan as "[N]" segments), so a template placeholder
// nested inside a JSON array leaf is substituted the same as one nested
// inside an object.
func setPath(root map[string]interface{}, path []string, value interface{}) {
	if len(path) == 0 {
		return
	}
	cur := interface{}(root)
	for i := 0; i < len(path)-1; i++ {
		cur = childAt(cur, path[i])
		if cur == nil {
			return
		}
	}
	setChildAt(cur, path[len(path)-1], value)
}

func childAt(node interface{}, segment string) interface{} {
	if idx, ok := arrayIndex(segment); ok {
		if s, ok := node.([]interface{}); ok && idx >= 0 && idx < len(s) {
			return s[idx]
		}
		return nil
	}
	if m, ok := node.(map[string]interface{}); ok {
		return m[segment]
	}
	return nil
}

func setChildAt(node interface{}, segment string, value interface{}) {
	if idx, ok := arrayIndex(segment); ok {
		if s, ok := node.([]interface{}); ok && idx >= 0 && idx < len(s) {
			s[idx] = value
		}
		return
	}
	if m, ok := node.(map[string]interface{}); ok {
		m[segment] = value
	}
}

// arrayIndex reports whether segment is a scan-recorded array index ("[N]")
// and returns N.
func arrayIndex(segment string) (int, bool) {
	m := arrayIndexPattern.FindStringSubmatch(segment)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, v := range t {
			out[k] = deepCopy(v)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, v := range t {
			out[i] = deepCopy(v)
		}
		return out
	default:
		return v
	}
}
