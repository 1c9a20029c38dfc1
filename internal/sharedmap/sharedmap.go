// Package sharedmap implements the cross-worker mutable mapping described in
// SPEC_FULL.md §4.2: a mutex-guarded map that falls back to a shadow copy
// whenever the underlying transport (relevant only to the process-shared
// mode) reports a broken connection, logging a warning rather than failing
// the caller outright.
package sharedmap

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/taskgraph/runner/internal/errs"
)

// Scope selects the construction mode.
type Scope int

const (
	// ScopeThread backs the map with a plain in-process mutex-guarded map.
	ScopeThread Scope = iota
	// ScopeProcess backs the map with a Transport meant to cross process
	// boundaries (e.g. a FunctionRunner subprocess flavor's pipe).
	ScopeProcess
)

// Transport is the minimal cross-process channel SharedMap relies on in
// ScopeProcess mode. A real transport (pipe, socket, shared file) implements
// this; returning an error from any method is treated as a broken connection
// and triggers shadow-copy fallback.
type Transport interface {
	Get(key string) (value interface{}, found bool, err error)
	Set(key string, value interface{}) error
	Delete(key string) error
	Keys() ([]string, error)
}

// Map is a thread- and process-safe mutable mapping with shadow-copy
// fallback. The zero value is not usable; use New.
type Map struct {
	scope     Scope
	transport Transport
	logger    *slog.Logger

	mu    sync.RWMutex
	local map[string]interface{} // used directly in ScopeThread; shadow copy in ScopeProcess
}

// New constructs a thread-shared map.
func New(logger *slog.Logger) *Map {
	if logger == nil {
		logger = slog.Default()
	}
	return &Map{scope: ScopeThread, logger: logger, local: make(map[string]interface{})}
}

// NewProcessShared constructs a process-shared map backed by transport.
func NewProcessShared(transport Transport, logger *slog.Logger) *Map {
	if logger == nil {
		logger = slog.Default()
	}
	return &Map{scope: ScopeProcess, transport: transport, logger: logger, local: make(map[string]interface{})}
}

// Get returns the value for key and whether it was present. On a broken
// process-shared transport it falls back to the shadow copy and logs.
func (m *Map) Get(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.scope == ScopeThread {
		v, ok := m.local[key]
		return v, ok
	}
	v, ok, err := m.transport.Get(key)
	if err != nil {
		m.logBroken("get", err)
		v, ok = m.local[key]
		return v, ok
	}
	return v, ok
}

// Set stores value under key, refreshing the shadow copy on success.
func (m *Map) Set(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scope == ScopeThread {
		m.local[key] = value
		return
	}
	if err := m.transport.Set(key, value); err != nil {
		m.logBroken("set", err)
		m.local[key] = value
		return
	}
	m.local[key] = value
}

// Delete removes key, refreshing the shadow copy on success.
func (m *Map) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scope == ScopeThread {
		delete(m.local, key)
		return
	}
	if err := m.transport.Delete(key); err != nil {
		m.logBroken("delete", err)
	}
	delete(m.local, key)
}

// Iterate calls fn for every key/value pair in declaration-agnostic order.
// fn must not call back into the Map.
func (m *Map) Iterate(fn func(key string, value interface{})) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.local
	if m.scope == ScopeProcess {
		if keys, err := m.transport.Keys(); err != nil {
			m.logBroken("iterate", err)
		} else {
			src = make(map[string]interface{}, len(keys))
			for _, k := range keys {
				if v, ok, err := m.transport.Get(k); err == nil && ok {
					src[k] = v
				} else if v, ok := m.local[k]; ok {
					src[k] = v
				}
			}
		}
	}
	for k, v := range src {
		fn(k, v)
	}
}

// Length reports the number of keys in the shadow copy.
func (m *Map) Length() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.local)
}

// Hash returns a stable hash of the shadow copy's canonical (sorted-keys)
// JSON serialization, so callers can cheaply detect meaningful changes.
func (m *Map) Hash() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.local))
	for k := range m.local {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]keyValue, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, keyValue{Key: k, Value: m.local[k]})
	}
	data, err := json.Marshal(ordered)
	if err != nil {
		return "", err
	}
	return hashBytes(data), nil
}

type keyValue struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

func (m *Map) logBroken(op string, err error) {
	m.logger.Warn("sharedmap transport broken, serving shadow copy",
		"op", op, "error", err)
}

// BrokenError wraps the underlying transport error with errs.ErrSharedMapBroken
// so callers can match with errors.Is.
func BrokenError(cause error) error {
	return errors.Join(errs.ErrSharedMapBroken, cause)
}
