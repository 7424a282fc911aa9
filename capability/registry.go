// Package capability implements the dynamic agent capability
// registry of §9: capabilities are registered by (module, capability
// id) with a typed executor, keyed for O(1) lookup, carrying metadata
// (including whether known errors are transient) for workflow retry
// policy to consult.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Executor runs one capability invocation against a JSON input,
// returning a JSON output or an error. This is the dynamic extension
// point: capabilities not known at compile time still satisfy this
// one function type.
type Executor func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Metadata describes a registered capability beyond its executor —
// enough for introspection (ListAgents/GetCapability) and for the
// workflow retry policy to classify failures.
type Metadata struct {
	ModuleID       string
	CapabilityID   string
	Description    string
	TransientCodes map[string]bool
}

// Key identifies one capability uniquely by (module, capability id).
type Key struct {
	Module     string
	Capability string
}

func (k Key) String() string { return k.Module + "/" + k.Capability }

type entry struct {
	meta     Metadata
	executor Executor
}

// Registry is an O(1) lookup table of registered capabilities. Safe
// for concurrent registration and invocation.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]entry)}
}

// Register adds or replaces a capability. Re-registering the same key
// is a deliberate override, not an error — it mirrors how a workflow
// compiler might hot-swap a capability implementation in tests.
func (r *Registry) Register(meta Metadata, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[Key{Module: meta.ModuleID, Capability: meta.CapabilityID}] = entry{meta: meta, executor: executor}
}

// Get returns the metadata and executor for a key, if registered.
func (r *Registry) Get(key Key) (Metadata, Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return Metadata{}, nil, false
	}
	return e.meta, e.executor, true
}

// Invoke runs a registered capability by key against input, matching
// the TestCapability management RPC's in-process testing contract.
func (r *Registry) Invoke(ctx context.Context, key Key, input json.RawMessage) (json.RawMessage, error) {
	_, executor, ok := r.Get(key)
	if !ok {
		return nil, fmt.Errorf("capability: %s not registered", key)
	}
	return executor(ctx, input)
}

// List returns the metadata of every registered capability, the basis
// for the ListAgents management RPC.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.meta)
	}
	return out
}

// IsTransient reports whether a capability's metadata marks a given
// error code as safe to retry without operator intervention — the
// agent capability registry's transient/permanent classification
// (§7) feeding the workflow's #[durable] retry policy.
func (r *Registry) IsTransient(key Key, code string) bool {
	meta, _, ok := r.Get(key)
	if !ok {
		return false
	}
	return meta.TransientCodes[code]
}
