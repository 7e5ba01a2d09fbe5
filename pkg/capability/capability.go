// Package capability defines the contract satisfied by external work units
// (LLM-backed scorers, code transformers, manifest validators) and the
// registry the engine uses to dispatch execute nodes by name.
package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ormasoftchile/optiflow/pkg/store"
)

// Capability is the uniform contract for one unit of work. The snapshot is a
// read-only copy of the store document; params is the node's fully resolved
// inputs mapping. The returned outputs must cover every value output the
// invoking node declares.
type Capability interface {
	Evaluate(ctx context.Context, snapshot store.Document, params map[string]any) (map[string]any, error)
}

// Func adapts a plain function to the Capability interface. Tests use it to
// substitute deterministic stand-ins.
type Func func(ctx context.Context, snapshot store.Document, params map[string]any) (map[string]any, error)

// Evaluate implements Capability.
func (f Func) Evaluate(ctx context.Context, snapshot store.Document, params map[string]any) (map[string]any, error) {
	return f(ctx, snapshot, params)
}

// Registry maps capability names to implementations. Node definitions
// reference work units by name; binding happens at dispatch time.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register binds a name to an implementation, replacing any previous
// binding.
func (r *Registry) Register(name string, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[name] = c
}

// Lookup resolves a capability by name.
func (r *Registry) Lookup(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	if !ok {
		return nil, fmt.Errorf("capability %q is not registered", name)
	}
	return c, nil
}

// Names returns the registered capability names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
