// Package local is the in-process management adapter: a registry of
// management entities whose attributes are computed on every read by
// providers registered by the grid runtime (or by tests).
package local

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/amirimatin/grid-sidecar/pkg/management"
)

// AttributeFunc computes the current attribute values of an entity.
type AttributeFunc func() map[string]any

// OperationFunc implements a named operation of an entity.
type OperationFunc func(ctx context.Context, args ...any) (any, error)

// Entity describes a registered management entity.
type Entity struct {
	Attributes AttributeFunc
	Operations map[string]OperationFunc
}

// Registry is a concurrency-safe entity registry that satisfies
// management.Query. Until the registry is marked managed every query fails
// with management.ErrNoManagedMember, mirroring a member whose management
// capability has not started yet.
type Registry struct {
	mu       sync.RWMutex
	managed  bool
	entities map[string]Entity
}

// New returns an empty, unmanaged registry.
func New() *Registry {
	return &Registry{entities: make(map[string]Entity)}
}

// SetManaged toggles whether the registry answers queries.
func (r *Registry) SetManaged(managed bool) {
	r.mu.Lock()
	r.managed = managed
	r.mu.Unlock()
}

// Register adds or replaces an entity. The name is normalised so lookups are
// insensitive to quoting of plain values.
func (r *Registry) Register(name string, e Entity) error {
	n, err := management.ParseName(name)
	if err != nil {
		return err
	}
	if e.Attributes == nil {
		e.Attributes = func() map[string]any { return nil }
	}
	r.mu.Lock()
	r.entities[n.Canonical().String()] = e
	r.mu.Unlock()
	return nil
}

// Unregister removes an entity; unknown names are ignored.
func (r *Registry) Unregister(name string) {
	n, err := management.ParseName(name)
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.entities, n.Canonical().String())
	r.mu.Unlock()
}

// UnregisterMatching removes all entities matching pattern.
func (r *Registry) UnregisterMatching(pattern string) {
	r.mu.Lock()
	for name := range r.entities {
		if management.Match(pattern, name) {
			delete(r.entities, name)
		}
	}
	r.mu.Unlock()
}

func (r *Registry) QueryNames(ctx context.Context, pattern string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.managed {
		return nil, management.ErrNoManagedMember
	}
	var out []string
	for name := range r.entities {
		if management.Match(pattern, name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *Registry) Attributes(ctx context.Context, name string, attrs ...string) (map[string]any, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	// providers run outside the lock; they may call back into the runtime
	all := management.Lower(e.Attributes())
	if len(attrs) == 0 {
		return all, nil
	}
	out := make(map[string]any, len(attrs))
	for _, a := range attrs {
		k := strings.ToLower(a)
		if v, ok := all[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (r *Registry) Invoke(ctx context.Context, name, op string, args ...any) (any, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	fn, ok := e.Operations[op]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", management.ErrOperationNotFound, op, name)
	}
	return fn(ctx, args...)
}

func (r *Registry) lookup(name string) (Entity, error) {
	n, err := management.ParseName(name)
	if err != nil {
		return Entity{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.managed {
		return Entity{}, management.ErrNoManagedMember
	}
	e, ok := r.entities[n.Canonical().String()]
	if !ok {
		return Entity{}, fmt.Errorf("%w: %s", management.ErrEntityNotFound, name)
	}
	return e, nil
}

var _ management.Query = (*Registry)(nil)
