// Package registry holds the component bridges of a host process.
//
// The registry is built once at startup, frozen, and then read from any
// goroutine without locking. Lookups by wire id go through a dense table
// indexed by the id; there is no package-level registry, every consumer is
// handed the instance it should use.
package registry

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/l1jgo/scenebridge/internal/core/ecs"
	"github.com/l1jgo/scenebridge/internal/wire"
)

var (
	ErrDuplicateID   = errors.New("component id already registered")
	ErrDuplicateType = errors.New("component type already registered")
	ErrFrozen        = errors.New("registry is frozen")
)

type Registry struct {
	table  []*Bridge
	byType map[reflect.Type]*Bridge
	order  []*Bridge
	frozen bool
}

func New() *Registry {
	return &Registry{
		table:  make([]*Bridge, 0, 64),
		byType: make(map[reflect.Type]*Bridge, 32),
	}
}

// Register adds b. A duplicate id or type is a configuration error.
func (r *Registry) Register(b *Bridge) error {
	if r.frozen {
		return ErrFrozen
	}
	if b == nil || b.b == nil {
		return fmt.Errorf("register: bridge not built with Bind")
	}
	if _, ok := r.Lookup(b.ID); ok {
		return fmt.Errorf("register %s: %w: %d", b.Name, ErrDuplicateID, b.ID)
	}
	if prev, ok := r.byType[b.Type]; ok {
		return fmt.Errorf("register %s: %w: %s (id %d)", b.Name, ErrDuplicateType, b.Type, prev.ID)
	}
	for int(b.ID) >= len(r.table) {
		r.table = append(r.table, nil)
	}
	r.table[b.ID] = b
	r.byType[b.Type] = b
	r.order = append(r.order, b)
	return nil
}

// MustRegister is Register for bootstrap code, where a duplicate is fatal.
func (r *Registry) MustRegister(b *Bridge) {
	if err := r.Register(b); err != nil {
		panic(err)
	}
}

// Freeze ends registration.
func (r *Registry) Freeze() { r.frozen = true }

func (r *Registry) Frozen() bool { return r.frozen }

func (r *Registry) Lookup(id wire.ComponentID) (*Bridge, bool) {
	if int(id) >= len(r.table) {
		return nil, false
	}
	b := r.table[id]
	return b, b != nil
}

func (r *Registry) LookupType(t reflect.Type) (*Bridge, bool) {
	b, ok := r.byType[t]
	return b, ok
}

// LookupFor finds the bridge registered for T.
func LookupFor[T any](r *Registry) (*Bridge, bool) {
	return r.LookupType(reflect.TypeFor[T]())
}

// Bridges returns the bridges in registration order.
func (r *Registry) Bridges() []*Bridge {
	out := make([]*Bridge, len(r.order))
	copy(out, r.order)
	return out
}

// IsAppend reports the merge mode of id for the reconciler.
func (r *Registry) IsAppend(id wire.ComponentID) (isAppend, known bool) {
	b, ok := r.Lookup(id)
	if !ok {
		return false, false
	}
	return b.Append, true
}

// Install registers every bridge's live store with the world so the world can
// count and clear an entity's components.
func (r *Registry) Install(w *ecs.World) error {
	for _, b := range r.order {
		if err := w.RegisterStore(uint16(b.ID), b.b.store()); err != nil {
			return fmt.Errorf("install %s: %w", b.Name, err)
		}
	}
	return nil
}
