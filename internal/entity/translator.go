// Package entity maps scene-local entity ids onto host world handles.
package entity

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/l1jgo/scenebridge/internal/core/ecs"
	"github.com/l1jgo/scenebridge/internal/wire"
)

// Well-known scene entity ids.
const (
	RootEntity   wire.EntityID = 0
	PlayerEntity wire.EntityID = 1
	CameraEntity wire.EntityID = 2

	// DefaultReservedMax is the first id a scene may create on its own.
	DefaultReservedMax wire.EntityID = 512
)

var (
	ErrInvalidEntity = errors.New("invalid entity reference")
	ErrHasComponents = errors.New("entity still has components")
	ErrUnknownEntity = errors.New("entity has no handle")
)

// Policy is what a producer may address.
type Policy struct {
	// Privileged producers may create and write reserved ids.
	Privileged  bool
	ReservedMax wire.EntityID
	// MaxEntity is the largest accepted id; 0 means no upper bound.
	MaxEntity wire.EntityID
}

// DefaultPolicy is the policy of an ordinary sandboxed scene.
func DefaultPolicy() Policy {
	return Policy{ReservedMax: DefaultReservedMax}
}

// World is the part of the host world the translator needs. Create may be
// called from any goroutine, the rest only from the world thread.
type World interface {
	CreateEntity() ecs.EntityID
	DestroyEntity(ecs.EntityID) bool
	CountComponents(ecs.EntityID) int
}

type binding struct {
	handle    ecs.EntityID
	explicit  bool
	wellKnown bool
	owned     bool
}

// Translator holds the handles of one scene. Resolve and Lookup are safe for
// concurrent use; Release and ReleaseAll mutate the world and belong to the
// world thread.
type Translator struct {
	world  World
	policy Policy

	mu      sync.Mutex
	byScene map[wire.EntityID]*binding
	byWorld map[ecs.EntityID]wire.EntityID
}

func NewTranslator(w World, p Policy) *Translator {
	return &Translator{
		world:   w,
		policy:  p,
		byScene: make(map[wire.EntityID]*binding, 64),
		byWorld: make(map[ecs.EntityID]wire.EntityID, 64),
	}
}

func (t *Translator) Policy() Policy { return t.policy }

// Check reports whether the producer may write to id.
func (t *Translator) Check(id wire.EntityID) error {
	if t.policy.MaxEntity != 0 && id > t.policy.MaxEntity {
		return fmt.Errorf("%w: %d above max %d", ErrInvalidEntity, id, t.policy.MaxEntity)
	}
	if !t.policy.Privileged && id < t.policy.ReservedMax {
		return fmt.Errorf("%w: %d is reserved", ErrInvalidEntity, id)
	}
	return nil
}

// BindWellKnown attaches a host-provided handle to a reserved id. Owned handles
// are destroyed with the scene; shared ones (player, camera) are left alone.
func (t *Translator) BindWellKnown(id wire.EntityID, h ecs.EntityID, owned bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byScene[id] = &binding{handle: h, wellKnown: true, owned: owned}
	t.byWorld[h] = id
}

// Resolve returns the handle for id, creating it on first use.
func (t *Translator) Resolve(id wire.EntityID) (ecs.EntityID, error) {
	t.mu.Lock()
	if b, ok := t.byScene[id]; ok {
		t.mu.Unlock()
		return b.handle, nil
	}
	t.mu.Unlock()

	if err := t.Check(id); err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.byScene[id]; ok {
		return b.handle, nil
	}
	h := t.world.CreateEntity()
	t.byScene[id] = &binding{handle: h}
	t.byWorld[h] = id
	return h, nil
}

// Create resolves id and marks it explicitly created, so the handle outlives
// its last component.
func (t *Translator) Create(id wire.EntityID) (ecs.EntityID, error) {
	h, err := t.Resolve(id)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.byScene[id].explicit = true
	t.mu.Unlock()
	return h, nil
}

// Lookup returns the handle for id without creating one. Reserved ids may be
// referenced this way by any producer.
func (t *Translator) Lookup(id wire.EntityID) (ecs.EntityID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.byScene[id]
	if !ok {
		return 0, false
	}
	return b.handle, true
}

// SceneEntity maps a world handle back to the scene id.
func (t *Translator) SceneEntity(h ecs.EntityID) (wire.EntityID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byWorld[h]
	return id, ok
}

// IsExplicit reports whether id was created with Create.
func (t *Translator) IsExplicit(id wire.EntityID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.byScene[id]
	return ok && (b.explicit || b.wellKnown)
}

// Release destroys the handle of id. Every component must have been detached
// first. Well-known ids keep their handle.
func (t *Translator) Release(id wire.EntityID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.byScene[id]
	if !ok {
		return fmt.Errorf("release %d: %w", id, ErrUnknownEntity)
	}
	if n := t.world.CountComponents(b.handle); n > 0 {
		return fmt.Errorf("release %d: %w (%d left)", id, ErrHasComponents, n)
	}
	if b.wellKnown {
		return nil
	}
	t.dropLocked(id, b)
	return nil
}

func (t *Translator) dropLocked(id wire.EntityID, b *binding) {
	delete(t.byScene, id)
	delete(t.byWorld, b.handle)
	t.world.DestroyEntity(b.handle)
}

// ReleaseAll destroys every handle the scene owns at teardown and returns how
// many were destroyed. Components must have been detached already.
func (t *Translator) ReleaseAll() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	n := 0
	for _, id := range t.sortedLocked() {
		b := t.byScene[id]
		if b.wellKnown && !b.owned {
			delete(t.byScene, id)
			delete(t.byWorld, b.handle)
			continue
		}
		if c := t.world.CountComponents(b.handle); c > 0 {
			errs = append(errs, fmt.Errorf("release %d: %w (%d left)", id, ErrHasComponents, c))
		}
		t.dropLocked(id, b)
		n++
	}
	return n, errors.Join(errs...)
}

// Entities lists the scene ids that currently have handles, ascending.
func (t *Translator) Entities() []wire.EntityID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sortedLocked()
}

func (t *Translator) sortedLocked() []wire.EntityID {
	ids := make([]wire.EntityID, 0, len(t.byScene))
	for id := range t.byScene {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (t *Translator) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byScene)
}
