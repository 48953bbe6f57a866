package registry

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/l1jgo/scenebridge/internal/core/ecs"
	"github.com/l1jgo/scenebridge/internal/gate"
	"github.com/l1jgo/scenebridge/internal/pool"
	"github.com/l1jgo/scenebridge/internal/wire"
)

// ErrStaleTicket is returned when a staged instance was already consumed.
var ErrStaleTicket = errors.New("staged instance already consumed")

// Serializer converts between wire payloads and typed component values.
type Serializer[T any] interface {
	DeserializeInto(dst *T, payload []byte) error
	Serialize(dst []byte, src *T) []byte
}

// Pool is the recycling capability a bridge needs. *pool.Pool satisfies it.
type Pool[T any] interface {
	Get() *T
	Release(*T) error
}

// Applier is notified on the world thread when an instance goes live on, or
// leaves, a world entity. Detached runs before the instance is released.
type Applier[T any] interface {
	Attached(h ecs.EntityID, c *T)
	Detached(h ecs.EntityID, c *T)
}

// Ticket names an instance that has been deserialized but not yet attached.
// The zero Ticket is never issued.
type Ticket uint32

// binding is the per-type dispatch table behind a Bridge.
type binding interface {
	stage(payload []byte) (Ticket, error)
	discard(t Ticket) error
	attach(h ecs.EntityID, t Ticket) (bool, error)
	detach(h ecs.EntityID) (bool, error)
	has(h ecs.EntityID) bool
	store() ecs.Store
	staged() int
	poolStats() (pool.Stats, bool)
	describe(payload []byte) (string, error)
	validate(payload []byte) error
	assetRef(h ecs.EntityID) string
}

// Bridge binds a wire component id to everything needed to turn bytes into a
// live, poolable, typed instance. Bridges are immutable once built.
type Bridge struct {
	ID         wire.ComponentID
	Name       string
	Type       reflect.Type
	ResultOnly bool
	Append     bool
	Class      gate.Class

	b binding
}

type Option func(*Bridge)

// ResultOnly marks a component the host writes and the scene only reads.
func ResultOnly() Option { return func(b *Bridge) { b.ResultOnly = true } }

// AppendMode marks an accumulator component merged as a grow-only set.
func AppendMode() Option { return func(b *Bridge) { b.Append = true } }

// WithClass sets the gate class used when flushing this component.
func WithClass(c gate.Class) Option { return func(b *Bridge) { b.Class = c } }

// WithAssetRef names the external asset a value of T references. It has no
// effect on a bridge of another type.
func WithAssetRef[T any](fn func(*T) string) Option {
	return func(b *Bridge) {
		if tb, ok := b.b.(*typedBinding[T]); ok {
			tb.ref = fn
		}
	}
}

// Bind builds the bridge for component type T. applier may be nil.
func Bind[T any](id wire.ComponentID, name string, ser Serializer[T], p Pool[T], applier Applier[T], opts ...Option) *Bridge {
	tb := &typedBinding[T]{
		ser:     ser,
		pool:    p,
		applier: applier,
		live:    ecs.NewPtrComponentStore[T](),
		slots:   make([]*T, 1, 16),
	}
	b := &Bridge{
		ID:   id,
		Name: name,
		Type: reflect.TypeFor[T](),
		b:    tb,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Stage takes an instance from the pool and deserializes payload into it.
// Safe to call off the world thread. On failure the instance is returned to
// the pool before the error is reported.
func (b *Bridge) Stage(payload []byte) (Ticket, error) {
	t, err := b.b.stage(payload)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", b.Name, err)
	}
	return t, nil
}

// Discard releases a staged instance that will never be attached.
func (b *Bridge) Discard(t Ticket) error { return b.b.discard(t) }

// Attach makes the staged instance live on h, releasing the instance it
// replaces first. World thread only.
func (b *Bridge) Attach(h ecs.EntityID, t Ticket) (replaced bool, err error) {
	return b.b.attach(h, t)
}

// Detach releases the live instance on h, if any. World thread only.
func (b *Bridge) Detach(h ecs.EntityID) (bool, error) { return b.b.detach(h) }

// Has reports whether h holds a live instance. World thread only.
func (b *Bridge) Has(h ecs.EntityID) bool { return b.b.has(h) }

// Staged returns the number of staged, unattached instances.
func (b *Bridge) Staged() int { return b.b.staged() }

// PoolStats reports the pool counters when the pool exposes them.
func (b *Bridge) PoolStats() (pool.Stats, bool) { return b.b.poolStats() }

// Describe deserializes payload into a scratch value and formats it. The
// value never comes from or returns to the pool.
func (b *Bridge) Describe(payload []byte) (string, error) { return b.b.describe(payload) }

// AssetRef returns the asset referenced by the live value on h, or "".
// World thread only.
func (b *Bridge) AssetRef(h ecs.EntityID) string { return b.b.assetRef(h) }

// Validate reports whether payload deserializes on its own. Like Describe
// it never touches the pool.
func (b *Bridge) Validate(payload []byte) error {
	if err := b.b.validate(payload); err != nil {
		return fmt.Errorf("%s: %w", b.Name, err)
	}
	return nil
}

// StoreOf returns the typed live store behind b. It fails when T is not the
// bridge's type.
func StoreOf[T any](b *Bridge) (*ecs.PtrComponentStore[T], bool) {
	tb, ok := b.b.(*typedBinding[T])
	if !ok {
		return nil, false
	}
	return tb.live, true
}

// Serialize encodes v with the bridge's serializer.
func Serialize[T any](b *Bridge, dst []byte, v *T) ([]byte, error) {
	tb, ok := b.b.(*typedBinding[T])
	if !ok {
		return nil, fmt.Errorf("%s: value type %s does not match %s", b.Name, reflect.TypeFor[T](), b.Type)
	}
	return tb.ser.Serialize(dst, v), nil
}

type typedBinding[T any] struct {
	ser     Serializer[T]
	pool    Pool[T]
	applier Applier[T]
	ref     func(*T) string
	live    *ecs.PtrComponentStore[T]

	mu        sync.Mutex
	slots     []*T // slot 0 unused
	freeSlots []Ticket
	nstaged   int
}

func (tb *typedBinding[T]) stage(payload []byte) (Ticket, error) {
	v := tb.pool.Get()
	if err := tb.ser.DeserializeInto(v, payload); err != nil {
		if rerr := tb.pool.Release(v); rerr != nil {
			return 0, errors.Join(err, rerr)
		}
		return 0, err
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()
	var t Ticket
	if n := len(tb.freeSlots); n > 0 {
		t = tb.freeSlots[n-1]
		tb.freeSlots = tb.freeSlots[:n-1]
		tb.slots[t] = v
	} else {
		t = Ticket(len(tb.slots))
		tb.slots = append(tb.slots, v)
	}
	tb.nstaged++
	return t, nil
}

func (tb *typedBinding[T]) take(t Ticket) (*T, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if t == 0 || int(t) >= len(tb.slots) || tb.slots[t] == nil {
		return nil, false
	}
	v := tb.slots[t]
	tb.slots[t] = nil
	tb.freeSlots = append(tb.freeSlots, t)
	tb.nstaged--
	return v, true
}

func (tb *typedBinding[T]) discard(t Ticket) error {
	v, ok := tb.take(t)
	if !ok {
		return ErrStaleTicket
	}
	return tb.pool.Release(v)
}

func (tb *typedBinding[T]) attach(h ecs.EntityID, t Ticket) (bool, error) {
	v, ok := tb.take(t)
	if !ok {
		return false, ErrStaleTicket
	}
	replaced, err := tb.detach(h)
	tb.live.Set(h, v)
	if tb.applier != nil {
		tb.applier.Attached(h, v)
	}
	return replaced, err
}

func (tb *typedBinding[T]) detach(h ecs.EntityID) (bool, error) {
	prev, ok := tb.live.Take(h)
	if !ok {
		return false, nil
	}
	if tb.applier != nil {
		tb.applier.Detached(h, prev)
	}
	return true, tb.pool.Release(prev)
}

func (tb *typedBinding[T]) has(h ecs.EntityID) bool { return tb.live.Has(h) }

func (tb *typedBinding[T]) store() ecs.Store { return tb.live }

func (tb *typedBinding[T]) staged() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.nstaged
}

func (tb *typedBinding[T]) poolStats() (pool.Stats, bool) {
	if s, ok := tb.pool.(interface{ Stats() pool.Stats }); ok {
		return s.Stats(), true
	}
	return pool.Stats{}, false
}

func (tb *typedBinding[T]) describe(payload []byte) (string, error) {
	var v T
	if err := tb.ser.DeserializeInto(&v, payload); err != nil {
		return "", err
	}
	return fmt.Sprintf("%+v", v), nil
}

func (tb *typedBinding[T]) assetRef(h ecs.EntityID) string {
	if tb.ref == nil {
		return ""
	}
	v, ok := tb.live.Get(h)
	if !ok {
		return ""
	}
	return tb.ref(v)
}

func (tb *typedBinding[T]) validate(payload []byte) error {
	var v T
	return tb.ser.DeserializeInto(&v, payload)
}
