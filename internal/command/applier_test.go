package command

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/l1jgo/scenebridge/internal/core/ecs"
	"github.com/l1jgo/scenebridge/internal/core/event"
	"github.com/l1jgo/scenebridge/internal/entity"
	"github.com/l1jgo/scenebridge/internal/gate"
	"github.com/l1jgo/scenebridge/internal/pool"
	"github.com/l1jgo/scenebridge/internal/registry"
	"github.com/l1jgo/scenebridge/internal/wire"
)

type label struct{ Text string }

type labelSerializer struct{}

func (labelSerializer) DeserializeInto(dst *label, p []byte) error {
	dst.Text = string(p)
	return nil
}

func (labelSerializer) Serialize(dst []byte, src *label) []byte { return append(dst, src.Text...) }

type panicky struct{}

func (panicky) Attached(_ ecs.EntityID, c *label) {
	if c.Text == "boom" {
		panic("renderer exploded")
	}
}
func (panicky) Detached(ecs.EntityID, *label) {}

type labelB struct{ Text string }

type labelBSerializer struct{}

func (labelBSerializer) DeserializeInto(dst *labelB, p []byte) error {
	dst.Text = string(p)
	return nil
}

func (labelBSerializer) Serialize(dst []byte, src *labelB) []byte { return append(dst, src.Text...) }

type labelC struct{ Text string }

type labelCSerializer struct{}

func (labelCSerializer) DeserializeInto(dst *labelC, p []byte) error {
	dst.Text = string(p)
	return nil
}

func (labelCSerializer) Serialize(dst []byte, src *labelC) []byte { return append(dst, src.Text...) }

type fixture struct {
	world  *ecs.World
	tr     *entity.Translator
	buf    *Buffer
	bus    *event.Bus
	gate   *gate.Gate
	app    *Applier
	a, b   *registry.Bridge
	slow   *registry.Bridge
	poolA  *pool.Pool[label]
	poolB  *pool.Pool[labelB]
	poolC  *pool.Pool[labelC]
	faults []error
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		world: ecs.NewWorld(),
		buf:   NewBuffer(),
		bus:   event.NewBus(),
		poolA: pool.New[label]("a", nil),
		poolB: pool.New[labelB]("b", nil),
		poolC: pool.New[labelC]("slow", nil),
	}
	f.a = registry.Bind[label](5, "a", labelSerializer{}, f.poolA, panicky{})
	f.b = registry.Bind[labelB](9, "b", labelBSerializer{}, f.poolB, nil)
	f.slow = registry.Bind[labelC](12, "slow", labelCSerializer{}, f.poolC, nil, registry.WithClass(gate.ClassThrottled))

	reg := registry.New()
	for _, b := range []*registry.Bridge{f.a, f.b, f.slow} {
		require.NoError(t, reg.Register(b))
	}
	require.NoError(t, reg.Install(f.world))
	reg.Freeze()

	f.tr = entity.NewTranslator(f.world, entity.DefaultPolicy())
	f.gate = gate.New(gate.Windows{0, 1, 3})
	all := append([]Option{
		WithBus(f.bus),
		WithGate(f.gate),
		WithFaultHandler(func(err error) { f.faults = append(f.faults, err) }),
	}, opts...)
	f.app = NewApplier("test", f.buf, reg, f.world, f.tr, zap.NewNop(), all...)
	return f
}

func (f *fixture) stage(t *testing.T, b *registry.Bridge, e wire.EntityID, op Op, payload string) {
	t.Helper()
	tk, err := b.Stage([]byte(payload))
	require.NoError(t, err)
	_, err = f.tr.Resolve(e)
	require.NoError(t, err)
	require.NoError(t, f.buf.Enqueue(Command{Op: op, Entity: e, Bridge: b, Ticket: tk}))
}

func (f *fixture) flush(t *testing.T) Result {
	t.Helper()
	res, err := f.app.Flush()
	require.NoError(t, err)
	return res
}

func text(t *testing.T, b *registry.Bridge, h ecs.EntityID) string {
	t.Helper()
	s, ok := registry.StoreOf[label](b)
	require.True(t, ok)
	v, ok := s.Get(h)
	require.True(t, ok)
	return v.Text
}

func TestFlush_AttachReplaceDetach(t *testing.T) {
	f := newFixture(t)
	var events []string
	event.Subscribe(f.bus, func(e event.ComponentAttached) {
		if e.Replaced {
			events = append(events, "replace")
		} else {
			events = append(events, "attach")
		}
	})
	event.Subscribe(f.bus, func(e event.ComponentDetached) { events = append(events, "detach") })
	event.Subscribe(f.bus, func(e event.EntityDestroyed) {
		assert.True(t, e.Implicit)
		events = append(events, "destroyed")
	})

	f.stage(t, f.a, 600, OpAttach, "A")
	f.stage(t, f.a, 600, OpReplace, "B")
	res := f.flush(t)
	assert.Equal(t, 2, res.Applied)

	h, ok := f.tr.Lookup(600)
	require.True(t, ok)
	assert.Equal(t, "B", text(t, f.a, h))

	st := f.poolA.Stats()
	assert.Equal(t, uint64(2), st.Gets)
	assert.Equal(t, uint64(1), st.Releases, "the instance holding A went back to the pool")

	require.NoError(t, f.buf.Enqueue(Command{Op: OpDetach, Entity: 600, Bridge: f.a}))
	f.flush(t)
	st = f.poolA.Stats()
	assert.Equal(t, st.Gets, st.Releases)
	assert.False(t, f.world.Alive(h), "handle released with the last component")
	_, ok = f.tr.Lookup(600)
	assert.False(t, ok)

	f.bus.SwapBuffers()
	f.bus.DispatchAll()
	assert.Equal(t, []string{"attach", "replace", "detach", "destroyed"}, events)
}

func TestFlush_ExplicitEntityOutlivesComponents(t *testing.T) {
	f := newFixture(t)
	h, err := f.tr.Create(700)
	require.NoError(t, err)
	f.stage(t, f.a, 700, OpAttach, "x")
	require.NoError(t, f.buf.Enqueue(Command{Op: OpDetach, Entity: 700, Bridge: f.a}))
	f.flush(t)
	assert.True(t, f.world.Alive(h))
}

func TestFlush_DestroyEntityCascade(t *testing.T) {
	f := newFixture(t)
	f.stage(t, f.a, 1000, OpAttach, "five")
	f.stage(t, f.b, 1000, OpAttach, "nine")
	f.stage(t, f.a, 1001, OpAttach, "other")
	f.flush(t)
	h, _ := f.tr.Lookup(1000)
	assert.Equal(t, 2, f.world.CountComponents(h))

	require.NoError(t, f.buf.Enqueue(Command{Op: OpDestroyEntity, Entity: 1000}))
	f.flush(t)

	assert.False(t, f.world.Alive(h))
	assert.Equal(t, uint64(1), f.poolA.Stats().Releases)
	assert.Equal(t, f.poolB.Stats().Gets, f.poolB.Stats().Releases)
	other, ok := f.tr.Lookup(1001)
	require.True(t, ok)
	assert.True(t, f.world.Alive(other))
	assert.Empty(t, f.faults)
}

func TestFlush_GateHoldsClosedClass(t *testing.T) {
	f := newFixture(t)
	f.stage(t, f.slow, 600, OpAttach, "s1")
	res := f.flush(t)
	assert.Equal(t, 1, res.Applied, "first window is open")

	f.stage(t, f.slow, 600, OpReplace, "s2")
	f.stage(t, f.a, 600, OpAttach, "fast")
	res = f.flush(t)
	assert.Equal(t, Result{Applied: 1, Held: 1}, res)
	assert.Equal(t, 1, f.app.Pending())

	f.gate.Advance()
	f.gate.Advance()
	res = f.flush(t)
	assert.Equal(t, Result{Held: 1}, res)

	f.gate.Advance()
	res = f.flush(t)
	assert.Equal(t, Result{Applied: 1}, res)
	assert.Zero(t, f.app.Pending())
}

func TestFlush_HeldReplacesCoalesce(t *testing.T) {
	f := newFixture(t)
	f.stage(t, f.slow, 600, OpAttach, "s1")
	require.Equal(t, 1, f.flush(t).Applied)

	f.stage(t, f.slow, 600, OpReplace, "s2")
	assert.Equal(t, Result{Held: 1}, f.flush(t))
	f.stage(t, f.slow, 600, OpReplace, "s3")
	f.stage(t, f.slow, 600, OpReplace, "s4")
	assert.Equal(t, Result{Held: 1, Coalesced: 2}, f.flush(t))
	assert.Equal(t, 1, f.app.Pending())
	assert.Equal(t, 1, f.slow.Staged())

	for i := 0; i < 3; i++ {
		f.gate.Advance()
	}
	assert.Equal(t, Result{Applied: 1}, f.flush(t))
	h, ok := f.tr.Lookup(600)
	require.True(t, ok)
	store, _ := registry.StoreOf[labelC](f.slow)
	v, ok := store.Get(h)
	require.True(t, ok)
	assert.Equal(t, "s4", v.Text)

	st := f.poolC.Stats()
	assert.Equal(t, uint64(4), st.Gets)
	assert.Equal(t, uint64(3), st.Releases)
	assert.Equal(t, 1, st.Live)
	assert.Equal(t, uint64(2), f.app.Stats().Coalesced)
	assert.Empty(t, f.faults)
}

func TestFlush_HeldDetachSeparatesReplaces(t *testing.T) {
	f := newFixture(t)
	f.stage(t, f.slow, 600, OpAttach, "s1")
	f.flush(t)

	f.stage(t, f.slow, 600, OpReplace, "s2")
	require.NoError(t, f.buf.Enqueue(Command{Op: OpDetach, Entity: 600, Bridge: f.slow}))
	f.stage(t, f.slow, 600, OpAttach, "s3")
	assert.Equal(t, Result{Held: 3}, f.flush(t))

	for i := 0; i < 3; i++ {
		f.gate.Advance()
	}
	assert.Equal(t, Result{Applied: 3}, f.flush(t))
	h, ok := f.tr.Lookup(600)
	require.True(t, ok)
	store, _ := registry.StoreOf[labelC](f.slow)
	v, ok := store.Get(h)
	require.True(t, ok)
	assert.Equal(t, "s3", v.Text)
	assert.Equal(t, uint64(2), f.poolC.Stats().Releases)
}

func TestFlush_DestroyDropsHeldCommands(t *testing.T) {
	f := newFixture(t)
	f.stage(t, f.slow, 600, OpAttach, "s1")
	f.flush(t)
	f.stage(t, f.slow, 600, OpReplace, "s2")
	f.flush(t)
	require.Equal(t, 1, f.app.Pending())

	require.NoError(t, f.buf.Enqueue(Command{Op: OpDestroyEntity, Entity: 600}))
	res := f.flush(t)
	assert.Equal(t, 1, res.Applied)
	assert.Zero(t, f.app.Pending())
	assert.Equal(t, f.poolC.Stats().Gets, f.poolC.Stats().Releases)
	assert.Zero(t, f.slow.Staged())
}

func TestFlush_Budget(t *testing.T) {
	f := newFixture(t, WithBudget(2))
	for i := 0; i < 5; i++ {
		f.stage(t, f.a, wire.EntityID(600+i), OpAttach, "x")
	}
	assert.Equal(t, Result{Applied: 2, Deferred: 3}, f.flush(t))
	assert.Equal(t, Result{Applied: 2, Deferred: 1}, f.flush(t))
	assert.Equal(t, Result{Applied: 1}, f.flush(t))
}

func TestFlush_PanicIsolated(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	f := newFixture(t)
	f.app.log = zap.New(core)

	f.stage(t, f.a, 600, OpAttach, "boom")
	f.stage(t, f.a, 601, OpAttach, "fine")
	res := f.flush(t)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, uint64(1), f.app.Stats().Panics)
	require.Len(t, f.faults, 1)
	assert.Equal(t, 1, logs.FilterMessage("command panic recovered").Len())

	h, _ := f.tr.Lookup(601)
	assert.Equal(t, "fine", text(t, f.a, h))
}

func TestFlush_Concurrent(t *testing.T) {
	f := newFixture(t)
	f.app.flushing.Store(true)
	_, err := f.app.Flush()
	assert.ErrorIs(t, err, ErrConcurrentFlush)
}

func TestEnqueue_ConcurrentProducers(t *testing.T) {
	buf := NewBuffer()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = buf.Enqueue(Command{Op: OpDetach})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, buf.Len())
}

func TestTeardown_ReleasesEverything(t *testing.T) {
	f := newFixture(t)
	f.stage(t, f.a, 600, OpAttach, "a")
	f.stage(t, f.b, 601, OpAttach, "b")
	f.flush(t)
	f.stage(t, f.a, 602, OpAttach, "never flushed")
	f.stage(t, f.slow, 603, OpAttach, "s")

	require.NoError(t, f.app.Teardown())
	assert.Zero(t, f.world.Pool().Len())
	assert.Zero(t, f.tr.Len())
	st := f.poolA.Stats()
	assert.Equal(t, st.Gets, st.Releases)
	assert.Zero(t, st.Misuses)
	assert.Equal(t, f.poolB.Stats().Gets, f.poolB.Stats().Releases)
	assert.Equal(t, f.poolC.Stats().Gets, f.poolC.Stats().Releases)
	assert.Zero(t, f.a.Staged())
	assert.Zero(t, f.slow.Staged())
	assert.ErrorIs(t, f.buf.Enqueue(Command{}), ErrClosed)
}

func TestOpString(t *testing.T) {
	assert.Equal(t, "destroy_entity", OpDestroyEntity.String())
	assert.Equal(t, "Op(9)", Op(9).String())
}
