package scene

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/l1jgo/scenebridge/internal/command"
	"github.com/l1jgo/scenebridge/internal/component"
	"github.com/l1jgo/scenebridge/internal/core/ecs"
	"github.com/l1jgo/scenebridge/internal/core/event"
	"github.com/l1jgo/scenebridge/internal/crdt"
	"github.com/l1jgo/scenebridge/internal/entity"
	"github.com/l1jgo/scenebridge/internal/gate"
	"github.com/l1jgo/scenebridge/internal/registry"
	"github.com/l1jgo/scenebridge/internal/wire"
)

type harness struct {
	reg   *registry.Registry
	world *ecs.World
	bus   *event.Bus
	host  *Host
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	reg := registry.New()
	require.NoError(t, component.RegisterAll(reg, zap.NewNop(), component.PoolOptions{}))
	reg.Freeze()
	world := ecs.NewWorld()
	require.NoError(t, reg.Install(world))

	cfg := DefaultConfig()
	cfg.Windows = gate.Windows{}
	for _, m := range mutate {
		m(&cfg)
	}
	bus := event.NewBus()
	return &harness{reg: reg, world: world, bus: bus, host: NewHost(cfg, reg, world, bus, zap.NewNop())}
}

func chunk(msgs ...wire.Message) []byte {
	w := wire.NewWriter()
	for _, m := range msgs {
		w.Write(m)
	}
	return w.Take()
}

func material(url string) []byte {
	return component.MaterialCodec.Serialize(nil, &component.Material{TextureURL: url, Roughness: 1})
}

func transform(x float32) []byte {
	return component.TransformCodec.Serialize(nil, &component.Transform{Position: component.Vec3{X: x}, Rotation: component.Quat{W: 1}})
}

func ingest(t *testing.T, s *Session, msgs ...wire.Message) IngestResult {
	t.Helper()
	res, err := s.Ingest(chunk(msgs...))
	require.NoError(t, err)
	return res
}

func flush(t *testing.T, s *Session) command.Result {
	t.Helper()
	res, err := s.Flush()
	require.NoError(t, err)
	return res
}

func bridge(t *testing.T, h *harness, id wire.ComponentID) *registry.Bridge {
	t.Helper()
	b, ok := h.reg.Lookup(id)
	require.True(t, ok)
	return b
}

func assertPoolsBalanced(t *testing.T, h *harness) {
	t.Helper()
	for _, b := range h.reg.Bridges() {
		st, ok := b.PoolStats()
		require.True(t, ok)
		assert.Equal(t, st.Gets, st.Releases, "pool %s", b.Name)
		assert.Zero(t, st.Live, "pool %s", b.Name)
		assert.Zero(t, st.Misuses, "pool %s", b.Name)
	}
}

func TestSession_ScenarioB_ReplacedInstanceReleased(t *testing.T) {
	h := newHarness(t)
	s := h.host.Open("b", false)

	ingest(t, s, wire.Put(600, component.MaterialID, 1, material("A")))
	res := ingest(t, s, wire.Put(600, component.MaterialID, 2, material("B")))
	assert.Equal(t, 1, res.Effects)
	flush(t, s)

	b := bridge(t, h, component.MaterialID)
	st, _ := b.PoolStats()
	assert.Equal(t, uint64(2), st.Gets)
	assert.Equal(t, uint64(1), st.Releases)

	hd, ok := s.Translator().Lookup(600)
	require.True(t, ok)
	store, _ := registry.StoreOf[component.Material](b)
	m, ok := store.Get(hd)
	require.True(t, ok)
	assert.Equal(t, "B", m.TextureURL)
}

func TestSession_ScenarioC_DeleteEntityCascades(t *testing.T) {
	h := newHarness(t)
	s := h.host.Open("c", false)
	var destroyed []event.EntityDestroyed
	event.Subscribe(h.bus, func(e event.EntityDestroyed) { destroyed = append(destroyed, e) })

	pe := component.PointerEventsCodec.Serialize(nil, &component.PointerEvents{Events: []component.PointerEvent{{HoverText: "hi"}}})
	tw := component.TweenCodec.Serialize(nil, &component.Tween{Duration: 1})
	ingest(t, s,
		wire.Put(600, component.PointerEventsID, 1, pe),
		wire.Put(600, component.TweenID, 1, tw),
	)
	flush(t, s)
	hd, _ := s.Translator().Lookup(600)
	assert.Equal(t, 2, h.world.CountComponents(hd))

	res := ingest(t, s, wire.DeleteEntity(600))
	assert.Equal(t, 3, res.Effects, "two component deletes and the entity")
	flush(t, s)

	assert.False(t, h.world.Alive(hd))
	assertPoolsBalanced(t, h)
	h.bus.SwapBuffers()
	h.bus.DispatchAll()
	require.Len(t, destroyed, 1)
	assert.False(t, destroyed[0].Implicit)

	res = ingest(t, s, wire.Put(600, component.TweenID, 5, tw))
	assert.Zero(t, res.Effects, "deleted entities stay deleted")
}

func TestSession_ScenarioD_ReservedEntityRejected(t *testing.T) {
	h := newHarness(t)
	s := h.host.Open("d", false)

	res := ingest(t, s,
		wire.Put(entity.PlayerEntity, component.TransformID, 1, transform(1)),
		wire.Put(600, component.TransformID, 1, transform(2)),
	)
	assert.Equal(t, IngestResult{Messages: 2, Effects: 1, Faults: 1}, res)
	faults := s.Faults()
	require.Len(t, faults, 1)
	assert.True(t, IsInvalidEntity(faults[0]))
	assert.False(t, s.Suspended())

	flush(t, s)
	_, ok := s.Translator().Lookup(600)
	assert.True(t, ok)
	assert.Zero(t, h.world.CountComponents(h.host.Player()))
}

func TestSession_PrivilegedMayWriteReserved(t *testing.T) {
	h := newHarness(t)
	s := h.host.Open("system", true)
	ingest(t, s, wire.Put(entity.PlayerEntity, component.TransformID, 1, transform(1)))
	flush(t, s)
	assert.Equal(t, 1, h.world.CountComponents(h.host.Player()))
	require.NoError(t, h.host.Close(s.ID()))
	assert.True(t, h.world.Alive(h.host.Player()), "shared entities survive the scene")
	assertPoolsBalanced(t, h)
}

func TestSession_SuspendAfterViolations(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SuspendAfter = 2 })
	s := h.host.Open("bad", false)
	var notices int
	event.Subscribe(h.bus, func(event.SceneSuspended) { notices++ })

	_, err := s.Ingest(chunk(
		wire.Put(3, component.TransformID, 1, transform(1)),
		wire.Put(4, component.TransformID, 1, transform(1)),
		wire.Put(600, component.TransformID, 1, transform(1)),
	))
	assert.ErrorIs(t, err, ErrSuspended)
	assert.True(t, s.Suspended())
	assert.Zero(t, s.State().Len(), "input after the suspending fault is ignored")

	_, err = s.Ingest(chunk(wire.Put(600, component.TransformID, 1, transform(1))))
	assert.ErrorIs(t, err, ErrSuspended)

	h.host.FlushAll()
	h.host.FlushAll()
	h.bus.SwapBuffers()
	h.bus.DispatchAll()
	assert.Equal(t, 1, notices)

	s.Resume()
	res := ingest(t, s, wire.Put(600, component.TransformID, 1, transform(1)))
	assert.Equal(t, 1, res.Effects)
}

func TestSession_DeserializeFaultDiscardsMessage(t *testing.T) {
	h := newHarness(t)
	s := h.host.Open("x", false)
	res, err := s.Ingest(chunk(
		wire.Put(600, component.TransformID, 1, []byte{1, 2, 3}),
		wire.Put(601, component.TransformID, 1, transform(1)),
	))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Faults)
	assert.Equal(t, 1, s.FaultCount(CodeDeserialize))
	_, ok := s.State().Get(wire.Key{Entity: 600, Component: component.TransformID})
	assert.False(t, ok)

	// A valid later value still lands.
	ingest(t, s, wire.Put(600, component.TransformID, 1, transform(3)))
	flush(t, s)
	require.NoError(t, h.host.Close(s.ID()))
	assertPoolsBalanced(t, h)
}

func TestSession_Idempotent(t *testing.T) {
	h := newHarness(t)
	s := h.host.Open("dup", false)
	c := chunk(
		wire.Put(600, component.MaterialID, 1, material("a")),
		wire.Delete(601, component.MaterialID, 3),
	)
	_, err := s.Ingest(c)
	require.NoError(t, err)
	st1, _ := bridge(t, h, component.MaterialID).PoolStats()
	digest := s.State().Digest()

	res, err := s.Ingest(c)
	require.NoError(t, err)
	assert.Zero(t, res.Effects)
	st2, _ := bridge(t, h, component.MaterialID).PoolStats()
	assert.Equal(t, st1, st2, "no extra Get or Release")
	assert.Equal(t, digest, s.State().Digest())
}

func TestSession_FramingFault(t *testing.T) {
	h := newHarness(t)
	s := h.host.Open("frames", false)
	c := chunk(wire.Put(600, component.MaterialID, 1, material("a")))
	c = append(c, 1, 2, 3)
	res, err := s.Ingest(c)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Effects)
	require.Equal(t, 1, s.FaultCount(CodeFraming))
	f := s.Faults()[0]
	assert.Equal(t, len(c)-3, f.Offset)
}

func TestSession_ResultOnlyAndWriteResult(t *testing.T) {
	h := newHarness(t)
	s := h.host.Open("results", false)
	hit := component.EncodePointerHit(nil, component.PointerHit{Tick: 1})

	res, err := s.Ingest(chunk(wire.Append(600, component.PointerEventsResultID, 1, hit)))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Faults)
	assert.Equal(t, 1, s.FaultCount(CodeResultOnly))

	require.NoError(t, s.WriteResult(600, component.PointerEventsResultID, hit))
	require.NoError(t, s.WriteResult(600, component.PointerEventsResultID, component.EncodePointerHit(nil, component.PointerHit{Tick: 2})))
	assert.ErrorIs(t, s.WriteResult(600, component.TransformID, nil), ErrNotResult)

	msgs, faults := wire.DecodeAll(s.DrainOutbound(), 0)
	require.Empty(t, faults)
	require.Len(t, msgs, 2)
	assert.Equal(t, wire.KindAppend, msgs[0].Kind)
	assert.Equal(t, wire.Timestamp(1), msgs[0].Timestamp)
	assert.Equal(t, wire.Timestamp(2), msgs[1].Timestamp)
	assert.Nil(t, s.DrainOutbound())

	flush(t, s)
	b := bridge(t, h, component.PointerEventsResultID)
	store, _ := registry.StoreOf[component.PointerEventsResult](b)
	hd, _ := s.Translator().Lookup(600)
	v, ok := store.Get(hd)
	require.True(t, ok)
	assert.Len(t, v.Hits, 2)
}

func TestSession_UnknownComponentStoredOpaque(t *testing.T) {
	h := newHarness(t)
	s := h.host.Open("future", false)
	res := ingest(t, s, wire.Put(600, 300, 1, []byte("opaque")))
	assert.Equal(t, 1, res.Effects)
	assert.Zero(t, res.Faults)
	assert.Equal(t, 1, s.State().Len())
	fr := flush(t, s)
	assert.Zero(t, fr.Applied)
}

func TestSession_ModeMismatch(t *testing.T) {
	h := newHarness(t)
	s := h.host.Open("modes", false)
	res, err := s.Ingest(chunk(wire.Put(600, component.SceneLogID, 1, component.EncodeLogLine(nil, "x"))))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Faults)
	assert.Equal(t, 1, s.FaultCount(CodeModeMismatch))
}

func TestHost_CloseReleasesEverything(t *testing.T) {
	h := newHarness(t)
	s := h.host.Open("site", false)
	ingest(t, s,
		wire.Put(600, component.MaterialID, 1, material("a")),
		wire.Put(601, component.TransformID, 1, transform(1)),
		wire.Append(601, component.SceneLogID, 1, component.EncodeLogLine(nil, "hello")),
	)
	flush(t, s)
	ingest(t, s, wire.Put(602, component.MaterialID, 1, material("unflushed")))

	require.NoError(t, h.host.Close(s.ID()))
	assert.Equal(t, 2, h.world.Pool().Len(), "only the shared player and camera remain")
	assertPoolsBalanced(t, h)
	_, err := s.Ingest(chunk(wire.Put(603, component.MaterialID, 1, material("late"))))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.host.Close(s.ID()), ErrUnknownScene)
}

type memStore map[string]crdt.Snapshot

func (m memStore) SaveSnapshot(_ context.Context, scene string, snap crdt.Snapshot) error {
	m[scene] = snap
	return nil
}

func (m memStore) LoadSnapshot(_ context.Context, scene string) (crdt.Snapshot, bool, error) {
	s, ok := m[scene]
	return s, ok, nil
}

func TestHost_SnapshotRestore(t *testing.T) {
	h := newHarness(t)
	s := h.host.Open("plaza", false)
	ingest(t, s,
		wire.Put(600, component.MaterialID, 4, material("a")),
		wire.Put(601, component.TransformID, 2, transform(1)),
		wire.Delete(601, component.TransformID, 3),
		wire.Put(602, component.TransformID, 1, transform(9)),
		wire.DeleteEntity(603),
	)
	store := memStore{}
	require.NoError(t, h.host.SaveSnapshots(context.Background(), store))
	want := s.State().Digest()
	require.NoError(t, h.host.Close(s.ID()))

	r := h.host.Open("plaza", false)
	found, err := h.host.Restore(context.Background(), r.ID(), store)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, r.State().Digest())
	assert.Equal(t, 2, flush(t, r).Applied)
	assert.ErrorIs(t, r.Restore(store["plaza"]), ErrNotEmpty)

	other := h.host.Open("empty", false)
	found, err = h.host.Restore(context.Background(), other.ID(), store)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHost_WorldConvergesAcrossOrders(t *testing.T) {
	msgs := []wire.Message{
		wire.Put(600, component.MaterialID, 1, material("a")),
		wire.Put(600, component.MaterialID, 2, material("b")),
		wire.Delete(600, component.MaterialID, 2),
		wire.Put(600, component.MaterialID, 5, material("c")),
		wire.Put(601, component.TransformID, 1, transform(1)),
		wire.Delete(601, component.TransformID, 4),
		wire.Append(602, component.SceneLogID, 1, component.EncodeLogLine(nil, "one")),
		wire.Append(602, component.SceneLogID, 2, component.EncodeLogLine(nil, "two")),
		wire.Put(603, component.TransformID, 1, transform(3)),
		wire.DeleteEntity(603),
	}
	rng := rand.New(rand.NewSource(7))
	var want [32]byte
	for i := 0; i < 30; i++ {
		h := newHarness(t)
		s := h.host.Open("conv", false)
		order := make([]wire.Message, len(msgs))
		copy(order, msgs)
		rng.Shuffle(len(order), func(a, b int) { order[a], order[b] = order[b], order[a] })
		for _, m := range order {
			_, err := s.Ingest(chunk(m))
			require.NoError(t, err)
			flush(t, s)
		}
		if i == 0 {
			want = s.State().Digest()
		}
		require.Equal(t, want, s.State().Digest())

		// The live world agrees with the converged state.
		mat := bridge(t, h, component.MaterialID)
		hd, ok := s.Translator().Lookup(600)
		require.True(t, ok)
		store, _ := registry.StoreOf[component.Material](mat)
		v, ok := store.Get(hd)
		require.True(t, ok)
		assert.Equal(t, "c", v.TextureURL)
		_, ok = s.Translator().Lookup(601)
		assert.False(t, ok, "entity without components has no handle")
		_, ok = s.Translator().Lookup(603)
		assert.False(t, ok)

		require.NoError(t, h.host.Close(s.ID()))
		assertPoolsBalanced(t, h)
	}
}

func TestHost_AppendElementsValidatedAlone(t *testing.T) {
	msgs := []wire.Message{
		wire.Append(604, component.SceneLogID, 1, []byte{0x02, 0x00}), // declares two bytes, carries none
		wire.Append(604, component.SceneLogID, 2, []byte{0x00, 0x00}),
		wire.Append(604, component.SceneLogID, 3, component.EncodeLogLine(nil, "a")),
		wire.Append(604, component.SceneLogID, 4, component.EncodeLogLine(nil, "b")),
		wire.Append(604, component.SceneLogID, 5, []byte{0x05}),
	}
	rng := rand.New(rand.NewSource(11))
	var want [32]byte
	for i := 0; i < 40; i++ {
		h := newHarness(t, func(c *Config) { c.MaxAppendElements = 2 })
		s := h.host.Open("log", false)
		order := make([]wire.Message, len(msgs))
		copy(order, msgs)
		rng.Shuffle(len(order), func(a, b int) { order[a], order[b] = order[b], order[a] })
		for _, m := range order {
			_, err := s.Ingest(chunk(m))
			require.NoError(t, err)
			flush(t, s)
		}
		if i == 0 {
			want = s.State().Digest()
		}
		require.Equal(t, want, s.State().Digest(), "order %d", i)
		assert.Equal(t, 2, s.FaultCount(CodeDeserialize))

		hd, ok := s.Translator().Lookup(604)
		require.True(t, ok)
		logs, _ := registry.StoreOf[component.SceneLog](bridge(t, h, component.SceneLogID))
		v, ok := logs.Get(hd)
		require.True(t, ok)
		assert.Equal(t, []string{"a", "b"}, v.Lines)

		require.NoError(t, h.host.Close(s.ID()))
		assertPoolsBalanced(t, h)
	}
}

func TestSession_CreateEntityKeepsHandle(t *testing.T) {
	h := newHarness(t)
	s := h.host.Open("anchors", false)
	require.NoError(t, s.CreateEntity(700))
	assert.ErrorIs(t, s.CreateEntity(entity.CameraEntity+1), entity.ErrInvalidEntity)

	ingest(t, s, wire.Put(700, component.MaterialID, 1, material("a")))
	flush(t, s)
	ingest(t, s, wire.Delete(700, component.MaterialID, 2))
	flush(t, s)
	hd, ok := s.Translator().Lookup(700)
	require.True(t, ok, "explicitly created entity survives its last component")
	assert.Zero(t, h.world.CountComponents(hd))

	require.NoError(t, h.host.Close(s.ID()))
	assert.False(t, h.world.Alive(hd))
	assert.ErrorIs(t, s.CreateEntity(701), ErrClosed)
	assertPoolsBalanced(t, h)
}
