package entity

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l1jgo/scenebridge/internal/core/ecs"
	"github.com/l1jgo/scenebridge/internal/wire"
)

const markerID = 1

type marker struct{}

func newWorld(t *testing.T) (*ecs.World, *ecs.PtrComponentStore[marker]) {
	t.Helper()
	w := ecs.NewWorld()
	s := ecs.NewPtrComponentStore[marker]()
	require.NoError(t, w.RegisterStore(markerID, s))
	return w, s
}

func TestResolve_CreatesOnceAndCaches(t *testing.T) {
	w, _ := newWorld(t)
	tr := NewTranslator(w, DefaultPolicy())

	h1, err := tr.Resolve(600)
	require.NoError(t, err)
	h2, err := tr.Resolve(600)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.True(t, w.Alive(h1))
	assert.Equal(t, 1, w.Pool().Len())

	got, ok := tr.Lookup(600)
	assert.True(t, ok)
	assert.Equal(t, h1, got)
	id, ok := tr.SceneEntity(h1)
	assert.True(t, ok)
	assert.Equal(t, wire.EntityID(600), id)
}

func TestResolve_ConcurrentSingleHandle(t *testing.T) {
	w, _ := newWorld(t)
	tr := NewTranslator(w, DefaultPolicy())

	var wg sync.WaitGroup
	handles := make([]ecs.EntityID, 16)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], _ = tr.Resolve(1000)
		}(i)
	}
	wg.Wait()
	for _, h := range handles {
		assert.Equal(t, handles[0], h)
	}
	assert.Equal(t, 1, w.Pool().Len())
}

func TestCheck_ReservedRange(t *testing.T) {
	w, _ := newWorld(t)
	tr := NewTranslator(w, Policy{ReservedMax: 512, MaxEntity: 65535})

	_, err := tr.Resolve(PlayerEntity)
	assert.ErrorIs(t, err, ErrInvalidEntity)
	_, err = tr.Resolve(511)
	assert.ErrorIs(t, err, ErrInvalidEntity)
	_, err = tr.Resolve(70000)
	assert.ErrorIs(t, err, ErrInvalidEntity)
	assert.Zero(t, w.Pool().Len(), "rejected ids never create handles")

	_, err = tr.Resolve(512)
	assert.NoError(t, err)
}

func TestWellKnown_ReferenceOnly(t *testing.T) {
	w, _ := newWorld(t)
	player := w.CreateEntity()
	tr := NewTranslator(w, DefaultPolicy())
	tr.BindWellKnown(PlayerEntity, player, false)

	got, ok := tr.Lookup(PlayerEntity)
	require.True(t, ok)
	assert.Equal(t, player, got)
	assert.ErrorIs(t, tr.Check(PlayerEntity), ErrInvalidEntity, "writes stay forbidden")
	assert.True(t, tr.IsExplicit(PlayerEntity))

	require.NoError(t, tr.Release(PlayerEntity))
	assert.True(t, w.Alive(player), "well-known handles are never destroyed by release")
}

func TestPrivileged_MayCreateReserved(t *testing.T) {
	w, _ := newWorld(t)
	tr := NewTranslator(w, Policy{Privileged: true, ReservedMax: 512})
	h, err := tr.Resolve(5)
	require.NoError(t, err)
	assert.True(t, w.Alive(h))
}

func TestRelease(t *testing.T) {
	w, store := newWorld(t)
	tr := NewTranslator(w, DefaultPolicy())
	h, _ := tr.Resolve(700)

	store.Set(h, &marker{})
	assert.ErrorIs(t, tr.Release(700), ErrHasComponents)
	assert.True(t, w.Alive(h))

	store.Remove(h)
	require.NoError(t, tr.Release(700))
	assert.False(t, w.Alive(h))
	_, ok := tr.Lookup(700)
	assert.False(t, ok)
	assert.ErrorIs(t, tr.Release(700), ErrUnknownEntity)
}

func TestCreate_Explicit(t *testing.T) {
	w, _ := newWorld(t)
	tr := NewTranslator(w, DefaultPolicy())
	_, err := tr.Create(800)
	require.NoError(t, err)
	assert.True(t, tr.IsExplicit(800))
	_, _ = tr.Resolve(801)
	assert.False(t, tr.IsExplicit(801))
}

func TestReleaseAll(t *testing.T) {
	w, store := newWorld(t)
	shared := w.CreateEntity()
	root := w.CreateEntity()
	tr := NewTranslator(w, DefaultPolicy())
	tr.BindWellKnown(PlayerEntity, shared, false)
	tr.BindWellKnown(RootEntity, root, true)

	a, _ := tr.Resolve(600)
	b, _ := tr.Resolve(601)
	store.Set(b, &marker{})

	n, err := tr.ReleaseAll()
	assert.ErrorIs(t, err, ErrHasComponents)
	assert.Equal(t, 3, n)
	assert.False(t, w.Alive(a))
	assert.False(t, w.Alive(b))
	assert.False(t, w.Alive(root))
	assert.True(t, w.Alive(shared))
	assert.Zero(t, tr.Len())
}
