package ecs

import "fmt"

// World is the host-owned live component store read by rendering, physics and
// UI. Entity handles may be reserved from any goroutine; everything else is
// world-thread only.
type World struct {
	pool   *EntityPool
	stores []Store // indexed by component id
	ids    []uint16
}

func NewWorld() *World {
	return &World{
		pool:   NewEntityPool(),
		stores: make([]Store, 0, 32),
	}
}

func (w *World) Pool() *EntityPool { return w.pool }

func (w *World) CreateEntity() EntityID {
	return w.pool.Create()
}

func (w *World) Alive(id EntityID) bool {
	return w.pool.Alive(id)
}

// DestroyEntity removes every component of id and invalidates the handle.
// Callers that pool instances must detach them first.
func (w *World) DestroyEntity(id EntityID) bool {
	for _, cid := range w.ids {
		w.stores[cid].Remove(id)
	}
	return w.pool.Destroy(id)
}

// RegisterStore attaches the store for component id. Registration happens at
// startup before any flush.
func (w *World) RegisterStore(id uint16, s Store) error {
	if int(id) < len(w.stores) && w.stores[id] != nil {
		return fmt.Errorf("ecs: store for component %d already registered", id)
	}
	for int(id) >= len(w.stores) {
		w.stores = append(w.stores, nil)
	}
	w.stores[id] = s
	w.ids = append(w.ids, id)
	return nil
}

// Store returns the store registered for component id.
func (w *World) Store(id uint16) (Store, bool) {
	if int(id) >= len(w.stores) || w.stores[id] == nil {
		return nil, false
	}
	return w.stores[id], true
}

// CountComponents returns how many registered stores hold data for id.
func (w *World) CountComponents(id EntityID) int {
	n := 0
	for _, cid := range w.ids {
		if w.stores[cid].Has(id) {
			n++
		}
	}
	return n
}

// ComponentIDs lists the component ids id currently has, in registration order.
func (w *World) ComponentIDs(id EntityID) []uint16 {
	var out []uint16
	for _, cid := range w.ids {
		if w.stores[cid].Has(id) {
			out = append(out, cid)
		}
	}
	return out
}
