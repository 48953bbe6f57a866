package ecs

// Store is the type-erased view of a component store the World keeps so it can
// count and bulk-remove an entity's data without knowing component types.
type Store interface {
	Remove(id EntityID)
	Has(id EntityID) bool
	Len() int
}

// PtrComponentStore is a generic typed map store for ECS components.
// Stores are mutated only on the world thread.
type PtrComponentStore[T any] struct {
	data map[EntityID]*T
}

func NewPtrComponentStore[T any]() *PtrComponentStore[T] {
	return &PtrComponentStore[T]{
		data: make(map[EntityID]*T, 256),
	}
}

// Set stores c for id and returns the instance it replaced, if any.
func (s *PtrComponentStore[T]) Set(id EntityID, c *T) (*T, bool) {
	prev, ok := s.data[id]
	s.data[id] = c
	return prev, ok
}

func (s *PtrComponentStore[T]) Get(id EntityID) (*T, bool) {
	c, ok := s.data[id]
	return c, ok
}

// Take removes and returns the instance stored for id.
func (s *PtrComponentStore[T]) Take(id EntityID) (*T, bool) {
	c, ok := s.data[id]
	if ok {
		delete(s.data, id)
	}
	return c, ok
}

func (s *PtrComponentStore[T]) Remove(id EntityID) {
	delete(s.data, id)
}

func (s *PtrComponentStore[T]) Has(id EntityID) bool {
	_, ok := s.data[id]
	return ok
}

func (s *PtrComponentStore[T]) Len() int {
	return len(s.data)
}

func (s *PtrComponentStore[T]) Each(fn func(EntityID, *T)) {
	for id, c := range s.data {
		fn(id, c)
	}
}
