package ecs

// EachWith calls fn for every entity in sa that also has a component in each
// of the with stores. Visit order is unspecified.
func EachWith[A any](sa *PtrComponentStore[A], fn func(EntityID, *A), with ...Store) {
	for id, a := range sa.data {
		if hasAll(id, with) {
			fn(id, a)
		}
	}
}

// CountWith returns how many entities in sa also appear in every with store.
func CountWith[A any](sa *PtrComponentStore[A], with ...Store) int {
	n := 0
	for id := range sa.data {
		if hasAll(id, with) {
			n++
		}
	}
	return n
}

func hasAll(id EntityID, stores []Store) bool {
	for _, s := range stores {
		if s == nil || !s.Has(id) {
			return false
		}
	}
	return true
}
