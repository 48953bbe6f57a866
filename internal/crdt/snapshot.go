package crdt

import (
	"encoding/binary"
	"sort"

	"golang.org/x/crypto/blake2b"

	"github.com/l1jgo/scenebridge/internal/wire"
)

// Element is one member of an append set.
type Element struct {
	Timestamp wire.Timestamp
	Payload   []byte
}

// Entry is an exported copy of one stored key.
type Entry struct {
	Key       wire.Key
	Timestamp wire.Timestamp
	Payload   []byte
	Deleted   bool
	Append    bool
	Elements  []Element
	Floor     wire.Timestamp
	HasFloor  bool
}

// Snapshot is the complete converged state of a scene.
type Snapshot struct {
	Entries []Entry
	Dead    []wire.EntityID
}

func lessKey(a, b wire.Key) bool {
	if a.Entity != b.Entity {
		return a.Entity < b.Entity
	}
	return a.Component < b.Component
}

func exportEntry(key wire.Key, e *entry) Entry {
	out := Entry{
		Key:       key,
		Timestamp: e.ts,
		Payload:   clone(e.payload),
		Deleted:   e.deleted,
		Append:    e.append,
		Floor:     e.floor,
		HasFloor:  e.hasFloor,
	}
	for _, el := range e.elems {
		out.Elements = append(out.Elements, Element{Timestamp: el.ts, Payload: clone(el.payload)})
	}
	return out
}

// Get returns the stored entry for key, tombstones included.
func (s *State) Get(key wire.Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return exportEntry(key, e), true
}

// Live returns the ids of the non-deleted components of ent in ascending order.
func (s *State) Live(ent wire.EntityID) []wire.ComponentID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.ComponentID
	for _, c := range sortedComponents(s.byEntity[ent]) {
		if e := s.entries[wire.Key{Entity: ent, Component: c}]; e != nil && !e.deleted {
			out = append(out, c)
		}
	}
	return out
}

// IsDead reports whether ent was deleted with DELETE_ENTITY.
func (s *State) IsDead(ent wire.EntityID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dead[ent]
	return ok
}

// Len returns the number of stored keys, tombstones included.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot exports the state sorted by key.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Entries: make([]Entry, 0, len(s.entries))}
	for k, e := range s.entries {
		snap.Entries = append(snap.Entries, exportEntry(k, e))
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return lessKey(snap.Entries[i].Key, snap.Entries[j].Key) })
	for ent := range s.dead {
		snap.Dead = append(snap.Dead, ent)
	}
	sort.Slice(snap.Dead, func(i, j int) bool { return snap.Dead[i] < snap.Dead[j] })
	return snap
}

// Restore replaces the state with snap.
func (s *State) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[wire.Key]*entry, len(snap.Entries))
	s.byEntity = make(map[wire.EntityID]map[wire.ComponentID]struct{}, len(snap.Entries))
	s.dead = make(map[wire.EntityID]struct{}, len(snap.Dead))
	for _, ent := range snap.Dead {
		s.dead[ent] = struct{}{}
	}
	for _, in := range snap.Entries {
		e := &entry{
			ts:       in.Timestamp,
			payload:  clone(in.Payload),
			deleted:  in.Deleted,
			append:   in.Append,
			floor:    in.Floor,
			hasFloor: in.HasFloor,
		}
		for _, el := range in.Elements {
			e.elems = append(e.elems, element{ts: el.Timestamp, payload: clone(el.Payload)})
		}
		s.insertLocked(in.Key, e)
	}
}

// Digest fingerprints the converged state: two replicas that saw the same
// multiset of messages in any order have equal digests.
func (s *State) Digest() [32]byte {
	return DigestOf(s.Snapshot())
}

// DigestOf hashes a snapshot in its canonical, key-sorted encoding.
func DigestOf(snap Snapshot) [32]byte {
	h, _ := blake2b.New256(nil)
	var buf [16]byte
	put32 := func(v uint32) {
		binary.LittleEndian.PutUint32(buf[:4], v)
		h.Write(buf[:4])
	}
	putBytes := func(b []byte) {
		put32(uint32(len(b)))
		h.Write(b)
	}
	flag := func(b bool) byte {
		if b {
			return 1
		}
		return 0
	}

	put32(uint32(len(snap.Entries)))
	for _, e := range snap.Entries {
		put32(uint32(e.Key.Entity))
		binary.LittleEndian.PutUint16(buf[:2], uint16(e.Key.Component))
		h.Write(buf[:2])
		h.Write([]byte{flag(e.Deleted), flag(e.Append), flag(e.HasFloor)})
		put32(uint32(e.Timestamp))
		put32(uint32(e.Floor))
		putBytes(e.Payload)
		put32(uint32(len(e.Elements)))
		for _, el := range e.Elements {
			put32(uint32(el.Timestamp))
			putBytes(el.Payload)
		}
	}
	put32(uint32(len(snap.Dead)))
	for _, ent := range snap.Dead {
		put32(uint32(ent))
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
