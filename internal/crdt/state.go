package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/l1jgo/scenebridge/internal/wire"
)

// ErrModeMismatch is reported when PUT targets an append component or APPEND
// targets a last-writer-wins component.
var ErrModeMismatch = errors.New("message kind does not match component mode")

// DefaultMaxAppend caps append sets when no limit is configured.
const DefaultMaxAppend = 100

// Effect is the reconciliation decision for one key.
type Effect uint8

const (
	NoChange Effect = iota
	ComponentAdded
	ComponentModified
	ComponentDeleted
)

func (e Effect) String() string {
	switch e {
	case NoChange:
		return "NoChange"
	case ComponentAdded:
		return "ComponentAdded"
	case ComponentModified:
		return "ComponentModified"
	case ComponentDeleted:
		return "ComponentDeleted"
	default:
		return fmt.Sprintf("Effect(%d)", uint8(e))
	}
}

// Schema tells the reconciler which components are append sets. Ids it does
// not know are last-writer-wins, so APPEND to them is a mode mismatch.
type Schema interface {
	IsAppend(id wire.ComponentID) (isAppend, known bool)
}

// Outcome is one decided effect. Payload is the materialized value for
// ComponentAdded and ComponentModified and is owned by the caller.
type Outcome struct {
	Key       wire.Key
	Effect    Effect
	Timestamp wire.Timestamp
	Payload   []byte
	// EntityDeleted marks the closing outcome of a DELETE_ENTITY fan-out,
	// after the ComponentDeleted outcomes of that entity.
	EntityDeleted bool
}

type element struct {
	ts      wire.Timestamp
	payload []byte
}

func (a element) less(b element) bool {
	if a.ts != b.ts {
		return a.ts < b.ts
	}
	return bytes.Compare(a.payload, b.payload) < 0
}

type entry struct {
	ts      wire.Timestamp
	payload []byte
	deleted bool
	append  bool

	// append components only
	elems    []element
	floor    wire.Timestamp
	hasFloor bool
}

// State is the per-scene stored state. All methods are safe for concurrent use.
type State struct {
	mu        sync.Mutex
	schema    Schema
	maxAppend int
	entries   map[wire.Key]*entry
	byEntity  map[wire.EntityID]map[wire.ComponentID]struct{}
	dead      map[wire.EntityID]struct{}
}

// NewState creates an empty state. schema may be nil; maxAppend <= 0 selects
// DefaultMaxAppend.
func NewState(schema Schema, maxAppend int) *State {
	if maxAppend <= 0 {
		maxAppend = DefaultMaxAppend
	}
	return &State{
		schema:    schema,
		maxAppend: maxAppend,
		entries:   make(map[wire.Key]*entry, 256),
		byEntity:  make(map[wire.EntityID]map[wire.ComponentID]struct{}, 64),
		dead:      make(map[wire.EntityID]struct{}),
	}
}

// Reconcile merges m and returns its effect. For DELETE_ENTITY it returns
// ComponentDeleted when at least one live component was removed.
func (s *State) Reconcile(m wire.Message) Effect {
	var buf [8]Outcome
	outs, _ := s.Apply(buf[:0], m)
	eff := NoChange
	for _, o := range outs {
		if o.Effect != NoChange {
			eff = o.Effect
		}
	}
	return eff
}

// Apply merges m and appends the resulting outcomes to dst. Single-key kinds
// produce exactly one outcome. The error is non-nil only for a mode mismatch,
// in which case the outcome is NoChange.
func (s *State) Apply(dst []Outcome, m wire.Message) ([]Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Kind == wire.KindDeleteEntity {
		return s.deleteEntityLocked(dst, m.Entity), nil
	}

	key := m.Key()
	if _, gone := s.dead[m.Entity]; gone {
		return append(dst, Outcome{Key: key}), nil
	}

	out, err := s.applyKeyLocked(key, m)
	return append(dst, out), err
}

func (s *State) applyKeyLocked(key wire.Key, m wire.Message) (Outcome, error) {
	switch m.Kind {
	case wire.KindPut:
		return s.putLocked(key, m.Timestamp, m.Payload)
	case wire.KindDelete:
		return s.deleteLocked(key, m.Timestamp), nil
	case wire.KindAppend:
		return s.appendLocked(key, m.Timestamp, m.Payload)
	}
	return Outcome{Key: key}, nil
}

// ApplyChecked is Apply for callers that must accept a new value before it is
// stored. check runs under the state lock for ComponentAdded and
// ComponentModified outcomes; when it fails the key is left exactly as it
// was, the outcome is NoChange and the check error is returned.
func (s *State) ApplyChecked(dst []Outcome, m wire.Message, check func(Outcome) error) ([]Outcome, error) {
	if check == nil || m.Kind == wire.KindDeleteEntity {
		return s.Apply(dst, m)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := m.Key()
	if _, gone := s.dead[m.Entity]; gone {
		return append(dst, Outcome{Key: key}), nil
	}
	prev := s.entries[key]
	var saved entry
	if prev != nil {
		saved = prev.dup()
	}

	out, err := s.applyKeyLocked(key, m)
	if err != nil || (out.Effect != ComponentAdded && out.Effect != ComponentModified) {
		return append(dst, out), err
	}
	if cerr := check(out); cerr != nil {
		if prev == nil {
			s.removeLocked(key)
		} else {
			*prev = saved
		}
		return append(dst, Outcome{Key: key}), cerr
	}
	return append(dst, out), nil
}

func (e *entry) dup() entry {
	c := *e
	if e.elems != nil {
		c.elems = make([]element, len(e.elems))
		copy(c.elems, e.elems)
	}
	return c
}

func (s *State) removeLocked(key wire.Key) {
	delete(s.entries, key)
	if comps := s.byEntity[key.Entity]; comps != nil {
		delete(comps, key.Component)
		if len(comps) == 0 {
			delete(s.byEntity, key.Entity)
		}
	}
}

func (s *State) lookupLocked(key wire.Key, kindAppend bool) (*entry, error) {
	if s.isAppend(key.Component) != kindAppend {
		return nil, ErrModeMismatch
	}
	return s.entries[key], nil
}

// isAppend reports the merge mode of c.
func (s *State) isAppend(c wire.ComponentID) bool {
	if s.schema == nil {
		return false
	}
	isAppend, known := s.schema.IsAppend(c)
	return known && isAppend
}

func (s *State) insertLocked(key wire.Key, e *entry) {
	s.entries[key] = e
	comps := s.byEntity[key.Entity]
	if comps == nil {
		comps = make(map[wire.ComponentID]struct{}, 4)
		s.byEntity[key.Entity] = comps
	}
	comps[key.Component] = struct{}{}
}

func (s *State) putLocked(key wire.Key, ts wire.Timestamp, payload []byte) (Outcome, error) {
	noop := Outcome{Key: key}
	e, err := s.lookupLocked(key, false)
	if err != nil {
		return noop, err
	}
	if e == nil {
		s.insertLocked(key, &entry{ts: ts, payload: clone(payload)})
		return Outcome{Key: key, Effect: ComponentAdded, Timestamp: ts, Payload: clone(payload)}, nil
	}

	if e.deleted {
		if ts <= e.ts {
			return noop, nil
		}
		e.ts, e.payload, e.deleted = ts, clone(payload), false
		return Outcome{Key: key, Effect: ComponentAdded, Timestamp: ts, Payload: clone(payload)}, nil
	}

	switch {
	case ts < e.ts:
		return noop, nil
	case ts == e.ts && bytes.Compare(payload, e.payload) <= 0:
		return noop, nil
	}
	e.ts, e.payload = ts, clone(payload)
	return Outcome{Key: key, Effect: ComponentModified, Timestamp: ts, Payload: clone(payload)}, nil
}

func (s *State) deleteLocked(key wire.Key, ts wire.Timestamp) Outcome {
	noop := Outcome{Key: key}
	e := s.entries[key]
	if e == nil {
		isAppend := s.isAppend(key.Component)
		t := &entry{ts: ts, deleted: true, append: isAppend}
		if isAppend {
			t.floor, t.hasFloor = ts, true
		}
		s.insertLocked(key, t)
		return noop
	}

	if e.append {
		return s.truncateLocked(key, e, ts)
	}
	if e.deleted {
		if ts > e.ts {
			e.ts = ts
		}
		return noop
	}
	if ts < e.ts {
		return noop
	}
	e.ts, e.payload, e.deleted = ts, nil, true
	return Outcome{Key: key, Effect: ComponentDeleted, Timestamp: ts}
}

// truncateLocked raises the floor of an append set to ts and drops every
// element at or below it.
func (s *State) truncateLocked(key wire.Key, e *entry, ts wire.Timestamp) Outcome {
	noop := Outcome{Key: key}
	if e.hasFloor && ts <= e.floor {
		return noop
	}
	e.floor, e.hasFloor = ts, true
	wasLive := !e.deleted

	kept := e.elems[:0]
	for _, el := range e.elems {
		if el.ts > ts {
			kept = append(kept, el)
		}
	}
	removed := len(e.elems) - len(kept)
	for i := len(kept); i < len(e.elems); i++ {
		e.elems[i] = element{}
	}
	e.elems = kept
	s.materializeLocked(e)

	switch {
	case !wasLive:
		return noop
	case len(e.elems) == 0:
		return Outcome{Key: key, Effect: ComponentDeleted, Timestamp: e.ts}
	case removed > 0:
		return Outcome{Key: key, Effect: ComponentModified, Timestamp: e.ts, Payload: clone(e.payload)}
	default:
		return noop
	}
}

func (s *State) appendLocked(key wire.Key, ts wire.Timestamp, payload []byte) (Outcome, error) {
	noop := Outcome{Key: key}
	e, err := s.lookupLocked(key, true)
	if err != nil {
		return noop, err
	}
	if e == nil {
		e = &entry{append: true, deleted: true}
		s.insertLocked(key, e)
	}
	if e.hasFloor && ts <= e.floor {
		return noop, nil
	}

	el := element{ts: ts, payload: payload}
	i := sort.Search(len(e.elems), func(i int) bool { return !e.elems[i].less(el) })
	if i < len(e.elems) && e.elems[i].ts == ts && bytes.Equal(e.elems[i].payload, payload) {
		return noop, nil
	}
	if len(e.elems) >= s.maxAppend && i == 0 {
		// Smaller than every kept element of a full set: evicted on arrival.
		return noop, nil
	}

	el.payload = clone(payload)
	e.elems = append(e.elems, element{})
	copy(e.elems[i+1:], e.elems[i:])
	e.elems[i] = el
	if len(e.elems) > s.maxAppend {
		e.elems[0] = element{}
		e.elems = e.elems[1:]
	}

	wasLive := !e.deleted
	e.deleted = false
	s.materializeLocked(e)
	if !wasLive {
		return Outcome{Key: key, Effect: ComponentAdded, Timestamp: e.ts, Payload: clone(e.payload)}, nil
	}
	return Outcome{Key: key, Effect: ComponentModified, Timestamp: e.ts, Payload: clone(e.payload)}, nil
}

func (s *State) materializeLocked(e *entry) {
	if len(e.elems) == 0 {
		e.payload = nil
		e.deleted = true
		e.ts = e.floor
		return
	}
	n := 0
	for _, el := range e.elems {
		n += len(el.payload)
	}
	buf := make([]byte, 0, n)
	for _, el := range e.elems {
		buf = append(buf, el.payload...)
	}
	e.payload = buf
	e.ts = e.elems[len(e.elems)-1].ts
}

func (s *State) deleteEntityLocked(dst []Outcome, ent wire.EntityID) []Outcome {
	if _, gone := s.dead[ent]; gone {
		return dst
	}
	s.dead[ent] = struct{}{}

	// Entries of a dead entity are dropped outright: the dead set alone
	// discards anything that arrives for it later.
	for _, c := range sortedComponents(s.byEntity[ent]) {
		key := wire.Key{Entity: ent, Component: c}
		e := s.entries[key]
		delete(s.entries, key)
		if e == nil || e.deleted {
			continue
		}
		dst = append(dst, Outcome{Key: key, Effect: ComponentDeleted, Timestamp: e.ts})
	}
	delete(s.byEntity, ent)
	return append(dst, Outcome{Key: wire.Key{Entity: ent}, EntityDeleted: true})
}

func sortedComponents(set map[wire.ComponentID]struct{}) []wire.ComponentID {
	out := make([]wire.ComponentID, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
