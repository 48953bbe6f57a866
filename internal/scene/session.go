package scene

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/l1jgo/scenebridge/internal/command"
	"github.com/l1jgo/scenebridge/internal/crdt"
	"github.com/l1jgo/scenebridge/internal/entity"
	"github.com/l1jgo/scenebridge/internal/gate"
	"github.com/l1jgo/scenebridge/internal/registry"
	"github.com/l1jgo/scenebridge/internal/wire"
)

var (
	ErrSuspended = errors.New("scene suspended")
	ErrClosed    = errors.New("scene closed")
	ErrNotEmpty  = errors.New("scene already has state")
	ErrNotResult = errors.New("component is not result-only")
)

const recentFaults = 32

// IngestResult summarises one Ingest call.
type IngestResult struct {
	Messages int
	Effects  int
	Faults   int
}

// Session bridges one scene: every chunk the producer emits is decoded,
// checked, reconciled and staged here, and the decided effects are queued for
// the world thread. Ingest and WriteResult may run on any goroutine.
type Session struct {
	id     uuid.UUID
	name   string
	log    *zap.Logger
	reg    *registry.Registry
	state  *crdt.State
	tr     *entity.Translator
	buf    *command.Buffer
	app    *command.Applier
	gate   *gate.Gate
	rec    Recorder
	maxLen int
	limit  int // invalid-entity faults before suspension, 0 = never

	mu         sync.Mutex
	closed     bool
	suspended  bool
	notified   bool
	violations int
	faults     []*Fault
	counts     map[FaultCode]int
	outbound   *wire.Writer
	outs       []crdt.Outcome
	stats      IngestResult
}

func (s *Session) ID() uuid.UUID                  { return s.id }
func (s *Session) Name() string                   { return s.name }
func (s *Session) State() *crdt.State             { return s.state }
func (s *Session) Translator() *entity.Translator { return s.tr }
func (s *Session) Gate() *gate.Gate               { return s.gate }
func (s *Session) Applier() *command.Applier      { return s.app }

// Ingest processes one chunk of producer bytes.
func (s *Session) Ingest(chunk []byte) (IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return IngestResult{}, ErrClosed
	case s.suspended:
		return IngestResult{}, ErrSuspended
	}
	if s.rec != nil {
		if err := s.rec.Record(s.name, chunk); err != nil {
			s.log.Warn("capture failed", zap.Error(err))
		}
	}

	var res IngestResult
	dec := wire.NewDecoder(chunk, s.maxLen)
	for m := range dec.All() {
		res.Messages++
		n, err := s.handleLocked(m)
		res.Effects += n
		if err != nil {
			res.Faults++
		}
		if s.suspended {
			break
		}
	}
	for _, fe := range dec.Faults() {
		res.Faults++
		s.faultLocked(&Fault{Code: CodeFraming, Scene: s.name, Offset: fe.Offset, Err: fe.Err})
	}

	s.stats.Messages += res.Messages
	s.stats.Effects += res.Effects
	s.stats.Faults += res.Faults
	if s.suspended {
		return res, ErrSuspended
	}
	return res, nil
}

func (s *Session) handleLocked(m wire.Message) (int, error) {
	if err := s.tr.Check(m.Entity); err != nil {
		f := &Fault{Code: CodeInvalidEntity, Scene: s.name, Entity: m.Entity, Component: m.Component, Err: err}
		s.faultLocked(f)
		return 0, f
	}

	var b *registry.Bridge
	if m.Kind != wire.KindDeleteEntity {
		var known bool
		b, known = s.reg.Lookup(m.Component)
		if known && b.ResultOnly {
			f := &Fault{Code: CodeResultOnly, Scene: s.name, Entity: m.Entity, Component: m.Component,
				Err: fmt.Errorf("%s is written by the host", b.Name)}
			s.faultLocked(f)
			return 0, f
		}
	}
	return s.reconcileLocked(m, b)
}

// reconcileLocked merges m and queues the resulting commands. b is nil for
// unknown components, which are stored but never reach the world.
func (s *Session) reconcileLocked(m wire.Message, b *registry.Bridge) (int, error) {
	if b != nil && b.Append && m.Kind == wire.KindAppend {
		// Each element must parse alone so that acceptance never depends
		// on which elements it lands next to.
		if err := b.Validate(m.Payload); err != nil {
			f := &Fault{Code: CodeDeserialize, Scene: s.name, Entity: m.Entity, Component: m.Component, Err: err}
			s.faultLocked(f)
			return 0, f
		}
	}

	var ticket registry.Ticket
	var check func(crdt.Outcome) error
	if b != nil {
		check = func(o crdt.Outcome) error {
			t, err := b.Stage(o.Payload)
			ticket = t
			return err
		}
	}

	outs, err := s.state.ApplyChecked(s.outs[:0], m, check)
	s.outs = outs[:0]
	if err != nil {
		code := CodeDeserialize
		if errors.Is(err, crdt.ErrModeMismatch) {
			code = CodeModeMismatch
		}
		f := &Fault{Code: code, Scene: s.name, Entity: m.Entity, Component: m.Component, Err: err}
		s.faultLocked(f)
		return 0, f
	}

	n := 0
	for _, o := range outs {
		switch {
		case o.EntityDeleted:
			s.enqueueLocked(command.Command{Op: command.OpDestroyEntity, Entity: o.Key.Entity})
			n++
		case o.Effect == crdt.NoChange:
		case o.Effect == crdt.ComponentDeleted:
			n++
			if m.Kind == wire.KindDeleteEntity {
				// OpDestroyEntity detaches these.
				continue
			}
			if cb, ok := s.reg.Lookup(o.Key.Component); ok {
				s.enqueueLocked(command.Command{Op: command.OpDetach, Entity: o.Key.Entity, Bridge: cb, Timestamp: o.Timestamp})
			}
		default:
			n++
			if b == nil {
				continue
			}
			op := command.OpAttach
			if o.Effect == crdt.ComponentModified {
				op = command.OpReplace
			}
			if _, err := s.tr.Resolve(o.Key.Entity); err != nil {
				_ = b.Discard(ticket)
				f := &Fault{Code: CodeInvalidEntity, Scene: s.name, Entity: m.Entity, Component: m.Component, Err: err}
				s.faultLocked(f)
				return n, f
			}
			s.enqueueLocked(command.Command{Op: op, Entity: o.Key.Entity, Bridge: b, Ticket: ticket, Timestamp: o.Timestamp})
		}
	}
	return n, nil
}

func (s *Session) enqueueLocked(c command.Command) {
	if err := s.buf.Enqueue(c); err != nil {
		if c.Ticket != 0 {
			_ = c.Bridge.Discard(c.Ticket)
		}
		s.log.Debug("command dropped", zap.Stringer("op", c.Op), zap.Error(err))
	}
}

// CreateEntity gives id a handle that outlives its last component. The
// producer policy applies as it does to written ids.
func (s *Session) CreateEntity(id wire.EntityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.tr.Create(id); err != nil {
		return fmt.Errorf("create entity %d: %w", id, err)
	}
	return nil
}

// WriteResult stores a host-written value of a result-only component, queues
// it for the world like any other effect and encodes it for the scene to
// read back through DrainOutbound. For append components payload is one
// element.
func (s *Session) WriteResult(id wire.EntityID, c wire.ComponentID, payload []byte) error {
	b, ok := s.reg.Lookup(c)
	if !ok || !b.ResultOnly {
		return fmt.Errorf("write result %d: %w", c, ErrNotResult)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	ts := wire.Timestamp(1)
	if e, ok := s.state.Get(wire.Key{Entity: id, Component: c}); ok {
		ts = e.Timestamp + 1
	}
	m := wire.Put(id, c, ts, payload)
	if b.Append {
		m = wire.Append(id, c, ts, payload)
	}
	if _, err := s.reconcileLocked(m, b); err != nil {
		return err
	}
	s.outbound.Write(m)
	return nil
}

// DrainOutbound returns the encoded result messages written since the last
// call, or nil.
func (s *Session) DrainOutbound() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbound.Take()
}

// Restore loads a snapshot into an empty session and queues every live value
// as an attach.
func (s *Session) Restore(snap crdt.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Len() > 0 {
		return ErrNotEmpty
	}
	s.state.Restore(snap)

	for _, e := range snap.Entries {
		if e.Deleted {
			continue
		}
		b, ok := s.reg.Lookup(e.Key.Component)
		if !ok {
			continue
		}
		t, err := b.Stage(e.Payload)
		if err != nil {
			s.faultLocked(&Fault{Code: CodeDeserialize, Scene: s.name, Entity: e.Key.Entity, Component: e.Key.Component, Err: err})
			continue
		}
		if _, err := s.tr.Resolve(e.Key.Entity); err != nil {
			_ = b.Discard(t)
			s.faultLocked(&Fault{Code: CodeInvalidEntity, Scene: s.name, Entity: e.Key.Entity, Component: e.Key.Component, Err: err})
			continue
		}
		s.enqueueLocked(command.Command{Op: command.OpAttach, Entity: e.Key.Entity, Bridge: b, Ticket: t, Timestamp: e.Timestamp})
	}
	s.log.Info("scene restored", zap.Int("entries", len(snap.Entries)), zap.Int("dead", len(snap.Dead)))
	return nil
}

// Flush applies queued commands on the world thread.
func (s *Session) Flush() (command.Result, error) {
	return s.app.Flush()
}

func (s *Session) faultLocked(f *Fault) {
	if len(s.faults) == recentFaults {
		copy(s.faults, s.faults[1:])
		s.faults = s.faults[:recentFaults-1]
	}
	s.faults = append(s.faults, f)
	s.counts[f.Code]++

	if f.Code != CodeInvalidEntity {
		s.log.Warn("scene fault", zap.String("code", string(f.Code)), zap.Error(f.Err))
		return
	}
	s.violations++
	if s.limit > 0 && s.violations >= s.limit && !s.suspended {
		s.suspended = true
		s.log.Error("scene suspended",
			zap.Int("violations", s.violations),
			zap.Error(f),
		)
		return
	}
	s.log.Warn("scene fault", zap.String("code", string(f.Code)), zap.Error(f.Err))
}

// applierFault receives errors from the command applier.
func (s *Session) applierFault(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faultLocked(applyFault(s.name, err))
}

// Faults returns the most recent faults, oldest first.
func (s *Session) Faults() []*Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Fault, len(s.faults))
	copy(out, s.faults)
	return out
}

// FaultCount returns how many faults of code were raised.
func (s *Session) FaultCount(code FaultCode) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[code]
}

func (s *Session) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// Resume lifts a suspension and clears the violation count.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = false
	s.notified = false
	s.violations = 0
	s.log.Info("scene resumed")
}

// takeSuspendNotice reports a suspension once.
func (s *Session) takeSuspendNotice() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.suspended || s.notified {
		return 0, false
	}
	s.notified = true
	return s.violations, true
}

func (s *Session) Stats() IngestResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
