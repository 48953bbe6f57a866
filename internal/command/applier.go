package command

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/l1jgo/scenebridge/internal/core/ecs"
	"github.com/l1jgo/scenebridge/internal/core/event"
	"github.com/l1jgo/scenebridge/internal/entity"
	"github.com/l1jgo/scenebridge/internal/gate"
	"github.com/l1jgo/scenebridge/internal/registry"
	"github.com/l1jgo/scenebridge/internal/wire"
)

// Result summarises one Flush.
type Result struct {
	Applied   int
	Held      int // waiting for their gate class to open
	Deferred  int // cut by the flush budget
	Coalesced int // held instances superseded by a newer one for the same key
}

type Stats struct {
	Flushes   uint64
	Applied   uint64
	Panics    uint64
	Failures  uint64
	Coalesced uint64
	Pending   int
}

type Option func(*Applier)

// WithBudget caps the commands applied per Flush. 0 means unlimited.
func WithBudget(n int) Option { return func(a *Applier) { a.budget = n } }

// WithGate holds commands whose class is closed. Without a gate every class
// is open.
func WithGate(g *gate.Gate) Option { return func(a *Applier) { a.gate = g } }

// WithBus publishes flush results.
func WithBus(b *event.Bus) Option { return func(a *Applier) { a.bus = b } }

// WithFaultHandler receives every error found while applying commands.
func WithFaultHandler(fn func(error)) Option { return func(a *Applier) { a.onFault = fn } }

// Applier replays one scene's commands against the live world. Flush and
// Teardown must run on the world thread.
type Applier struct {
	scene   string
	buf     *Buffer
	bridges []*registry.Bridge
	world   *ecs.World
	tr      *entity.Translator
	gate    *gate.Gate
	bus     *event.Bus
	log     *zap.Logger
	budget  int
	onFault func(error)

	flushing atomic.Bool
	pending  []Command // held or deferred, oldest first
	scratch  []Command
	heldAt   map[heldKey]int // last held command per key, index into the next pending list
	stats    Stats
}

type heldKey struct {
	entity    wire.EntityID
	component wire.ComponentID
}

func NewApplier(scene string, buf *Buffer, reg *registry.Registry, world *ecs.World, tr *entity.Translator, log *zap.Logger, opts ...Option) *Applier {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Applier{
		scene:   scene,
		buf:     buf,
		bridges: reg.Bridges(),
		world:   world,
		tr:      tr,
		log:     log.With(zap.String("scene", scene)),
		heldAt:  make(map[heldKey]int),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Flush applies queued commands in order. Commands of a closed gate class are
// held, in order, for a later flush; so is everything past the budget. A held
// attach or replace supersedes the staged command held before it for the same
// key, so a closed class carries at most one pending instance per key.
func (a *Applier) Flush() (Result, error) {
	if !a.flushing.CompareAndSwap(false, true) {
		return Result{}, ErrConcurrentFlush
	}
	defer a.flushing.Store(false)

	queue := a.buf.drain(a.pending)
	next := a.scratch[:0]
	clear(a.heldAt)
	var (
		res  Result
		open [gate.NumClasses]int8
	)
	for i, c := range queue {
		if a.budget > 0 && res.Applied >= a.budget {
			next = append(next, queue[i:]...)
			res.Deferred = len(queue) - i
			break
		}
		if !a.classOpen(&open, c.class()) {
			next = a.hold(next, c, &res)
			continue
		}
		if c.Op == OpDestroyEntity {
			next = a.dropHeld(next, c.Entity, &res)
		}
		a.safeApply(c)
		res.Applied++
	}

	clear(queue)
	a.scratch = queue[:0]
	a.pending = next

	a.stats.Flushes++
	a.stats.Applied += uint64(res.Applied)
	a.stats.Coalesced += uint64(res.Coalesced)
	a.stats.Pending = len(next)
	if res.Applied > 0 || res.Held > 0 {
		a.log.Debug("flush",
			zap.Int("applied", res.Applied),
			zap.Int("held", res.Held),
			zap.Int("deferred", res.Deferred),
			zap.Int("coalesced", res.Coalesced),
		)
	}
	return res, nil
}

func (a *Applier) classOpen(open *[gate.NumClasses]int8, c gate.Class) bool {
	if a.gate == nil || c >= gate.NumClasses {
		return true
	}
	if open[c] == 0 {
		open[c] = -1
		if a.gate.IsOpen(c) {
			open[c] = 1
		}
	}
	return open[c] > 0
}

// hold appends c to the held list, or swaps it in for the last command held
// for the same key when both carry a staged instance.
func (a *Applier) hold(held []Command, c Command, res *Result) []Command {
	if c.Bridge == nil {
		res.Held++
		return append(held, c)
	}
	k := heldKey{entity: c.Entity, component: c.Bridge.ID}
	if i, ok := a.heldAt[k]; ok && c.staged() && held[i].staged() {
		if held[i].Op == OpAttach {
			c.Op = OpAttach
		}
		a.discard(held[i])
		held[i] = c
		res.Coalesced++
		return held
	}
	a.heldAt[k] = len(held)
	res.Held++
	return append(held, c)
}

// dropHeld discards the held commands of an entity about to be destroyed.
func (a *Applier) dropHeld(held []Command, id wire.EntityID, res *Result) []Command {
	kept := held[:0]
	for _, c := range held {
		if c.Entity != id {
			kept = append(kept, c)
			continue
		}
		a.discard(c)
		res.Held--
	}
	clear(a.heldAt)
	for i, c := range kept {
		if c.Bridge != nil {
			a.heldAt[heldKey{entity: c.Entity, component: c.Bridge.ID}] = i
		}
	}
	return kept
}

func (a *Applier) discard(c Command) {
	if !c.staged() {
		return
	}
	if err := c.Bridge.Discard(c.Ticket); err != nil && !errors.Is(err, registry.ErrStaleTicket) {
		a.fault(fmt.Errorf("discard %s on %d: %w", c.Bridge.Name, c.Entity, err))
	}
}

// safeApply executes a command with panic recovery so one bad applier cannot
// stop the world loop.
func (a *Applier) safeApply(c Command) {
	defer func() {
		if rec := recover(); rec != nil {
			a.stats.Panics++
			a.log.Error("command panic recovered",
				zap.Stringer("op", c.Op),
				zap.Uint32("entity", uint32(c.Entity)),
				zap.Any("panic", rec),
			)
			a.discard(c)
			a.fault(fmt.Errorf("%s on %d: panic: %v", c.Op, c.Entity, rec))
		}
	}()
	a.apply(c)
}

func (a *Applier) apply(c Command) {
	switch c.Op {
	case OpAttach, OpReplace:
		h, err := a.tr.Resolve(c.Entity)
		if err != nil {
			a.discard(c)
			a.fault(err)
			return
		}
		replaced, err := c.Bridge.Attach(h, c.Ticket)
		if err != nil {
			a.fault(fmt.Errorf("attach %s on %d: %w", c.Bridge.Name, c.Entity, err))
			if errors.Is(err, registry.ErrStaleTicket) {
				return
			}
		}
		a.emitAttached(c, h, replaced)

	case OpDetach:
		h, ok := a.tr.Lookup(c.Entity)
		if !ok {
			return
		}
		a.detach(c.Bridge, c.Entity, h)
		a.releaseIfEmpty(c.Entity, h)

	case OpDestroyEntity:
		a.destroy(c.Entity)
	}
}

func (a *Applier) detach(b *registry.Bridge, id wire.EntityID, h ecs.EntityID) {
	had, err := b.Detach(h)
	if err != nil {
		a.fault(fmt.Errorf("detach %s on %d: %w", b.Name, id, err))
	}
	if had && a.bus != nil {
		event.Emit(a.bus, event.ComponentDetached{Scene: a.scene, Entity: id, Handle: h, Component: b.ID})
	}
}

// releaseIfEmpty drops the handle of an entity left without components,
// unless it was created explicitly.
func (a *Applier) releaseIfEmpty(id wire.EntityID, h ecs.EntityID) {
	if a.world.CountComponents(h) > 0 || a.tr.IsExplicit(id) {
		return
	}
	if err := a.tr.Release(id); err != nil {
		a.fault(err)
		return
	}
	a.emitDestroyed(id, h, true)
}

func (a *Applier) destroy(id wire.EntityID) {
	h, ok := a.tr.Lookup(id)
	if !ok {
		return
	}
	for _, b := range a.bridges {
		a.detach(b, id, h)
	}
	if err := a.tr.Release(id); err != nil {
		a.fault(err)
		return
	}
	a.emitDestroyed(id, h, false)
}

func (a *Applier) emitAttached(c Command, h ecs.EntityID, replaced bool) {
	if a.bus == nil {
		return
	}
	event.Emit(a.bus, event.ComponentAttached{
		Scene:     a.scene,
		Entity:    c.Entity,
		Handle:    h,
		Component: c.Bridge.ID,
		Replaced:  replaced,
		Asset:     c.Bridge.AssetRef(h),
	})
}

func (a *Applier) emitDestroyed(id wire.EntityID, h ecs.EntityID, implicit bool) {
	if a.bus == nil {
		return
	}
	event.Emit(a.bus, event.EntityDestroyed{Scene: a.scene, Entity: id, Handle: h, Implicit: implicit})
}

func (a *Applier) fault(err error) {
	a.stats.Failures++
	a.log.Warn("command failed", zap.Error(err))
	if a.onFault != nil {
		a.onFault(err)
	}
}

// Teardown closes the buffer, discards every unapplied command, detaches
// every instance the scene owns and releases its handles.
func (a *Applier) Teardown() error {
	if !a.flushing.CompareAndSwap(false, true) {
		return ErrConcurrentFlush
	}
	defer a.flushing.Store(false)

	rest := a.buf.Close()
	dropped := len(a.pending) + len(rest)
	for _, c := range a.pending {
		a.discard(c)
	}
	for _, c := range rest {
		a.discard(c)
	}
	a.pending = nil

	for _, id := range a.tr.Entities() {
		h, ok := a.tr.Lookup(id)
		if !ok {
			continue
		}
		for _, b := range a.bridges {
			a.detach(b, id, h)
		}
	}
	n, err := a.tr.ReleaseAll()
	a.log.Info("scene torn down",
		zap.Int("dropped_commands", dropped),
		zap.Int("released_handles", n),
	)
	return err
}

// Pending returns the commands held over for a later flush.
func (a *Applier) Pending() int { return len(a.pending) }

func (a *Applier) Stats() Stats { return a.stats }
