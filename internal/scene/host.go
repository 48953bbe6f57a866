package scene

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/l1jgo/scenebridge/internal/command"
	"github.com/l1jgo/scenebridge/internal/core/ecs"
	"github.com/l1jgo/scenebridge/internal/core/event"
	"github.com/l1jgo/scenebridge/internal/crdt"
	"github.com/l1jgo/scenebridge/internal/entity"
	"github.com/l1jgo/scenebridge/internal/gate"
	"github.com/l1jgo/scenebridge/internal/registry"
	"github.com/l1jgo/scenebridge/internal/wire"
)

var ErrUnknownScene = errors.New("unknown scene")

// Recorder captures every chunk a scene ingests.
type Recorder interface {
	Record(scene string, chunk []byte) error
}

// SnapshotStore keeps the converged state of scenes between runs.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, scene string, snap crdt.Snapshot) error
	LoadSnapshot(ctx context.Context, scene string) (crdt.Snapshot, bool, error)
}

// Config holds the per-session limits.
type Config struct {
	MaxPayloadLen       int
	MaxAppendElements   int
	MaxCommandsPerFlush int
	SuspendAfter        int
	Windows             gate.Windows
	ReservedMax         wire.EntityID
	MaxEntity           wire.EntityID
}

func DefaultConfig() Config {
	return Config{
		MaxPayloadLen:     wire.DefaultMaxPayload,
		MaxAppendElements: crdt.DefaultMaxAppend,
		SuspendAfter:      10,
		Windows:           gate.DefaultWindows(),
		ReservedMax:       entity.DefaultReservedMax,
	}
}

// FlushSummary totals one FlushAll.
type FlushSummary struct {
	Scenes    int
	Applied   int
	Held      int
	Deferred  int
	Coalesced int
}

type HostOption func(*Host)

func WithRecorder(r Recorder) HostOption { return func(h *Host) { h.rec = r } }

// Host owns the live world side of every open scene. Open, Close, FlushAll,
// Advance and Restore run on the world thread; sessions themselves accept
// input from any goroutine.
type Host struct {
	cfg   Config
	reg   *registry.Registry
	world *ecs.World
	bus   *event.Bus
	log   *zap.Logger
	rec   Recorder

	player ecs.EntityID
	camera ecs.EntityID

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	order    []*Session
}

// NewHost creates the host and the shared player and camera entities. reg
// must be frozen and installed into world.
func NewHost(cfg Config, reg *registry.Registry, world *ecs.World, bus *event.Bus, log *zap.Logger, opts ...HostOption) *Host {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Host{
		cfg:      cfg,
		reg:      reg,
		world:    world,
		bus:      bus,
		log:      log,
		player:   world.CreateEntity(),
		camera:   world.CreateEntity(),
		sessions: make(map[uuid.UUID]*Session),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Host) Player() ecs.EntityID { return h.player }
func (h *Host) Camera() ecs.EntityID { return h.camera }

// Open starts bridging a new scene.
func (h *Host) Open(name string, privileged bool) *Session {
	id := uuid.New()
	log := h.log.With(zap.String("scene", name), zap.String("scene_id", id.String()))

	tr := entity.NewTranslator(h.world, entity.Policy{
		Privileged:  privileged,
		ReservedMax: h.cfg.ReservedMax,
		MaxEntity:   h.cfg.MaxEntity,
	})
	tr.BindWellKnown(entity.RootEntity, h.world.CreateEntity(), true)
	tr.BindWellKnown(entity.PlayerEntity, h.player, false)
	tr.BindWellKnown(entity.CameraEntity, h.camera, false)

	g := gate.New(h.cfg.Windows)
	buf := command.NewBuffer()
	s := &Session{
		id:       id,
		name:     name,
		log:      log,
		reg:      h.reg,
		state:    crdt.NewState(h.reg, h.cfg.MaxAppendElements),
		tr:       tr,
		buf:      buf,
		gate:     g,
		rec:      h.rec,
		maxLen:   h.cfg.MaxPayloadLen,
		limit:    h.cfg.SuspendAfter,
		counts:   make(map[FaultCode]int),
		outbound: wire.NewWriter(),
	}
	s.app = command.NewApplier(name, buf, h.reg, h.world, tr, log,
		command.WithBudget(h.cfg.MaxCommandsPerFlush),
		command.WithGate(g),
		command.WithBus(h.bus),
		command.WithFaultHandler(s.applierFault),
	)

	h.mu.Lock()
	h.sessions[id] = s
	h.order = append(h.order, s)
	h.mu.Unlock()

	log.Info("scene opened", zap.Bool("privileged", privileged))
	return s
}

func (h *Host) Get(id uuid.UUID) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

// Find returns the open session named name.
func (h *Host) Find(name string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.order {
		if s.name == name {
			return s, true
		}
	}
	return nil, false
}

// Sessions returns the open sessions in opening order.
func (h *Host) Sessions() []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Session, len(h.order))
	copy(out, h.order)
	return out
}

// Close tears a scene down: unflushed commands are discarded and every
// instance and handle it owned is released.
func (h *Host) Close(id uuid.UUID) error {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
		for i, o := range h.order {
			if o == s {
				h.order = append(h.order[:i], h.order[i+1:]...)
				break
			}
		}
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("close %s: %w", id, ErrUnknownScene)
	}

	s.markClosed()
	err := s.app.Teardown()
	if h.bus != nil {
		event.Emit(h.bus, event.SceneClosed{Scene: s.name})
	}
	s.log.Info("scene closed", zap.Int("faults", len(s.Faults())))
	return err
}

// CloseAll closes every scene, newest first.
func (h *Host) CloseAll() error {
	sessions := h.Sessions()
	var errs []error
	for i := len(sessions) - 1; i >= 0; i-- {
		if err := h.Close(sessions[i].id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FlushAll applies the queued commands of every scene.
func (h *Host) FlushAll() FlushSummary {
	var sum FlushSummary
	for _, s := range h.Sessions() {
		if v, ok := s.takeSuspendNotice(); ok && h.bus != nil {
			event.Emit(h.bus, event.SceneSuspended{Scene: s.name, Violations: v})
		}
		res, err := s.Flush()
		if err != nil {
			s.log.Warn("flush skipped", zap.Error(err))
			continue
		}
		sum.Scenes++
		sum.Applied += res.Applied
		sum.Held += res.Held
		sum.Deferred += res.Deferred
		sum.Coalesced += res.Coalesced
	}
	return sum
}

// Advance moves every scene's gate to the next tick.
func (h *Host) Advance() {
	for _, s := range h.Sessions() {
		s.gate.Advance()
	}
}

// SaveSnapshots writes the state of every scene to store.
func (h *Host) SaveSnapshots(ctx context.Context, store SnapshotStore) error {
	var errs []error
	for _, s := range h.Sessions() {
		if err := store.SaveSnapshot(ctx, s.name, s.state.Snapshot()); err != nil {
			errs = append(errs, fmt.Errorf("snapshot %s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// Restore loads the stored snapshot of the session's scene, if there is one.
func (h *Host) Restore(ctx context.Context, id uuid.UUID, store SnapshotStore) (bool, error) {
	s, ok := h.Get(id)
	if !ok {
		return false, fmt.Errorf("restore %s: %w", id, ErrUnknownScene)
	}
	snap, found, err := store.LoadSnapshot(ctx, s.name)
	if err != nil || !found {
		return false, err
	}
	return true, s.Restore(snap)
}

// Names lists open scene names, sorted.
func (h *Host) Names() []string {
	sessions := h.Sessions()
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.name
	}
	sort.Strings(out)
	return out
}
