package system

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/l1jgo/scenebridge/internal/component"
	"github.com/l1jgo/scenebridge/internal/core/ecs"
	coresys "github.com/l1jgo/scenebridge/internal/core/system"
	"github.com/l1jgo/scenebridge/internal/registry"
	"github.com/l1jgo/scenebridge/internal/scene"
	"github.com/l1jgo/scenebridge/internal/wire"
)

type pointerInput struct {
	scene  uuid.UUID
	entity wire.EntityID
	hit    component.PointerHit
}

// PointerSystem turns host pointer input into PointerEventsResult writes for
// entities whose PointerEvents listen for it. Phase 0 (Input), registered
// before ResultSystem so hits reach the script in the same tick.
type PointerSystem struct {
	host    *scene.Host
	store   *ecs.PtrComponentStore[component.PointerEvents]
	log     *zap.Logger
	queue   []pointerInput
	written int
	ignored int
}

func NewPointerSystem(host *scene.Host, reg *registry.Registry, log *zap.Logger) *PointerSystem {
	s := &PointerSystem{host: host, log: log}
	if b, ok := reg.Lookup(component.PointerEventsID); ok {
		s.store, _ = registry.StoreOf[component.PointerEvents](b)
	}
	return s
}

func (s *PointerSystem) Phase() coresys.Phase { return coresys.PhaseInput }

// Inject queues a pointer interaction with a scene entity. World thread only.
func (s *PointerSystem) Inject(sceneID uuid.UUID, ent wire.EntityID, hit component.PointerHit) {
	s.queue = append(s.queue, pointerInput{scene: sceneID, entity: ent, hit: hit})
}

func (s *PointerSystem) Update(_ time.Duration) {
	queue := s.queue
	s.queue = s.queue[:0:0]
	for _, in := range queue {
		sess, ok := s.host.Get(in.scene)
		if !ok || !s.listens(sess, in.entity, in.hit) {
			s.ignored++
			continue
		}
		if in.hit.Tick == 0 {
			in.hit.Tick = uint32(sess.Gate().Tick())
		}
		payload := component.EncodePointerHit(nil, in.hit)
		if err := sess.WriteResult(in.entity, component.PointerEventsResultID, payload); err != nil {
			s.log.Warn("pointer result dropped", zap.String("scene", sess.Name()), zap.Error(err))
			s.ignored++
			continue
		}
		s.written++
	}
}

func (s *PointerSystem) listens(sess *scene.Session, ent wire.EntityID, hit component.PointerHit) bool {
	if s.store == nil {
		return false
	}
	h, ok := sess.Translator().Lookup(ent)
	if !ok {
		return false
	}
	pe, ok := s.store.Get(h)
	if !ok {
		return false
	}
	for _, ev := range pe.Events {
		if ev.Button == hit.Button && ev.Kind == hit.Kind {
			return true
		}
	}
	return false
}

// Stats returns the number of results written and inputs ignored.
func (s *PointerSystem) Stats() (written, ignored int) { return s.written, s.ignored }
