package system

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	coresys "github.com/l1jgo/scenebridge/internal/core/system"
	"github.com/l1jgo/scenebridge/internal/scene"
)

// CleanupSystem closes the scenes queued for closing at tick end, after
// their last flush. Phase 6 (Cleanup).
type CleanupSystem struct {
	host   *scene.Host
	scenes *Scenes
	log    *zap.Logger
	queue  []uuid.UUID
}

func NewCleanupSystem(host *scene.Host, scenes *Scenes, log *zap.Logger) *CleanupSystem {
	return &CleanupSystem{host: host, scenes: scenes, log: log}
}

func (s *CleanupSystem) Phase() coresys.Phase { return coresys.PhaseCleanup }

// Request queues a scene for closing. Duplicate requests are ignored.
func (s *CleanupSystem) Request(id uuid.UUID) {
	for _, q := range s.queue {
		if q == id {
			return
		}
	}
	s.queue = append(s.queue, id)
}

func (s *CleanupSystem) Update(_ time.Duration) {
	for _, id := range s.queue {
		s.close(id)
	}
	s.queue = s.queue[:0]
}

// CloseAll closes every scripted scene now. Called at shutdown.
func (s *CleanupSystem) CloseAll() {
	var ids []uuid.UUID
	s.scenes.Each(func(b *SceneBinding) { ids = append(ids, b.Session.ID()) })
	for _, id := range ids {
		s.close(id)
	}
	s.queue = s.queue[:0]
}

func (s *CleanupSystem) close(id uuid.UUID) {
	if b, ok := s.scenes.Remove(id); ok {
		b.Producer.Close()
	}
	if err := s.host.Close(id); err != nil {
		s.log.Warn("scene close", zap.String("scene_id", id.String()), zap.Error(err))
	}
}
