package system

import (
	"time"

	"go.uber.org/zap"

	coresys "github.com/l1jgo/scenebridge/internal/core/system"
)

// ProduceSystem runs each scene's on_update and ingests what it emitted.
// Phase 2 (Update).
type ProduceSystem struct {
	scenes *Scenes
	log    *zap.Logger
}

func NewProduceSystem(scenes *Scenes, log *zap.Logger) *ProduceSystem {
	return &ProduceSystem{scenes: scenes, log: log}
}

func (s *ProduceSystem) Phase() coresys.Phase { return coresys.PhaseUpdate }

func (s *ProduceSystem) Update(dt time.Duration) {
	s.scenes.Each(func(b *SceneBinding) {
		b.ticks++
		if b.ticks%b.Divisor != 0 || b.Session.Suspended() {
			return
		}
		if err := b.Producer.Update(dt * time.Duration(b.Divisor)); err != nil {
			b.scriptErrs++
			s.log.Warn("scene script error",
				zap.String("scene", b.Session.Name()),
				zap.Int("errors", b.scriptErrs),
				zap.Error(err))
		}
		s.ingest(b)
	})
}

// ingest hands the producer's pending frames to the session.
func (s *ProduceSystem) ingest(b *SceneBinding) {
	chunk := b.Producer.Take()
	if len(chunk) == 0 {
		return
	}
	res, err := b.Session.Ingest(chunk)
	if err != nil {
		s.log.Debug("scene input dropped", zap.String("scene", b.Session.Name()), zap.Error(err))
		return
	}
	if res.Faults > 0 {
		s.log.Debug("scene input faults",
			zap.String("scene", b.Session.Name()),
			zap.Int("messages", res.Messages),
			zap.Int("faults", res.Faults))
	}
}
