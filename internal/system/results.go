package system

import (
	"time"

	"go.uber.org/zap"

	coresys "github.com/l1jgo/scenebridge/internal/core/system"
)

// ResultSystem delivers host-written result frames back to the scene
// scripts. Phase 0 (Input).
type ResultSystem struct {
	scenes *Scenes
	log    *zap.Logger
}

func NewResultSystem(scenes *Scenes, log *zap.Logger) *ResultSystem {
	return &ResultSystem{scenes: scenes, log: log}
}

func (s *ResultSystem) Phase() coresys.Phase { return coresys.PhaseInput }

func (s *ResultSystem) Update(_ time.Duration) {
	s.scenes.Each(func(b *SceneBinding) {
		out := b.Session.DrainOutbound()
		if len(out) == 0 {
			return
		}
		if _, err := b.Producer.Deliver(out); err != nil {
			s.log.Warn("result delivery error", zap.String("scene", b.Session.Name()), zap.Error(err))
		}
	})
}
