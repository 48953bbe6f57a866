package system

import (
	"time"

	"go.uber.org/zap"

	coresys "github.com/l1jgo/scenebridge/internal/core/system"
	"github.com/l1jgo/scenebridge/internal/scene"
)

// FlushSystem applies every scene's queued commands to the live world.
// Phase 4 (Output).
type FlushSystem struct {
	host  *scene.Host
	log   *zap.Logger
	last  scene.FlushSummary
	total scene.FlushSummary
}

func NewFlushSystem(host *scene.Host, log *zap.Logger) *FlushSystem {
	return &FlushSystem{host: host, log: log}
}

func (s *FlushSystem) Phase() coresys.Phase { return coresys.PhaseOutput }

func (s *FlushSystem) Update(_ time.Duration) {
	sum := s.host.FlushAll()
	s.last = sum
	s.total.Scenes += sum.Scenes
	s.total.Applied += sum.Applied
	s.total.Held += sum.Held
	s.total.Deferred += sum.Deferred
	s.total.Coalesced += sum.Coalesced
	if sum.Applied > 0 || sum.Deferred > 0 {
		s.log.Debug("flush",
			zap.Int("applied", sum.Applied),
			zap.Int("held", sum.Held),
			zap.Int("deferred", sum.Deferred),
			zap.Int("coalesced", sum.Coalesced))
	}
}

// Last returns the summary of the most recent flush.
func (s *FlushSystem) Last() scene.FlushSummary { return s.last }

// Total returns the summaries accumulated since start.
func (s *FlushSystem) Total() scene.FlushSummary { return s.total }
