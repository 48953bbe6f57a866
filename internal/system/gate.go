package system

import (
	"time"

	coresys "github.com/l1jgo/scenebridge/internal/core/system"
	"github.com/l1jgo/scenebridge/internal/scene"
)

// GateSystem moves every scene's update gate to the next tick once the
// tick's flush is done. Phase 6 (Cleanup).
type GateSystem struct {
	host *scene.Host
}

func NewGateSystem(host *scene.Host) *GateSystem {
	return &GateSystem{host: host}
}

func (s *GateSystem) Phase() coresys.Phase { return coresys.PhaseCleanup }

func (s *GateSystem) Update(_ time.Duration) {
	s.host.Advance()
}
