package system

import (
	"context"
	"time"

	"go.uber.org/zap"

	coresys "github.com/l1jgo/scenebridge/internal/core/system"
	"github.com/l1jgo/scenebridge/internal/scene"
)

// SnapshotSystem periodically saves the converged state of every open scene.
// Phase 5 (Persist).
type SnapshotSystem struct {
	host      *scene.Host
	store     scene.SnapshotStore
	log       *zap.Logger
	tickCount int
	interval  int // save every N ticks
	saves     int
}

func NewSnapshotSystem(host *scene.Host, store scene.SnapshotStore, log *zap.Logger, intervalTicks int) *SnapshotSystem {
	if intervalTicks < 1 {
		intervalTicks = 1
	}
	return &SnapshotSystem{
		host:     host,
		store:    store,
		log:      log,
		interval: intervalTicks,
	}
}

func (s *SnapshotSystem) Phase() coresys.Phase { return coresys.PhasePersist }

func (s *SnapshotSystem) Update(_ time.Duration) {
	s.tickCount++
	if s.tickCount < s.interval {
		return
	}
	s.tickCount = 0
	s.SaveAll()
}

// SaveAll snapshots every scene immediately. Called at shutdown before the
// scenes are closed.
func (s *SnapshotSystem) SaveAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := s.host.SaveSnapshots(ctx, s.store); err != nil {
		s.log.Error("snapshot save failed", zap.Error(err))
		return
	}
	s.saves++
	s.log.Debug("snapshots saved",
		zap.Int("scenes", len(s.host.Sessions())),
		zap.Duration("took", time.Since(start)))
}

// Saves returns the number of successful snapshot rounds.
func (s *SnapshotSystem) Saves() int { return s.saves }
