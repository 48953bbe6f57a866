package system

import (
	"time"

	"go.uber.org/zap"

	"github.com/l1jgo/scenebridge/internal/component"
	"github.com/l1jgo/scenebridge/internal/core/ecs"
	coresys "github.com/l1jgo/scenebridge/internal/core/system"
	"github.com/l1jgo/scenebridge/internal/registry"
)

// RenderStats is a count of the live world's drawable content.
type RenderStats struct {
	Renderables int // entities with both Transform and MeshRenderer
	Textured    int // renderables that also carry a textured Material
	Entities    int
}

// RenderStatsSystem samples RenderStats every interval ticks.
// Phase 3 (PostUpdate).
type RenderStatsSystem struct {
	world      *ecs.World
	transforms *ecs.PtrComponentStore[component.Transform]
	meshes     *ecs.PtrComponentStore[component.MeshRenderer]
	materials  *ecs.PtrComponentStore[component.Material]
	log        *zap.Logger
	interval   int
	tickCount  int
	last       RenderStats
}

func NewRenderStatsSystem(world *ecs.World, reg *registry.Registry, log *zap.Logger, intervalTicks int) *RenderStatsSystem {
	if intervalTicks < 1 {
		intervalTicks = 1
	}
	s := &RenderStatsSystem{world: world, log: log, interval: intervalTicks}
	if b, ok := reg.Lookup(component.TransformID); ok {
		s.transforms, _ = registry.StoreOf[component.Transform](b)
	}
	if b, ok := reg.Lookup(component.MeshRendererID); ok {
		s.meshes, _ = registry.StoreOf[component.MeshRenderer](b)
	}
	if b, ok := reg.Lookup(component.MaterialID); ok {
		s.materials, _ = registry.StoreOf[component.Material](b)
	}
	return s
}

func (s *RenderStatsSystem) Phase() coresys.Phase { return coresys.PhasePostUpdate }

func (s *RenderStatsSystem) Update(_ time.Duration) {
	s.tickCount++
	if s.tickCount < s.interval {
		return
	}
	s.tickCount = 0
	s.last = s.Sample()
	s.log.Debug("render stats",
		zap.Int("renderables", s.last.Renderables),
		zap.Int("textured", s.last.Textured),
		zap.Int("entities", s.last.Entities))
}

// Sample counts the current world.
func (s *RenderStatsSystem) Sample() RenderStats {
	st := RenderStats{Entities: s.world.Pool().Len()}
	if s.transforms == nil || s.meshes == nil {
		return st
	}
	ecs.EachWith(s.meshes, func(id ecs.EntityID, _ *component.MeshRenderer) {
		st.Renderables++
		if s.materials == nil {
			return
		}
		if m, ok := s.materials.Get(id); ok && m.TextureURL != "" {
			st.Textured++
		}
	}, s.transforms)
	return st
}

// Last returns the most recent sample.
func (s *RenderStatsSystem) Last() RenderStats { return s.last }
