package event

import (
	"github.com/l1jgo/scenebridge/internal/core/ecs"
	"github.com/l1jgo/scenebridge/internal/wire"
)

// ComponentAttached is emitted when a flush makes an instance live. Asset
// streaming listens for it to fetch what the component references.
type ComponentAttached struct {
	Scene     string
	Entity    wire.EntityID
	Handle    ecs.EntityID
	Component wire.ComponentID
	Replaced  bool
	Asset     string // asset referenced by the attached value, read at attach time
}

type ComponentDetached struct {
	Scene     string
	Entity    wire.EntityID
	Handle    ecs.EntityID
	Component wire.ComponentID
}

// EntityDestroyed is emitted when a handle is released. Implicit marks a
// release caused by the entity losing its last component.
type EntityDestroyed struct {
	Scene    string
	Entity   wire.EntityID
	Handle   ecs.EntityID
	Implicit bool
}

type SceneSuspended struct {
	Scene      string
	Violations int
}

type SceneClosed struct {
	Scene string
}
