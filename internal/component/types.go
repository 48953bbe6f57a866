// Package component defines the component kinds a scene can put on its
// entities and their binary payload layouts.
//
// Pure data: the structs carry no behaviour, serialization lives in the
// codecs registered by RegisterAll.
package component

import "github.com/l1jgo/scenebridge/internal/wire"

// Wire ids. Stable across protocol versions.
const (
	TransformID           wire.ComponentID = 1
	MeshRendererID        wire.ComponentID = 2
	MaterialID            wire.ComponentID = 3
	TextShapeID           wire.ComponentID = 4
	PointerEventsID       wire.ComponentID = 5
	PointerEventsResultID wire.ComponentID = 6
	BillboardID           wire.ComponentID = 7
	AudioSourceID         wire.ComponentID = 8
	TweenID               wire.ComponentID = 9
	SceneLogID            wire.ComponentID = 10
)

type Vec3 struct{ X, Y, Z float32 }

type Quat struct{ X, Y, Z, W float32 }

type Color4 struct{ R, G, B, A float32 }

// Transform places an entity relative to its parent (0 = scene root).
type Transform struct {
	Position Vec3
	Rotation Quat
	Scale    Vec3
	Parent   wire.EntityID
}

type MeshShape uint8

const (
	MeshBox MeshShape = iota
	MeshSphere
	MeshPlane
	MeshCylinder
	MeshModel // Src names a model asset
)

type MeshRenderer struct {
	Shape MeshShape
	Src   string
}

// Material references its texture by URL; fetching it is left to observers
// of the attach event.
type Material struct {
	Albedo     Color4
	TextureURL string
	Metallic   float32
	Roughness  float32
}

type TextShape struct {
	Text     string // NFC normalised
	FontSize float32
	Color    Color4
}

type PointerButton uint8

const (
	ButtonPrimary PointerButton = iota
	ButtonSecondary
	ButtonAction
)

type PointerEventKind uint8

const (
	PointerDown PointerEventKind = iota
	PointerUp
	HoverEnter
	HoverLeave
)

type PointerEvent struct {
	Button    PointerButton
	Kind      PointerEventKind
	HoverText string
	MaxDist   float32
}

// PointerEvents lists the pointer interactions an entity listens for.
type PointerEvents struct {
	Events []PointerEvent
}

// PointerHit is one pointer interaction reported back to the scene.
type PointerHit struct {
	Button PointerButton
	Kind   PointerEventKind
	Tick   uint32
	Point  Vec3
}

// PointerEventsResult is written by the host and read by the scene.
type PointerEventsResult struct {
	Hits []PointerHit
}

type BillboardMode uint8

const (
	BillboardNone BillboardMode = iota
	BillboardY
	BillboardAll
)

type Billboard struct {
	Mode BillboardMode
}

type AudioSource struct {
	Clip    string
	Volume  float32
	Pitch   float32
	Loop    bool
	Playing bool
}

type Easing uint8

const (
	EaseLinear Easing = iota
	EaseInQuad
	EaseOutQuad
	EaseInOutSine
)

// Tween interpolates an entity position between Start and End.
type Tween struct {
	Duration float32 // seconds
	Start    Vec3
	End      Vec3
	Easing   Easing
	Playing  bool
}

// SceneLog accumulates the lines a scene prints.
type SceneLog struct {
	Lines []string
}
