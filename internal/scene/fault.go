package scene

import (
	"errors"
	"fmt"

	"github.com/l1jgo/scenebridge/internal/entity"
	"github.com/l1jgo/scenebridge/internal/pool"
	"github.com/l1jgo/scenebridge/internal/wire"
)

// FaultCode categorizes a fault raised while bridging a scene.
type FaultCode string

const (
	// CodeFraming: a frame could not be decoded and was dropped.
	CodeFraming FaultCode = "FRAMING"
	// CodeDeserialize: a payload was malformed for its component type.
	CodeDeserialize FaultCode = "DESERIALIZE"
	// CodeInvalidEntity: the scene addressed an entity outside its range.
	// The only code that counts towards suspension.
	CodeInvalidEntity FaultCode = "INVALID_ENTITY"
	// CodeResultOnly: the scene wrote a component only the host may write.
	CodeResultOnly FaultCode = "RESULT_ONLY"
	// CodeModeMismatch: PUT on an append component or APPEND on a plain one.
	CodeModeMismatch FaultCode = "MODE_MISMATCH"
	// CodePoolMisuse: an instance was released twice or was never pooled.
	CodePoolMisuse FaultCode = "POOL_MISUSE"
	// CodeApply: a command failed or panicked on the world thread.
	CodeApply FaultCode = "APPLY"
)

// Fault is an error isolated to one scene. None of them stop the host.
type Fault struct {
	Code      FaultCode
	Scene     string
	Entity    wire.EntityID
	Component wire.ComponentID
	// Offset is the byte offset of the frame in its chunk, for framing faults.
	Offset int
	Err    error
}

func (f *Fault) Error() string {
	switch f.Code {
	case CodeFraming:
		return fmt.Sprintf("%s: %v (scene=%s, offset=%d)", f.Code, f.Err, f.Scene, f.Offset)
	case CodeApply, CodePoolMisuse:
		return fmt.Sprintf("%s: %v (scene=%s)", f.Code, f.Err, f.Scene)
	}
	return fmt.Sprintf("%s: %v (scene=%s, entity=%d, component=%d)", f.Code, f.Err, f.Scene, f.Entity, f.Component)
}

func (f *Fault) Unwrap() error { return f.Err }

// IsInvalidEntity reports whether err is an invalid entity reference fault.
// Uses errors.As to handle wrapped errors.
func IsInvalidEntity(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code == CodeInvalidEntity
	}
	return false
}

// CodeOf returns the fault code carried by err.
func CodeOf(err error) (FaultCode, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code, true
	}
	return "", false
}

// applyFault classifies an error reported by the command applier.
func applyFault(scene string, err error) *Fault {
	code := CodeApply
	switch {
	case errors.Is(err, pool.ErrDoubleRelease), errors.Is(err, pool.ErrNotTracked):
		code = CodePoolMisuse
	case errors.Is(err, entity.ErrInvalidEntity):
		code = CodeInvalidEntity
	}
	return &Fault{Code: code, Scene: scene, Err: err}
}
