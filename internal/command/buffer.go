// Package command defers world mutations decided off the world thread and
// replays them on it.
package command

import (
	"errors"
	"fmt"
	"sync"

	"github.com/l1jgo/scenebridge/internal/gate"
	"github.com/l1jgo/scenebridge/internal/registry"
	"github.com/l1jgo/scenebridge/internal/wire"
)

var (
	ErrClosed          = errors.New("command buffer closed")
	ErrConcurrentFlush = errors.New("flush already in progress")
)

// Op tags a command.
type Op uint8

const (
	// OpAttach makes a staged instance live on an entity that lacks the component.
	OpAttach Op = iota
	// OpReplace releases the current instance, then attaches the staged one.
	OpReplace
	// OpDetach detaches and releases the current instance.
	OpDetach
	// OpDestroyEntity detaches everything the entity owns and releases its handle.
	OpDestroyEntity
)

func (o Op) String() string {
	switch o {
	case OpAttach:
		return "attach"
	case OpReplace:
		return "replace"
	case OpDetach:
		return "detach"
	case OpDestroyEntity:
		return "destroy_entity"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// Command fully describes one deferred mutation. Entity is the scene-local id;
// the world handle is resolved when the command is applied.
type Command struct {
	Op        Op
	Entity    wire.EntityID
	Bridge    *registry.Bridge // nil for OpDestroyEntity
	Ticket    registry.Ticket  // OpAttach and OpReplace only
	Timestamp wire.Timestamp
}

func (c Command) class() gate.Class {
	if c.Bridge == nil {
		return gate.ClassAlways
	}
	return c.Bridge.Class
}

func (c Command) staged() bool {
	return (c.Op == OpAttach || c.Op == OpReplace) && c.Ticket != 0
}

// Buffer is an append-only command list. Enqueue is safe for concurrent use;
// the world thread takes the whole list at once.
type Buffer struct {
	mu     sync.Mutex
	cmds   []Command
	closed bool
}

func NewBuffer() *Buffer {
	return &Buffer{cmds: make([]Command, 0, 64)}
}

func (b *Buffer) Enqueue(c Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.cmds = append(b.cmds, c)
	return nil
}

// drain moves every queued command onto dst.
func (b *Buffer) drain(dst []Command) []Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	dst = append(dst, b.cmds...)
	clear(b.cmds)
	b.cmds = b.cmds[:0]
	return dst
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cmds)
}

// Close rejects further enqueues and returns what was still queued.
func (b *Buffer) Close() []Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	out := b.cmds
	b.cmds = nil
	return out
}

func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
