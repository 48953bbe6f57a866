// Package gate throttles how often each priority class of buffered commands is flushed.
package gate

import (
	"fmt"
	"sync"
)

// Class is a priority class of component updates.
type Class uint8

const (
	// ClassAlways is flushed on every opportunity.
	ClassAlways Class = iota
	// ClassFrame is flushed at most once per render frame.
	ClassFrame
	// ClassThrottled is flushed at most once per configured window.
	ClassThrottled

	NumClasses
)

func (c Class) String() string {
	switch c {
	case ClassAlways:
		return "always"
	case ClassFrame:
		return "frame"
	case ClassThrottled:
		return "throttled"
	default:
		return fmt.Sprintf("Class(%d)", uint8(c))
	}
}

// ParseClass maps a config name to a Class.
func ParseClass(s string) (Class, error) {
	for c := ClassAlways; c < NumClasses; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown gate class %q", s)
}

// Windows holds the window length in ticks per class. Zero means always open.
type Windows [NumClasses]uint64

// DefaultWindows opens frame-class updates once per tick and throttled ones every 4 ticks.
func DefaultWindows() Windows {
	return Windows{ClassAlways: 0, ClassFrame: 1, ClassThrottled: 4}
}

type classState struct {
	opened      bool
	windowStart uint64
}

// Gate answers IsOpen for each class. IsOpen returns true at most once per
// window; the host loop moves time forward with Advance and may reopen every
// class early with Reset.
type Gate struct {
	mu      sync.Mutex
	windows Windows
	tick    uint64
	state   [NumClasses]classState
}

func New(w Windows) *Gate {
	return &Gate{windows: w}
}

// IsOpen consumes the current window of c if it is still unused.
func (g *Gate) IsOpen(c Class) bool {
	if c >= NumClasses {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.windows[c] == 0 {
		return true
	}
	st := &g.state[c]
	if st.opened {
		return false
	}
	st.opened = true
	return true
}

// Advance moves the gate one tick forward, starting a new window for every
// class whose window has elapsed.
func (g *Gate) Advance() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tick++
	for c := range g.state {
		w := g.windows[c]
		if w == 0 {
			continue
		}
		st := &g.state[c]
		if g.tick-st.windowStart >= w {
			st.windowStart = g.tick
			st.opened = false
		}
	}
}

// Reset starts a fresh window for every class at the current tick.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.state {
		g.state[c] = classState{windowStart: g.tick}
	}
}

// Tick returns the number of Advance calls so far.
func (g *Gate) Tick() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tick
}
