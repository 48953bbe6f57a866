package system

import (
	"strconv"
	"time"
)

// Phase defines execution ordering within a single tick.
type Phase int

const (
	PhaseInput      Phase = iota // 0: deliver host results to scene scripts
	PhasePreUpdate               // 1: dispatch last tick's events
	PhaseUpdate                  // 2: run scene scripts, ingest their output
	PhasePostUpdate              // 3: asset requests, render stats
	PhaseOutput                  // 4: flush command buffers into the world
	PhasePersist                 // 5: periodic state snapshots
	PhaseCleanup                 // 6: close queued scenes, advance gates

	NumPhases = int(PhaseCleanup) + 1
)

var phaseNames = [NumPhases]string{"input", "pre_update", "update", "post_update", "output", "persist", "cleanup"}

func (p Phase) String() string {
	if p < 0 || int(p) >= NumPhases {
		return "phase(" + strconv.Itoa(int(p)) + ")"
	}
	return phaseNames[p]
}

// System is the interface every host system implements.
type System interface {
	Phase() Phase
	Update(dt time.Duration)
}
