package system

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

// TickReport is the wall time one tick spent in each phase.
type TickReport struct {
	Total  time.Duration
	Phases [NumPhases]time.Duration
}

type RunnerOption func(*Runner)

// WithSlowTick logs a warning, with the per-phase breakdown, for every full
// tick that takes longer than limit.
func WithSlowTick(limit time.Duration, log *zap.Logger) RunnerOption {
	return func(r *Runner) {
		r.slow = limit
		r.log = log
	}
}

// Runner executes host systems in phase order. Systems of the same phase run
// in registration order.
type Runner struct {
	systems []System
	sorted  bool

	slow      time.Duration
	log       *zap.Logger
	last      TickReport
	slowTicks int
}

func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		systems: make([]System, 0, 16),
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	return r
}

func (r *Runner) Register(s System) {
	r.systems = append(r.systems, s)
	r.sorted = false
}

// Tick runs every system once.
func (r *Runner) Tick(dt time.Duration) {
	r.ensureSorted()
	var rep TickReport
	start := time.Now()
	mark := start
	for _, s := range r.systems {
		s.Update(dt)
		now := time.Now()
		if p := s.Phase(); p >= 0 && int(p) < NumPhases {
			rep.Phases[p] += now.Sub(mark)
		}
		mark = now
	}
	rep.Total = mark.Sub(start)
	r.last = rep

	if r.slow > 0 && rep.Total > r.slow {
		r.slowTicks++
		fields := make([]zap.Field, 0, NumPhases+1)
		fields = append(fields, zap.Duration("total", rep.Total))
		for p, d := range rep.Phases {
			if d > 0 {
				fields = append(fields, zap.Duration(Phase(p).String(), d))
			}
		}
		r.log.Warn("slow tick", fields...)
	}
}

// TickPhase runs only the systems of one phase. The host loop uses it to
// deliver results between full ticks when input polling is enabled. It does
// not update the tick report.
func (r *Runner) TickPhase(phase Phase, dt time.Duration) {
	r.ensureSorted()
	for _, s := range r.systems {
		if s.Phase() == phase {
			s.Update(dt)
		}
	}
}

// Last returns the report of the most recent full tick.
func (r *Runner) Last() TickReport { return r.last }

// SlowTicks counts the full ticks that exceeded the slow-tick limit.
func (r *Runner) SlowTicks() int { return r.slowTicks }

// Len returns the number of registered systems.
func (r *Runner) Len() int { return len(r.systems) }

func (r *Runner) ensureSorted() {
	if r.sorted {
		return
	}
	sort.SliceStable(r.systems, func(i, j int) bool {
		return r.systems[i].Phase() < r.systems[j].Phase()
	})
	r.sorted = true
}
