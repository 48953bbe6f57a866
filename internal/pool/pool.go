// Package pool recycles component instances so per-frame churn does not allocate.
package pool

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrDoubleRelease = errors.New("instance released twice")
	ErrNotTracked    = errors.New("instance not obtained from this pool")
)

// Stats is a point-in-time view of pool traffic.
type Stats struct {
	Gets     uint64
	Releases uint64
	Live     int
	Free     int
	Misuses  uint64
}

// Pool hands out *T instances and takes them back. Each pool has its own lock,
// so traffic on one component kind never contends with another.
//
// Every instance handed out by Get is tracked as live until Release. Releasing
// an untracked or already-released instance is misuse: in debug mode it panics,
// otherwise it is logged and ignored.
type Pool[T any] struct {
	name  string
	reset func(*T)
	debug bool
	log   *zap.Logger

	mu       sync.Mutex
	free     []*T
	live     map[*T]struct{}
	retired  map[*T]struct{}
	gets     uint64
	releases uint64
	misuses  uint64
}

type Option[T any] func(*Pool[T])

// WithReset installs a function that clears an instance before it is reused.
func WithReset[T any](fn func(*T)) Option[T] {
	return func(p *Pool[T]) { p.reset = fn }
}

// WithDebug makes misuse panic instead of being reported.
func WithDebug[T any](debug bool) Option[T] {
	return func(p *Pool[T]) { p.debug = debug }
}

// WithPrealloc fills the free list up front.
func WithPrealloc[T any](n int) Option[T] {
	return func(p *Pool[T]) {
		for i := 0; i < n; i++ {
			p.free = append(p.free, new(T))
		}
	}
}

func New[T any](name string, log *zap.Logger, opts ...Option[T]) *Pool[T] {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool[T]{
		name:    name,
		log:     log.With(zap.String("pool", name)),
		free:    make([]*T, 0, 16),
		live:    make(map[*T]struct{}, 16),
		retired: make(map[*T]struct{}, 16),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pool[T]) Name() string { return p.name }

// Get returns a cleared instance that is now tracked as live.
func (p *Pool[T]) Get() *T {
	p.mu.Lock()
	defer p.mu.Unlock()

	var v *T
	if n := len(p.free); n > 0 {
		v = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		delete(p.retired, v)
	} else {
		v = new(T)
	}
	p.live[v] = struct{}{}
	p.gets++
	return v
}

// Release returns v to the free list. The returned error is non-nil only on
// misuse, in which case the pool is left unchanged.
func (p *Pool[T]) Release(v *T) error {
	if v == nil {
		return p.misuse(ErrNotTracked)
	}
	p.mu.Lock()
	if _, ok := p.live[v]; !ok {
		_, twice := p.retired[v]
		p.mu.Unlock()
		if twice {
			return p.misuse(ErrDoubleRelease)
		}
		return p.misuse(ErrNotTracked)
	}
	delete(p.live, v)
	p.retired[v] = struct{}{}
	if p.reset != nil {
		p.reset(v)
	} else {
		var zero T
		*v = zero
	}
	p.free = append(p.free, v)
	p.releases++
	p.mu.Unlock()
	return nil
}

func (p *Pool[T]) misuse(err error) error {
	p.mu.Lock()
	p.misuses++
	p.mu.Unlock()
	err = fmt.Errorf("pool %s: %w", p.name, err)
	if p.debug {
		panic(err)
	}
	p.log.Warn("pool misuse ignored", zap.Error(err))
	return err
}

// IsLive reports whether v is currently handed out.
func (p *Pool[T]) IsLive(v *T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.live[v]
	return ok
}

func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Gets:     p.gets,
		Releases: p.releases,
		Live:     len(p.live),
		Free:     len(p.free),
		Misuses:  p.misuses,
	}
}
