package system

import (
	"time"

	"go.uber.org/zap"

	"github.com/l1jgo/scenebridge/internal/core/event"
	coresys "github.com/l1jgo/scenebridge/internal/core/system"
)

// Fetcher starts loading an asset referenced by a live component.
type Fetcher func(url string)

// AssetSystem listens for attached components that reference external
// assets and requests each distinct url once. The url travels with the
// attach event, so a value replaced or detached before dispatch is still
// seen. Phase 3 (PostUpdate).
type AssetSystem struct {
	fetch Fetcher
	log   *zap.Logger

	pending   []string
	requested map[string]int // url -> references seen
}

func NewAssetSystem(bus *event.Bus, fetch Fetcher, log *zap.Logger) *AssetSystem {
	s := &AssetSystem{
		fetch:     fetch,
		log:       log,
		requested: make(map[string]int),
	}
	event.Subscribe(bus, s.onAttached)
	return s
}

func (s *AssetSystem) Phase() coresys.Phase { return coresys.PhasePostUpdate }

func (s *AssetSystem) onAttached(ev event.ComponentAttached) {
	if ev.Asset != "" {
		s.request(ev.Asset)
	}
}

func (s *AssetSystem) request(url string) {
	s.requested[url]++
	if s.requested[url] == 1 {
		s.pending = append(s.pending, url)
	}
}

func (s *AssetSystem) Update(_ time.Duration) {
	for _, url := range s.pending {
		s.log.Info("asset requested", zap.String("url", url))
		if s.fetch != nil {
			s.fetch(url)
		}
	}
	s.pending = s.pending[:0]
}

// Requested returns how many attaches referenced url.
func (s *AssetSystem) Requested(url string) int { return s.requested[url] }
