package system

import (
	"github.com/google/uuid"

	"github.com/l1jgo/scenebridge/internal/scene"
	"github.com/l1jgo/scenebridge/internal/scripting"
)

// SceneBinding pairs an open session with the script that produces its
// messages.
type SceneBinding struct {
	Session  *scene.Session
	Producer *scripting.Producer
	Divisor  int // run the script every Divisor ticks

	ticks      int
	scriptErrs int
}

// Scenes is the world-thread list of scripted scenes shared by the systems.
type Scenes struct {
	list []*SceneBinding
}

func NewScenes() *Scenes {
	return &Scenes{}
}

func (s *Scenes) Add(b *SceneBinding) {
	if b.Divisor < 1 {
		b.Divisor = 1
	}
	s.list = append(s.list, b)
}

// Remove unbinds the scene id and returns its binding. The producer is not
// closed.
func (s *Scenes) Remove(id uuid.UUID) (*SceneBinding, bool) {
	for i, b := range s.list {
		if b.Session.ID() == id {
			s.list = append(s.list[:i], s.list[i+1:]...)
			return b, true
		}
	}
	return nil, false
}

func (s *Scenes) Get(id uuid.UUID) (*SceneBinding, bool) {
	for _, b := range s.list {
		if b.Session.ID() == id {
			return b, true
		}
	}
	return nil, false
}

func (s *Scenes) Each(fn func(*SceneBinding)) {
	for _, b := range s.list {
		fn(b)
	}
}

func (s *Scenes) Len() int { return len(s.list) }
