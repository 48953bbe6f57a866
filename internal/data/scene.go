package data

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SceneEntry declares one scene the host opens at boot.
type SceneEntry struct {
	Name        string `yaml:"name"`
	Script      string `yaml:"script"`
	Privileged  bool   `yaml:"privileged"`
	TickDivisor int    `yaml:"tick_divisor"` // run on_update every N host ticks

	// Anchors are entity ids created when the scene opens. They keep their
	// handle while they have no components.
	Anchors []uint32 `yaml:"anchors"`
}

type manifestFile struct {
	Scenes []SceneEntry `yaml:"scenes"`
}

// SceneTable holds the manifest entries in file order.
type SceneTable struct {
	scenes []*SceneEntry
	byName map[string]*SceneEntry
}

// LoadSceneTable loads a scene manifest. Relative script paths are resolved
// against the manifest directory.
func LoadSceneTable(path string) (*SceneTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scene manifest: %w", err)
	}
	t, err := ParseSceneTable(raw)
	if err != nil {
		return nil, fmt.Errorf("parse scene manifest %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for _, s := range t.scenes {
		if s.Script != "" && !filepath.IsAbs(s.Script) {
			s.Script = filepath.Join(dir, s.Script)
		}
	}
	return t, nil
}

// ParseSceneTable decodes and validates a manifest document.
func ParseSceneTable(raw []byte) (*SceneTable, error) {
	var f manifestFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	t := &SceneTable{byName: make(map[string]*SceneEntry, len(f.Scenes))}
	for i := range f.Scenes {
		e := &f.Scenes[i]
		if e.Name == "" {
			return nil, fmt.Errorf("scene %d: missing name", i)
		}
		if _, dup := t.byName[e.Name]; dup {
			return nil, fmt.Errorf("scene %q declared twice", e.Name)
		}
		if e.TickDivisor < 0 {
			return nil, fmt.Errorf("scene %q: negative tick_divisor", e.Name)
		}
		if e.TickDivisor == 0 {
			e.TickDivisor = 1
		}
		seen := make(map[uint32]struct{}, len(e.Anchors))
		for _, a := range e.Anchors {
			if _, dup := seen[a]; dup {
				return nil, fmt.Errorf("scene %q: anchor %d listed twice", e.Name, a)
			}
			seen[a] = struct{}{}
		}
		t.byName[e.Name] = e
		t.scenes = append(t.scenes, e)
	}
	return t, nil
}

// Get returns the scene named name, or nil.
func (t *SceneTable) Get(name string) *SceneEntry {
	return t.byName[name]
}

// All returns the entries in manifest order.
func (t *SceneTable) All() []*SceneEntry {
	return t.scenes
}

func (t *SceneTable) Count() int {
	return len(t.scenes)
}
