package data

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifest = `
scenes:
  - name: lobby
    script: scripts/lobby.lua
    privileged: true
    anchors: [600, 601]
  - name: gallery
    script: /opt/scenes/gallery.lua
    tick_divisor: 3
`

func TestParseSceneTable(t *testing.T) {
	tbl, err := ParseSceneTable([]byte(manifest))
	require.NoError(t, err)
	require.Equal(t, 2, tbl.Count())

	lobby := tbl.Get("lobby")
	require.NotNil(t, lobby)
	assert.True(t, lobby.Privileged)
	assert.Equal(t, 1, lobby.TickDivisor, "zero divisor defaults to every tick")
	assert.Equal(t, []uint32{600, 601}, lobby.Anchors)
	assert.Equal(t, 3, tbl.Get("gallery").TickDivisor)
	assert.Empty(t, tbl.Get("gallery").Anchors)
	assert.Nil(t, tbl.Get("missing"))
	assert.Equal(t, "lobby", tbl.All()[0].Name)
}

func TestParseSceneTableRejects(t *testing.T) {
	cases := map[string]string{
		"no name":   "scenes:\n  - script: a.lua\n",
		"duplicate": "scenes:\n  - name: a\n  - name: a\n",
		"divisor":   "scenes:\n  - name: a\n    tick_divisor: -1\n",
		"anchors":   "scenes:\n  - name: a\n    anchors: [600, 600]\n",
		"syntax":    "scenes: [",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSceneTable([]byte(src))
			assert.Error(t, err)
		})
	}
}

func TestLoadSceneTableResolvesScripts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scenes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))

	tbl, err := LoadSceneTable(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "scripts", "lobby.lua"), tbl.Get("lobby").Script)
	assert.Equal(t, "/opt/scenes/gallery.lua", tbl.Get("gallery").Script)

	_, err = LoadSceneTable(filepath.Join(dir, "nope.yaml"))
	assert.Error(t, err)
}
