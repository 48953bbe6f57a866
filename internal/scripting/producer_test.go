package scripting

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/l1jgo/scenebridge/internal/component"
	"github.com/l1jgo/scenebridge/internal/wire"
)

func newProducer(t *testing.T, opts ...Option) *Producer {
	t.Helper()
	p, err := NewProducer("test", zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func decode(t *testing.T, chunk []byte) []wire.Message {
	t.Helper()
	msgs, faults := wire.DecodeAll(chunk, 0)
	require.Empty(t, faults)
	return msgs
}

func TestProducer_LamportTimestamps(t *testing.T) {
	p := newProducer(t)
	require.NoError(t, p.LoadString("scene", `
		bridge.put(600, 3, "a")
		bridge.put(600, 3, "b")
		bridge.put(600, 5, "x")
		bridge.delete(600, 3)
	`))

	msgs := decode(t, p.Take())
	require.Len(t, msgs, 4)
	assert.Equal(t, wire.Put(600, 3, 1, []byte("a")), msgs[0])
	assert.Equal(t, wire.Put(600, 3, 2, []byte("b")), msgs[1])
	assert.Equal(t, wire.Put(600, 5, 1, []byte("x")), msgs[2], "clocks are per key")
	assert.Equal(t, wire.Delete(600, 3, 3), msgs[3])
	assert.Nil(t, p.Take())
}

func TestProducer_PutAtAndObserve(t *testing.T) {
	p := newProducer(t)
	p.Observe(wire.Key{Entity: 600, Component: 1}, 40)
	require.NoError(t, p.LoadString("scene", `
		bridge.put(600, 1, "after-restore")
		bridge.put_at(600, 2, 100, "pinned")
		bridge.put(600, 2, "next")
		ts_out = bridge.timestamp(600, 2)
	`))

	msgs := decode(t, p.Take())
	require.Len(t, msgs, 3)
	assert.Equal(t, wire.Timestamp(41), msgs[0].Timestamp)
	assert.Equal(t, wire.Timestamp(100), msgs[1].Timestamp)
	assert.Equal(t, wire.Timestamp(101), msgs[2].Timestamp)
	assert.Equal(t, "101", p.vm.GetGlobal("ts_out").String())
}

func TestProducer_AppendAndDeleteEntity(t *testing.T) {
	p := newProducer(t)
	require.NoError(t, p.LoadString("scene", `
		bridge.append(700, 10, bridge.pack_str("hello"))
		bridge.delete_entity(700)
	`))
	msgs := decode(t, p.Take())
	require.Len(t, msgs, 2)
	assert.Equal(t, wire.KindAppend, msgs[0].Kind)
	assert.Equal(t, []byte{5, 0, 'h', 'e', 'l', 'l', 'o'}, msgs[0].Payload)
	assert.Equal(t, wire.DeleteEntity(700), msgs[1])
}

func TestProducer_PackMatchesComponentCodec(t *testing.T) {
	p := newProducer(t, WithComponents(map[string]wire.ComponentID{"Transform": component.TransformID}))
	require.NoError(t, p.LoadString("scene", `
		local c = bridge.components.Transform
		bridge.put(600, c,
			bridge.pack_f32(1, 2, 3) ..
			bridge.pack_f32(0, 0, 0, 1) ..
			bridge.pack_f32(1, 1, 1) ..
			bridge.pack_u32(bridge.ROOT))
	`))
	msgs := decode(t, p.Take())
	require.Len(t, msgs, 1)
	assert.Equal(t, component.TransformID, msgs[0].Component)

	var tr component.Transform
	require.NoError(t, component.TransformCodec.DeserializeInto(&tr, msgs[0].Payload))
	assert.Equal(t, component.Vec3{X: 1, Y: 2, Z: 3}, tr.Position)
	assert.Equal(t, component.Quat{W: 1}, tr.Rotation)
	assert.Equal(t, wire.EntityID(0), tr.Parent)
}

func TestProducer_Unpack(t *testing.T) {
	p := newProducer(t)
	require.NoError(t, p.LoadString("scene", `
		local data = bridge.pack_u8(7) .. bridge.pack_u32(123456) .. bridge.pack_str("ok")
		a, pos = bridge.unpack_u8(data)
		b, pos = bridge.unpack_u32(data, pos)
		c, pos = bridge.unpack_str(data, pos)
		final = pos
	`))
	assert.Equal(t, "7", p.vm.GetGlobal("a").String())
	assert.Equal(t, "123456", p.vm.GetGlobal("b").String())
	assert.Equal(t, "ok", p.vm.GetGlobal("c").String())
	assert.Equal(t, "10", p.vm.GetGlobal("final").String())

	err := p.LoadString("short", `bridge.unpack_u32("ab")`)
	assert.Error(t, err)
}

func TestProducer_Update(t *testing.T) {
	p := newProducer(t)
	require.NoError(t, p.Update(time.Second), "no on_update is a no-op")

	require.NoError(t, p.LoadString("scene", `
		ticks = 0
		function on_update(dt)
			ticks = ticks + 1
			bridge.put(600, 4, tostring(dt))
		end
	`))
	require.NoError(t, p.Update(500*time.Millisecond))
	require.NoError(t, p.Update(500*time.Millisecond))
	msgs := decode(t, p.Take())
	require.Len(t, msgs, 2)
	assert.Equal(t, "0.5", string(msgs[0].Payload))
	assert.Equal(t, wire.Timestamp(2), msgs[1].Timestamp)
}

func TestProducer_Sandbox(t *testing.T) {
	p := newProducer(t)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "io", "os", "debug"} {
		assert.Equal(t, "nil", p.vm.GetGlobal(name).Type().String(), name)
	}
	assert.Error(t, p.LoadString("escape", `os.exit(1)`))
	assert.NoError(t, p.LoadString("allowed", `local x = string.format("%d", math.floor(2.5)) .. table.concat({"a"})`))
}

func TestProducer_ArgumentChecks(t *testing.T) {
	p := newProducer(t)
	cases := map[string]string{
		"negative entity": `bridge.put(-1, 1, "x")`,
		"fractional":      `bridge.put(1.5, 1, "x")`,
		"component range": `bridge.put(1, 70000, "x")`,
		"missing payload": `bridge.put(1, 1)`,
		"u8 range":        `bridge.pack_u8(256)`,
		"result not fn":   `bridge.on_result(5)`,
		"timestamp range": `bridge.put_at(1, 1, 4294967296, "x")`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, p.LoadString(name, src))
		})
	}
	assert.Zero(t, p.Pending())
}

func TestProducer_FrameLimit(t *testing.T) {
	p := newProducer(t, WithMaxFrames(3))
	err := p.LoadString("flood", `for i = 1, 10 do bridge.put(600, 1, "x") end`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame limit")
	assert.Equal(t, 3, p.Pending(), "frames before the limit are kept")
}

func TestProducer_CallTimeout(t *testing.T) {
	p := newProducer(t, WithCallTimeout(20*time.Millisecond))
	require.NoError(t, p.LoadString("scene", `function on_update(dt) while true do end end`))
	assert.Error(t, p.Update(time.Millisecond))
}

func TestProducer_TimestampOverflow(t *testing.T) {
	p := newProducer(t)
	p.Observe(wire.Key{Entity: 600, Component: 1}, 0xFFFFFFFF)
	err := p.LoadString("scene", `bridge.put(600, 1, "x")`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timestamp overflow")
}

func TestProducer_Deliver(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	p, err := NewProducer("test", zap.New(core))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.LoadString("scene", `
		seen = {}
		bridge.on_result(function(e, c, ts, data, kind)
			table.insert(seen, e .. ":" .. c .. ":" .. ts .. ":" .. kind .. ":" .. #data)
			if e == 666 then error("boom") end
		end)
	`))

	w := wire.NewWriter()
	w.Write(wire.Append(600, component.PointerEventsResultID, 3, make([]byte, component.PointerHitSize)))
	w.Write(wire.Append(666, component.PointerEventsResultID, 1, nil))
	w.Write(wire.Put(601, 4, 9, []byte("z")))
	n, err := p.Deliver(w.Take())
	assert.Equal(t, 3, n)
	require.Error(t, err)
	assert.Equal(t, 1, logs.FilterMessage("lua on_result error").Len())

	seen := p.vm.GetGlobal("seen")
	assert.Equal(t, "600:6:3:append:18", p.vm.GetTable(seen, lua.LNumber(1)).String())
	assert.Equal(t, "601:4:9:put:1", p.vm.GetTable(seen, lua.LNumber(3)).String())
	assert.Equal(t, wire.Timestamp(9), p.Clock(wire.Key{Entity: 601, Component: 4}))
}

func TestProducer_LoadFileAndPrint(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	p, err := NewProducer("test", zap.New(core))
	require.NoError(t, err)
	defer p.Close()

	path := filepath.Join(t.TempDir(), "scene.lua")
	require.NoError(t, os.WriteFile(path, []byte(`print("hi", 1) bridge.log("ready", bridge.scene)`), 0o644))
	require.NoError(t, p.LoadFile(path))

	assert.Equal(t, "hi 1", logs.FilterMessage("lua print").All()[0].ContextMap()["msg"])
	assert.Equal(t, "ready test", logs.FilterMessage("lua").All()[0].ContextMap()["msg"])
	assert.Error(t, p.LoadFile(filepath.Join(t.TempDir(), "missing.lua")))
}

func TestProducer_SampleLobbyScript(t *testing.T) {
	p := newProducer(t, WithComponents(map[string]wire.ComponentID{
		"Transform":           component.TransformID,
		"MeshRenderer":        component.MeshRendererID,
		"PointerEvents":       component.PointerEventsID,
		"PointerEventsResult": component.PointerEventsResultID,
		"SceneLog":            component.SceneLogID,
	}))
	require.NoError(t, p.LoadFile(filepath.Join("..", "..", "config", "scripts", "lobby.lua")))
	require.NoError(t, p.Update(50*time.Millisecond))

	msgs := decode(t, p.Take())
	require.Len(t, msgs, 4)
	var tr component.Transform
	require.NoError(t, component.TransformCodec.DeserializeInto(&tr, msgs[0].Payload))
	assert.Equal(t, component.Vec3{X: 4, Z: 8}, tr.Position)
	var mesh component.MeshRenderer
	require.NoError(t, component.MeshRendererCodec.DeserializeInto(&mesh, msgs[1].Payload))
	assert.Equal(t, component.MeshRenderer{Shape: component.MeshModel, Src: "models/door.glb"}, mesh)
	var ptr component.PointerEvents
	require.NoError(t, component.PointerEventsCodec.DeserializeInto(&ptr, msgs[2].Payload))
	require.Len(t, ptr.Events, 1)
	assert.Equal(t, "Open", ptr.Events[0].HoverText)
	assert.Equal(t, wire.KindAppend, msgs[3].Kind)

	require.NoError(t, p.Update(50*time.Millisecond))
	assert.Zero(t, p.Pending(), "setup runs once")

	hit := component.EncodePointerHit(nil, component.PointerHit{Kind: component.PointerDown})
	n, err := p.Deliver(wire.Encode(wire.Append(600, component.PointerEventsResultID, 1, hit)))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs = decode(t, p.Take())
	require.Len(t, msgs, 2)
	assert.Equal(t, wire.Timestamp(2), msgs[0].Timestamp)
	require.NoError(t, component.TransformCodec.DeserializeInto(&tr, msgs[0].Payload))
	assert.InDelta(t, 0.7071, tr.Rotation.Y, 1e-4)
	var line component.SceneLog
	require.NoError(t, component.SceneLogCodec.DeserializeInto(&line, msgs[1].Payload))
	assert.Equal(t, []string{"door clicked 1 times"}, line.Lines)
}
