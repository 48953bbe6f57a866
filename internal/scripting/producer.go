package scripting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/l1jgo/scenebridge/internal/component"
	"github.com/l1jgo/scenebridge/internal/entity"
	"github.com/l1jgo/scenebridge/internal/wire"
)

// ErrTimestampOverflow is raised when a key's clock would pass the largest
// wire timestamp.
var ErrTimestampOverflow = errors.New("timestamp overflow")

// Globals removed from the base library before any scene code runs.
var unsafeGlobals = []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "collectgarbage"}

// Producer runs one scene script in its own sandboxed VM and turns its
// bridge.* calls into wire frames. Single-goroutine access only (world thread).
type Producer struct {
	vm    *lua.LState
	log   *zap.Logger
	scene string

	out    *wire.Writer
	clock  map[wire.Key]wire.Timestamp
	result *lua.LFunction

	components map[string]wire.ComponentID
	maxFrames  int
	frames     int
	timeout    time.Duration
}

type Option func(*Producer)

// WithComponents exposes the given ids as bridge.components.<name>.
func WithComponents(ids map[string]wire.ComponentID) Option {
	return func(p *Producer) { p.components = ids }
}

// WithMaxFrames bounds the frames a single call may emit. 0 means unlimited.
func WithMaxFrames(n int) Option { return func(p *Producer) { p.maxFrames = n } }

// WithCallTimeout bounds the wall time of every call into the script.
func WithCallTimeout(d time.Duration) Option { return func(p *Producer) { p.timeout = d } }

// NewProducer creates the VM for scene with only the base, table, string and
// math libraries available.
func NewProducer(scene string, log *zap.Logger, opts ...Option) (*Producer, error) {
	vm := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: 128,
		RegistrySize:  1024 * 16,
	})
	p := &Producer{
		vm:        vm,
		log:       log.With(zap.String("scene", scene)),
		scene:     scene,
		out:       wire.NewWriter(),
		clock:     make(map[wire.Key]wire.Timestamp),
		maxFrames: 4096,
		timeout:   50 * time.Millisecond,
	}
	for _, o := range opts {
		o(p)
	}

	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := vm.CallByParam(lua.P{Fn: vm.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			vm.Close()
			return nil, fmt.Errorf("open %s: %w", lib.name, err)
		}
	}
	for _, name := range unsafeGlobals {
		vm.SetGlobal(name, lua.LNil)
	}
	vm.SetGlobal("print", vm.NewFunction(p.luaPrint))
	vm.SetGlobal("bridge", p.bridgeModule())
	return p, nil
}

func (p *Producer) bridgeModule() *lua.LTable {
	mod := p.vm.SetFuncs(p.vm.NewTable(), map[string]lua.LGFunction{
		"put":           p.luaPut,
		"put_at":        p.luaPutAt,
		"append":        p.luaAppend,
		"delete":        p.luaDelete,
		"delete_entity": p.luaDeleteEntity,
		"timestamp":     p.luaTimestamp,
		"on_result":     p.luaOnResult,
		"log":           p.luaLog,
		"pack_f32":      luaPackF32,
		"pack_u32":      luaPackU32,
		"pack_u16":      luaPackU16,
		"pack_u8":       luaPackU8,
		"pack_str":      luaPackStr,
		"unpack_f32":    luaUnpackF32,
		"unpack_u32":    luaUnpackU32,
		"unpack_u16":    luaUnpackU16,
		"unpack_u8":     luaUnpackU8,
		"unpack_str":    luaUnpackStr,
	})
	mod.RawSetString("scene", lua.LString(p.scene))
	mod.RawSetString("ROOT", lua.LNumber(entity.RootEntity))
	mod.RawSetString("PLAYER", lua.LNumber(entity.PlayerEntity))
	mod.RawSetString("CAMERA", lua.LNumber(entity.CameraEntity))

	comps := p.vm.NewTable()
	for name, id := range p.components {
		comps.RawSetString(name, lua.LNumber(id))
	}
	mod.RawSetString("components", comps)
	return mod
}

// LoadFile runs a script file in the scene VM.
func (p *Producer) LoadFile(path string) error {
	fn, err := p.vm.LoadFile(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if err := p.call(fn); err != nil {
		return fmt.Errorf("run %s: %w", path, err)
	}
	p.log.Debug("loaded lua script", zap.String("file", path))
	return nil
}

// LoadString runs src in the scene VM under the chunk name name.
func (p *Producer) LoadString(name, src string) error {
	fn, err := p.vm.Load(strings.NewReader(src), name)
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	if err := p.call(fn); err != nil {
		return fmt.Errorf("run %s: %w", name, err)
	}
	return nil
}

// Update calls the script's on_update(dt) with dt in seconds. A script
// without on_update is a no-op.
func (p *Producer) Update(dt time.Duration) error {
	fn := p.vm.GetGlobal("on_update")
	if fn == lua.LNil {
		return nil
	}
	if err := p.call(fn, lua.LNumber(dt.Seconds())); err != nil {
		return fmt.Errorf("on_update: %w", err)
	}
	return nil
}

// Deliver passes host-written result frames to the callback registered with
// bridge.on_result and advances the local clocks past them. It returns the
// number of frames delivered.
func (p *Producer) Deliver(chunk []byte) (int, error) {
	var (
		n     int
		first error
	)
	dec := wire.NewDecoder(chunk, wire.DefaultMaxPayload)
	for m := range dec.All() {
		p.Observe(m.Key(), m.Timestamp)
		n++
		if p.result == nil {
			continue
		}
		err := p.call(p.result,
			lua.LNumber(m.Entity), lua.LNumber(m.Component), lua.LNumber(m.Timestamp),
			lua.LString(m.Payload), lua.LString(strings.ToLower(m.Kind.String())))
		if err != nil {
			p.log.Warn("lua on_result error", zap.Error(err))
			if first == nil {
				first = fmt.Errorf("on_result: %w", err)
			}
		}
	}
	for _, f := range dec.Faults() {
		if first == nil {
			first = f
		}
	}
	return n, first
}

// Take returns the frames emitted since the last Take as one chunk.
func (p *Producer) Take() []byte { return p.out.Take() }

// Pending returns the number of frames waiting for Take.
func (p *Producer) Pending() int { return p.out.Len() }

// Observe advances the clock of key to at least ts. Used after restoring
// stored state so new writes order after it.
func (p *Producer) Observe(key wire.Key, ts wire.Timestamp) {
	if ts > p.clock[key] {
		p.clock[key] = ts
	}
}

// Clock returns the last timestamp used or observed for key.
func (p *Producer) Clock(key wire.Key) wire.Timestamp { return p.clock[key] }

func (p *Producer) Close() {
	p.vm.Close()
}

func (p *Producer) call(fn lua.LValue, args ...lua.LValue) error {
	p.frames = 0
	if p.timeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		p.vm.SetContext(ctx)
		defer p.vm.RemoveContext()
	}
	return p.vm.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...)
}

// --- bridge.* ---

func (p *Producer) emit(L *lua.LState, m wire.Message) {
	if p.maxFrames > 0 && p.frames >= p.maxFrames {
		L.RaiseError("frame limit %d exceeded", p.maxFrames)
		return
	}
	p.frames++
	p.out.Write(m)
}

// tick returns the next timestamp for key.
func (p *Producer) tick(L *lua.LState, key wire.Key) wire.Timestamp {
	ts := p.clock[key]
	if ts == math.MaxUint32 {
		L.RaiseError("%v for %d/%d", ErrTimestampOverflow, key.Entity, key.Component)
		return 0
	}
	ts++
	p.clock[key] = ts
	return ts
}

func (p *Producer) luaPut(L *lua.LState) int {
	key := checkKey(L)
	data := L.CheckString(3)
	p.emit(L, wire.Put(key.Entity, key.Component, p.tick(L, key), []byte(data)))
	return 0
}

func (p *Producer) luaPutAt(L *lua.LState) int {
	key := checkKey(L)
	ts := wire.Timestamp(checkUint(L, 3, math.MaxUint32))
	data := L.CheckString(4)
	p.Observe(key, ts)
	p.emit(L, wire.Put(key.Entity, key.Component, ts, []byte(data)))
	return 0
}

func (p *Producer) luaAppend(L *lua.LState) int {
	key := checkKey(L)
	data := L.CheckString(3)
	p.emit(L, wire.Append(key.Entity, key.Component, p.tick(L, key), []byte(data)))
	return 0
}

func (p *Producer) luaDelete(L *lua.LState) int {
	key := checkKey(L)
	p.emit(L, wire.Delete(key.Entity, key.Component, p.tick(L, key)))
	return 0
}

func (p *Producer) luaDeleteEntity(L *lua.LState) int {
	ent := wire.EntityID(checkUint(L, 1, math.MaxUint32))
	p.emit(L, wire.DeleteEntity(ent))
	return 0
}

func (p *Producer) luaTimestamp(L *lua.LState) int {
	L.Push(lua.LNumber(p.clock[checkKey(L)]))
	return 1
}

func (p *Producer) luaOnResult(L *lua.LState) int {
	if L.Get(1) == lua.LNil {
		p.result = nil
		return 0
	}
	p.result = L.CheckFunction(1)
	return 0
}

func (p *Producer) luaLog(L *lua.LState) int {
	p.log.Info("lua", zap.String("msg", joinArgs(L)))
	return 0
}

func (p *Producer) luaPrint(L *lua.LState) int {
	p.log.Debug("lua print", zap.String("msg", joinArgs(L)))
	return 0
}

// --- payload packing ---

func luaPackF32(L *lua.LState) int {
	w := component.NewWriter(nil)
	for i := 1; i <= L.GetTop(); i++ {
		w.WriteF(float32(L.CheckNumber(i)))
	}
	L.Push(lua.LString(w.Bytes()))
	return 1
}

func luaPackU32(L *lua.LState) int {
	w := component.NewWriter(nil)
	for i := 1; i <= L.GetTop(); i++ {
		w.WriteD(uint32(checkUint(L, i, math.MaxUint32)))
	}
	L.Push(lua.LString(w.Bytes()))
	return 1
}

func luaPackU16(L *lua.LState) int {
	w := component.NewWriter(nil)
	for i := 1; i <= L.GetTop(); i++ {
		w.WriteH(uint16(checkUint(L, i, math.MaxUint16)))
	}
	L.Push(lua.LString(w.Bytes()))
	return 1
}

func luaPackU8(L *lua.LState) int {
	w := component.NewWriter(nil)
	for i := 1; i <= L.GetTop(); i++ {
		w.WriteC(byte(checkUint(L, i, math.MaxUint8)))
	}
	L.Push(lua.LString(w.Bytes()))
	return 1
}

func luaPackStr(L *lua.LState) int {
	w := component.NewWriter(nil)
	for i := 1; i <= L.GetTop(); i++ {
		w.WriteS(L.CheckString(i))
	}
	L.Push(lua.LString(w.Bytes()))
	return 1
}

// unpackAt returns a reader over data starting at the 1-based byte
// position in argument 2 (default 1).
func unpackAt(L *lua.LState) *component.Reader {
	data := L.CheckString(1)
	pos := int(checkUint(L, 2, float64(len(data)+1)))
	if L.Get(2) == lua.LNil {
		pos = 1
	}
	if pos < 1 {
		L.ArgError(2, "position starts at 1")
	}
	return component.NewReader([]byte(data[pos-1:]))
}

// unpacked pushes v and the position after it, or raises on a short read.
func unpacked(L *lua.LState, r *component.Reader, v lua.LValue, size int) int {
	if err := r.Err(); err != nil {
		L.RaiseError("unpack: %v", err)
		return 0
	}
	pos := 1
	if L.Get(2) != lua.LNil {
		pos = int(L.CheckNumber(2))
	}
	L.Push(v)
	L.Push(lua.LNumber(pos + size))
	return 2
}

func luaUnpackF32(L *lua.LState) int {
	r := unpackAt(L)
	v := r.ReadF()
	return unpacked(L, r, lua.LNumber(v), 4)
}

func luaUnpackU32(L *lua.LState) int {
	r := unpackAt(L)
	v := r.ReadD()
	return unpacked(L, r, lua.LNumber(v), 4)
}

func luaUnpackU16(L *lua.LState) int {
	r := unpackAt(L)
	v := r.ReadH()
	return unpacked(L, r, lua.LNumber(v), 2)
}

func luaUnpackU8(L *lua.LState) int {
	r := unpackAt(L)
	v := r.ReadC()
	return unpacked(L, r, lua.LNumber(v), 1)
}

func luaUnpackStr(L *lua.LState) int {
	r := unpackAt(L)
	v := r.ReadS()
	return unpacked(L, r, lua.LString(v), 2+len(v))
}

// --- argument helpers ---

// checkUint reads argument n as an integer in [0, max]. A missing argument
// reads as 0.
func checkUint(L *lua.LState, n int, max float64) float64 {
	if L.Get(n) == lua.LNil {
		return 0
	}
	v := float64(L.CheckNumber(n))
	if v < 0 || v > max || v != math.Trunc(v) {
		L.ArgError(n, fmt.Sprintf("want an integer in [0, %.0f]", max))
	}
	return v
}

func checkKey(L *lua.LState) wire.Key {
	L.CheckNumber(1)
	L.CheckNumber(2)
	return wire.Key{
		Entity:    wire.EntityID(checkUint(L, 1, math.MaxUint32)),
		Component: wire.ComponentID(checkUint(L, 2, math.MaxUint16)),
	}
}

func joinArgs(L *lua.LState) string {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	return strings.Join(parts, " ")
}
