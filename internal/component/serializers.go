package component

import (
	"fmt"
	"math"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/l1jgo/scenebridge/internal/wire"
)

// codec adapts a pair of field readers/writers to registry.Serializer.
// Fixed layouts must consume the whole payload.
type codec[T any] struct {
	read  func(r *Reader, dst *T) error
	write func(w *Writer, src *T)
}

func (c codec[T]) DeserializeInto(dst *T, payload []byte) error {
	r := NewReader(payload)
	if err := c.read(r, dst); err != nil {
		return err
	}
	return r.Done()
}

func (c codec[T]) Serialize(dst []byte, src *T) []byte {
	w := NewWriter(dst)
	c.write(w, src)
	return w.Bytes()
}

func readVec3(r *Reader) Vec3 { return Vec3{r.ReadF(), r.ReadF(), r.ReadF()} }

func writeVec3(w *Writer, v Vec3) {
	w.WriteF(v.X)
	w.WriteF(v.Y)
	w.WriteF(v.Z)
}

func readColor(r *Reader) Color4 { return Color4{r.ReadF(), r.ReadF(), r.ReadF(), r.ReadF()} }

func writeColor(w *Writer, c Color4) {
	w.WriteF(c.R)
	w.WriteF(c.G)
	w.WriteF(c.B)
	w.WriteF(c.A)
}

func finite(vs ...float32) bool {
	for _, v := range vs {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

// TransformCodec: position(3f) rotation(4f) scale(3f) parent(u32). 44 bytes.
var TransformCodec = codec[Transform]{
	read: func(r *Reader, t *Transform) error {
		t.Position = readVec3(r)
		t.Rotation = Quat{r.ReadF(), r.ReadF(), r.ReadF(), r.ReadF()}
		t.Scale = readVec3(r)
		t.Parent = wire.EntityID(r.ReadD())
		if r.Err() != nil {
			return r.Err()
		}
		p, q, s := t.Position, t.Rotation, t.Scale
		if !finite(p.X, p.Y, p.Z, q.X, q.Y, q.Z, q.W, s.X, s.Y, s.Z) {
			return fmt.Errorf("transform: non-finite value")
		}
		return nil
	},
	write: func(w *Writer, t *Transform) {
		writeVec3(w, t.Position)
		w.WriteF(t.Rotation.X)
		w.WriteF(t.Rotation.Y)
		w.WriteF(t.Rotation.Z)
		w.WriteF(t.Rotation.W)
		writeVec3(w, t.Scale)
		w.WriteD(uint32(t.Parent))
	},
}

// MeshRendererCodec: shape(u8) src(str).
var MeshRendererCodec = codec[MeshRenderer]{
	read: func(r *Reader, m *MeshRenderer) error {
		m.Shape = MeshShape(r.ReadC())
		m.Src = r.ReadS()
		switch {
		case r.Err() != nil:
			return r.Err()
		case m.Shape > MeshModel:
			return fmt.Errorf("mesh renderer: unknown shape %d", m.Shape)
		case m.Shape == MeshModel && m.Src == "":
			return fmt.Errorf("mesh renderer: model without src")
		}
		return nil
	},
	write: func(w *Writer, m *MeshRenderer) {
		w.WriteC(byte(m.Shape))
		w.WriteS(m.Src)
	},
}

// MaterialCodec: albedo(4f) texture(str) metallic(f) roughness(f).
var MaterialCodec = codec[Material]{
	read: func(r *Reader, m *Material) error {
		m.Albedo = readColor(r)
		m.TextureURL = r.ReadS()
		m.Metallic = r.ReadF()
		m.Roughness = r.ReadF()
		return r.Err()
	},
	write: func(w *Writer, m *Material) {
		writeColor(w, m.Albedo)
		w.WriteS(m.TextureURL)
		w.WriteF(m.Metallic)
		w.WriteF(m.Roughness)
	},
}

// TextShapeCodec: text(str) font_size(f) color(4f). Text is stored NFC normalised
// so equal strings from different producers compare equal.
var TextShapeCodec = codec[TextShape]{
	read: func(r *Reader, t *TextShape) error {
		text := r.ReadS()
		t.FontSize = r.ReadF()
		t.Color = readColor(r)
		if r.Err() != nil {
			return r.Err()
		}
		if !utf8.ValidString(text) {
			return fmt.Errorf("text shape: invalid utf-8")
		}
		t.Text = norm.NFC.String(text)
		return nil
	},
	write: func(w *Writer, t *TextShape) {
		w.WriteS(norm.NFC.String(t.Text))
		w.WriteF(t.FontSize)
		writeColor(w, t.Color)
	},
}

// PointerEventsCodec: count(u8) then count × {button(u8) kind(u8) hover(str) max_dist(f)}.
var PointerEventsCodec = codec[PointerEvents]{
	read: func(r *Reader, p *PointerEvents) error {
		n := int(r.ReadC())
		p.Events = p.Events[:0]
		for i := 0; i < n && r.Err() == nil; i++ {
			p.Events = append(p.Events, PointerEvent{
				Button:    PointerButton(r.ReadC()),
				Kind:      PointerEventKind(r.ReadC()),
				HoverText: r.ReadS(),
				MaxDist:   r.ReadF(),
			})
		}
		return r.Err()
	},
	write: func(w *Writer, p *PointerEvents) {
		n := min(len(p.Events), math.MaxUint8)
		w.WriteC(byte(n))
		for _, e := range p.Events[:n] {
			w.WriteC(byte(e.Button))
			w.WriteC(byte(e.Kind))
			w.WriteS(e.HoverText)
			w.WriteF(e.MaxDist)
		}
	},
}

// PointerHitSize is the encoded size of one PointerHit.
const PointerHitSize = 1 + 1 + 4 + 12

// EncodePointerHit encodes one append element of PointerEventsResult.
func EncodePointerHit(dst []byte, h PointerHit) []byte {
	w := NewWriter(dst)
	w.WriteC(byte(h.Button))
	w.WriteC(byte(h.Kind))
	w.WriteD(h.Tick)
	writeVec3(w, h.Point)
	return w.Bytes()
}

// PointerEventsResultCodec decodes the concatenated hits of the append set.
var PointerEventsResultCodec = codec[PointerEventsResult]{
	read: func(r *Reader, p *PointerEventsResult) error {
		p.Hits = p.Hits[:0]
		for r.Remaining() > 0 && r.Err() == nil {
			p.Hits = append(p.Hits, PointerHit{
				Button: PointerButton(r.ReadC()),
				Kind:   PointerEventKind(r.ReadC()),
				Tick:   r.ReadD(),
				Point:  readVec3(r),
			})
		}
		return r.Err()
	},
	write: func(w *Writer, p *PointerEventsResult) {
		for _, h := range p.Hits {
			w.buf = EncodePointerHit(w.buf, h)
		}
	},
}

var BillboardCodec = codec[Billboard]{
	read: func(r *Reader, b *Billboard) error {
		b.Mode = BillboardMode(r.ReadC())
		if r.Err() == nil && b.Mode > BillboardAll {
			return fmt.Errorf("billboard: unknown mode %d", b.Mode)
		}
		return r.Err()
	},
	write: func(w *Writer, b *Billboard) { w.WriteC(byte(b.Mode)) },
}

// AudioSourceCodec: clip(str) volume(f) pitch(f) loop(u8) playing(u8).
var AudioSourceCodec = codec[AudioSource]{
	read: func(r *Reader, a *AudioSource) error {
		a.Clip = r.ReadS()
		a.Volume = r.ReadF()
		a.Pitch = r.ReadF()
		a.Loop = r.ReadBool()
		a.Playing = r.ReadBool()
		if r.Err() != nil {
			return r.Err()
		}
		if !finite(a.Volume, a.Pitch) || a.Volume < 0 {
			return fmt.Errorf("audio source: bad volume %v", a.Volume)
		}
		return nil
	},
	write: func(w *Writer, a *AudioSource) {
		w.WriteS(a.Clip)
		w.WriteF(a.Volume)
		w.WriteF(a.Pitch)
		w.WriteBool(a.Loop)
		w.WriteBool(a.Playing)
	},
}

// TweenCodec: duration(f) start(3f) end(3f) easing(u8) playing(u8).
var TweenCodec = codec[Tween]{
	read: func(r *Reader, t *Tween) error {
		t.Duration = r.ReadF()
		t.Start = readVec3(r)
		t.End = readVec3(r)
		t.Easing = Easing(r.ReadC())
		t.Playing = r.ReadBool()
		switch {
		case r.Err() != nil:
			return r.Err()
		case !finite(t.Duration) || t.Duration < 0:
			return fmt.Errorf("tween: bad duration %v", t.Duration)
		case t.Easing > EaseInOutSine:
			return fmt.Errorf("tween: unknown easing %d", t.Easing)
		}
		return nil
	},
	write: func(w *Writer, t *Tween) {
		w.WriteF(t.Duration)
		writeVec3(w, t.Start)
		writeVec3(w, t.End)
		w.WriteC(byte(t.Easing))
		w.WriteBool(t.Playing)
	},
}

// EncodeLogLine encodes one append element of SceneLog.
func EncodeLogLine(dst []byte, line string) []byte {
	w := NewWriter(dst)
	w.WriteS(line)
	return w.Bytes()
}

// SceneLogCodec decodes the concatenated lines of the append set.
var SceneLogCodec = codec[SceneLog]{
	read: func(r *Reader, l *SceneLog) error {
		l.Lines = l.Lines[:0]
		for r.Remaining() > 0 && r.Err() == nil {
			l.Lines = append(l.Lines, r.ReadS())
		}
		return r.Err()
	},
	write: func(w *Writer, l *SceneLog) {
		for _, line := range l.Lines {
			w.WriteS(line)
		}
	},
}
