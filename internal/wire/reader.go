package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
)

var (
	ErrTruncated       = errors.New("frame truncated")
	ErrInvalidKind     = errors.New("invalid frame kind")
	ErrPayloadTooLarge = errors.New("payload exceeds limit")
)

// FrameError records one dropped frame and where it started.
type FrameError struct {
	Offset int
	Err    error
}

func (e FrameError) Error() string {
	return fmt.Sprintf("frame at offset %d: %v", e.Offset, e.Err)
}

func (e FrameError) Unwrap() error { return e.Err }

// Decoder walks one byte chunk frame by frame. A bad frame is dropped and
// decoding resumes at the next frame boundary; it never aborts the chunk.
// A Decoder holds no state beyond the chunk it was created for.
type Decoder struct {
	data       []byte
	off        int
	maxPayload int
	faults     []FrameError
}

// NewDecoder creates a decoder over data. maxPayload <= 0 selects DefaultMaxPayload.
func NewDecoder(data []byte, maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{data: data, maxPayload: maxPayload}
}

// Next returns the next well-formed message. The second result is false once
// the chunk is exhausted.
func (d *Decoder) Next() (Message, bool) {
	for d.off < len(d.data) {
		start := d.off
		remaining := len(d.data) - start
		if remaining < HeaderSize {
			d.fault(start, fmt.Errorf("%w: %d header bytes", ErrTruncated, remaining))
			d.off = len(d.data)
			return Message{}, false
		}

		h := d.data[start : start+HeaderSize]
		payloadLen := binary.LittleEndian.Uint32(h[11:15])
		if uint64(payloadLen) > uint64(remaining-HeaderSize) {
			// The rest of the chunk belongs to this frame; there is no later boundary.
			d.fault(start, fmt.Errorf("%w: declared %d, have %d", ErrTruncated, payloadLen, remaining-HeaderSize))
			d.off = len(d.data)
			return Message{}, false
		}
		end := start + HeaderSize + int(payloadLen)
		d.off = end

		if int(payloadLen) > d.maxPayload {
			d.fault(start, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, payloadLen, d.maxPayload))
			continue
		}
		kind := Kind(h[6])
		if !kind.Valid() {
			d.fault(start, fmt.Errorf("%w: %d", ErrInvalidKind, h[6]))
			continue
		}

		m := Message{
			Entity:    EntityID(binary.LittleEndian.Uint32(h[0:4])),
			Component: ComponentID(binary.LittleEndian.Uint16(h[4:6])),
			Kind:      kind,
			Timestamp: Timestamp(binary.LittleEndian.Uint32(h[7:11])),
		}
		if payloadLen > 0 {
			m.Payload = d.data[start+HeaderSize : end]
		}
		return m, true
	}
	return Message{}, false
}

func (d *Decoder) fault(off int, err error) {
	d.faults = append(d.faults, FrameError{Offset: off, Err: err})
}

// Faults returns the frames dropped so far.
func (d *Decoder) Faults() []FrameError { return d.faults }

// Offset returns the byte position of the next frame.
func (d *Decoder) Offset() int { return d.off }

// All adapts the decoder to a range-over-func sequence.
func (d *Decoder) All() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			m, ok := d.Next()
			if !ok || !yield(m) {
				return
			}
		}
	}
}

// Decode lazily yields the well-formed messages in data with default limits.
// Each call starts from the beginning of data.
func Decode(data []byte) iter.Seq[Message] {
	return NewDecoder(data, 0).All()
}

// DecodeAll decodes the whole chunk eagerly.
func DecodeAll(data []byte, maxPayload int) ([]Message, []FrameError) {
	d := NewDecoder(data, maxPayload)
	var out []Message
	for m, ok := d.Next(); ok; m, ok = d.Next() {
		out = append(out, m)
	}
	return out, d.Faults()
}
