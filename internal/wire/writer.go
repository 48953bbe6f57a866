package wire

import "encoding/binary"

// Encode returns the frame for m.
func Encode(m Message) []byte {
	return AppendEncode(make([]byte, 0, HeaderSize+len(m.Payload)), m)
}

// AppendEncode appends the frame for m to dst. All multi-byte fields are little-endian.
func AppendEncode(dst []byte, m Message) []byte {
	var h [HeaderSize]byte
	binary.LittleEndian.PutUint32(h[0:4], uint32(m.Entity))
	binary.LittleEndian.PutUint16(h[4:6], uint16(m.Component))
	h[6] = byte(m.Kind)
	binary.LittleEndian.PutUint32(h[7:11], uint32(m.Timestamp))
	binary.LittleEndian.PutUint32(h[11:15], uint32(len(m.Payload)))
	dst = append(dst, h[:]...)
	return append(dst, m.Payload...)
}

// Writer accumulates frames into one outbound chunk.
type Writer struct {
	buf []byte
	n   int
}

func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 256)}
}

func (w *Writer) Write(m Message) {
	w.buf = AppendEncode(w.buf, m)
	w.n++
}

// Len returns the number of frames written since the last Reset.
func (w *Writer) Len() int { return w.n }

// Bytes returns the accumulated chunk. The slice is valid until the next Write or Reset.
func (w *Writer) Bytes() []byte { return w.buf }

// Take returns a copy of the accumulated chunk and resets the writer.
func (w *Writer) Take() []byte {
	if len(w.buf) == 0 {
		return nil
	}
	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	w.Reset()
	return out
}

func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.n = 0
}
