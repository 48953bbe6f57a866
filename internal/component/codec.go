package component

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrShortPayload is returned when a payload ends before every field was read.
var ErrShortPayload = errors.New("payload too short")

// ErrTrailingBytes is returned when a fixed-layout payload carries extra bytes.
var ErrTrailingBytes = errors.New("unexpected trailing bytes")

// Reader reads component fields from a payload. All multi-byte reads are
// little-endian. A read past the end yields the zero value and latches
// ErrShortPayload, so serializers read every field and check Err once.
type Reader struct {
	data []byte
	off  int
	err  error
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.data) {
		r.err = ErrShortPayload
		r.off = len(r.data)
		return false
	}
	return true
}

// ReadC reads 1 unsigned byte.
func (r *Reader) ReadC() byte {
	if !r.need(1) {
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

// ReadBool reads 1 byte; any non-zero value is true.
func (r *Reader) ReadBool() bool { return r.ReadC() != 0 }

// ReadH reads 2 bytes as little-endian uint16.
func (r *Reader) ReadH() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

// ReadD reads 4 bytes as little-endian uint32.
func (r *Reader) ReadD() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

// ReadF reads an IEEE-754 float32.
func (r *Reader) ReadF() float32 {
	return math.Float32frombits(r.ReadD())
}

// ReadS reads a uint16 length-prefixed UTF-8 string.
func (r *Reader) ReadS() string {
	n := int(r.ReadH())
	if !r.need(n) {
		return ""
	}
	s := string(r.data[r.off : r.off+n])
	r.off += n
	return s
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

// Err returns the first read error.
func (r *Reader) Err() error { return r.err }

// Done is Err for fixed layouts: leftover bytes are an error too.
func (r *Reader) Done() error {
	if r.err != nil {
		return r.err
	}
	if r.Remaining() != 0 {
		return ErrTrailingBytes
	}
	return nil
}

// Writer appends component fields to a byte slice, little-endian.
type Writer struct {
	buf []byte
}

// NewWriter writes after the existing contents of dst.
func NewWriter(dst []byte) *Writer {
	return &Writer{buf: dst}
}

// WriteC writes 1 byte.
func (w *Writer) WriteC(v byte) {
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteC(1)
		return
	}
	w.WriteC(0)
}

// WriteH writes 2 bytes little-endian.
func (w *Writer) WriteH(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

// WriteD writes 4 bytes little-endian.
func (w *Writer) WriteD(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteF(v float32) {
	w.WriteD(math.Float32bits(v))
}

// WriteS writes a uint16 length-prefixed string, truncated to 65535 bytes.
func (w *Writer) WriteS(s string) {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
	}
	w.WriteH(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Len() int {
	return len(w.buf)
}
