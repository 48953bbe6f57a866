// Package capture records the raw chunks scenes ingest so a session can be
// replayed offline.
//
// A capture is a zstd stream starting with the magic "SBC1", followed by
// records: scene name length (u16 LE), scene name, chunk length (u32 LE),
// chunk bytes.
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const magic = "SBC1"

// MaxChunk bounds a single recorded chunk on read.
const MaxChunk = 64 << 20

var ErrBadMagic = errors.New("not a scene capture")

type Record struct {
	Scene string
	Chunk []byte
}

// Writer appends records to a compressed capture. Safe for concurrent use.
type Writer struct {
	path string

	mu     sync.Mutex
	f      io.Closer
	enc    *zstd.Encoder
	w      *bufio.Writer
	n      int
	closed bool
}

// NewWriter writes a capture to w. Close does not close w.
func NewWriter(w io.Writer) (*Writer, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	cw := &Writer{enc: enc, w: bufio.NewWriterSize(enc, 128*1024)}
	if _, err := cw.w.WriteString(magic); err != nil {
		_ = enc.Close()
		return nil, err
	}
	return cw, nil
}

// Create opens a new capture file under dir named prefix-<utc time>.capture.zst.
func Create(dir, prefix string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.capture.zst", prefix, time.Now().UTC().Format("2006-01-02-150405")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.f = f
	w.path = path
	return w, nil
}

func (w *Writer) Path() string { return w.path }

// Record appends one chunk. It matches scene.Recorder.
func (w *Writer) Record(scene string, chunk []byte) error {
	if len(scene) > math.MaxUint16 {
		return fmt.Errorf("capture: scene name too long")
	}
	if uint64(len(chunk)) > math.MaxUint32 {
		return fmt.Errorf("capture: chunk too large")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}

	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[:2], uint16(len(scene)))
	if _, err := w.w.Write(hdr[:2]); err != nil {
		return err
	}
	if _, err := w.w.WriteString(scene); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(chunk)))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(chunk); err != nil {
		return err
	}
	w.n++
	return w.w.Flush()
}

// Len returns the number of records written.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.w.Flush()
	if cerr := w.enc.Close(); err == nil {
		err = cerr
	}
	if w.f != nil {
		if cerr := w.f.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Reader reads records back in order.
type Reader struct {
	dec *zstd.Decoder
	r   *bufio.Reader
	f   io.Closer
}

func NewReader(r io.Reader) (*Reader, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReaderSize(dec, 128*1024)
	var m [len(magic)]byte
	if _, err := io.ReadFull(br, m[:]); err != nil || string(m[:]) != magic {
		dec.Close()
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		return nil, ErrBadMagic
	}
	return &Reader{dec: dec, r: br}, nil
}

func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.f = f
	return r, nil
}

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (Record, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r.r, hdr[:2]); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("capture: record header: %w", err)
	}
	name := make([]byte, binary.LittleEndian.Uint16(hdr[:2]))
	if _, err := io.ReadFull(r.r, name); err != nil {
		return Record{}, fmt.Errorf("capture: scene name: %w", unexpected(err))
	}
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return Record{}, fmt.Errorf("capture: chunk length: %w", unexpected(err))
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxChunk {
		return Record{}, fmt.Errorf("capture: chunk of %d bytes exceeds %d", n, MaxChunk)
	}
	chunk := make([]byte, n)
	if _, err := io.ReadFull(r.r, chunk); err != nil {
		return Record{}, fmt.Errorf("capture: chunk: %w", unexpected(err))
	}
	return Record{Scene: string(name), Chunk: chunk}, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func (r *Reader) Close() error {
	r.dec.Close()
	if r.f != nil {
		return r.f.Close()
	}
	return nil
}
