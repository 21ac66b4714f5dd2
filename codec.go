package simctl

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
)

const (
	DefaultMaxFrames    = 1 << 16
	DefaultMaxFrameSize = 256 << 20
)

// Limits bound what ReadMessage accepts from a peer.
type Limits struct {
	MaxFrames    int
	MaxFrameSize int
}

func (l Limits) withDefaults() Limits {
	if l.MaxFrames <= 0 {
		l.MaxFrames = DefaultMaxFrames
	}
	if l.MaxFrameSize <= 0 {
		l.MaxFrameSize = DefaultMaxFrameSize
	}
	return l
}

// WriteMessage writes parts using the stream framing: a uint32 little-endian
// part count, then each part as a uint32 little-endian length followed by its
// bytes. The whole message is written with a single Write.
func WriteMessage(w io.Writer, parts [][]byte) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := AppendMessage(buf, parts); err != nil {
		return err
	}
	_, err := w.Write(buf.B)
	return err
}

// AppendMessage encodes parts into buf using the stream framing.
func AppendMessage(buf *bytebufferpool.ByteBuffer, parts [][]byte) error {
	if uint64(len(parts)) > uint64(^uint32(0)) {
		return ErrTooManyFrames
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(parts)))
	buf.Write(hdr[:])
	for _, p := range parts {
		if uint64(len(p)) > uint64(^uint32(0)) {
			return ErrFrameTooLarge
		}
		binary.LittleEndian.PutUint32(hdr[:], uint32(len(p)))
		buf.Write(hdr[:])
		buf.Write(p)
	}
	return nil
}

// EncodeMessage returns the stream framing of parts as a fresh slice.
func EncodeMessage(parts [][]byte) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := AppendMessage(buf, parts); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.B)
	return out, nil
}

// ReadMessage reads one message written by WriteMessage.
func ReadMessage(r io.Reader, limits Limits) ([][]byte, error) {
	limits = limits.withDefaults()

	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if uint64(n) > uint64(limits.MaxFrames) {
		return nil, fmt.Errorf("%w: %d parts", ErrTooManyFrames, n)
	}

	parts := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, unexpectedEOF(err)
		}
		size := binary.LittleEndian.Uint32(hdr[:])
		if uint64(size) > uint64(limits.MaxFrameSize) {
			return nil, fmt.Errorf("%w: part %d is %d bytes", ErrFrameTooLarge, i, size)
		}
		p, err := readPart(r, int64(size))
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, nil
}

// partChunk is the largest part read into a buffer sized from its header
// alone. Longer parts grow as their bytes arrive.
const partChunk = 64 << 10

func readPart(r io.Reader, size int64) ([]byte, error) {
	if size <= partChunk {
		p := make([]byte, size)
		if _, err := io.ReadFull(r, p); err != nil {
			return nil, unexpectedEOF(err)
		}
		return p, nil
	}
	var b bytes.Buffer
	b.Grow(partChunk)
	n, err := io.CopyN(&b, r, size)
	if n < size {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return b.Bytes(), nil
}

// DecodeMessage parses a complete stream-framed message held in memory.
// Trailing bytes are rejected.
func DecodeMessage(data []byte, limits Limits) ([][]byte, error) {
	r := bytes.NewReader(data)
	parts, err := ReadMessage(r, limits)
	if err != nil {
		return nil, unexpectedEOF(err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after message", r.Len())
	}
	return parts, nil
}

// a message cut off mid-part is never a clean EOF
func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
