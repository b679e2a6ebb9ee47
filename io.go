package mtd

import (
	"fmt"
	"io"
	"sync"
)

// ErasedByte is the value every byte of an erased NOR/NAND cell reads back as.
const ErasedByte = 0xFF

var (
	erasedBuf = newErasedBuf(65536)
)

func newErasedBuf(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = ErasedByte
	}
	return b
}

// ReadWriterAt is the backing store simulated backends are built on: a file
// image, a memory buffer or a window onto either.
type ReadWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

type offsetReadWriterAt struct {
	backing ReadWriterAt
	offset  int64
}

// NewOffsetReadWriterAt returns a view of backing shifted by offset bytes.
func NewOffsetReadWriterAt(backing ReadWriterAt, offset int64) ReadWriterAt {
	return &offsetReadWriterAt{
		backing: backing,
		offset:  offset,
	}
}

func (o *offsetReadWriterAt) ReadAt(p []byte, off int64) (int, error) {
	return o.backing.ReadAt(p, off+o.offset)
}

func (o *offsetReadWriterAt) WriteAt(p []byte, off int64) (int, error) {
	return o.backing.WriteAt(p, off+o.offset)
}

// Fill writes length erased bytes at off.
func Fill(w io.WriterAt, off, length int64) (int64, error) {
	n := int64(0)
	for length > 0 {
		writeLen := len(erasedBuf)
		if int64(writeLen) > length {
			writeLen = int(length)
		}

		written, err := w.WriteAt(erasedBuf[:writeLen], off+n)
		n += int64(written)
		length -= int64(written)
		if err != nil {
			return n, err
		}
	}

	return n, nil
}

// IsErased reports whether every byte of p holds the erased value.
func IsErased(p []byte) bool {
	for _, b := range p {
		if b != ErasedByte {
			return false
		}
	}
	return true
}

type memReadWriterAt struct {
	mu  sync.RWMutex
	buf []byte
}

// NewMemReadWriterAt returns a fixed-size in-memory store whose contents
// start out erased. Accesses past the end fail with io.EOF.
func NewMemReadWriterAt(size int64) ReadWriterAt {
	return &memReadWriterAt{buf: newErasedBuf(int(size))}
}

func (m *memReadWriterAt) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if off < 0 {
		return 0, fmt.Errorf("mem read at %d: negative offset", off)
	}
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memReadWriterAt) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 {
		return 0, fmt.Errorf("mem write at %d: negative offset", off)
	}
	if off >= int64(len(m.buf)) {
		return 0, io.ErrShortWrite
	}
	n := copy(m.buf[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}
