package mtd

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected fault")

// fakeBackend is an in-memory NOR-like backend. Programming ANDs bits in;
// erase sets bytes to ErasedByte.
type fakeBackend struct {
	mu  sync.Mutex
	mem []byte

	programs []uint32
	erases   []EraseInfo
	reads    int

	failProgramAt int // 1-based Program call that fails
	corruptAt     int // 1-based Program call that stores garbage
	eraseErr      error
	eraseFailAddr uint32
	shortFrom     int // 1-based Read call from which reads come up one byte short
}

func newFakeBackend(size int) *fakeBackend {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = ErasedByte
	}
	return &fakeBackend{mem: mem}
}

func (f *fakeBackend) Erase(instr *EraseInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.erases = append(f.erases, *instr)
	if f.eraseErr != nil {
		instr.FailAddr = f.eraseFailAddr
		return f.eraseErr
	}
	for i := instr.Addr; i < instr.Addr+instr.Len; i++ {
		f.mem[i] = ErasedByte
	}
	return nil
}

func (f *fakeBackend) Program(addr uint32, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.programs = append(f.programs, addr)
	if len(f.programs) == f.failProgramAt {
		return errInjected
	}
	for i, b := range p {
		if len(f.programs) == f.corruptAt {
			b = ^b
		}
		f.mem[int(addr)+i] &= b
	}
	return nil
}

func (f *fakeBackend) Read(addr uint32, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reads++
	n := copy(p, f.mem[addr:])
	if f.shortFrom > 0 && f.reads >= f.shortFrom {
		n--
	}
	return n, nil
}

func (f *fakeBackend) programCalls() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.programs...)
}

// wpBackend adds a write-protect latch; primitives fail while it is closed.
type wpBackend struct {
	*fakeBackend
	open       bool
	enableErr  error
	disableErr error
	enables    int
	disables   int
}

func (w *wpBackend) EnableWrites() error {
	if w.enableErr != nil {
		return w.enableErr
	}
	w.enables++
	w.open = true
	return nil
}

func (w *wpBackend) DisableWrites() error {
	w.disables++
	w.open = false
	return w.disableErr
}

func (w *wpBackend) Program(addr uint32, p []byte) error {
	if !w.open {
		return ErrWriteProtected
	}
	return w.fakeBackend.Program(addr, p)
}

func (w *wpBackend) Erase(instr *EraseInfo) error {
	if !w.open {
		return ErrWriteProtected
	}
	return w.fakeBackend.Erase(instr)
}

// pollBackend reports busy for busyPolls polls after each primitive.
type pollBackend struct {
	*fakeBackend
	busyPolls int
	remaining int
	polls     int
	hang      bool
}

func (p *pollBackend) Program(addr uint32, b []byte) error {
	p.remaining = p.busyPolls
	return p.fakeBackend.Program(addr, b)
}

func (p *pollBackend) Erase(instr *EraseInfo) error {
	p.remaining = p.busyPolls
	return p.fakeBackend.Erase(instr)
}

func (p *pollBackend) Busy() (bool, error) {
	p.polls++
	if p.hang {
		return true, nil
	}
	if p.remaining > 0 {
		p.remaining--
		return true, nil
	}
	return false, nil
}

// lockBackend tracks locked ranges per erase block of size blockSize.
type lockBackend struct {
	*fakeBackend
	blockSize uint32
	locked    map[uint32]bool
}

func (l *lockBackend) eachBlock(ofs uint32, length uint64, fn func(block uint32)) {
	for b := ofs / l.blockSize; uint64(b)*uint64(l.blockSize) < uint64(ofs)+length; b++ {
		fn(b)
	}
}

func (l *lockBackend) Lock(ofs uint32, length uint64) error {
	l.eachBlock(ofs, length, func(b uint32) { l.locked[b] = true })
	return nil
}

func (l *lockBackend) Unlock(ofs uint32, length uint64) error {
	l.eachBlock(ofs, length, func(b uint32) { delete(l.locked, b) })
	return nil
}

func (l *lockBackend) IsLocked(ofs uint32, length uint64) (bool, error) {
	locked := false
	l.eachBlock(ofs, length, func(b uint32) { locked = locked || l.locked[b] })
	return locked, nil
}

// gateBackend blocks Erase until release is closed.
type gateBackend struct {
	*fakeBackend
	started chan struct{}
	release chan struct{}
}

func (g *gateBackend) Erase(instr *EraseInfo) error {
	close(g.started)
	<-g.release
	return g.fakeBackend.Erase(instr)
}

type concurrentBackend struct {
	*fakeBackend
}

func (concurrentBackend) ConcurrentReads() bool { return true }

func uniformInfo() Info {
	return Info{
		Name:      "test",
		Flags:     FlagWriteable,
		Size:      64 * 1024,
		EraseSize: 4096,
		WriteSize: 4,
	}
}

func f429Info() Info {
	return Info{
		Name:      "stm32_flash",
		Flags:     FlagWriteable,
		Size:      1024 * 1024,
		EraseSize: 16 * 1024,
		WriteSize: 4,
		EraseRegions: []EraseRegion{
			{Offset: 0x00000, EraseSize: 16 * 1024, NumBlocks: 4},
			{Offset: 0x10000, EraseSize: 64 * 1024, NumBlocks: 1},
			{Offset: 0x20000, EraseSize: 128 * 1024, NumBlocks: 7},
		},
	}
}

func newTestDevice(t *testing.T, info Info, b Backend, opts ...Option) *Device {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	d, err := New(info, b, opts...)
	require.NoError(t, err)
	return d
}
