// Package norsim simulates a NOR flash bank as an mtd.Backend on top of a
// file image or memory buffer.
//
// Erase sets every byte of a block to 0xFF. Programming works in native
// units and can only clear bits. The bank has a global write-protect latch
// that must be opened before program or erase, per-sector write protection,
// a busy flag that stays set for a configurable number of polls after each
// primitive, and hooks for injecting program, erase and unlock failures.
package norsim

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/akmistry/mtd"
)

var (
	errUnlockFailed = errors.New("norsim: flash unlock failed")
	errProgramFault = errors.New("norsim: program operation failed")
	errEraseFault   = errors.New("norsim: erase operation failed")
)

// Config describes the simulated bank.
type Config struct {
	Size      uint32
	EraseSize uint32
	// Regions, when set, replaces EraseSize with a non-uniform layout.
	Regions     []mtd.EraseRegion
	ProgramSize uint32
	// StartSector is the hardware sector number of the first erase block.
	StartSector uint32
	// BusyPolls is how many Busy calls report true after each primitive.
	BusyPolls int
}

type block struct {
	start, size uint32
}

// Counters count primitive invocations.
type Counters struct {
	Programs int
	Erases   int
	Unlocks  int
	Relocks  int
}

// Flash is a simulated NOR bank.
type Flash struct {
	cfg     Config
	backing mtd.ReadWriterAt
	blocks  []block

	mu           sync.Mutex
	writeEnabled bool
	locked       []bool
	busy         int
	counters     Counters

	failProgramAt    int
	corruptProgramAt int
	failEraseAt      uint32
	failErase        bool
	failUnlock       bool
	hang             bool
}

// New returns a bank over backing, which must hold at least cfg.Size bytes.
// The backing is not erased.
func New(cfg Config, backing mtd.ReadWriterAt) (*Flash, error) {
	if cfg.ProgramSize == 0 {
		return nil, errors.New("norsim: program size must be positive")
	}

	var blocks []block
	if len(cfg.Regions) > 0 {
		for _, r := range cfg.Regions {
			for i := uint32(0); i < r.NumBlocks; i++ {
				blocks = append(blocks, block{start: r.Offset + i*r.EraseSize, size: r.EraseSize})
			}
		}
	} else {
		if cfg.EraseSize == 0 || cfg.Size%cfg.EraseSize != 0 {
			return nil, fmt.Errorf("norsim: size %#x not a multiple of erase size %#x",
				cfg.Size, cfg.EraseSize)
		}
		for off := uint32(0); off < cfg.Size; off += cfg.EraseSize {
			blocks = append(blocks, block{start: off, size: cfg.EraseSize})
		}
	}
	if len(blocks) == 0 {
		return nil, errors.New("norsim: no erase blocks")
	}
	for _, b := range blocks {
		if b.size%cfg.ProgramSize != 0 {
			return nil, fmt.Errorf("norsim: program size %d does not divide block size %#x",
				cfg.ProgramSize, b.size)
		}
	}
	last := blocks[len(blocks)-1]
	if uint64(last.start)+uint64(last.size) != uint64(cfg.Size) {
		return nil, fmt.Errorf("norsim: erase blocks end at %#x, size %#x",
			uint64(last.start)+uint64(last.size), cfg.Size)
	}

	return &Flash{
		cfg:     cfg,
		backing: backing,
		blocks:  blocks,
		locked:  make([]bool, len(blocks)),
	}, nil
}

// blockIndex returns the index of the erase block containing addr, or -1.
func (f *Flash) blockIndex(addr uint32) int {
	for i, b := range f.blocks {
		if addr >= b.start && addr-b.start < b.size {
			return i
		}
	}
	return -1
}

// Sector returns the hardware sector number of the block containing addr.
func (f *Flash) Sector(addr uint32) uint32 {
	return f.cfg.StartSector + uint32(f.blockIndex(addr))
}

func (f *Flash) Erase(instr *mtd.EraseInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.writeEnabled {
		return mtd.ErrWriteProtected
	}
	first := f.blockIndex(instr.Addr)
	if first < 0 || f.blocks[first].start != instr.Addr {
		return fmt.Errorf("norsim: erase at %#x not on a sector boundary", instr.Addr)
	}

	end := uint64(instr.Addr) + uint64(instr.Len)
	for i := first; i < len(f.blocks) && uint64(f.blocks[i].start) < end; i++ {
		b := f.blocks[i]
		sector := f.cfg.StartSector + uint32(i)
		if f.locked[i] {
			instr.FailAddr = b.start
			return fmt.Errorf("sector %d: %w", sector, mtd.ErrWriteProtected)
		}
		if f.failErase && f.failEraseAt == b.start {
			instr.FailAddr = b.start
			return fmt.Errorf("sector %d: %w", sector, errEraseFault)
		}
		if _, err := mtd.Fill(f.backing, int64(b.start), int64(b.size)); err != nil {
			instr.FailAddr = b.start
			return fmt.Errorf("sector %d: %w", sector, err)
		}
		f.counters.Erases++
	}
	f.busy = f.cfg.BusyPolls
	return nil
}

func (f *Flash) Program(addr uint32, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.writeEnabled {
		return mtd.ErrWriteProtected
	}
	unit := f.cfg.ProgramSize
	if uint32(len(p)) != unit || addr%unit != 0 {
		return fmt.Errorf("norsim: program of %d bytes at %#x, unit is %d", len(p), addr, unit)
	}
	i := f.blockIndex(addr)
	if i < 0 {
		return fmt.Errorf("norsim: program at %#x beyond device", addr)
	}
	if f.locked[i] {
		return fmt.Errorf("sector %d: %w", f.cfg.StartSector+uint32(i), mtd.ErrWriteProtected)
	}

	f.counters.Programs++
	if f.counters.Programs == f.failProgramAt {
		return errProgramFault
	}

	cell := make([]byte, unit)
	if err := f.readAt(cell, addr); err != nil {
		return err
	}
	for j := range cell {
		cell[j] &= p[j]
	}
	if f.counters.Programs == f.corruptProgramAt {
		for j := range cell {
			cell[j] = ^p[j]
		}
	}
	if _, err := f.backing.WriteAt(cell, int64(addr)); err != nil {
		return err
	}
	f.busy = f.cfg.BusyPolls
	return nil
}

func (f *Flash) Read(addr uint32, p []byte) (int, error) {
	if uint64(addr)+uint64(len(p)) > uint64(f.cfg.Size) {
		return 0, fmt.Errorf("norsim: read [%#x, +%d) beyond device", addr, len(p))
	}
	n, err := f.backing.ReadAt(p, int64(addr))
	if errors.Is(err, io.EOF) && n == len(p) {
		err = nil
	}
	return n, err
}

func (f *Flash) readAt(p []byte, addr uint32) error {
	n, err := f.backing.ReadAt(p, int64(addr))
	if errors.Is(err, io.EOF) && n == len(p) {
		err = nil
	}
	return err
}

// EnableWrites opens the bank write-protect latch.
func (f *Flash) EnableWrites() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failUnlock {
		return errUnlockFailed
	}
	f.writeEnabled = true
	f.counters.Unlocks++
	return nil
}

// DisableWrites closes the bank write-protect latch.
func (f *Flash) DisableWrites() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writeEnabled = false
	f.counters.Relocks++
	return nil
}

func (f *Flash) Busy() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.hang {
		return true, nil
	}
	if f.busy > 0 {
		f.busy--
		return true, nil
	}
	return false, nil
}

// eachBlock calls fn for every block overlapping [ofs, ofs+length).
func (f *Flash) eachBlock(ofs uint32, length uint64, fn func(i int)) {
	end := uint64(ofs) + length
	for i, b := range f.blocks {
		if uint64(b.start) < end && uint64(b.start)+uint64(b.size) > uint64(ofs) {
			fn(i)
		}
	}
}

func (f *Flash) Lock(ofs uint32, length uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eachBlock(ofs, length, func(i int) { f.locked[i] = true })
	return nil
}

func (f *Flash) Unlock(ofs uint32, length uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eachBlock(ofs, length, func(i int) { f.locked[i] = false })
	return nil
}

func (f *Flash) IsLocked(ofs uint32, length uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	locked := false
	f.eachBlock(ofs, length, func(i int) { locked = locked || f.locked[i] })
	return locked, nil
}

// FailProgramAt makes the nth Program call from now (1-based) fail without
// touching the cells. Zero disables it.
func (f *Flash) FailProgramAt(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failProgramAt = atCall(f.counters.Programs, n)
}

// CorruptProgramAt makes the nth Program call from now store the complement
// of its data while reporting success.
func (f *Flash) CorruptProgramAt(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corruptProgramAt = atCall(f.counters.Programs, n)
}

func atCall(done, n int) int {
	if n <= 0 {
		return 0
	}
	return done + n
}

// FailEraseAt makes erasing the sector starting at addr fail.
func (f *Flash) FailEraseAt(addr uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErase = true
	f.failEraseAt = addr
}

// FailUnlock makes EnableWrites fail while set.
func (f *Flash) FailUnlock(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failUnlock = fail
}

// Hang makes Busy report true forever while set.
func (f *Flash) Hang(hang bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hang = hang
}

// WriteEnabled reports whether the write-protect latch is open.
func (f *Flash) WriteEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeEnabled
}

func (f *Flash) Counters() Counters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters
}
