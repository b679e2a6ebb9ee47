// Package nandsim simulates a small NAND device as an mtd.Backend: pages
// with an out-of-band area, per-step error correction, bad blocks and
// injectable bitflips.
//
// The image holds the main area of every page followed by the OOB areas of
// every page. Each OOB area is laid out as
//
//	[0:2]            bad block marker (0xFF on good blocks)
//	[2:2+avail]      free bytes, addressed by mtd.OpsAutoOOB
//	[oobsize-ecc:]   ECC bytes, one group per ECC step
//
// ECC is two Reed-Solomon parity shards over the data shards of a step. A
// read corrects a step when exactly one shard is damaged and at most
// EccStrength bits in it flipped; anything else is uncorrectable.
package nandsim

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"sync"

	"github.com/klauspost/reedsolomon"

	"github.com/akmistry/mtd"
)

const (
	markerBytes  = 2
	parityShards = 2
)

// Config describes the simulated device.
type Config struct {
	PageSize      uint32 `mapstructure:"page_size"`
	OOBSize       uint32 `mapstructure:"oob_size"`
	PagesPerBlock uint32 `mapstructure:"pages_per_block"`
	Blocks        uint32 `mapstructure:"blocks"`

	// EccStepSize is the number of main-area bytes covered by one ECC
	// group. Zero disables ECC.
	EccStepSize uint32 `mapstructure:"ecc_step_size"`
	// EccShards is the number of data shards per step.
	EccShards uint32 `mapstructure:"ecc_shards"`
	// EccStrength is the most bits corrected per step.
	EccStrength uint32 `mapstructure:"ecc_strength"`
}

// DefaultConfig is a 2 MiB device of 2 KiB pages, 128 KiB blocks and 128
// byte OOB areas, correcting 4 bits per 512 bytes.
func DefaultConfig() Config {
	return Config{
		PageSize:      2048,
		OOBSize:       128,
		PagesPerBlock: 64,
		Blocks:        16,
		EccStepSize:   512,
		EccShards:     64,
		EccStrength:   4,
	}
}

// Size is the main-area capacity in bytes.
func (c Config) Size() uint32 {
	return c.PageSize * c.PagesPerBlock * c.Blocks
}

func (c Config) BlockSize() uint32 {
	return c.PageSize * c.PagesPerBlock
}

func (c Config) pages() uint32 {
	return c.PagesPerBlock * c.Blocks
}

// ImageSize is the number of backing bytes the device needs.
func (c Config) ImageSize() int64 {
	return int64(c.Size()) + int64(c.pages())*int64(c.OOBSize)
}

func (c Config) shardSize() uint32 {
	if c.EccStepSize == 0 {
		return 0
	}
	return c.EccStepSize / c.EccShards
}

// eccBytes is the size of the ECC area of one page.
func (c Config) eccBytes() uint32 {
	if c.EccStepSize == 0 {
		return 0
	}
	return (c.PageSize / c.EccStepSize) * parityShards * c.shardSize()
}

// OOBAvail is the number of free OOB bytes per page.
func (c Config) OOBAvail() uint32 {
	return c.OOBSize - markerBytes - c.eccBytes()
}

func (c Config) validate() error {
	switch {
	case c.PageSize == 0 || c.PagesPerBlock == 0 || c.Blocks == 0:
		return errors.New("nandsim: page size, pages per block and blocks must be positive")
	case uint64(c.PageSize)*uint64(c.PagesPerBlock)*uint64(c.Blocks) > 1<<32-1:
		return errors.New("nandsim: device larger than 4 GiB")
	}
	if c.EccStepSize > 0 {
		if c.PageSize%c.EccStepSize != 0 {
			return fmt.Errorf("nandsim: ecc step %d does not divide page %d", c.EccStepSize, c.PageSize)
		}
		if c.EccShards == 0 || c.EccShards+parityShards > 256 || c.EccStepSize%c.EccShards != 0 {
			return fmt.Errorf("nandsim: %d ecc shards cannot split a %d byte step",
				c.EccShards, c.EccStepSize)
		}
	}
	if uint64(c.OOBSize) < uint64(markerBytes)+uint64(c.eccBytes()) {
		return fmt.Errorf("nandsim: oob size %d too small for %d ecc bytes", c.OOBSize, c.eccBytes())
	}
	return nil
}

// Info returns the mtd description of the device. The bitflip threshold is
// three quarters of the correction strength, rounded up.
func (c Config) Info(name string) mtd.Info {
	info := mtd.Info{
		Name:        name,
		Flags:       mtd.FlagWriteable,
		Size:        c.Size(),
		EraseSize:   c.BlockSize(),
		WriteSize:   c.PageSize,
		OOBSize:     c.OOBSize,
		OOBAvail:    c.OOBAvail(),
		EccStepSize: c.EccStepSize,
		EccStrength: c.EccStrength,
	}
	if c.EccStepSize > 0 {
		info.BitflipThreshold = (c.EccStrength*3 + 3) / 4
	}
	return info
}

// Counters count primitive invocations.
type Counters struct {
	Programs int
	Erases   int
	Reads    int
}

// Flash is a simulated NAND device.
type Flash struct {
	cfg  Config
	data mtd.ReadWriterAt
	oob  mtd.ReadWriterAt
	enc  reedsolomon.Encoder

	mu       sync.Mutex
	bad      []bool
	counters Counters
}

// New returns a device over backing, which must hold cfg.ImageSize bytes.
// Blocks whose marker is not 0xFF are bad.
func New(cfg Config, backing mtd.ReadWriterAt) (*Flash, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	f := &Flash{
		cfg:  cfg,
		data: backing,
		oob:  mtd.NewOffsetReadWriterAt(backing, int64(cfg.Size())),
		bad:  make([]bool, cfg.Blocks),
	}
	if cfg.EccStepSize > 0 {
		enc, err := reedsolomon.New(int(cfg.EccShards), parityShards)
		if err != nil {
			return nil, fmt.Errorf("nandsim: create ecc encoder: %w", err)
		}
		f.enc = enc
	}

	marker := make([]byte, markerBytes)
	for b := uint32(0); b < cfg.Blocks; b++ {
		if err := readFull(f.oob, marker, f.oobOffset(b*cfg.BlockSize())); err != nil {
			return nil, fmt.Errorf("nandsim: read block %d marker: %w", b, err)
		}
		f.bad[b] = !mtd.IsErased(marker)
	}
	return f, nil
}

func readFull(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if errors.Is(err, io.EOF) && n == len(p) {
		err = nil
	}
	return err
}

func (f *Flash) oobOffset(addr uint32) int64 {
	return int64(addr/f.cfg.PageSize) * int64(f.cfg.OOBSize)
}

func (f *Flash) block(addr uint32) uint32 {
	return addr / f.cfg.BlockSize()
}

// ConcurrentReads lets the dispatcher overlap reads.
func (f *Flash) ConcurrentReads() bool {
	return true
}

func (f *Flash) Erase(instr *mtd.EraseInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	bs := f.cfg.BlockSize()
	if instr.Addr%bs != 0 || instr.Len%bs != 0 {
		return fmt.Errorf("nandsim: erase [%#x, +%#x) not block aligned", instr.Addr, instr.Len)
	}
	for addr := instr.Addr; uint64(addr) < uint64(instr.Addr)+uint64(instr.Len); addr += bs {
		b := f.block(addr)
		if f.bad[b] {
			instr.FailAddr = addr
			return fmt.Errorf("block %d: %w", b, mtd.ErrBadBlock)
		}
		if _, err := mtd.Fill(f.data, int64(addr), int64(bs)); err != nil {
			instr.FailAddr = addr
			return err
		}
		oobLen := int64(f.cfg.PagesPerBlock) * int64(f.cfg.OOBSize)
		if _, err := mtd.Fill(f.oob, f.oobOffset(addr), oobLen); err != nil {
			instr.FailAddr = addr
			return err
		}
		f.counters.Erases++
	}
	return nil
}

func (f *Flash) Program(addr uint32, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.programPage(addr, p, true)
}

// programPage programs one page of main data and, when withECC is set, its
// ECC bytes. Programming only clears bits.
func (f *Flash) programPage(addr uint32, p []byte, withECC bool) error {
	ps := f.cfg.PageSize
	if uint32(len(p)) != ps || addr%ps != 0 {
		return fmt.Errorf("nandsim: program of %d bytes at %#x, page is %d", len(p), addr, ps)
	}
	if f.bad[f.block(addr)] {
		return fmt.Errorf("block %d: %w", f.block(addr), mtd.ErrBadBlock)
	}
	f.counters.Programs++

	if err := andInto(f.data, p, int64(addr)); err != nil {
		return err
	}
	if !withECC || f.enc == nil {
		return nil
	}
	ecc := make([]byte, f.cfg.eccBytes())
	if err := f.encodePage(p, ecc); err != nil {
		return err
	}
	return andInto(f.oob, ecc, f.oobOffset(addr)+int64(f.cfg.OOBSize-f.cfg.eccBytes()))
}

// andInto programs p at off: the stored bytes become stored & p.
func andInto(rw mtd.ReadWriterAt, p []byte, off int64) error {
	cur := make([]byte, len(p))
	if err := readFull(rw, cur, off); err != nil {
		return err
	}
	for i := range cur {
		cur[i] &= p[i]
	}
	_, err := rw.WriteAt(cur, off)
	return err
}

// stepShards splits one ECC step and its ECC group into encoder shards.
func (f *Flash) stepShards(data, ecc []byte) [][]byte {
	ss := int(f.cfg.shardSize())
	shards := make([][]byte, 0, int(f.cfg.EccShards)+parityShards)
	for off := 0; off < len(data); off += ss {
		shards = append(shards, data[off:off+ss])
	}
	for off := 0; off < len(ecc); off += ss {
		shards = append(shards, ecc[off:off+ss])
	}
	return shards
}

func (f *Flash) encodePage(page, ecc []byte) error {
	step := int(f.cfg.EccStepSize)
	group := parityShards * int(f.cfg.shardSize())
	for s := 0; s*step < len(page); s++ {
		shards := f.stepShards(page[s*step:(s+1)*step], ecc[s*group:(s+1)*group])
		if err := f.enc.Encode(shards); err != nil {
			return fmt.Errorf("nandsim: encode ecc: %w", err)
		}
	}
	return nil
}

// correctStep repairs data and ecc in place. It returns the number of bits
// corrected, or ok == false when the step cannot be corrected.
func (f *Flash) correctStep(data, ecc []byte) (flips uint32, ok bool) {
	if mtd.IsErased(data) && mtd.IsErased(ecc) {
		return 0, true
	}
	shards := f.stepShards(data, ecc)
	if good, err := f.enc.Verify(shards); err == nil && good {
		return 0, true
	}

	scratch := make([]byte, f.cfg.shardSize())
	work := make([][]byte, len(shards))
	for i := range shards {
		copy(work, shards)
		work[i] = scratch[:0]
		if err := f.enc.Reconstruct(work); err != nil {
			continue
		}
		if good, err := f.enc.Verify(work); err != nil || !good {
			continue
		}
		for j := range shards[i] {
			flips += uint32(bits.OnesCount8(shards[i][j] ^ work[i][j]))
		}
		if flips > f.cfg.EccStrength {
			return flips, false
		}
		copy(shards[i], work[i])
		return flips, true
	}
	return 0, false
}

// correctPage corrects every step of a page read and accumulates stats.
func (f *Flash) correctPage(page, oob []byte, stats *mtd.ReqStats) {
	if f.enc == nil {
		return
	}
	step := int(f.cfg.EccStepSize)
	group := parityShards * int(f.cfg.shardSize())
	ecc := oob[f.cfg.OOBSize-f.cfg.eccBytes():]
	for s := 0; s*step < len(page); s++ {
		flips, ok := f.correctStep(page[s*step:(s+1)*step], ecc[s*group:(s+1)*group])
		if !ok {
			stats.UncorrectableErrors++
			continue
		}
		stats.CorrectedBitflips += flips
		stats.MaxBitflips = max(stats.MaxBitflips, flips)
	}
}

// Read returns main-area bytes as stored, without correction.
func (f *Flash) Read(addr uint32, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if uint64(addr)+uint64(len(p)) > uint64(f.cfg.Size()) {
		return 0, fmt.Errorf("nandsim: read [%#x, +%d) beyond device", addr, len(p))
	}
	f.counters.Reads++
	if err := readFull(f.data, p, int64(addr)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// oobArea returns the part of a page's OOB bytes addressed in mode.
func (f *Flash) oobArea(oob []byte, mode mtd.OOBMode) []byte {
	if mode == mtd.OpsAutoOOB {
		return oob[markerBytes : markerBytes+f.cfg.OOBAvail()]
	}
	return oob
}

func (f *Flash) ReadOOB(from uint32, ops *mtd.OOBOps) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ps := f.cfg.PageSize
	var stats mtd.ReqStats
	page := make([]byte, ps)
	oob := make([]byte, f.cfg.OOBSize)

	pos := from
	for ops.RetLen < ops.Len {
		pageAddr := pos - pos%ps
		if err := f.readPage(pageAddr, page, oob); err != nil {
			return err
		}
		if ops.Mode != mtd.OpsRaw {
			f.correctPage(page, oob, &stats)
		}
		n := copy(ops.DatBuf[ops.RetLen:ops.Len], page[pos-pageAddr:])
		ops.RetLen += n
		pos += uint32(n)
	}

	if ops.OOBLen > 0 {
		if err := readFull(f.oob, oob, f.oobOffset(from)); err != nil {
			return err
		}
		area := f.oobArea(oob, ops.Mode)
		ops.OOBRetLen = copy(ops.OOBBuf[:ops.OOBLen], area[ops.OOBOffs:])
	}

	if ops.Stats != nil {
		*ops.Stats = stats
	}
	return nil
}

func (f *Flash) readPage(addr uint32, page, oob []byte) error {
	f.counters.Reads++
	if err := readFull(f.data, page, int64(addr)); err != nil {
		return err
	}
	return readFull(f.oob, oob, f.oobOffset(addr))
}

func (f *Flash) WriteOOB(to uint32, ops *mtd.OOBOps) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ps := int(f.cfg.PageSize)
	for ops.RetLen < ops.Len {
		addr := to + uint32(ops.RetLen)
		if err := f.programPage(addr, ops.DatBuf[ops.RetLen:ops.RetLen+ps], ops.Mode != mtd.OpsRaw); err != nil {
			return err
		}
		ops.RetLen += ps
	}

	if ops.OOBLen > 0 {
		if f.bad[f.block(to)] {
			return fmt.Errorf("block %d: %w", f.block(to), mtd.ErrBadBlock)
		}
		oob := make([]byte, f.cfg.OOBSize)
		base := f.oobOffset(to)
		if err := readFull(f.oob, oob, base); err != nil {
			return err
		}
		area := f.oobArea(oob, ops.Mode)
		dst := area[ops.OOBOffs : int(ops.OOBOffs)+ops.OOBLen]
		for i := range dst {
			dst[i] &= ops.OOBBuf[i]
		}
		if _, err := f.oob.WriteAt(oob, base); err != nil {
			return err
		}
		ops.OOBRetLen = ops.OOBLen
	}
	return nil
}

// MarkBad marks the block containing addr bad by clearing its marker.
func (f *Flash) MarkBad(addr uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	b := f.block(addr)
	if b >= f.cfg.Blocks {
		return fmt.Errorf("nandsim: block %d beyond device", b)
	}
	off := f.oobOffset(b * f.cfg.BlockSize())
	if _, err := f.oob.WriteAt(make([]byte, markerBytes), off); err != nil {
		return err
	}
	f.bad[b] = true
	return nil
}

// IsBad reports whether the block containing addr is bad.
func (f *Flash) IsBad(addr uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.block(addr)
	return b < f.cfg.Blocks && f.bad[b]
}

// FlipBit inverts one stored bit of the main area.
func (f *Flash) FlipBit(addr uint32, bit uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if addr >= f.cfg.Size() {
		return fmt.Errorf("nandsim: flip at %#x beyond device", addr)
	}
	return flip(f.data, int64(addr), bit)
}

// FlipOOBBit inverts one stored bit of the OOB area of the page containing
// addr, at byte offset off within the full area.
func (f *Flash) FlipOOBBit(addr, off uint32, bit uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if addr >= f.cfg.Size() || off >= f.cfg.OOBSize {
		return fmt.Errorf("nandsim: oob flip at %#x+%d beyond device", addr, off)
	}
	return flip(f.oob, f.oobOffset(addr)+int64(off), bit)
}

func flip(rw mtd.ReadWriterAt, off int64, bit uint) error {
	b := make([]byte, 1)
	if err := readFull(rw, b, off); err != nil {
		return err
	}
	b[0] ^= 1 << (bit % 8)
	_, err := rw.WriteAt(b, off)
	return err
}

func (f *Flash) Counters() Counters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters
}
