// Package mtd is a block-erase storage layer: one read/write/erase/OOB/lock
// contract over flash backends whose erase blocks, program units, erase
// region layout and ECC support differ.
//
// A Device is built once from a static Info and a Backend:
//
//	dev, err := mtd.New(info, backend)
//	err = dev.Erase(ctx, mtd.NewEraseInfo(0, dev.EraseSize()))
//	n, err := dev.Write(ctx, 0, data)
//	n, err = dev.Read(ctx, 0, buf)
//
// Erase and write ranges are checked for bounds and alignment before any
// backend primitive runs; writes are split into the backend's native program
// units and verified by readback, and partial progress is always reported.
package mtd

import (
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Flags are device capability flags.
type Flags uint32

const (
	FlagWriteable    Flags = 0x400  // Device is writeable
	FlagBitWriteable Flags = 0x800  // Single bits can be flipped
	FlagNoErase      Flags = 0x1000 // No erase necessary
)

// BlankCheck selects how the program path treats target bytes that are not
// in the erased state.
type BlankCheck int

const (
	// BlankCheckAuto derives the policy from the device flags.
	BlankCheckAuto BlankCheck = iota
	// BlankCheckStrict requires every target byte to read ErasedByte.
	BlankCheckStrict
	// BlankCheckBits only rejects writes that need a 0->1 bit transition.
	BlankCheckBits
	// BlankCheckOff programs without looking at the target.
	BlankCheckOff
)

func (b BlankCheck) String() string {
	switch b {
	case BlankCheckAuto:
		return "auto"
	case BlankCheckStrict:
		return "strict"
	case BlankCheckBits:
		return "bits"
	case BlankCheckOff:
		return "off"
	}
	return fmt.Sprintf("BlankCheck(%d)", int(b))
}

// ParseBlankCheck parses the String form of a BlankCheck.
func ParseBlankCheck(s string) (BlankCheck, error) {
	switch s {
	case "", "auto":
		return BlankCheckAuto, nil
	case "strict":
		return BlankCheckStrict, nil
	case "bits":
		return BlankCheckBits, nil
	case "off":
		return BlankCheckOff, nil
	}
	return 0, fmt.Errorf("unknown blank check policy %q", s)
}

// Info is the static description of a device.
type Info struct {
	Name  string `yaml:"name"`
	Flags Flags  `yaml:"flags"`

	// Size is the total capacity in bytes.
	Size uint32 `yaml:"size"`
	// PhysOffset is the physical base address of the device. It is
	// informational; every address passed through this package is relative.
	PhysOffset uint32 `yaml:"phys_offset"`

	EraseSize    uint32 `yaml:"erase_size"`
	WriteSize    uint32 `yaml:"write_size"`
	WriteBufSize uint32 `yaml:"write_buf_size,omitempty"`
	// ProgramSize is the backend's native program unit. Zero means WriteSize.
	ProgramSize uint32 `yaml:"program_size"`

	OOBSize  uint32 `yaml:"oob_size,omitempty"`
	OOBAvail uint32 `yaml:"oob_avail,omitempty"`

	// BitflipThreshold is the per-read corrected bitflip count above which
	// data is considered unreliable. Zero means EccStrength.
	BitflipThreshold uint32 `yaml:"bitflip_threshold,omitempty"`
	EccStepSize      uint32 `yaml:"ecc_step_size,omitempty"`
	EccStrength      uint32 `yaml:"ecc_strength,omitempty"`
	BBTBlocks        uint32 `yaml:"bbt_blocks,omitempty"`

	// EraseRegions describes non-uniform devices. Empty for uniform ones.
	EraseRegions []EraseRegion `yaml:"erase_regions,omitempty"`
}

// Op names a dispatcher operation.
type Op string

const (
	OpErase    Op = "erase"
	OpRead     Op = "read"
	OpWrite    Op = "write"
	OpReadOOB  Op = "read_oob"
	OpWriteOOB Op = "write_oob"
	OpLock     Op = "lock"
	OpUnlock   Op = "unlock"
	OpIsLocked Op = "is_locked"
)

// Observer receives one call per completed dispatcher operation.
type Observer interface {
	ObserveOp(device string, op Op, n int, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveOp(string, Op, int, time.Duration, error) {}

const (
	maxReaders = 1 << 10

	defaultPollTimeout  = 5 * time.Second
	defaultPollInterval = 50 * time.Microsecond
)

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger. The device name is added as a field.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Device) { d.log = l }
}

// WithObserver registers an operation observer, such as the one in package
// metrics.
func WithObserver(o Observer) Option {
	return func(d *Device) { d.observer = o }
}

// WithPollTimeout bounds the wait for a StatusPoller backend to become ready.
func WithPollTimeout(t time.Duration) Option {
	return func(d *Device) { d.pollTimeout = t }
}

// WithPollInterval sets the delay between readiness polls.
func WithPollInterval(t time.Duration) Option {
	return func(d *Device) { d.pollInterval = t }
}

// WithNoWait makes operations fail with ErrBusy instead of waiting for the
// device exclusion lock.
func WithNoWait() Option {
	return func(d *Device) { d.noWait = true }
}

// WithBlankCheck overrides the pre-program blank check policy.
func WithBlankCheck(b BlankCheck) Option {
	return func(d *Device) { d.blankCheck = b }
}

// Device is a registered storage device. It is safe for concurrent use.
type Device struct {
	info    Info
	regions []EraseRegion

	programSize uint32
	minErase    uint32

	// Derived once from the sizes above; the shift is only valid when the
	// matching pow2 flag is set.
	eraseShift, eraseMask uint32
	writeShift, writeMask uint32
	erasePow2, writePow2  bool

	backend Backend
	oob     OOBBackend
	locker  Locker
	wp      WriteProtector
	poller  StatusPoller

	sem          *semaphore.Weighted
	readWeight   int64
	noWait       bool
	blankCheck   BlankCheck
	pollTimeout  time.Duration
	pollInterval time.Duration

	stats    *StatsTracker
	log      zerolog.Logger
	observer Observer
}

// New validates info and registers backend under it.
func New(info Info, backend Backend, opts ...Option) (*Device, error) {
	if backend == nil {
		return nil, errors.New("mtd: nil backend")
	}

	d := &Device{
		info:         info,
		backend:      backend,
		sem:          semaphore.NewWeighted(maxReaders),
		readWeight:   maxReaders,
		pollTimeout:  defaultPollTimeout,
		pollInterval: defaultPollInterval,
		log:          log.Logger,
		observer:     nopObserver{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With().Str("device", info.Name).Logger()

	if err := d.setGeometry(); err != nil {
		return nil, fmt.Errorf("mtd %q: %w", info.Name, err)
	}

	d.oob, _ = backend.(OOBBackend)
	d.locker, _ = backend.(Locker)
	d.wp, _ = backend.(WriteProtector)
	d.poller, _ = backend.(StatusPoller)
	if cr, ok := backend.(ConcurrentReader); ok && cr.ConcurrentReads() {
		d.readWeight = 1
	}

	if d.blankCheck == BlankCheckAuto {
		switch {
		case d.info.Flags&FlagNoErase != 0:
			d.blankCheck = BlankCheckOff
		case d.info.Flags&FlagBitWriteable != 0:
			d.blankCheck = BlankCheckBits
		default:
			d.blankCheck = BlankCheckStrict
		}
	}

	threshold := d.info.BitflipThreshold
	if threshold == 0 {
		threshold = d.info.EccStrength
	}
	d.info.BitflipThreshold = threshold
	d.stats = newStatsTracker(threshold, d.info.BBTBlocks)
	if bc, ok := backend.(BadBlockChecker); ok {
		d.scanBadBlocks(bc)
	}

	d.log.Info().
		Uint32("size", d.info.Size).
		Uint32("erase_size", d.info.EraseSize).
		Uint32("write_size", d.info.WriteSize).
		Uint32("program_size", d.programSize).
		Int("erase_regions", len(d.regions)).
		Bool("oob", d.oob != nil).
		Str("blank_check", d.blankCheck.String()).
		Msg("Registered flash device")

	return d, nil
}

func (d *Device) setGeometry() error {
	info := &d.info
	if info.Size == 0 {
		return errors.New("size must be positive")
	}

	if len(info.EraseRegions) > 0 {
		if err := validateRegions(info.EraseRegions, info.Size); err != nil {
			return err
		}
		d.regions = append([]EraseRegion(nil), info.EraseRegions...)
		info.EraseRegions = nil
		d.minErase = d.regions[0].EraseSize
		maxErase := uint32(0)
		for _, r := range d.regions {
			d.minErase = min(d.minErase, r.EraseSize)
			maxErase = max(maxErase, r.EraseSize)
		}
		if info.EraseSize == 0 {
			info.EraseSize = maxErase
		}
	} else {
		if info.EraseSize == 0 {
			return errors.New("erase size must be positive")
		}
		if info.Size%info.EraseSize != 0 {
			return fmt.Errorf("size %#x not a multiple of erase size %#x",
				info.Size, info.EraseSize)
		}
		d.minErase = info.EraseSize
	}

	if info.WriteSize == 0 {
		info.WriteSize = 1
	}
	if info.ProgramSize == 0 {
		info.ProgramSize = info.WriteSize
	}
	d.programSize = info.ProgramSize
	eraseSizes := []uint32{d.minErase}
	for _, r := range d.regions {
		eraseSizes = append(eraseSizes, r.EraseSize)
	}
	for _, es := range eraseSizes {
		if es%info.WriteSize != 0 {
			return fmt.Errorf("write size %d does not divide erase size %d",
				info.WriteSize, es)
		}
		if es%d.programSize != 0 {
			return fmt.Errorf("program size %d does not divide erase size %d",
				d.programSize, es)
		}
	}
	if info.OOBAvail > info.OOBSize {
		return fmt.Errorf("oob avail %d exceeds oob size %d", info.OOBAvail, info.OOBSize)
	}

	d.eraseShift, d.eraseMask, d.erasePow2 = shiftMask(info.EraseSize)
	d.writeShift, d.writeMask, d.writePow2 = shiftMask(info.WriteSize)
	return nil
}

func (d *Device) scanBadBlocks(bc BadBlockChecker) {
	for addr := uint64(0); addr < uint64(d.info.Size); {
		start, size := d.BlockAt(uint32(addr))
		if bc.IsBad(start) {
			d.stats.markBad(d.Resolve(start).EraseBlock)
		}
		addr = uint64(start) + uint64(size)
	}
	if n := d.stats.Totals().BadBlocks; n > 0 {
		d.log.Warn().Uint32("bad_blocks", n).Msg("Bad blocks found at registration")
	}
}

func shiftMask(size uint32) (shift, mask uint32, ok bool) {
	if bits.OnesCount32(size) != 1 {
		return 0, 0, false
	}
	return uint32(bits.TrailingZeros32(size)), size - 1, true
}

// Info returns the device description with derived defaults filled in.
func (d *Device) Info() Info {
	info := d.info
	info.EraseRegions = d.Regions()
	return info
}

func (d *Device) Name() string {
	return d.info.Name
}

func (d *Device) Size() uint32 {
	return d.info.Size
}

func (d *Device) Flags() Flags {
	return d.info.Flags
}

// EraseSize returns the uniform erase size, or the largest region erase size
// on non-uniform devices.
func (d *Device) EraseSize() uint32 {
	return d.info.EraseSize
}

func (d *Device) WriteSize() uint32 {
	return d.info.WriteSize
}

func (d *Device) ProgramSize() uint32 {
	return d.programSize
}

// Regions returns a copy of the erase region table.
func (d *Device) Regions() []EraseRegion {
	if len(d.regions) == 0 {
		return nil
	}
	return append([]EraseRegion(nil), d.regions...)
}

// EraseBlockCount returns the number of erase blocks on the device.
func (d *Device) EraseBlockCount() int {
	if len(d.regions) == 0 {
		return int(d.info.Size / d.info.EraseSize)
	}
	n := 0
	for _, r := range d.regions {
		n += int(r.NumBlocks)
	}
	return n
}

// Stats returns the device's ECC statistics tracker.
func (d *Device) Stats() *StatsTracker {
	return d.stats
}

// BlankCheck returns the effective pre-program blank check policy.
func (d *Device) BlankCheck() BlankCheck {
	return d.blankCheck
}
