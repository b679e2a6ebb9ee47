// Package mtdblock presents an mtd.Device as a block-addressed
// io.ReaderAt/io.WriterAt.
//
// Writes go through a single erase-block cache: the block is read in,
// modified, and written back with an erase and program cycle when another
// erase block is written, on Flush, or on Close. There is no remapping or
// wear levelling.
package mtdblock

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/akmistry/mtd"
)

var (
	errUnalignedOffset = errors.New("mtdblock: unaligned offset")
	errUnalignedLength = errors.New("mtdblock: unaligned length")
)

type Block struct {
	dev       *mtd.Device
	blockSize int64
	size      int64
	log       zerolog.Logger

	lock       sync.Mutex
	cache      []byte
	cacheStart uint32
	cacheSize  uint32
	cacheValid bool
	dirty      bool
}

// New returns a block view of dev in units of blockSize bytes. blockSize
// must be a power of 2 dividing every erase block.
func New(dev *mtd.Device, blockSize int64) (*Block, error) {
	if blockSize <= 0 || bits.OnesCount64(uint64(blockSize)) != 1 {
		return nil, fmt.Errorf("mtdblock: block size %d is not a power of 2", blockSize)
	}

	maxErase := dev.EraseSize()
	eraseSizes := []uint32{dev.EraseSize()}
	for _, r := range dev.Regions() {
		eraseSizes = append(eraseSizes, r.EraseSize)
		maxErase = max(maxErase, r.EraseSize)
	}
	for _, es := range eraseSizes {
		if int64(es)%blockSize != 0 {
			return nil, fmt.Errorf("mtdblock: erase size %d not a multiple of block size %d",
				es, blockSize)
		}
	}

	b := &Block{
		dev:       dev,
		blockSize: blockSize,
		size:      int64(dev.Size()),
		log:       log.With().Str("device", dev.Name()).Logger(),
		cache:     make([]byte, maxErase),
	}
	b.log.Debug().
		Int64("blocks", b.size/blockSize).
		Int("erase_blocks", dev.EraseBlockCount()).
		Msg("Block view created")
	return b, nil
}

func (b *Block) Size() int64 {
	return b.size
}

func (b *Block) BlockSize() int64 {
	return b.blockSize
}

func (b *Block) check(off int64, length int64) error {
	if off%b.blockSize != 0 {
		return errUnalignedOffset
	} else if length%b.blockSize != 0 {
		return errUnalignedLength
	}
	if off < 0 || off+length > b.size {
		return fmt.Errorf("mtdblock: [%d, +%d): %w", off, length, mtd.ErrOutOfRange)
	}
	return nil
}

// segment returns the erase block containing off and the number of bytes
// of a length-byte access at off that fall inside it.
func (b *Block) segment(off int64, length int) (start, size uint32, n int) {
	start, size = b.dev.BlockAt(uint32(off))
	n = min(length, int(int64(start)+int64(size)-off))
	return start, size, n
}

func (b *Block) ReadAt(p []byte, off int64) (int, error) {
	if err := b.check(off, int64(len(p))); err != nil {
		return 0, err
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	n := 0
	for len(p) > 0 {
		start, _, chunk := b.segment(off, len(p))
		if b.cacheValid && start == b.cacheStart {
			copy(p[:chunk], b.cache[off-int64(start):])
		} else if _, err := b.dev.Read(context.Background(), uint32(off), p[:chunk]); err != nil {
			return n, err
		}
		p = p[chunk:]
		n += chunk
		off += int64(chunk)
	}
	return n, nil
}

func (b *Block) WriteAt(p []byte, off int64) (int, error) {
	if err := b.check(off, int64(len(p))); err != nil {
		return 0, err
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	n := 0
	for len(p) > 0 {
		start, size, chunk := b.segment(off, len(p))
		if err := b.load(start, size); err != nil {
			return n, err
		}
		copy(b.cache[off-int64(start):], p[:chunk])
		b.dirty = true

		p = p[chunk:]
		n += chunk
		off += int64(chunk)
	}
	return n, nil
}

// load makes the erase block at start the cached block, writing back the
// previous one first.
func (b *Block) load(start, size uint32) error {
	if b.cacheValid && b.cacheStart == start {
		return nil
	}
	if err := b.flushLocked(); err != nil {
		return err
	}

	b.cacheValid = false
	if _, err := b.dev.Read(context.Background(), start, b.cache[:size]); err != nil {
		return fmt.Errorf("mtdblock: load erase block %#x: %w", start, err)
	}
	b.cacheStart, b.cacheSize = start, size
	b.cacheValid, b.dirty = true, false
	return nil
}

// Flush writes the cached erase block back to the device if it is dirty.
func (b *Block) Flush() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.flushLocked()
}

func (b *Block) flushLocked() error {
	if !b.cacheValid || !b.dirty {
		return nil
	}

	ctx := context.Background()
	if err := b.dev.Erase(ctx, mtd.NewEraseInfo(b.cacheStart, b.cacheSize)); err != nil {
		return fmt.Errorf("mtdblock: erase block %#x: %w", b.cacheStart, err)
	}

	// Erased write units need no programming.
	ws := int(b.dev.WriteSize())
	buf := b.cache[:b.cacheSize]
	programmed := 0
	for i := 0; i < len(buf); {
		if mtd.IsErased(buf[i : i+ws]) {
			i += ws
			continue
		}
		j := i + ws
		for j < len(buf) && !mtd.IsErased(buf[j:j+ws]) {
			j += ws
		}
		if _, err := b.dev.Write(ctx, b.cacheStart+uint32(i), buf[i:j]); err != nil {
			return fmt.Errorf("mtdblock: write back block %#x: %w", b.cacheStart, err)
		}
		programmed += j - i
		i = j
	}
	b.dirty = false

	b.log.Debug().
		Uint32("addr", b.cacheStart).
		Uint32("size", b.cacheSize).
		Int("programmed", programmed).
		Msg("Wrote back erase block")
	return nil
}

// Trim erases [off, off+length). Erase blocks only partly covered are
// updated through the cache.
func (b *Block) Trim(off int64, length uint32) error {
	if err := b.check(off, int64(length)); err != nil {
		return err
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	b.log.Debug().Int64("off", off).Uint32("len", length).Msg("Trim")

	left := int(length)
	for left > 0 {
		start, size, chunk := b.segment(off, left)
		if uint32(chunk) == size {
			if b.cacheValid && b.cacheStart == start {
				b.cacheValid, b.dirty = false, false
			}
			if err := b.dev.Erase(context.Background(), mtd.NewEraseInfo(start, size)); err != nil {
				return err
			}
		} else {
			if err := b.load(start, size); err != nil {
				return err
			}
			rel := off - int64(start)
			copy(b.cache[rel:rel+int64(chunk)], erasedFill(chunk))
			b.dirty = true
		}
		left -= chunk
		off += int64(chunk)
	}
	return nil
}

func erasedFill(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = mtd.ErasedByte
	}
	return p
}

// Close flushes the cache.
func (b *Block) Close() error {
	return b.Flush()
}
