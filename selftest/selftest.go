// Package selftest runs destructive read/write checks against a device.
// The first erase block is erased and rewritten.
package selftest

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/akmistry/mtd"
)

const testDataSize = 256

var ErrFailed = errors.New("selftest failed")

// Test is one named check.
type Test struct {
	Name string
	Run  func(ctx context.Context, dev *mtd.Device, log zerolog.Logger) error
}

// Tests are the checks run by RunAll, in order.
var Tests = []Test{
	{"basic", Basic},
	{"boundary", Boundary},
}

// testSize is testDataSize rounded up to the device write size.
func testSize(dev *mtd.Device) int {
	ws := int(dev.WriteSize())
	return (testDataSize + ws - 1) / ws * ws
}

// Basic erases the first erase block, checks it reads erased, writes a
// pattern and reads it back.
func Basic(ctx context.Context, dev *mtd.Device, log zerolog.Logger) error {
	log.Info().
		Str("name", dev.Name()).
		Uint32("size", dev.Size()).
		Uint32("erase_size", dev.EraseSize()).
		Uint32("write_size", dev.WriteSize()).
		Msg("Flash information")

	size := testSize(dev)
	want := make([]byte, size)
	for i := range want {
		want[i] = byte(i)
	}

	start, blockSize := dev.BlockAt(0)
	if err := dev.Erase(ctx, mtd.NewEraseInfo(start, blockSize)); err != nil {
		return fmt.Errorf("erase: %w", err)
	}

	got := make([]byte, size)
	if _, err := dev.Read(ctx, 0, got); err != nil {
		return fmt.Errorf("read after erase: %w", err)
	}
	for i, b := range got {
		if b != mtd.ErasedByte {
			return fmt.Errorf("%w: erase verification at offset %d read %#02x", ErrFailed, i, b)
		}
	}

	n, err := dev.Write(ctx, 0, want)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if n != size {
		return fmt.Errorf("%w: write length %d, want %d", ErrFailed, n, size)
	}

	clear(got)
	n, err = dev.Read(ctx, 0, got)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if n != size {
		return fmt.Errorf("%w: read length %d, want %d", ErrFailed, n, size)
	}
	if !bytes.Equal(want, got) {
		return fmt.Errorf("%w: data mismatch, wrote % x..., read % x...", ErrFailed, want[:16], got[:16])
	}
	return nil
}

// Boundary checks that accesses at the end of the device are rejected.
func Boundary(ctx context.Context, dev *mtd.Device, log zerolog.Logger) error {
	buf := make([]byte, 16)

	_, err := dev.Write(ctx, dev.Size(), buf)
	if err == nil {
		return fmt.Errorf("%w: out-of-bounds write succeeded", ErrFailed)
	}
	log.Debug().Str("reason", mtd.Reason(err)).Msg("Out-of-bounds write rejected")

	_, err = dev.Read(ctx, dev.Size(), buf)
	if err == nil {
		return fmt.Errorf("%w: out-of-bounds read succeeded", ErrFailed)
	}
	log.Debug().Str("reason", mtd.Reason(err)).Msg("Out-of-bounds read rejected")
	return nil
}

// RunAll runs every test, stopping at the first failure.
func RunAll(ctx context.Context, dev *mtd.Device, log zerolog.Logger) error {
	for _, t := range Tests {
		l := log.With().Str("test", t.Name).Logger()
		l.Info().Msg("Test started")
		if err := t.Run(ctx, dev, l); err != nil {
			l.Error().Err(err).Msg("Test failed")
			return fmt.Errorf("%s: %w", t.Name, err)
		}
		l.Info().Msg("Test passed")
	}
	return nil
}
