package mtd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paddedInfo() Info {
	info := uniformInfo()
	info.WriteSize = 2
	info.ProgramSize = 4
	return info
}

func TestProgramPadsPartialUnits(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend(64 * 1024)
	d := newTestDevice(t, paddedInfo(), b)

	n, err := d.Write(ctx, 2, []byte{0x11, 0x22})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint32{0}, b.programCalls())
	assert.Equal(t, []byte{0xFF, 0xFF, 0x11, 0x22}, b.mem[0:4])

	// Head and tail partial units around one full unit.
	n, err = d.Write(ctx, 6, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, []uint32{0, 4, 8, 12}, b.programCalls())
	assert.Equal(t, []byte{0xFF, 0xFF, 1, 2, 3, 4, 5, 6, 7, 8, 0xFF, 0xFF}, b.mem[4:16])

	// The padding left the neighbouring bytes writeable.
	n, err = d.Write(ctx, 4, []byte{0xAA, 0xBB})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{0xAA, 0xBB, 1, 2}, b.mem[4:8])
}

func TestProgramPartialFailure(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend(64 * 1024)
	b.failProgramAt = 3
	d := newTestDevice(t, uniformInfo(), b)

	data := []byte{
		1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5,
	}
	n, err := d.Write(ctx, 0x100, data)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, 8, n)
	assert.Len(t, b.programCalls(), 3)
	assert.Equal(t, data[:8], b.mem[0x100:0x108])
	assert.True(t, IsErased(b.mem[0x108:0x114]))
}

func TestProgramVerifyMismatch(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend(64 * 1024)
	b.corruptAt = 2
	d := newTestDevice(t, uniformInfo(), b)

	n, err := d.Write(ctx, 0, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11})
	assert.ErrorIs(t, err, ErrVerifyMismatch)
	assert.ErrorIs(t, err, ErrIO)
	assert.Equal(t, "verify_mismatch", Reason(err))
	assert.Equal(t, 4, n)
	assert.Len(t, b.programCalls(), 2)
}

func TestProgramShortReadback(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend(64 * 1024)
	// Reads: unit 0 readback, unit 1 readback.
	b.shortFrom = 2
	d := newTestDevice(t, uniformInfo(), b, WithBlankCheck(BlankCheckOff))

	n, err := d.Write(ctx, 0, make([]byte, 8))
	assert.ErrorIs(t, err, ErrIO)
	assert.Equal(t, 4, n)
}

func TestBlankCheckStrict(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend(64 * 1024)
	d := newTestDevice(t, uniformInfo(), b)
	require.Equal(t, BlankCheckStrict, d.BlankCheck())

	_, err := d.Write(ctx, 0, []byte{0x0F, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)

	// Programming a byte that has already been programmed is refused even
	// when only clearing bits.
	n, err := d.Write(ctx, 0, []byte{0x07, 0xFF, 0xFF, 0xFF})
	assert.ErrorIs(t, err, ErrNotErased)
	assert.Equal(t, 0, n)
	assert.Len(t, b.programCalls(), 1)
	assert.Equal(t, byte(0x0F), b.mem[0])
}

func TestBlankCheckBits(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend(64 * 1024)
	info := uniformInfo()
	info.Flags |= FlagBitWriteable
	d := newTestDevice(t, info, b)
	require.Equal(t, BlankCheckBits, d.BlankCheck())

	_, err := d.Write(ctx, 0, []byte{0x0F, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)
	_, err = d.Write(ctx, 0, []byte{0x07, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, byte(0x07), b.mem[0])

	// 0x07 -> 0x1F needs a 0->1 transition.
	_, err = d.Write(ctx, 0, []byte{0x1F, 0xFF, 0xFF, 0xFF})
	assert.ErrorIs(t, err, ErrNotErased)
	assert.Equal(t, "not_erased", Reason(err))
}

func TestBlankCheckOff(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend(64 * 1024)
	info := uniformInfo()
	info.Flags |= FlagNoErase
	d := newTestDevice(t, info, b)
	require.Equal(t, BlankCheckOff, d.BlankCheck())

	_, err := d.Write(ctx, 0, []byte{0x0F, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)

	// Without the blank check the failure surfaces at readback instead.
	_, err = d.Write(ctx, 0, []byte{0xF0, 0xFF, 0xFF, 0xFF})
	assert.ErrorIs(t, err, ErrVerifyMismatch)
}

func TestParseBlankCheck(t *testing.T) {
	for _, b := range []BlankCheck{BlankCheckAuto, BlankCheckStrict, BlankCheckBits, BlankCheckOff} {
		got, err := ParseBlankCheck(b.String())
		require.NoError(t, err)
		assert.Equal(t, b, got)
	}
	_, err := ParseBlankCheck("sometimes")
	assert.Error(t, err)
}

func TestProgramLargeUnit(t *testing.T) {
	ctx := context.Background()
	info := Info{Name: "big", Flags: FlagWriteable, Size: 0x40000, EraseSize: 0x20000, WriteSize: 0x20000}
	b := newFakeBackend(0x40000)
	d := newTestDevice(t, info, b)

	data := make([]byte, 0x20000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	n, err := d.Write(ctx, 0, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, []uint32{0}, b.programCalls())
	assert.Equal(t, data, b.mem[:0x20000])

	// A partial write pads a unit larger than the shared erased buffer.
	info.Name = "bigpad"
	info.WriteSize = 0x10000
	info.ProgramSize = 0x20000
	b = newFakeBackend(0x40000)
	d = newTestDevice(t, info, b)
	n, err = d.Write(ctx, 0x30000, data[:0x10000])
	require.NoError(t, err)
	assert.Equal(t, 0x10000, n)
	assert.Equal(t, []uint32{0x20000}, b.programCalls())
	assert.True(t, IsErased(b.mem[0x20000:0x30000]))
	assert.Equal(t, data[:0x10000], b.mem[0x30000:0x40000])
}
