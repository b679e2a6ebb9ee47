package mtd

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveNonUniform(t *testing.T) {
	d := newTestDevice(t, f429Info(), newFakeBackend(1024*1024))

	tests := []struct {
		addr uint32
		want Location
	}{
		{0x00000, Location{Region: 0, Block: 0, BlockOffset: 0, EraseBlock: 0}},
		{0x04000, Location{Region: 0, Block: 1, BlockOffset: 0, EraseBlock: 1}},
		{0x0FFFF, Location{Region: 0, Block: 3, BlockOffset: 0x3FFF, EraseBlock: 3}},
		{0x10000, Location{Region: 1, Block: 0, BlockOffset: 0, EraseBlock: 4}},
		{0x23000, Location{Region: 2, Block: 0, BlockOffset: 0x3000, EraseBlock: 5}},
		{0x43000, Location{Region: 2, Block: 1, BlockOffset: 0x3000, EraseBlock: 6}},
		{0xFFFFF, Location{Region: 2, Block: 6, BlockOffset: 0x1FFFF, EraseBlock: 11}},
	}
	for _, tc := range tests {
		got := d.Resolve(tc.addr)
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("Resolve(%#x) mismatch (-want +got):\n%s", tc.addr, diff)
		}
	}

	start, size := d.BlockAt(0x23000)
	assert.Equal(t, uint32(0x20000), start)
	assert.Equal(t, uint32(0x20000), size)
	assert.Equal(t, 12, d.EraseBlockCount())
}

func TestResolveUniform(t *testing.T) {
	d := newTestDevice(t, uniformInfo(), newFakeBackend(64*1024))
	assert.Equal(t, Location{Block: 5, BlockOffset: 0x123, EraseBlock: 5}, d.Resolve(0x5123))
	assert.Equal(t, 16, d.EraseBlockCount())

	info := Info{Name: "odd", Flags: FlagWriteable, Size: 30000, EraseSize: 3000, WriteSize: 1}
	d = newTestDevice(t, info, newFakeBackend(30000))
	assert.Equal(t, Location{Block: 2, BlockOffset: 1500, EraseBlock: 2}, d.Resolve(7500))
	start, size := d.BlockAt(7500)
	assert.Equal(t, uint32(6000), start)
	assert.Equal(t, uint32(3000), size)
}

func TestEraseSegments(t *testing.T) {
	d := newTestDevice(t, f429Info(), newFakeBackend(1024*1024))

	got := d.eraseSegments(0x0C000, 0x34000)
	want := []eraseSegment{
		{region: 0, addr: 0x0C000, len: 0x4000},
		{region: 1, addr: 0x10000, len: 0x10000},
		{region: 2, addr: 0x20000, len: 0x20000},
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(eraseSegment{})); diff != "" {
		t.Errorf("eraseSegments mismatch (-want +got):\n%s", diff)
	}
}

func TestNewValidation(t *testing.T) {
	b := newFakeBackend(1024 * 1024)

	tests := []struct {
		name   string
		mutate func(*Info)
	}{
		{"zero size", func(i *Info) { i.Size = 0 }},
		{"size not multiple of erase", func(i *Info) { i.Size = 4096*16 + 1 }},
		{"write size does not divide erase", func(i *Info) { i.WriteSize = 3 }},
		{"program size does not divide erase", func(i *Info) { i.ProgramSize = 12 }},
		{"oob avail exceeds oob size", func(i *Info) { i.OOBSize = 16; i.OOBAvail = 32 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			info := uniformInfo()
			tc.mutate(&info)
			_, err := New(info, b)
			assert.Error(t, err)
		})
	}

	t.Run("region gap", func(t *testing.T) {
		info := f429Info()
		info.EraseRegions[1].Offset = 0x14000
		_, err := New(info, b)
		assert.Error(t, err)
	})
	t.Run("regions short of size", func(t *testing.T) {
		info := f429Info()
		info.EraseRegions[2].NumBlocks = 6
		_, err := New(info, b)
		assert.Error(t, err)
	})
	t.Run("nil backend", func(t *testing.T) {
		_, err := New(uniformInfo(), nil)
		assert.Error(t, err)
	})
}

func TestInfoDefaults(t *testing.T) {
	info := f429Info()
	info.EraseSize = 0
	info.WriteSize = 0
	info.EccStrength = 4
	d := newTestDevice(t, info, newFakeBackend(1024*1024))

	got := d.Info()
	assert.Equal(t, uint32(128*1024), got.EraseSize)
	assert.Equal(t, uint32(1), got.WriteSize)
	assert.Equal(t, uint32(1), got.ProgramSize)
	assert.Equal(t, uint32(4), got.BitflipThreshold)
	require.Len(t, got.EraseRegions, 3)

	// The returned table is a copy.
	got.EraseRegions[0].NumBlocks = 99
	assert.Equal(t, uint32(4), d.Regions()[0].NumBlocks)
}
