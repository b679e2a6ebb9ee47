package selftest

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akmistry/mtd"
	"github.com/akmistry/mtd/nandsim"
	"github.com/akmistry/mtd/norsim"
)

func norDevice(t *testing.T, family string) (*mtd.Device, *norsim.Flash) {
	t.Helper()
	fam, err := norsim.LookupFamily(family)
	require.NoError(t, err)
	flash, err := fam.NewFlash(mtd.NewMemReadWriterAt(int64(fam.Info.Size)))
	require.NoError(t, err)
	dev, err := mtd.New(fam.Info, flash, mtd.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	return dev, flash
}

func TestRunAllFamilies(t *testing.T) {
	for _, name := range norsim.FamilyNames() {
		t.Run(name, func(t *testing.T) {
			dev, _ := norDevice(t, name)
			assert.NoError(t, RunAll(context.Background(), dev, zerolog.Nop()))
		})
	}
}

func TestRunAllNAND(t *testing.T) {
	cfg := nandsim.DefaultConfig()
	f, err := nandsim.New(cfg, mtd.NewMemReadWriterAt(cfg.ImageSize()))
	require.NoError(t, err)
	dev, err := mtd.New(cfg.Info("nand0"), f, mtd.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	assert.Equal(t, 2048, testSize(dev))
	assert.NoError(t, RunAll(context.Background(), dev, zerolog.Nop()))
}

func TestBasicFailures(t *testing.T) {
	ctx := context.Background()

	dev, flash := norDevice(t, "stm32f4")
	flash.CorruptProgramAt(3)
	err := RunAll(ctx, dev, zerolog.Nop())
	assert.ErrorIs(t, err, mtd.ErrVerifyMismatch)
	assert.ErrorContains(t, err, "basic")

	dev, flash = norDevice(t, "stm32f4")
	flash.FailEraseAt(0)
	assert.Error(t, Basic(ctx, dev, zerolog.Nop()))
}
