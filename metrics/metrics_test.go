package metrics

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akmistry/mtd"
	"github.com/akmistry/mtd/nandsim"
	"github.com/akmistry/mtd/norsim"
)

func TestObserver(t *testing.T) {
	OperationsTotal.Reset()
	OperationDuration.Reset()
	OperationBytes.Reset()

	fam, err := norsim.LookupFamily("stm32f4")
	require.NoError(t, err)
	flash, err := fam.NewFlash(mtd.NewMemReadWriterAt(int64(fam.Info.Size)))
	require.NoError(t, err)
	dev, err := mtd.New(fam.Info, flash,
		mtd.WithLogger(zerolog.Nop()), mtd.WithObserver(Observer{}))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = dev.Write(ctx, 0, bytes.Repeat([]byte{0xA5}, 64))
	require.NoError(t, err)
	_, err = dev.Write(ctx, 0, make([]byte, 64))
	require.ErrorIs(t, err, mtd.ErrNotErased)
	_, err = dev.Read(ctx, dev.Size(), make([]byte, 4))
	require.ErrorIs(t, err, mtd.ErrOutOfRange)

	assert.Equal(t, float64(1), testutil.ToFloat64(OperationsTotal.WithLabelValues("stm32_flash", "write", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(OperationsTotal.WithLabelValues("stm32_flash", "write", "not_erased")))
	assert.Equal(t, float64(1), testutil.ToFloat64(OperationsTotal.WithLabelValues("stm32_flash", "read", "out_of_range")))
	assert.Equal(t, float64(64), testutil.ToFloat64(OperationBytes.WithLabelValues("stm32_flash", "write")))
	assert.Equal(t, 2, testutil.CollectAndCount(OperationDuration))
}

func TestECCCollector(t *testing.T) {
	cfg := nandsim.DefaultConfig()
	f, err := nandsim.New(cfg, mtd.NewMemReadWriterAt(cfg.ImageSize()))
	require.NoError(t, err)
	dev, err := mtd.New(cfg.Info("nand0"), f, mtd.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	ctx := context.Background()
	page := bytes.Repeat([]byte{0x42}, int(cfg.PageSize))
	_, err = dev.Write(ctx, 0, page)
	require.NoError(t, err)
	require.NoError(t, f.FlipBit(7, 2))
	_, err = dev.Read(ctx, 0, make([]byte, cfg.PageSize))
	require.NoError(t, err)

	c := NewECCCollector(dev)
	assert.Equal(t, 6, testutil.CollectAndCount(c))

	expected := `
# HELP mtd_ecc_corrected_bits_total Total bitflips corrected by ECC
# TYPE mtd_ecc_corrected_bits_total counter
mtd_ecc_corrected_bits_total{device="nand0"} 1
# HELP mtd_ecc_failed_total Total uncorrectable ECC errors
# TYPE mtd_ecc_failed_total counter
mtd_ecc_failed_total{device="nand0"} 0
# HELP mtd_last_read_reliable 1 if the most recent read stayed within the bitflip threshold
# TYPE mtd_last_read_reliable gauge
mtd_last_read_reliable{device="nand0"} 1
`
	err = testutil.CollectAndCompare(c, strings.NewReader(expected),
		"mtd_ecc_corrected_bits_total", "mtd_ecc_failed_total", "mtd_last_read_reliable")
	assert.NoError(t, err)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, mfs, 6)
}
