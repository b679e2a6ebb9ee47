package mtd

import (
	"context"
	"fmt"
	"time"
)

// OOBMode selects how OOB bytes are placed.
type OOBMode int

const (
	// OpsPlaceOOB places OOB data at OOBOffs within the full OOB area.
	OpsPlaceOOB OOBMode = iota
	// OpsAutoOOB places OOB data in the free bytes the driver leaves
	// outside its ECC layout; OOBOffs is relative to the free area.
	OpsAutoOOB
	// OpsRaw transfers main and OOB data as-is with no error correction.
	// OOB placement is as for OpsPlaceOOB.
	OpsRaw
)

func (m OOBMode) String() string {
	switch m {
	case OpsPlaceOOB:
		return "place"
	case OpsAutoOOB:
		return "auto"
	case OpsRaw:
		return "raw"
	}
	return fmt.Sprintf("OOBMode(%d)", int(m))
}

// OOBOps describes one transfer of main-area and OOB-area bytes. The OOB
// bytes belong to the write unit (page) containing the start address.
type OOBOps struct {
	Mode OOBMode

	Len    int // main-area bytes to transfer from/to DatBuf
	RetLen int // main-area bytes transferred

	OOBLen    int // OOB bytes to transfer from/to OOBBuf
	OOBRetLen int // OOB bytes transferred
	OOBOffs   uint32

	DatBuf []byte
	OOBBuf []byte

	// Stats receives the request's ECC statistics when non-nil.
	Stats *ReqStats
}

// OOBAvail returns the OOB bytes per page available to the caller in mode.
func (d *Device) OOBAvail(mode OOBMode) uint32 {
	if mode == OpsAutoOOB {
		return d.info.OOBAvail
	}
	return d.info.OOBSize
}

func (d *Device) eccReads() bool {
	return d.oob != nil && d.info.EccStepSize > 0
}

func (d *Device) checkOOB(addr uint32, ops *OOBOps) error {
	switch ops.Mode {
	case OpsPlaceOOB, OpsAutoOOB, OpsRaw:
	default:
		return fmt.Errorf("%w: unknown oob mode %d", ErrNotSupported, ops.Mode)
	}
	if ops.Len < 0 || ops.Len > len(ops.DatBuf) || ops.OOBLen < 0 || ops.OOBLen > len(ops.OOBBuf) {
		return fmt.Errorf("%w: oob request lengths exceed buffers", ErrOutOfRange)
	}
	if err := d.checkBounds(addr, uint64(ops.Len)); err != nil {
		return err
	}
	if ops.OOBLen == 0 {
		return nil
	}
	if addr >= d.info.Size {
		return fmt.Errorf("%w: oob access at %#x", ErrOutOfRange, addr)
	}
	avail := d.OOBAvail(ops.Mode)
	if uint64(ops.OOBOffs)+uint64(ops.OOBLen) > uint64(avail) {
		return fmt.Errorf("%w: oob [%d, +%d) exceeds %d available bytes in %v mode",
			ErrOutOfRange, ops.OOBOffs, ops.OOBLen, avail, ops.Mode)
	}
	return nil
}

// ReadOOB reads main and/or OOB bytes at from. ECC statistics of the
// request are recorded in the device's StatsTracker and copied to ops.Stats.
// An uncorrectable ECC error still fills the buffers and returns
// ErrUncorrectable.
func (d *Device) ReadOOB(ctx context.Context, from uint32, ops *OOBOps) (err error) {
	start := time.Now()
	defer func() { d.observe(OpReadOOB, from, ops.RetLen+ops.OOBRetLen, start, err) }()

	ops.RetLen, ops.OOBRetLen = 0, 0
	if d.oob == nil {
		return ErrNotSupported
	}
	if err := d.checkOOB(from, ops); err != nil {
		return err
	}
	if ops.Len == 0 && ops.OOBLen == 0 {
		return nil
	}
	return d.shared(ctx, func() error {
		return d.readOOB(from, ops)
	})
}

func (d *Device) readOOB(from uint32, ops *OOBOps) error {
	var req ReqStats
	caller := ops.Stats
	ops.Stats = &req
	err := d.oob.ReadOOB(from, ops)
	ops.Stats = caller
	if caller != nil {
		*caller = req
	}

	if ops.Mode != OpsRaw {
		d.stats.Observe(req)
	}
	if err != nil {
		return deviceError("read_oob", from, err)
	}
	if req.UncorrectableErrors > 0 {
		return fmt.Errorf("%w: %d ecc steps at %#x", ErrUncorrectable, req.UncorrectableErrors, from)
	}
	return nil
}

// WriteOOB writes main and/or OOB bytes at to. The main area follows the
// same alignment rules as Write.
func (d *Device) WriteOOB(ctx context.Context, to uint32, ops *OOBOps) (err error) {
	start := time.Now()
	defer func() { d.observe(OpWriteOOB, to, ops.RetLen+ops.OOBRetLen, start, err) }()

	ops.RetLen, ops.OOBRetLen = 0, 0
	if err := d.checkWriteable(); err != nil {
		return err
	}
	if d.oob == nil {
		return ErrNotSupported
	}
	if err := d.checkOOB(to, ops); err != nil {
		return err
	}
	if ops.Len > 0 {
		if err := d.checkWrite(to, ops.Len); err != nil {
			return err
		}
	}
	if ops.Len == 0 && ops.OOBLen == 0 {
		return nil
	}

	return d.modify(ctx, OpWriteOOB, func() error {
		if err := d.oob.WriteOOB(to, ops); err != nil {
			return deviceError("write_oob", to, err)
		}
		return d.waitReady(OpWriteOOB, to)
	})
}
