package mtd

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Erase erases [instr.Addr, instr.Addr+instr.Len). Both ends must lie on
// erase block boundaries; a range may span regions of different block sizes,
// in which case the backend is called once per region. instr.FailAddr is
// reset to FailAddrUnknown and, on failure, receives the first unerased
// address if the backend reported one.
func (d *Device) Erase(ctx context.Context, instr *EraseInfo) (err error) {
	start := time.Now()
	erased := 0
	defer func() { d.observe(OpErase, instr.Addr, erased, start, err) }()

	instr.FailAddr = FailAddrUnknown
	if err := d.checkWriteable(); err != nil {
		return err
	}
	if err := d.checkErase(instr.Addr, instr.Len); err != nil {
		return err
	}
	if instr.Len == 0 {
		return nil
	}

	return d.modify(ctx, OpErase, func() error {
		for _, seg := range d.eraseSegments(instr.Addr, instr.Len) {
			sub := NewEraseInfo(seg.addr, seg.len)
			if err := d.backend.Erase(sub); err != nil {
				if sub.FailAddr != FailAddrUnknown {
					instr.FailAddr = sub.FailAddr
				}
				if errors.Is(err, ErrBadBlock) {
					bad := seg.addr
					if sub.FailAddr != FailAddrUnknown {
						bad = sub.FailAddr
					}
					d.stats.markBad(d.Resolve(bad).EraseBlock)
				}
				return deviceError("erase", seg.addr, err)
			}
			if err := d.waitReady(OpErase, seg.addr); err != nil {
				return err
			}
			erased += int(seg.len)
		}
		return nil
	})
}

// Read reads len(p) bytes at from. Reads are byte addressable; only bounds
// are checked. The returned count is 0 when the range is rejected.
func (d *Device) Read(ctx context.Context, from uint32, p []byte) (n int, err error) {
	start := time.Now()
	defer func() { d.observe(OpRead, from, n, start, err) }()

	if err := d.checkBounds(from, uint64(len(p))); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	err = d.shared(ctx, func() error {
		if d.eccReads() {
			ops := &OOBOps{Mode: OpsPlaceOOB, Len: len(p), DatBuf: p}
			rerr := d.readOOB(from, ops)
			n = ops.RetLen
			return rerr
		}

		var rerr error
		n, rerr = d.backend.Read(from, p)
		if rerr != nil {
			return deviceError("read", from, rerr)
		}
		if n < len(p) {
			return fmt.Errorf("%w: short read at %#x: %d of %d bytes", ErrIO, from, n, len(p))
		}
		return nil
	})
	return n, err
}

// Write programs p at to. to and len(p) must be multiples of the write size;
// misaligned writes are rejected, never rounded. On failure n is the number
// of bytes programmed and verified before the failing unit.
func (d *Device) Write(ctx context.Context, to uint32, p []byte) (n int, err error) {
	start := time.Now()
	defer func() { d.observe(OpWrite, to, n, start, err) }()

	if err := d.checkWriteable(); err != nil {
		return 0, err
	}
	if err := d.checkWrite(to, len(p)); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	d.log.Debug().
		Uint32("addr", to).
		Uint64("write_units", d.divByWriteSize(uint64(len(p)))).
		Msg("Programming")

	err = d.modify(ctx, OpWrite, func() error {
		var perr error
		n, perr = d.program(to, p)
		return perr
	})
	return n, err
}

// Lock write-protects [ofs, ofs+length) if the backend supports it.
func (d *Device) Lock(ctx context.Context, ofs uint32, length uint64) (err error) {
	start := time.Now()
	defer func() { d.observe(OpLock, ofs, 0, start, err) }()

	if d.locker == nil {
		return ErrNotSupported
	}
	if err := d.checkBounds(ofs, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	return d.exclusive(ctx, func() error {
		return deviceError("lock", ofs, d.locker.Lock(ofs, length))
	})
}

// Unlock removes write protection from [ofs, ofs+length).
func (d *Device) Unlock(ctx context.Context, ofs uint32, length uint64) (err error) {
	start := time.Now()
	defer func() { d.observe(OpUnlock, ofs, 0, start, err) }()

	if d.locker == nil {
		return ErrNotSupported
	}
	if err := d.checkBounds(ofs, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	return d.exclusive(ctx, func() error {
		return deviceError("unlock", ofs, d.locker.Unlock(ofs, length))
	})
}

// IsLocked reports whether any part of [ofs, ofs+length) is write-protected.
func (d *Device) IsLocked(ctx context.Context, ofs uint32, length uint64) (locked bool, err error) {
	start := time.Now()
	defer func() { d.observe(OpIsLocked, ofs, 0, start, err) }()

	if d.locker == nil {
		return false, ErrNotSupported
	}
	if err := d.checkBounds(ofs, length); err != nil {
		return false, err
	}
	if length == 0 {
		return false, nil
	}
	err = d.shared(ctx, func() error {
		var lerr error
		locked, lerr = d.locker.IsLocked(ofs, length)
		return deviceError("is_locked", ofs, lerr)
	})
	return locked, err
}
