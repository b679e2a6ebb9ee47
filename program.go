package mtd

import (
	"bytes"
	"fmt"
)

// program writes p at addr in native program units. Partial units at either
// end are padded with ErasedByte, which leaves the neighbouring cells
// unchanged. The returned count only covers caller bytes whose unit was
// programmed and verified; it stops short at the first failing unit.
func (d *Device) program(addr uint32, p []byte) (int, error) {
	unit := d.programSize
	scratch := make([]byte, unit)
	readback := make([]byte, unit)

	written := 0
	for written < len(p) {
		cur := addr + uint32(written)
		start := cur - cur%unit
		head := int(cur - start)
		n := min(int(unit)-head, len(p)-written)
		want := p[written : written+n]

		if d.blankCheck != BlankCheckOff {
			if err := d.readUnit(start, readback); err != nil {
				return written, err
			}
			if err := d.checkBlank(start+uint32(head), readback[head:head+n], want); err != nil {
				return written, err
			}
		}

		for i := range scratch {
			scratch[i] = ErasedByte
		}
		copy(scratch[head:], want)
		if err := d.backend.Program(start, scratch); err != nil {
			return written, deviceError("program", start, err)
		}
		if err := d.waitReady(OpWrite, start); err != nil {
			return written, err
		}

		if err := d.readUnit(start, readback); err != nil {
			return written, err
		}
		if !bytes.Equal(readback[head:head+n], want) {
			return written, fmt.Errorf("%w: program unit at %#x", ErrVerifyMismatch, start)
		}

		written += n
	}
	return written, nil
}

func (d *Device) readUnit(addr uint32, buf []byte) error {
	n, err := d.backend.Read(addr, buf)
	if err != nil {
		return deviceError("read back", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: short read back at %#x: %d of %d bytes",
			ErrIO, addr, n, len(buf))
	}
	return nil
}

// checkBlank applies the blank check policy to the current contents of the
// bytes about to be programmed with want.
func (d *Device) checkBlank(addr uint32, cur, want []byte) error {
	for i := range want {
		ok := true
		switch d.blankCheck {
		case BlankCheckStrict:
			ok = cur[i] == ErasedByte
		case BlankCheckBits:
			ok = cur[i]&want[i] == want[i]
		}
		if !ok {
			return fmt.Errorf("%w: %#x holds %#02x", ErrNotErased, addr+uint32(i), cur[i])
		}
	}
	return nil
}
