package mtd

import "fmt"

// checkBounds rejects ranges that do not fit inside the device. The sum is
// taken in 64 bits so an overflowing length cannot wrap around.
func (d *Device) checkBounds(addr uint32, length uint64) error {
	if uint64(addr)+length > uint64(d.info.Size) || addr > d.info.Size {
		return fmt.Errorf("%w: [%#x, +%#x) beyond device size %#x",
			ErrOutOfRange, addr, length, d.info.Size)
	}
	return nil
}

// checkErase requires both ends of the range on erase block boundaries of
// their own regions.
func (d *Device) checkErase(addr, length uint32) error {
	if err := d.checkBounds(addr, uint64(length)); err != nil {
		return err
	}
	if !d.onBlockBoundary(uint64(addr)) {
		return fmt.Errorf("%w: erase start %#x not on a block boundary", ErrMisaligned, addr)
	}
	end := uint64(addr) + uint64(length)
	if !d.onBlockBoundary(end) {
		return fmt.Errorf("%w: erase end %#x not on a block boundary", ErrMisaligned, end)
	}
	return nil
}

// checkWrite requires addr and length to be multiples of the write size.
func (d *Device) checkWrite(addr uint32, length int) error {
	if err := d.checkBounds(addr, uint64(length)); err != nil {
		return err
	}
	if d.modByWriteSize(uint64(addr)) != 0 || d.modByWriteSize(uint64(length)) != 0 {
		return fmt.Errorf("%w: write [%#x, +%#x) not aligned to write size %d",
			ErrMisaligned, addr, length, d.info.WriteSize)
	}
	return nil
}

func (d *Device) divByWriteSize(sz uint64) uint64 {
	if d.writePow2 {
		return sz >> d.writeShift
	}
	return sz / uint64(d.info.WriteSize)
}

func (d *Device) modByWriteSize(sz uint64) uint64 {
	if d.writePow2 {
		return sz & uint64(d.writeMask)
	}
	return sz % uint64(d.info.WriteSize)
}

func (d *Device) checkWriteable() error {
	if d.info.Flags&FlagWriteable == 0 {
		return ErrReadOnly
	}
	return nil
}
