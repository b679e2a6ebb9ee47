package mtd

// Location is the erase-block coordinate of a device address.
type Location struct {
	// Region is the index into the erase region table; 0 on uniform devices.
	Region int
	// Block is the block index within the region.
	Block uint32
	// BlockOffset is the byte offset within the block.
	BlockOffset uint32
	// EraseBlock is the device-global block index, counting the blocks of all
	// preceding regions.
	EraseBlock uint32
}

// Resolve maps addr to its erase block. addr must be below Size; larger
// values resolve to the last block. The region table is scanned linearly on
// every call.
func (d *Device) Resolve(addr uint32) Location {
	if len(d.regions) == 0 {
		var block, off uint32
		if d.erasePow2 {
			block = addr >> d.eraseShift
			off = addr & d.eraseMask
		} else {
			block = addr / d.info.EraseSize
			off = addr % d.info.EraseSize
		}
		return Location{Block: block, BlockOffset: off, EraseBlock: block}
	}

	base := uint32(0)
	for i, r := range d.regions {
		if r.contains(addr) {
			rel := addr - r.Offset
			block := rel / r.EraseSize
			return Location{
				Region:      i,
				Block:       block,
				BlockOffset: rel % r.EraseSize,
				EraseBlock:  base + block,
			}
		}
		base += r.NumBlocks
	}

	last := len(d.regions) - 1
	r := d.regions[last]
	return Location{
		Region:      last,
		Block:       r.NumBlocks - 1,
		BlockOffset: r.EraseSize - 1,
		EraseBlock:  base - 1,
	}
}

// BlockAt returns the start and size of the erase block containing addr.
func (d *Device) BlockAt(addr uint32) (start, size uint32) {
	loc := d.Resolve(addr)
	return addr - loc.BlockOffset, d.regionEraseSize(loc.Region)
}

func (d *Device) regionEraseSize(region int) uint32 {
	if len(d.regions) == 0 {
		return d.info.EraseSize
	}
	return d.regions[region].EraseSize
}

// onBlockBoundary reports whether addr starts an erase block. The end of the
// device counts as a boundary.
func (d *Device) onBlockBoundary(addr uint64) bool {
	if addr == uint64(d.info.Size) {
		return true
	}
	if len(d.regions) == 0 && d.erasePow2 {
		return uint32(addr)&d.eraseMask == 0
	}
	return d.Resolve(uint32(addr)).BlockOffset == 0
}

type eraseSegment struct {
	region int
	addr   uint32
	len    uint32
}

// eraseSegments splits a validated erase range into one segment per erase
// region it touches.
func (d *Device) eraseSegments(addr, length uint32) []eraseSegment {
	if len(d.regions) == 0 {
		return []eraseSegment{{addr: addr, len: length}}
	}

	end := uint64(addr) + uint64(length)
	var segs []eraseSegment
	for i, r := range d.regions {
		start := max(uint64(addr), uint64(r.Offset))
		stop := min(end, r.End())
		if start >= stop {
			continue
		}
		segs = append(segs, eraseSegment{
			region: i,
			addr:   uint32(start),
			len:    uint32(stop - start),
		})
	}
	return segs
}
