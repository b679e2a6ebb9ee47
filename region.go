package mtd

import "fmt"

// EraseRegion is a run of NumBlocks equally sized erase blocks starting at
// Offset.
type EraseRegion struct {
	Offset    uint32 `mapstructure:"offset" yaml:"offset"`
	EraseSize uint32 `mapstructure:"erase_size" yaml:"erase_size"`
	NumBlocks uint32 `mapstructure:"num_blocks" yaml:"num_blocks"`
}

// Size returns the number of bytes covered by the region.
func (r EraseRegion) Size() uint64 {
	return uint64(r.EraseSize) * uint64(r.NumBlocks)
}

// End returns the first address past the region.
func (r EraseRegion) End() uint64 {
	return uint64(r.Offset) + r.Size()
}

func (r EraseRegion) contains(addr uint32) bool {
	return addr >= r.Offset && uint64(addr) < r.End()
}

func (r EraseRegion) String() string {
	return fmt.Sprintf("%#x+%d*%#x", r.Offset, r.NumBlocks, r.EraseSize)
}

// validateRegions checks that regions tile [0, size) in ascending order.
func validateRegions(regions []EraseRegion, size uint32) error {
	next := uint64(0)
	for i, r := range regions {
		if r.EraseSize == 0 || r.NumBlocks == 0 {
			return fmt.Errorf("erase region %d (%v): empty", i, r)
		}
		if uint64(r.Offset) != next {
			return fmt.Errorf("erase region %d (%v): starts at %#x, want %#x",
				i, r, r.Offset, next)
		}
		next = r.End()
	}
	if next != uint64(size) {
		return fmt.Errorf("erase regions cover %#x bytes, device size %#x", next, size)
	}
	return nil
}
