package norsim

import (
	"fmt"
	"sort"
	"strings"

	"github.com/akmistry/mtd"
)

// Family is the user flash area of a microcontroller family, as exposed by
// its on-chip flash controller.
type Family struct {
	Info mtd.Info
	// StartSector is the controller's sector number for erase block 0.
	StartSector uint32
}

var families = map[string]Family{
	// 512 KiB part, upper half, 2 KiB pages, half-word programming.
	"stm32f1": {
		Info: mtd.Info{
			Name:        "stm32_flash",
			Flags:       mtd.FlagWriteable,
			Size:        256 * 1024,
			PhysOffset:  0x08040000,
			EraseSize:   2 * 1024,
			WriteSize:   2,
			ProgramSize: 2,
		},
		StartSector: 128,
	},
	// Sectors 8-11 of a 1 MiB part, word programming.
	"stm32f4": {
		Info: mtd.Info{
			Name:        "stm32_flash",
			Flags:       mtd.FlagWriteable,
			Size:        512 * 1024,
			PhysOffset:  0x08080000,
			EraseSize:   128 * 1024,
			WriteSize:   4,
			ProgramSize: 4,
		},
		StartSector: 8,
	},
	// Bank 2 of a 2 MiB part: four 16 KiB, one 64 KiB and seven 128 KiB
	// sectors.
	"stm32f429": {
		Info: mtd.Info{
			Name:        "stm32_flash",
			Flags:       mtd.FlagWriteable,
			Size:        1024 * 1024,
			PhysOffset:  0x08100000,
			EraseSize:   16 * 1024,
			WriteSize:   4,
			ProgramSize: 4,
			EraseRegions: []mtd.EraseRegion{
				{Offset: 0x00000, EraseSize: 16 * 1024, NumBlocks: 4},
				{Offset: 0x10000, EraseSize: 64 * 1024, NumBlocks: 1},
				{Offset: 0x20000, EraseSize: 128 * 1024, NumBlocks: 7},
			},
		},
		StartSector: 12,
	},
	// Upper half of a 512 KiB part, 4 KiB pages, double-word programming.
	"stm32g474": {
		Info: mtd.Info{
			Name:        "stm32_flash",
			Flags:       mtd.FlagWriteable,
			Size:        256 * 1024,
			PhysOffset:  0x08040000,
			EraseSize:   4 * 1024,
			WriteSize:   8,
			ProgramSize: 8,
		},
		StartSector: 64,
	},
}

// LookupFamily returns the named family preset.
func LookupFamily(name string) (Family, error) {
	f, ok := families[strings.ToLower(name)]
	if !ok {
		return Family{}, fmt.Errorf("norsim: unknown family %q (known: %s)",
			name, strings.Join(FamilyNames(), ", "))
	}
	f.Info.EraseRegions = append([]mtd.EraseRegion(nil), f.Info.EraseRegions...)
	return f, nil
}

// FamilyNames returns the known family names, sorted.
func FamilyNames() []string {
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config returns the simulator configuration for the family.
func (f Family) Config() Config {
	return Config{
		Size:        f.Info.Size,
		EraseSize:   f.Info.EraseSize,
		Regions:     f.Info.EraseRegions,
		ProgramSize: f.Info.ProgramSize,
		StartSector: f.StartSector,
	}
}

// NewFlash returns a simulated bank of the family over backing.
func (f Family) NewFlash(backing mtd.ReadWriterAt) (*Flash, error) {
	return New(f.Config(), backing)
}
