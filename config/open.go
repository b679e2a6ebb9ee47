package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/akmistry/mtd"
	"github.com/akmistry/mtd/nandsim"
	"github.com/akmistry/mtd/norsim"
)

// Handle is an opened device together with its simulator.
type Handle struct {
	Device *mtd.Device
	Config DeviceConfig

	// Exactly one of NOR and NAND is set.
	NOR  *norsim.Flash
	NAND *nandsim.Flash

	file *os.File
}

// Close syncs and closes the image file, if any.
func (h *Handle) Close() error {
	if h.file == nil {
		return nil
	}
	f := h.file
	h.file = nil
	return multierr.Combine(f.Sync(), f.Close())
}

// Options returns the mtd options the configuration asks for.
func (d DeviceConfig) Options() []mtd.Option {
	var opts []mtd.Option
	if d.PollTimeout > 0 {
		opts = append(opts, mtd.WithPollTimeout(d.PollTimeout))
	}
	if d.PollInterval > 0 {
		opts = append(opts, mtd.WithPollInterval(d.PollInterval))
	}
	if bc, err := mtd.ParseBlankCheck(d.BlankCheck); err == nil && bc != mtd.BlankCheckAuto {
		opts = append(opts, mtd.WithBlankCheck(bc))
	}
	if d.NoWait {
		opts = append(opts, mtd.WithNoWait())
	}
	return opts
}

// NORInfo returns the device description and simulator configuration of a
// NOR device: the family preset, if any, with the geometry overrides applied.
func (d DeviceConfig) NORInfo() (mtd.Info, norsim.Config, error) {
	var info mtd.Info
	var startSector uint32
	if d.Family != "" {
		fam, err := norsim.LookupFamily(d.Family)
		if err != nil {
			return mtd.Info{}, norsim.Config{}, err
		}
		info, startSector = fam.Info, fam.StartSector
	}

	if d.Size != 0 {
		info.Size = d.Size
	}
	if len(d.EraseRegions) > 0 {
		info.EraseRegions = append([]mtd.EraseRegion(nil), d.EraseRegions...)
		info.EraseSize = d.EraseSize
	} else if d.EraseSize != 0 {
		info.EraseSize = d.EraseSize
		info.EraseRegions = nil
	}
	if d.WriteSize != 0 {
		info.WriteSize = d.WriteSize
	}
	if info.WriteSize == 0 {
		info.WriteSize = 1
	}
	if d.ProgramSize != 0 {
		info.ProgramSize = d.ProgramSize
	}
	if info.ProgramSize == 0 {
		info.ProgramSize = info.WriteSize
	}
	if d.StartSector != 0 {
		startSector = d.StartSector
	}

	info.Name = d.Name
	info.Flags = mtd.FlagWriteable
	if d.ReadOnly {
		info.Flags = 0
	}

	cfg := norsim.Config{
		Size:        info.Size,
		EraseSize:   info.EraseSize,
		Regions:     info.EraseRegions,
		ProgramSize: info.ProgramSize,
		StartSector: startSector,
		BusyPolls:   d.BusyPolls,
	}
	return info, cfg, nil
}

// NANDInfo returns the device description of a NAND device.
func (d DeviceConfig) NANDInfo() mtd.Info {
	info := d.NAND.Info(d.Name)
	if d.ReadOnly {
		info.Flags &^= mtd.FlagWriteable
	}
	return info
}

// Open builds the device described by d. opts are applied after the ones
// derived from d.
func Open(d DeviceConfig, opts ...mtd.Option) (*Handle, error) {
	h := &Handle{Config: d}

	var info mtd.Info
	var imageSize int64
	var norCfg norsim.Config
	switch d.Backend {
	case BackendNOR, "":
		var err error
		info, norCfg, err = d.NORInfo()
		if err != nil {
			return nil, err
		}
		imageSize = int64(info.Size)
	case BackendNAND:
		info = d.NANDInfo()
		imageSize = d.NAND.ImageSize()
	default:
		return nil, fmt.Errorf("unknown backend %q", d.Backend)
	}

	var backing mtd.ReadWriterAt
	if d.Image == "" {
		backing = mtd.NewMemReadWriterAt(imageSize)
	} else {
		f, err := openImage(d.Image, imageSize, d.ReadOnly)
		if err != nil {
			return nil, err
		}
		h.file = f
		backing = f
	}

	var backend mtd.Backend
	var err error
	if d.Backend == BackendNAND {
		h.NAND, err = nandsim.New(d.NAND, backing)
		backend = h.NAND
	} else {
		h.NOR, err = norsim.New(norCfg, backing)
		backend = h.NOR
	}
	if err != nil {
		return nil, multierr.Append(err, h.Close())
	}

	h.Device, err = mtd.New(info, backend, append(d.Options(), opts...)...)
	if err != nil {
		return nil, multierr.Append(err, h.Close())
	}
	return h, nil
}

// openImage opens the image at path, creating it erased or extending it with
// erased bytes when it is shorter than size.
func openImage(path string, size int64, readOnly bool) (*os.File, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("stat image: %w", err), f.Close())
	}

	cur := fi.Size()
	if cur >= size {
		return f, nil
	}
	if readOnly {
		f.Close()
		return nil, fmt.Errorf("image %s is %d bytes, need %d", path, cur, size)
	}
	if _, err := mtd.Fill(f, cur, size-cur); err != nil {
		return nil, multierr.Append(fmt.Errorf("initialise image: %w", err), f.Close())
	}
	log.Info().
		Str("path", path).
		Int64("size", size).
		Int64("erased_from", cur).
		Msg("Initialised flash image")
	return f, nil
}

// OpenAll opens every configured device. On failure the devices already
// opened are closed.
func OpenAll(cfg *Config, opts ...mtd.Option) ([]*Handle, error) {
	var handles []*Handle
	for _, d := range cfg.Devices {
		h, err := Open(d, opts...)
		if err != nil {
			err = fmt.Errorf("device %q: %w", d.Name, err)
			return nil, multierr.Append(err, CloseAll(handles))
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// CloseAll closes every handle, returning the combined error.
func CloseAll(handles []*Handle) error {
	var err error
	for _, h := range handles {
		err = multierr.Append(err, h.Close())
	}
	return err
}

// Find returns the handle of the named device.
func Find(handles []*Handle, name string) (*Handle, error) {
	for _, h := range handles {
		if h.Config.Name == name {
			return h, nil
		}
	}
	return nil, errors.New("no device named " + name)
}
