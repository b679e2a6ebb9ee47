package commands

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/akmistry/mtd"
	"github.com/akmistry/mtd/config"
	"github.com/akmistry/mtd/mtdblock"
)

func newEraseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "erase <addr> <len>",
		Short: "Erase a range of whole erase blocks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, length, err := parseRange(args)
			if err != nil {
				return err
			}
			return a.withDevice(func(h *config.Handle) error {
				instr := mtd.NewEraseInfo(addr, length)
				if err := h.Device.Erase(cmd.Context(), instr); err != nil {
					if instr.FailAddr != mtd.FailAddrUnknown {
						return fmt.Errorf("%w (failed at %#x)", err, instr.FailAddr)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "erased %s at %#x\n",
					humanize.IBytes(uint64(length)), addr)
				return nil
			})
		},
	}
}

func newReadCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "read <addr> <len>",
		Short: "Read a range and hex dump it or save it to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, length, err := parseRange(args)
			if err != nil {
				return err
			}
			return a.withDevice(func(h *config.Handle) error {
				buf := make([]byte, length)
				n, err := h.Device.Read(cmd.Context(), addr, buf)
				if err != nil && !errors.Is(err, mtd.ErrUncorrectable) {
					return err
				}
				// Uncorrectable data is still returned, so it is written out
				// before the error is reported.
				buf = buf[:n]

				out := cmd.OutOrStdout()
				if output != "" {
					if werr := os.WriteFile(output, buf, 0644); werr != nil {
						return werr
					}
					fmt.Fprintf(out, "read %s at %#x to %s\n", humanize.IBytes(uint64(n)), addr, output)
				} else {
					fmt.Fprintf(out, "%#08x:\n%s", addr, hex.Dump(buf))
				}

				if h.Device.Info().EccStepSize > 0 {
					last := h.Device.Stats().Last()
					fmt.Fprintf(out, "ecc: corrected=%d max=%d uncorrectable=%d reliable=%t\n",
						last.CorrectedBitflips, last.MaxBitflips, last.UncorrectableErrors,
						h.Device.Stats().IsReliable())
				}
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write data to file instead of dumping it")

	return cmd
}

func newWriteCmd(a *app) *cobra.Command {
	var (
		input     string
		fill      uint8
		fillLen   string
		rmw       bool
		blockSize int64
	)

	cmd := &cobra.Command{
		Use:   "write <addr>",
		Short: "Program data at an address",
		Long: `Program data from a file, stdin ("-") or a fill pattern at addr.

Without --rmw the target must be erased. With --rmw the covering erase blocks
are read, modified, erased and reprogrammed, so addr and the data length must
be multiples of --block-size.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseUint32(args[0])
			if err != nil {
				return err
			}
			data, err := writeData(cmd, input, fill, fillLen)
			if err != nil {
				return err
			}

			return a.withDevice(func(h *config.Handle) error {
				var n int
				if rmw {
					n, err = writeRMW(h.Device, blockSize, addr, data)
				} else {
					n, err = h.Device.Write(cmd.Context(), addr, data)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d of %d bytes at %#x\n", n, len(data), addr)
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", `Input file, "-" for stdin`)
	cmd.Flags().Uint8Var(&fill, "fill", 0, "Fill byte used with --len")
	cmd.Flags().StringVar(&fillLen, "len", "", "Write this many fill bytes instead of an input file")
	cmd.Flags().BoolVar(&rmw, "rmw", false, "Read-modify-write through the erase block cache")
	cmd.Flags().Int64Var(&blockSize, "block-size", 512, "Block size for --rmw")

	return cmd
}

func writeData(cmd *cobra.Command, input string, fill uint8, fillLen string) ([]byte, error) {
	switch {
	case fillLen != "" && input != "":
		return nil, errors.New("--input and --len are mutually exclusive")
	case fillLen != "":
		n, err := parseUint32(fillLen)
		if err != nil {
			return nil, err
		}
		return bytes.Repeat([]byte{fill}, int(n)), nil
	case input == "-":
		return io.ReadAll(cmd.InOrStdin())
	case input != "":
		return os.ReadFile(input)
	}
	return nil, errors.New("one of --input or --len is required")
}

func writeRMW(dev *mtd.Device, blockSize int64, addr uint32, data []byte) (int, error) {
	b, err := mtdblock.New(dev, blockSize)
	if err != nil {
		return 0, err
	}
	n, err := b.WriteAt(data, int64(addr))
	if cerr := b.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// readAll reads the whole device, one erase block at a time, calling fn
// with each block's error.
func readAll(ctx context.Context, dev *mtd.Device, fn func(start, size uint32, data []byte, err error)) {
	maxErase := dev.EraseSize()
	for _, r := range dev.Regions() {
		maxErase = max(maxErase, r.EraseSize)
	}
	buf := make([]byte, maxErase)
	for addr := uint64(0); addr < uint64(dev.Size()); {
		start, size := dev.BlockAt(uint32(addr))
		p := buf[:size]
		_, err := dev.Read(ctx, start, p)
		fn(start, size, p, err)
		addr = uint64(start) + uint64(size)
	}
}
