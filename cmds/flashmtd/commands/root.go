// Package commands implements the flashmtd command line.
package commands

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/akmistry/mtd"
	"github.com/akmistry/mtd/config"
	"github.com/akmistry/mtd/metrics"
)

type app struct {
	configPath string
	logLevel   string
	deviceName string
	console    bool

	cfg *config.Config
}

// NewRootCmd returns the flashmtd root command.
func NewRootCmd(version string) *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "flashmtd",
		Short: "Inspect and exercise simulated flash devices",
		Long: `flashmtd opens the flash devices described by its configuration file and
runs erase, read, write and lock operations against them through the mtd layer.

Devices with an image path keep their contents between runs:
  flashmtd --config flashmtd.yaml erase 0 16KiB
  flashmtd --config flashmtd.yaml write 0 --input boot.bin
  flashmtd --config flashmtd.yaml scan --metrics

Settings can be overridden with FLASHMTD_* environment variables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Path to configuration file")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level (overrides configuration)")
	flags.StringVarP(&a.deviceName, "device", "d", "", "Device name (default: first configured device)")
	flags.BoolVar(&a.console, "console", false, "Human-readable log output")

	cmd.AddCommand(newInfoCmd(a))
	cmd.AddCommand(newEraseCmd(a))
	cmd.AddCommand(newReadCmd(a))
	cmd.AddCommand(newWriteCmd(a))
	cmd.AddCommand(newLockCmd(a))
	cmd.AddCommand(newUnlockCmd(a))
	cmd.AddCommand(newIsLockedCmd(a))
	cmd.AddCommand(newScanCmd(a))
	cmd.AddCommand(newSelftestCmd(a))

	return cmd
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath, config.Options{LogLevel: a.logLevel})
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(level)
	if a.console || level <= zerolog.DebugLevel {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return nil
}

// open opens the selected device. The caller closes the handle.
func (a *app) open() (*config.Handle, error) {
	dc := a.cfg.Devices[0]
	if a.deviceName != "" {
		var err error
		if dc, err = a.cfg.Device(a.deviceName); err != nil {
			return nil, err
		}
	}
	return config.Open(dc, mtd.WithObserver(metrics.Observer{}))
}

// withDevice runs fn on the selected device and closes it afterwards.
func (a *app) withDevice(fn func(h *config.Handle) error) (err error) {
	h, err := a.open()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := h.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(h)
}

// parseUint32 accepts decimal, 0x-prefixed hex and humanized sizes such as
// "4096B" or "128KiB". SI suffixes are powers of 1000.
func parseUint32(s string) (uint32, error) {
	if v, err := strconv.ParseUint(s, 0, 32); err == nil {
		return uint32(v), nil
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%q does not fit in 32 bits", s)
	}
	return uint32(v), nil
}

func parseRange(args []string) (addr, length uint32, err error) {
	if addr, err = parseUint32(args[0]); err != nil {
		return 0, 0, err
	}
	if length, err = parseUint32(args[1]); err != nil {
		return 0, 0, err
	}
	if length == 0 {
		return 0, 0, errors.New("length must be positive")
	}
	return addr, length, nil
}
