package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/akmistry/mtd"
	"github.com/akmistry/mtd/config"
)

type deviceView struct {
	mtd.Info    `yaml:",inline"`
	Backend     string       `yaml:"backend"`
	Image       string       `yaml:"image,omitempty"`
	Capacity    string       `yaml:"capacity"`
	EraseBlocks int          `yaml:"erase_blocks"`
	BlankCheck  string       `yaml:"blank_check"`
	Ecc         mtd.EccStats `yaml:"ecc"`
}

func newDeviceView(h *config.Handle) deviceView {
	dev := h.Device
	return deviceView{
		Info:        dev.Info(),
		Backend:     h.Config.Backend,
		Image:       h.Config.Image,
		Capacity:    humanize.IBytes(uint64(dev.Size())),
		EraseBlocks: dev.EraseBlockCount(),
		BlankCheck:  dev.BlankCheck().String(),
		Ecc:         dev.Stats().Totals(),
	}
}

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print device geometry as YAML",
		Long:  `Print the geometry of the selected device, or of every configured device when --device is not given.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices := a.cfg.Devices
			if a.deviceName != "" {
				dc, err := a.cfg.Device(a.deviceName)
				if err != nil {
					return err
				}
				devices = []config.DeviceConfig{dc}
			}

			var views []deviceView
			for _, dc := range devices {
				h, err := config.Open(dc)
				if err != nil {
					return fmt.Errorf("device %q: %w", dc.Name, err)
				}
				views = append(views, newDeviceView(h))
				if err := h.Close(); err != nil {
					return err
				}
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(views); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
