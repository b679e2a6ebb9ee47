package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/akmistry/mtd/config"
	"github.com/akmistry/mtd/selftest"
)

func newSelftestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Run the basic and boundary tests (destroys the first erase block)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDevice(func(h *config.Handle) error {
				l := log.With().Str("device", h.Device.Name()).Logger()
				if err := selftest.RunAll(cmd.Context(), h.Device, l); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: all tests passed\n", h.Device.Name())
				return nil
			})
		},
	}
}
