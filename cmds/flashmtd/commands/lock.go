package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/akmistry/mtd/config"
)

func newLockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "lock <addr> <len>",
		Short: "Write-protect the erase blocks covering a range",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, length, err := parseRange(args)
			if err != nil {
				return err
			}
			return a.withDevice(func(h *config.Handle) error {
				if err := h.Device.Lock(cmd.Context(), addr, uint64(length)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "locked [%#x, %#x)\n", addr, uint64(addr)+uint64(length))
				return nil
			})
		},
	}
}

func newUnlockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <addr> <len>",
		Short: "Remove write protection from a range",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, length, err := parseRange(args)
			if err != nil {
				return err
			}
			return a.withDevice(func(h *config.Handle) error {
				if err := h.Device.Unlock(cmd.Context(), addr, uint64(length)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unlocked [%#x, %#x)\n", addr, uint64(addr)+uint64(length))
				return nil
			})
		},
	}
}

func newIsLockedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "is-locked <addr> <len>",
		Short: "Report whether any part of a range is write-protected",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, length, err := parseRange(args)
			if err != nil {
				return err
			}
			return a.withDevice(func(h *config.Handle) error {
				locked, err := h.Device.IsLocked(cmd.Context(), addr, uint64(length))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), locked)
				return nil
			})
		},
	}
}
