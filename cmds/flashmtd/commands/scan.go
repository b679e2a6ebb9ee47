package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/akmistry/mtd"
	"github.com/akmistry/mtd/config"
	"github.com/akmistry/mtd/metrics"
)

func newScanCmd(a *app) *cobra.Command {
	var (
		showMetrics bool
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Read every erase block and report ECC results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDevice(func(h *config.Handle) error {
				out := cmd.OutOrStdout()
				dev := h.Device

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "BLOCK\tADDR\tSIZE\tRESULT\tBITFLIPS\tERASED")

				var blocks, failed int
				readAll(cmd.Context(), dev, func(start, size uint32, data []byte, err error) {
					last := dev.Stats().Last()
					if err != nil {
						failed++
					}
					if err != nil || verbose || last.CorrectedBitflips > 0 {
						fmt.Fprintf(w, "%d\t%#08x\t%s\t%s\t%d\t%t\n",
							blocks, start, humanize.IBytes(uint64(size)),
							mtd.Reason(err), last.CorrectedBitflips, mtd.IsErased(data))
					}
					blocks++
				})
				if err := w.Flush(); err != nil {
					return err
				}

				tot := dev.Stats().Totals()
				fmt.Fprintf(out, "%d blocks, %d failed, %d bits corrected, %d uncorrectable\n",
					blocks, failed, tot.Corrected, tot.Failed)

				if showMetrics {
					return writeMetrics(out, dev)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "Print mtd metrics in Prometheus text format")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "List every block, not only failing or corrected ones")

	return cmd
}

func writeMetrics(w io.Writer, dev *mtd.Device) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewECCCollector(dev)); err != nil {
		return err
	}
	mfs, err := prometheus.Gatherers{reg, prometheus.DefaultGatherer}.Gather()
	if err != nil {
		return err
	}
	return writeFamilies(w, mfs, "mtd_")
}

// writeFamilies writes the families whose name starts with prefix.
func writeFamilies(w io.Writer, mfs []*dto.MetricFamily, prefix string) error {
	for _, mf := range mfs {
		if !strings.HasPrefix(mf.GetName(), prefix) {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
