package cmd

import (
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Collect and print the allocator's current Prometheus metrics",
	RunE:  runStat,
}

func runStat(cmd *cobra.Command, args []string) error {
	h, err := newHeap()
	if err != nil {
		return err
	}
	defer h.Close()

	h.CollectStats()

	families, err := h.Stats.Gatherer().Gather()
	if err != nil {
		return err
	}

	enc := expfmt.NewEncoder(cmd.OutOrStdout(), expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
