package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/coreheap/coreheap/internal/sizeclass"
)

var sizeclassCmd = &cobra.Command{
	Use:   "sizeclass",
	Short: "Print the size-class table for the effective configuration",
	RunE:  runSizeclass,
}

func runSizeclass(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tbl := sizeclass.NewTable(cfg.MinAllocBits, cfg.IntermediateBits, nil)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "class\trsize\tslab size\tobjects/slab\twake threshold")
	for c := sizeclass.Class(1); int(c) <= tbl.NumClasses(); c++ {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\n",
			c,
			tbl.SizeclassToSize(c),
			tbl.SizeclassToSlabSize(c),
			tbl.SizeclassToSlabObjectCount(c),
			tbl.ThresholdForWakingSlab(c),
		)
	}
	return w.Flush()
}
