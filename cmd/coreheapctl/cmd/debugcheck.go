package cmd

import (
	"fmt"
	"unsafe"

	"github.com/spf13/cobra"
)

var debugcheckCmd = &cobra.Command{
	Use:   "debugcheck",
	Short: "Allocate and free a small batch, then assert no slabs remain outstanding",
	Long: `debugcheck exercises a round of allocation and deallocation
through a fresh Heap and then calls DebugCheckEmpty (spec.md §8
scenario 5's teardown check), reporting the first CoreAllocator found
with leaked slabs, if any.`,
	RunE: runDebugcheck,
}

func runDebugcheck(cmd *cobra.Command, args []string) error {
	h, err := newHeap()
	if err != nil {
		return err
	}
	defer h.Close()

	const n = 256
	ptrs := make([]unsafe.Pointer, 0, n)
	for i := 0; i < n; i++ {
		p, err := h.Malloc(uintptr(16 + i%4096))
		if err != nil {
			return fmt.Errorf("coreheapctl: allocation %d failed: %w", i, err)
		}
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		if err := h.Free(p); err != nil {
			return fmt.Errorf("coreheapctl: free of %p failed: %w", p, err)
		}
	}

	h.ReleaseThread()

	if err := h.DebugCheckEmpty(); err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "debugcheck: FAIL: %v\n", err)
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "debugcheck: OK: no outstanding allocations")
	return nil
}
