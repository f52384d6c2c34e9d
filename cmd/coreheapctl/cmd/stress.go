package cmd

import (
	"fmt"
	"math/rand"
	"sync"
	"unsafe"

	"github.com/spf13/cobra"
)

var (
	stressWorkers    int
	stressIterations int
	stressMaxSize    int
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Drive concurrent allocate/free churn against a real Heap",
	Long: `stress spawns a pool of worker goroutines, each repeatedly
allocating a random size up to --max-size, occasionally handing the
pointer to a different worker to free (exercising the remote-dealloc
path, spec.md §4.6), and finally freeing every outstanding allocation,
running CleanupUnused and refreshing the stats gauges before printing a
debugcheck verdict. The stats themselves are not printed.`,
	RunE: runStress,
}

func init() {
	stressCmd.Flags().IntVar(&stressWorkers, "workers", 4, "number of concurrent allocating goroutines")
	stressCmd.Flags().IntVar(&stressIterations, "iterations", 10000, "allocate/free operations per worker")
	stressCmd.Flags().IntVar(&stressMaxSize, "max-size", 1<<20, "largest single allocation size in bytes")
}

func runStress(cmd *cobra.Command, args []string) error {
	h, err := newHeap()
	if err != nil {
		return err
	}
	defer h.Close()

	var (
		mu      sync.Mutex
		pending []unsafe.Pointer
	)

	var wg sync.WaitGroup
	for w := 0; w < stressWorkers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < stressIterations; i++ {
				size := uintptr(rng.Intn(stressMaxSize) + 1)
				p, err := h.Malloc(size)
				if err != nil {
					continue
				}

				mu.Lock()
				pending = append(pending, p)
				// Occasionally free something another worker
				// allocated, forcing a remote-queue push (spec.md
				// §4.6) since the freeing goroutine need not be
				// the one that allocated it.
				if len(pending) > 64 && rng.Intn(4) == 0 {
					idx := rng.Intn(len(pending))
					victim := pending[idx]
					pending[idx] = pending[len(pending)-1]
					pending = pending[:len(pending)-1]
					mu.Unlock()
					_ = h.Free(victim)
					continue
				}
				mu.Unlock()
			}
		}(int64(w) + 1)
	}
	wg.Wait()

	for _, p := range pending {
		_ = h.Free(p)
	}

	h.CleanupUnused()
	h.CollectStats()

	if err := h.DebugCheckEmpty(); err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "stress: FAIL: %v\n", err)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stress: OK: %d workers x %d iterations, no outstanding allocations\n",
		stressWorkers, stressIterations)
	return nil
}
