// Command coreheapctl is a diagnostic CLI over the coreheap allocator:
// it inspects the size-class table, drives allocation/free stress
// against a real Heap, and prints the same numbers internal/stats
// publishes to Prometheus, all without needing a program linked
// against pkg/malloc to observe them.
package main

import (
	"fmt"
	"os"

	"github.com/coreheap/coreheap/cmd/coreheapctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
