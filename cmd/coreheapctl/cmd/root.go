// Package cmd implements coreheapctl's subcommands. Configuration is
// loaded through viper (flags, then a YAML file via --config, then
// internal/config.Default()'s built-in values), kept at this boundary
// so internal/config itself never needs a parsing dependency in its
// own import graph.
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/coreheap/coreheap/internal/config"
	"github.com/coreheap/coreheap/internal/pal"
	"github.com/coreheap/coreheap/pkg/malloc"
)

var (
	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "coreheapctl",
	Short: "Diagnostic CLI for the coreheap allocator",
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (default: built-in defaults)")
	rootCmd.PersistentFlags().Bool("fake-pal", false, "use the in-process fake PAL instead of mmap (for environments without raw mmap access)")
	rootCmd.PersistentFlags().Int("min-alloc-bits", config.Default().MinAllocBits, "log2 of the smallest size class")
	rootCmd.PersistentFlags().Int("intermediate-bits", config.Default().IntermediateBits, "size classes per octave, as a power of two")
	rootCmd.PersistentFlags().Duration("decay-period", config.Default().DecayPeriod, "chunk allocator epoch-advance period")
	rootCmd.PersistentFlags().Int("num-epochs", config.Default().NumEpochs, "number of epoch buckets kept before a chunk is decommitted")
	rootCmd.PersistentFlags().Int("remote-cache-bytes", config.Default().RemoteCacheBytes, "local allocator remote-dealloc batch threshold")
	rootCmd.PersistentFlags().Bool("checked", false, "use Checked hardening mode (randomised free lists) instead of Fast")

	_ = v.BindPFlag("fake_pal", rootCmd.PersistentFlags().Lookup("fake-pal"))
	_ = v.BindPFlag("min_alloc_bits", rootCmd.PersistentFlags().Lookup("min-alloc-bits"))
	_ = v.BindPFlag("intermediate_bits", rootCmd.PersistentFlags().Lookup("intermediate-bits"))
	_ = v.BindPFlag("decay_period", rootCmd.PersistentFlags().Lookup("decay-period"))
	_ = v.BindPFlag("num_epochs", rootCmd.PersistentFlags().Lookup("num-epochs"))
	_ = v.BindPFlag("remote_cache_bytes", rootCmd.PersistentFlags().Lookup("remote-cache-bytes"))
	_ = v.BindPFlag("checked", rootCmd.PersistentFlags().Lookup("checked"))

	rootCmd.AddCommand(sizeclassCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(stressCmd)
	rootCmd.AddCommand(debugcheckCmd)
}

func initConfig() {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("yaml")
		// A missing or unreadable file surfaces on the first command
		// that actually needs the config, via loadConfig's own error
		// return, rather than aborting process startup here.
		_ = v.ReadInConfig()
	}
}

// loadConfig resolves the effective config.Config from flags/file,
// validating it before returning.
func loadConfig() (config.Config, error) {
	if cfgFile != "" {
		if err := v.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("coreheapctl: reading config file %s: %w", cfgFile, err)
		}
	}
	cfg := config.Config{
		MinAllocBits:     v.GetInt("min_alloc_bits"),
		IntermediateBits: v.GetInt("intermediate_bits"),
		DecayPeriod:      v.GetDuration("decay_period"),
		NumEpochs:        v.GetInt("num_epochs"),
		RemoteCacheBytes: v.GetInt("remote_cache_bytes"),
		Hardening:        config.Fast,
	}
	if v.GetBool("checked") {
		cfg.Hardening = config.Checked
	}
	if cfg.DecayPeriod == 0 {
		cfg.DecayPeriod = 500 * time.Millisecond
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("coreheapctl: invalid configuration: %w", err)
	}
	return cfg, nil
}

// newHeap builds a malloc.Heap over the effective config, using the
// real mmap-backed PAL unless --fake-pal was given.
func newHeap() (*malloc.Heap, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	var p pal.PAL
	if v.GetBool("fake_pal") {
		p = pal.NewFake()
	} else {
		log, err := zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("coreheapctl: building logger: %w", err)
		}
		p = pal.NewUnix(log)
	}

	return malloc.NewHeap(p, cfg, "coreheapctl"), nil
}
