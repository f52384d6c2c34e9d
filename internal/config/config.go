// Package config carries the tunables spec §9 leaves as open questions
// (decay period, epoch count, hardening mode), plus the size-class shape
// and the remote-cache bound, in one record, loaded once at ensure_init
// time and never re-read by the core afterwards (spec §6: "no variables
// are read by the core"). The wake-threshold policy is not part of
// Config: it is sizeclass.NewTable's wakePolicy argument.
//
// Loading from YAML/flags is a concern of the cmd/ binary, grounded on
// the pack's gopkg.in/yaml.v3 + spf13/viper idiom (see SPEC_FULL.md §2);
// this package itself has no parsing dependency so that library code
// embedding the allocator never needs viper/yaml in its own import
// graph just to construct a Config literal.
package config

import "time"

// HardeningMode toggles the slab free-list construction strategy
// (spec §4.5): Fast uses a straightforward linear chain, Checked uses
// Sattolo's algorithm to build a randomised permutation so that
// consecutive allocations from a slab land at unpredictable offsets.
// Neither mode validates a free-list link before following it.
type HardeningMode int

const (
	// Fast builds slab free lists as a plain linear chain.
	Fast HardeningMode = iota
	// Checked builds slab free lists via Sattolo's algorithm.
	Checked
)

// Config is the single configuration record threaded through
// ensure_init (spec §4.7, §9).
type Config struct {
	// MinAllocBits / IntermediateBits parameterise the size-class
	// table (spec §3/§4.1).
	MinAllocBits     int
	IntermediateBits int

	// Hardening selects the free-list construction strategy.
	Hardening HardeningMode

	// DecayPeriod is the chunk allocator's epoch-advance tick period
	// (spec §4.3); the source's nominal value is 500ms.
	DecayPeriod time.Duration

	// NumEpochs is the number of epoch buckets kept per size class by
	// the chunk allocator; must be a power of two (spec §4.3 nominal
	// value 4). The decay window is (NumEpochs-1) * DecayPeriod.
	NumEpochs int

	// RemoteCacheBytes bounds the local allocator's remote-dealloc
	// cache before it is flushed to the owning core allocators'
	// message queues (spec §4.7).
	RemoteCacheBytes int
}

// Default returns the configuration the source documents as nominal
// (spec §4.3, §9): 500ms decay period, 4 epochs, fast hardening mode.
func Default() Config {
	return Config{
		MinAllocBits:     4,
		IntermediateBits: 2,
		Hardening:        Fast,
		DecayPeriod:      500 * time.Millisecond,
		NumEpochs:        4,
		RemoteCacheBytes: 16 << 10,
	}
}

// Validate reports whether c is internally consistent (NumEpochs a
// power of two, periods positive).
func (c Config) Validate() error {
	if c.NumEpochs <= 0 || c.NumEpochs&(c.NumEpochs-1) != 0 {
		return errInvalidEpochs
	}
	if c.DecayPeriod <= 0 {
		return errInvalidPeriod
	}
	return nil
}

var (
	errInvalidEpochs = configError("config: NumEpochs must be a power of two")
	errInvalidPeriod = configError("config: DecayPeriod must be positive")
)

type configError string

func (e configError) Error() string { return string(e) }
