// Package stats exposes the allocator's own bookkeeping through
// Prometheus metrics, the "statistics surfaces" collaborator spec.md
// §1 names as out of scope for the allocator core itself but useful
// enough to wire in as an additive layer (SPEC_FULL.md's Domain
// Stack). Nothing in internal/core, internal/chunkalloc, or
// internal/local depends on this package; it only reads the numbers
// those packages already track and republishes them, so instrumenting
// or removing it never touches an allocation/free fast path.
package stats

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coreheap/coreheap/internal/chunkalloc"
	"github.com/coreheap/coreheap/internal/core"
)

// Registry bundles every metric this module exposes along with the
// *prometheus.Registry they are registered against, so a caller (the
// CLI, an HTTP /metrics handler, a test) can mount exactly this
// module's numbers without reaching into the global default registry.
type Registry struct {
	reg *prometheus.Registry

	ChunksActive   *prometheus.GaugeVec // labeled by epoch bucket index
	SlabsActive    prometheus.Gauge
	SlabsSleeping  prometheus.Gauge
	RemoteQueueLen prometheus.Gauge
	BytesReserved  prometheus.Gauge
	BytesCommitted prometheus.Gauge

	AllocTotal   *prometheus.CounterVec // labeled by "small"/"large"
	FreeTotal    *prometheus.CounterVec
	RemotePushed prometheus.Counter
	Corruptions  prometheus.Counter
}

// New builds a Registry with every metric registered under namespace.
// The metrics carry no per-core label: Collect sums the slab and
// remote-queue figures across every core allocator in the pool.
func New(namespace string) *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		ChunksActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chunks_active",
			Help:      "Chunks currently held in an epoch decay bucket, by bucket index.",
		}, []string{"epoch_bucket"}),
		SlabsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slabs_active",
			Help:      "Slabs with at least one free object, across all core allocators observed.",
		}),
		SlabsSleeping: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slabs_sleeping",
			Help:      "Fully allocated slabs waiting for a free to wake them.",
		}),
		RemoteQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remote_queue_depth",
			Help:      "Objects currently sitting in a core allocator's undrained remote queue.",
		}),
		BytesReserved: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bytes_reserved",
			Help:      "Address space reserved from the platform abstraction layer.",
		}),
		BytesCommitted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bytes_committed",
			Help:      "Address space currently committed (backed by real pages).",
		}),
		AllocTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alloc_total",
			Help:      "Allocations served, by path.",
		}, []string{"path"}),
		FreeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "free_total",
			Help:      "Frees processed, by path.",
		}, []string{"path"}),
		RemotePushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_pushed_total",
			Help:      "Objects pushed onto a remote queue by a non-owning thread.",
		}),
		Corruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "corruptions_total",
			Help:      "Fatal corruption conditions observed (double free, double acquire, bad metadata).",
		}),
	}

	reg.MustRegister(
		r.ChunksActive, r.SlabsActive, r.SlabsSleeping, r.RemoteQueueLen,
		r.BytesReserved, r.BytesCommitted, r.AllocTotal, r.FreeTotal,
		r.RemotePushed, r.Corruptions,
	)
	return r
}

// Gatherer exposes the underlying registry for mounting behind an
// HTTP handler (promhttp.HandlerFor) without this package importing
// net/http itself.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// RecordAlloc increments the alloc counter for the given path
// ("small" or "large").
func (r *Registry) RecordAlloc(path string) { r.AllocTotal.WithLabelValues(path).Inc() }

// RecordFree increments the free counter for the given path.
func (r *Registry) RecordFree(path string) { r.FreeTotal.WithLabelValues(path).Inc() }

// SetChunksActive sets the active-chunk gauge for one epoch bucket.
func (r *Registry) SetChunksActive(bucket int, n int) {
	r.ChunksActive.WithLabelValues(strconv.Itoa(bucket)).Set(float64(n))
}

// Collect refreshes the chunk, slab and remote-queue gauges from live
// allocator state: chunks is the shared chunk cache, pool every core
// allocator a process has ever created. BytesReserved and
// BytesCommitted are not updated here; nothing in this module sets
// them. Meant to be called on a scrape/poll interval (the CLI's
// "stat" subcommand, or an HTTP handler's ServeHTTP), not per
// allocation — everything it reads (BucketCounts, SlabCounts,
// RemoteQueueDepth) is an unsynchronized best-effort walk, the same
// trade-off the teacher's own runtime stats accept.
func (r *Registry) Collect(chunks *chunkalloc.Allocator, pool *core.Pool) {
	for bucket, n := range chunks.BucketCounts() {
		r.SetChunksActive(bucket, n)
	}

	var active, sleeping, remoteDepth int
	pool.DebugCheckEmpty(func(c *core.CoreAllocator) {
		a, s := c.SlabCounts()
		active += a
		sleeping += s
		remoteDepth += c.RemoteQueueDepth()
	})
	r.SlabsActive.Set(float64(active))
	r.SlabsSleeping.Set(float64(sleeping))
	r.RemoteQueueLen.Set(float64(remoteDepth))
}
