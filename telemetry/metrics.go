// Package telemetry exposes Prometheus instruments for the cache tiers.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tier label values.
const (
	TierMemory = "memory"
	TierDisk   = "disk"
)

var (
	hitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiercache_hits_total",
		Help: "Cache hits by tier.",
	}, []string{"tier"})

	missesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiercache_misses_total",
		Help: "Cache misses by tier.",
	}, []string{"tier"})

	evictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiercache_evictions_total",
		Help: "Entries evicted, by tier and trim reason.",
	}, []string{"tier", "reason"})

	bytesWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tiercache_disk_bytes_written_total",
		Help: "Payload bytes written to the disk tier.",
	})

	bytesReadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tiercache_disk_bytes_read_total",
		Help: "Payload bytes read from the disk tier.",
	})

	manifestErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tiercache_manifest_errors_total",
		Help: "SQL statement and open failures in the manifest store.",
	})
)

// RecordHit counts a lookup that found its entry.
func RecordHit(tier string) { hitsTotal.WithLabelValues(tier).Inc() }

// RecordMiss counts a lookup that found nothing.
func RecordMiss(tier string) { missesTotal.WithLabelValues(tier).Inc() }

// RecordEvictions counts n entries evicted for the given reason.
func RecordEvictions(tier, reason string, n int) {
	if n <= 0 {
		return
	}
	evictionsTotal.WithLabelValues(tier, reason).Add(float64(n))
}

// RecordBytesWritten counts payload bytes stored on disk.
func RecordBytesWritten(n int) { bytesWrittenTotal.Add(float64(n)) }

// RecordBytesRead counts payload bytes served from disk.
func RecordBytesRead(n int) { bytesReadTotal.Add(float64(n)) }

// RecordManifestError counts a manifest store failure.
func RecordManifestError() { manifestErrorsTotal.Inc() }
