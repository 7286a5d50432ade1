// Package telemetry provides stats-snapshot primitives and a no-op logger
// constructor. The coordinator renders its aggregated tier stats through
// FromStorageStats, and cmd/cacheinspect exports them with ToFlatMap.
package telemetry

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/layercache/methodcache/storage"
)

// NewNop returns a logger that discards everything, the same as
// zap.NewNop.
func NewNop() *zap.Logger {
	return zap.NewNop()
}

// Counters holds the atomic operation counters a tier or coordinator tracks.
// All fields are updated via atomic increments only (spec §5: "Stats
// counters: atomic increments only").
type Counters struct {
	Hits       atomic.Uint64
	Misses     atomic.Uint64
	Sets       atomic.Uint64
	Deletes    atomic.Uint64
	Evictions  atomic.Uint64
	Errors     atomic.Uint64
	TagSkips   atomic.Uint64 // tag mappings skipped due to MaxTagMappings
}

// Snapshot is a point-in-time, immutable copy of a Counters set plus derived
// rates, mirroring pkg/models.MetricSnapshot in the teacher repo.
type Snapshot struct {
	Timestamp time.Time
	Hits      uint64
	Misses    uint64
	Sets      uint64
	Deletes   uint64
	Evictions uint64
	Errors    uint64
	TagSkips  uint64
	HitRate   float64
}

// Snapshot captures the current counter values.
func (c *Counters) Snapshot() Snapshot {
	hits := c.Hits.Load()
	misses := c.Misses.Load()
	total := hits + misses

	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Snapshot{
		Timestamp: time.Now(),
		Hits:      hits,
		Misses:    misses,
		Sets:      c.Sets.Load(),
		Deletes:   c.Deletes.Load(),
		Evictions: c.Evictions.Load(),
		Errors:    c.Errors.Load(),
		TagSkips:  c.TagSkips.Load(),
		HitRate:   hitRate,
	}
}

// Merge combines two snapshots, summing counters and recomputing derived
// rates. Useful for aggregating per-tier snapshots into a coordinator-wide
// view (mirrors MergeSnapshots in the teacher's pkg/models/metrics.go).
func Merge(a, b Snapshot) Snapshot {
	hits := a.Hits + b.Hits
	misses := a.Misses + b.Misses
	total := hits + misses

	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Snapshot{
		Timestamp: time.Now(),
		Hits:      hits,
		Misses:    misses,
		Sets:      a.Sets + b.Sets,
		Deletes:   a.Deletes + b.Deletes,
		Evictions: a.Evictions + b.Evictions,
		Errors:    a.Errors + b.Errors,
		TagSkips:  a.TagSkips + b.TagSkips,
		HitRate:   hitRate,
	}
}

// FromStorageStats converts the uniform StorageProvider.Stats (which every
// tier and the Coordinator expose) into a Snapshot with a derived hit rate,
// so callers of the generic contract get the same Prometheus-shaped export
// path as anything built directly on Counters.
func FromStorageStats(s storage.Stats) Snapshot {
	total := s.Hits + s.Misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(s.Hits) / float64(total)
	}
	return Snapshot{
		Timestamp: time.Now(),
		Hits:      s.Hits,
		Misses:    s.Misses,
		Sets:      s.Sets,
		Deletes:   s.Deletes,
		Evictions: s.Evictions,
		Errors:    s.Errors,
		HitRate:   hitRate,
	}
}

// ToFlatMap renders a snapshot as a flat name->value map suitable for
// handing to an external metrics sink (the sink implementation itself is
// out of scope; see spec.md §1).
func ToFlatMap(prefix string, s Snapshot) map[string]float64 {
	return map[string]float64{
		fmt.Sprintf("%s_hits_total", prefix):      float64(s.Hits),
		fmt.Sprintf("%s_misses_total", prefix):    float64(s.Misses),
		fmt.Sprintf("%s_sets_total", prefix):      float64(s.Sets),
		fmt.Sprintf("%s_deletes_total", prefix):   float64(s.Deletes),
		fmt.Sprintf("%s_evictions_total", prefix): float64(s.Evictions),
		fmt.Sprintf("%s_errors_total", prefix):    float64(s.Errors),
		fmt.Sprintf("%s_hit_rate", prefix):        s.HitRate,
	}
}
