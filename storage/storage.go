// Package storage defines the StorageProvider contract every cache tier
// (memory, distributed, persistent) implements, and the shared value types
// the Coordinator and CacheManager pass across tier boundaries (spec.md
// §3, §4.4, §6: "StorageCoordinator implements StorageProvider").
package storage

import (
	"context"
	"time"
)

// Health mirrors the three-level health model aggregated by the
// coordinator (spec §4.4: "any Unhealthy ⇒ Unhealthy; else any Degraded ⇒
// Degraded; else Healthy").
type Health int

const (
	Healthy Health = iota
	Degraded
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Worse returns the more severe of two health values, used when folding
// per-tier health into an aggregate (Unhealthy > Degraded > Healthy).
func Worse(a, b Health) Health {
	if a > b {
		return a
	}
	return b
}

// GetResult is the outcome of a StorageProvider.Get call.
type GetResult struct {
	Value     []byte
	Found     bool
	ExpiresAt time.Time
	Tags      []string
	// StopPropagation tells the Coordinator to abort the tier walk and
	// return a miss rather than consulting lower-priority tiers (spec
	// §4.4: "If a tier returns StopPropagation, abort and return miss").
	StopPropagation bool
}

// Stats is the subset of telemetry.Snapshot a StorageProvider exposes
// through the uniform contract; concrete providers may expose richer
// stats via their own types.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Sets      uint64
	Deletes   uint64
	Evictions uint64
	Errors    uint64
}

// StorageProvider is the uniform capability every tier (L1/L2/L3)
// implements. Per spec §9's "Source patterns requiring re-architecture",
// this replaces deep cache-manager-variant inheritance with a single
// tagged-variant-style interface the Coordinator composes over.
type StorageProvider interface {
	Get(ctx context.Context, key string) (GetResult, error)
	// Set stores value under key with an absolute TTL and optional tags.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error
	Remove(ctx context.Context, key string) error
	RemoveByTag(ctx context.Context, tag string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Clear removes every entry this tier owns.
	Clear(ctx context.Context) error

	Health(ctx context.Context) Health
	Stats() Stats

	// Priority orders tiers for the Coordinator's Get walk; lower runs
	// first (spec §4.4).
	Priority() int
	LayerID() string
	IsEnabled() bool
	// SupportsPromotion reports whether a hit on this tier should trigger
	// population of higher-priority tiers.
	SupportsPromotion() bool

	Dispose(ctx context.Context) error
}
