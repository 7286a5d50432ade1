// Package coordinator composes tiers sorted by priority into a single
// StorageProvider, fanning reads/writes across them and promoting hits
// upward (spec.md §4.4), grounded on the teacher's L1/L2 split in
// cache-manager/service.go generalized from a fixed two-tier pipeline to
// an arbitrary sorted tier list per spec §9's "tagged-variant style
// rather than subclassing".
package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/layercache/methodcache/storage"
	"github.com/layercache/methodcache/telemetry"
	"github.com/layercache/methodcache/writequeue"
)

// Tier pairs a storage.StorageProvider with the async-write policy the
// coordinator should apply to it.
type Tier struct {
	Provider    storage.StorageProvider
	AsyncWrites bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWriteQueue wires a shared AsyncWriteQueue; tiers registered with
// AsyncWrites=true hand their Set calls off to it instead of writing
// synchronously.
func WithWriteQueue(q *writequeue.Queue) Option {
	return func(c *Coordinator) { c.writeQueue = q }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// Coordinator implements storage.StorageProvider by composing an ordered
// list of tiers (spec §4.4, §6: "StorageCoordinator implements
// StorageProvider").
type Coordinator struct {
	log        *zap.Logger
	writeQueue *writequeue.Queue

	mu    sync.RWMutex
	tiers []Tier
}

func New(tiers []Tier, opts ...Option) *Coordinator {
	sorted := append([]Tier(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Provider.Priority() < sorted[j].Provider.Priority()
	})
	c := &Coordinator{tiers: sorted, log: zap.NewNop()}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coordinator) enabledTiers() []Tier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tier, 0, len(c.tiers))
	for _, t := range c.tiers {
		if t.Provider.IsEnabled() {
			out = append(out, t)
		}
	}
	return out
}

// Get walks tiers in priority order and returns the first hit. When the
// tier that hit reports SupportsPromotion, the value is also copied into
// every higher-priority tier (spec §4.4). If a tier signals
// StopPropagation, the walk aborts and reports a miss.
func (c *Coordinator) Get(ctx context.Context, key string) (storage.GetResult, error) {
	tiers := c.enabledTiers()

	for i, t := range tiers {
		res, err := t.Provider.Get(ctx, key)
		if err != nil {
			// Transient tier errors degrade to a miss on that tier and the
			// walk continues downward (spec §7).
			continue
		}
		if res.StopPropagation {
			return storage.GetResult{}, nil
		}
		if !res.Found {
			continue
		}

		if t.Provider.SupportsPromotion() {
			c.promote(ctx, key, res, tiers[:i])
		}
		return res, nil
	}

	return storage.GetResult{}, nil
}

// promote populates higher-priority tiers (those earlier in priority
// order than the tier that hit) in the background with an expiration
// bounded by the hit tier's remaining TTL, per spec §4.4/§4.6.
func (c *Coordinator) promote(ctx context.Context, key string, res storage.GetResult, higher []Tier) {
	if len(higher) == 0 {
		return
	}
	ttl := time.Until(res.ExpiresAt)
	if ttl <= 0 {
		return
	}
	// Promotion does not preserve tags: an accepted compromise carried
	// forward from the source design (spec §9, "Open questions").
	go func() {
		bg := context.Background()
		for _, t := range higher {
			_ = t.Provider.Set(bg, key, res.Value, ttl, nil)
		}
	}()
	_ = ctx
}

// Set fans out to every enabled tier in parallel; each tier decides
// internally whether to write synchronously or via the shared write
// queue (spec §4.4).
func (c *Coordinator) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	tiers := c.enabledTiers()
	var g errgroup.Group

	for _, t := range tiers {
		t := t
		g.Go(func() error {
			return c.writeOne(ctx, t, key, value, ttl, tags)
		})
	}
	// A failure in a lower tier after L1 succeeded still returns success
	// to the caller (spec §4.9); per-tier errors are logged in writeOne and
	// otherwise discarded here; they are not counted in Stats either.
	_ = g.Wait()
	return nil
}

func (c *Coordinator) writeOne(ctx context.Context, t Tier, key string, value []byte, ttl time.Duration, tags []string) error {
	if t.AsyncWrites && c.writeQueue != nil {
		work := func(wctx context.Context) error {
			return t.Provider.Set(wctx, key, value, ttl, tags)
		}
		if c.writeQueue.TrySchedule(work) {
			return nil
		}
		c.log.Debug("write queue full, writing synchronously", zap.String("layer", t.Provider.LayerID()))
	}
	if err := t.Provider.Set(ctx, key, value, ttl, tags); err != nil {
		c.log.Warn("tier write failed", zap.String("layer", t.Provider.LayerID()), zap.Error(err))
		return err
	}
	return nil
}

// Remove fans out to every enabled tier in parallel.
func (c *Coordinator) Remove(ctx context.Context, key string) error {
	tiers := c.enabledTiers()
	var g errgroup.Group
	for _, t := range tiers {
		t := t
		g.Go(func() error {
			if err := t.Provider.Remove(ctx, key); err != nil {
				c.log.Warn("tier remove failed", zap.String("layer", t.Provider.LayerID()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

// RemoveByTag fans out to every enabled tier in parallel.
func (c *Coordinator) RemoveByTag(ctx context.Context, tag string) error {
	tiers := c.enabledTiers()
	var g errgroup.Group
	for _, t := range tiers {
		t := t
		g.Go(func() error {
			if err := t.Provider.RemoveByTag(ctx, tag); err != nil {
				c.log.Warn("tier removeByTag failed", zap.String("layer", t.Provider.LayerID()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

// Exists short-circuits on the first tier that confirms existence (spec
// §4.4).
func (c *Coordinator) Exists(ctx context.Context, key string) (bool, error) {
	for _, t := range c.enabledTiers() {
		ok, err := t.Provider.Exists(ctx, key)
		if err != nil {
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (c *Coordinator) Clear(ctx context.Context) error {
	for _, t := range c.enabledTiers() {
		if err := t.Provider.Clear(ctx); err != nil {
			c.log.Warn("tier clear failed", zap.String("layer", t.Provider.LayerID()), zap.Error(err))
		}
	}
	return nil
}

// Health aggregates per-tier health: any Unhealthy wins, else any
// Degraded, else Healthy (spec §4.4).
func (c *Coordinator) Health(ctx context.Context) storage.Health {
	agg := storage.Healthy
	for _, t := range c.enabledTiers() {
		agg = storage.Worse(agg, t.Provider.Health(ctx))
	}
	return agg
}

// Stats sums per-tier counters into one aggregate view.
func (c *Coordinator) Stats() storage.Stats {
	var out storage.Stats
	for _, t := range c.enabledTiers() {
		s := t.Provider.Stats()
		out.Hits += s.Hits
		out.Misses += s.Misses
		out.Sets += s.Sets
		out.Deletes += s.Deletes
		out.Evictions += s.Evictions
		out.Errors += s.Errors
	}
	return out
}

// Snapshot returns the aggregated tier stats rendered as a telemetry
// Snapshot, ready for telemetry.ToFlatMap export.
func (c *Coordinator) Snapshot() telemetry.Snapshot {
	return telemetry.FromStorageStats(c.Stats())
}

func (c *Coordinator) Priority() int           { return 0 }
func (c *Coordinator) LayerID() string          { return "coordinator" }
func (c *Coordinator) IsEnabled() bool          { return true }
func (c *Coordinator) SupportsPromotion() bool  { return false }

// Dispose tears down tiers in reverse priority order, logging but
// swallowing per-tier errors so one failure doesn't block the rest
// (spec §4.4).
func (c *Coordinator) Dispose(ctx context.Context) error {
	c.mu.RLock()
	tiers := append([]Tier(nil), c.tiers...)
	c.mu.RUnlock()

	for i := len(tiers) - 1; i >= 0; i-- {
		if err := tiers[i].Provider.Dispose(ctx); err != nil {
			c.log.Warn("tier dispose failed", zap.String("layer", tiers[i].Provider.LayerID()), zap.Error(err))
		}
	}
	return nil
}

var _ storage.StorageProvider = (*Coordinator)(nil)
