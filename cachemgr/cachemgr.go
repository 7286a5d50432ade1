// Package cachemgr implements the top-level read-through cache API:
// GetOrCreate with single-flight, refresh-ahead, distributed-lock, and
// probabilistic-early-expiration stampede protection (spec.md §4.9),
// grounded on the teacher's cache-manager/singleflight.go RequestCoalescer
// generalized onto golang.org/x/sync/singleflight, and cache-manager's
// Service.Get/Set read-through shape generalized to an arbitrary
// StorageProvider.
package cachemgr

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/layercache/methodcache/backplane"
	"github.com/layercache/methodcache/keygen"
	"github.com/layercache/methodcache/policy"
	"github.com/layercache/methodcache/storage"
)

// Factory computes the value for a cache miss. A nil return with a nil
// error means "computed nothing cacheable"; the manager then returns nil
// without storing anything, mirroring the source's nullable-result
// convention (spec §4.9, step 3: "if non-null, Set").
type Factory func(ctx context.Context) ([]byte, error)

// Option configures a Manager at construction time.
type Option func(*Manager)

func WithBackplane(bp *backplane.Backplane) Option {
	return func(m *Manager) { m.backplane = bp }
}

func WithDistributedLock(lock DistributedLock) Option {
	return func(m *Manager) { m.lock = lock }
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithRefreshTimeout bounds how long a background refresh-ahead factory
// call may run before it's abandoned.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) { m.refreshTimeout = d }
}

// WithRandSource overrides the source used by the probabilistic
// (XFetch) stampede check; mainly for deterministic tests.
func WithRandSource(r *rand.Rand) Option {
	return func(m *Manager) { m.rand = r }
}

// Manager is the CacheManager described in spec §4.9.
type Manager struct {
	coordinator storage.StorageProvider
	keygen      *keygen.Generator
	policies    *policy.Registry
	backplane   *backplane.Backplane
	lock        DistributedLock
	log         *zap.Logger

	sf             singleflight.Group
	refreshing     sync.Map // key -> struct{}, dedupes background refreshes
	refreshTimeout time.Duration

	rand   *rand.Rand
	randMu sync.Mutex

	closed atomic.Bool
}

func New(coordinator storage.StorageProvider, kg *keygen.Generator, policies *policy.Registry, opts ...Option) *Manager {
	m := &Manager{
		coordinator:    coordinator,
		keygen:         kg,
		policies:       policies,
		log:            zap.NewNop(),
		refreshTimeout: 30 * time.Second,
		rand:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(m)
	}
	if m.backplane != nil {
		m.backplane.Subscribe(m.handleBackplaneMessage)
	}
	return m
}

func (m *Manager) handleBackplaneMessage(msg backplane.Message) {
	ctx := context.Background()
	switch msg.Type {
	case backplane.KeyInvalidation:
		_ = m.coordinator.Remove(ctx, msg.Key)
	case backplane.TagInvalidation:
		_ = m.coordinator.RemoveByTag(ctx, msg.Tag)
	case backplane.ClearAll:
		_ = m.coordinator.Clear(ctx)
	}
}

func (m *Manager) nextFloat() float64 {
	m.randMu.Lock()
	defer m.randMu.Unlock()
	return m.rand.Float64()
}

// GetOrCreate resolves the effective policy for (declaringType, method),
// computes the cache key, and either returns a cached hit or runs factory
// under the policy's configured stampede-protection mode (spec §4.9).
func (m *Manager) GetOrCreate(ctx context.Context, declaringType, method string, args []any, factory Factory) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	pol := m.policies.Resolve(policy.CallKey(declaringType, method))
	key, err := m.keygen.GenerateKey(method, args, pol)
	if err != nil {
		return nil, err
	}

	res, _ := m.coordinator.Get(ctx, key)
	if res.Found {
		if value, handled, ok := m.handleHit(ctx, key, res, pol, factory); ok {
			return value, handled
		}
		// falls through to recompute (XFetch early-refresh decision)
	}

	return m.recompute(ctx, key, pol, factory)
}

// handleHit applies the RefreshAhead / Probabilistic policy to an
// existing cache hit. The third return value reports whether the hit
// should be returned as-is (true) or whether the caller should fall
// through to a fresh recompute (false).
func (m *Manager) handleHit(ctx context.Context, key string, res storage.GetResult, pol policy.RuntimePolicy, factory Factory) ([]byte, error, bool) {
	switch pol.StampedeMode {
	case policy.StampedeRefreshAhead:
		remaining := time.Until(res.ExpiresAt)
		if pol.RefreshAheadWindow > 0 && remaining <= pol.RefreshAheadWindow {
			m.triggerBackgroundRefresh(key, pol, factory)
		}
		return res.Value, nil, true

	case policy.StampedeProbabilistic:
		beta := pol.EffectiveBeta()
		if beta <= 0 || pol.Duration <= 0 {
			return res.Value, nil, true
		}
		remaining := time.Until(res.ExpiresAt)
		r := float64(remaining) / float64(pol.Duration)
		if r < 0 {
			r = 0
		}
		if r > 1 {
			r = 1
		}
		p := math.Exp(-beta * (1 - r))
		if m.nextFloat() > p {
			return nil, nil, false // treat as miss, recompute below
		}
		return res.Value, nil, true

	default:
		return res.Value, nil, true
	}
}

// recompute runs factory under the policy's stampede-protection mode and
// caches a non-nil result.
func (m *Manager) recompute(ctx context.Context, key string, pol policy.RuntimePolicy, factory Factory) ([]byte, error) {
	if pol.StampedeMode == policy.StampedeDistributedLock && m.lock != nil {
		return m.recomputeWithLock(ctx, key, pol, factory)
	}

	// In-process single-flight coalesces concurrent misses on the same
	// key within this instance even when no distributed lock is
	// configured (spec §3: "Single-flight: at most one in-process factory
	// execution per (key, instance) at any instant").
	v, err, _ := m.sf.Do(key, func() (interface{}, error) {
		value, ferr := factory(ctx)
		if ferr != nil {
			return nil, ferr
		}
		if value != nil {
			if err := m.coordinator.Set(ctx, key, value, pol.Duration, pol.Tags); err != nil {
				m.log.Warn("coordinator set failed after factory success", zap.String("key", key), zap.Error(err))
			}
		}
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.([]byte), nil
}

func (m *Manager) recomputeWithLock(ctx context.Context, key string, pol policy.RuntimePolicy, factory Factory) ([]byte, error) {
	v, err, _ := m.sf.Do(key, func() (interface{}, error) {
		return m.runUnderDistributedLock(ctx, key, pol, factory)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.([]byte), nil
}

func (m *Manager) runUnderDistributedLock(ctx context.Context, key string, pol policy.RuntimePolicy, factory Factory) (interface{}, error) {
	lockKey := "lock:" + key
	timeout := pol.Lock.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	handle, acquired, err := m.lock.Acquire(ctx, lockKey, timeout)
	if err != nil || !acquired {
		// Brief wait, re-check cache, retry once (spec §4.9).
		time.Sleep(20 * time.Millisecond)
		if res, _ := m.coordinator.Get(ctx, key); res.Found {
			return res.Value, nil
		}
		handle, acquired, err = m.lock.Acquire(ctx, lockKey, timeout)
		if err != nil || !acquired {
			m.log.Warn("distributed lock unavailable after retry, running factory without caching", zap.String("key", key))
			return factory(ctx)
		}
	}
	defer func() {
		if rerr := handle.Release(context.Background()); rerr != nil {
			m.log.Warn("lock release failed", zap.String("key", key), zap.Error(rerr))
		}
	}()

	// Double-check: another instance may have populated the cache while
	// we waited for the lock.
	if res, _ := m.coordinator.Get(ctx, key); res.Found {
		return res.Value, nil
	}

	stopRenew := make(chan struct{})
	var renewWG sync.WaitGroup
	renewWG.Add(1)
	go func() {
		defer renewWG.Done()
		m.renewLoop(handle, timeout, stopRenew)
	}()
	defer func() {
		close(stopRenew)
		renewWG.Wait()
	}()

	value, ferr := factory(ctx)
	if ferr != nil {
		return nil, ferr
	}
	if value != nil {
		if err := m.coordinator.Set(ctx, key, value, pol.Duration, pol.Tags); err != nil {
			m.log.Warn("coordinator set failed after locked factory success", zap.String("key", key), zap.Error(err))
		}
	}
	return value, nil
}

func (m *Manager) renewLoop(handle LockHandle, timeout time.Duration, stop <-chan struct{}) {
	interval := timeout / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := handle.Renew(context.Background(), timeout); err != nil {
				m.log.Warn("lock renewal failed", zap.String("resource", handle.Resource()), zap.Error(err))
				return
			}
		}
	}
}

// triggerBackgroundRefresh dedupes concurrent refresh-ahead triggers per
// key via an in-process marker, then runs factory and Sets on success,
// keeping the stale value on failure (spec §4.9 state machine:
// "Refreshing→Cached(stale) on failure").
func (m *Manager) triggerBackgroundRefresh(key string, pol policy.RuntimePolicy, factory Factory) {
	if _, already := m.refreshing.LoadOrStore(key, struct{}{}); already {
		return
	}
	go func() {
		defer m.refreshing.Delete(key)
		ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
		defer cancel()

		value, err := factory(ctx)
		if err != nil {
			m.log.Warn("refresh-ahead factory failed, keeping stale value", zap.String("key", key), zap.Error(err))
			return
		}
		if value == nil {
			return
		}
		if err := m.coordinator.Set(ctx, key, value, pol.Duration, pol.Tags); err != nil {
			m.log.Warn("refresh-ahead set failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

// TryGet returns the cached value for (declaringType, method, args) if
// present, without ever invoking a factory.
func (m *Manager) TryGet(ctx context.Context, declaringType, method string, args []any) ([]byte, bool, error) {
	pol := m.policies.Resolve(policy.CallKey(declaringType, method))
	key, err := m.keygen.GenerateKey(method, args, pol)
	if err != nil {
		return nil, false, err
	}
	res, err := m.coordinator.Get(ctx, key)
	if err != nil {
		return nil, false, nil
	}
	return res.Value, res.Found, nil
}

// InvalidateByKeys removes each key locally and publishes a loopback-safe
// invalidation to peers via the backplane, if configured.
func (m *Manager) InvalidateByKeys(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := m.coordinator.Remove(ctx, k); err != nil {
			m.log.Warn("invalidate by key failed", zap.String("key", k), zap.Error(err))
		}
		if m.backplane != nil {
			m.backplane.PublishInvalidation(k)
		}
	}
	return nil
}

// InvalidateByTags removes every key tagged with any of tags, across
// every enabled tier, and publishes a backplane tag-invalidation for each
// (spec §4.9: "must invalidate every key currently tagged tag across
// every enabled tier locally and publish a backplane message for peers").
func (m *Manager) InvalidateByTags(ctx context.Context, tags []string) error {
	for _, tg := range tags {
		if err := m.coordinator.RemoveByTag(ctx, tg); err != nil {
			m.log.Warn("invalidate by tag failed", zap.String("tag", tg), zap.Error(err))
		}
		if m.backplane != nil {
			m.backplane.PublishTagInvalidation(tg)
		}
	}
	return nil
}

// InvalidateByTagPattern is explicitly best-effort (spec §4.9, §9): it
// matches pattern against the tags that listers report and invalidates
// each match through InvalidateByTags. Only tags reported by one of
// listers are considered; a lister whose ListTags fails is logged and
// skipped.
func (m *Manager) InvalidateByTagPattern(ctx context.Context, pattern string, listers []TagLister) error {
	seen := make(map[string]struct{})
	for _, l := range listers {
		tags, err := l.ListTags("")
		if err != nil {
			m.log.Warn("tag pattern listing failed", zap.Error(err))
			continue
		}
		for _, tg := range tags {
			if _, ok := seen[tg]; ok {
				continue
			}
			if matchPattern(pattern, tg) {
				seen[tg] = struct{}{}
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	matched := make([]string, 0, len(seen))
	for tg := range seen {
		matched = append(matched, tg)
	}
	return m.InvalidateByTags(ctx, matched)
}

// Close disposes the underlying coordinator and stops accepting new
// GetOrCreate calls.
func (m *Manager) Close(ctx context.Context) error {
	m.closed.Store(true)
	if m.backplane != nil {
		m.backplane.Unsubscribe()
	}
	return m.coordinator.Dispose(ctx)
}
