// Package memtier implements the L1, in-process cache tier: a size-bounded
// keyed store with per-entry absolute expiration, pluggable eviction, and a
// bidirectional tag index (spec.md §4.3), grounded on the teacher's
// cache-manager/cache.go LRU design generalized with the eviction-policy
// indirection of cache-manager/policies.go.
package memtier

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/layercache/methodcache/storage"
)

// EvictionPolicy selects which entry to sacrifice when the tier is at
// capacity. The zero value is LRU.
type EvictionPolicy int

const (
	LRU EvictionPolicy = iota
	LFU
	FIFO
	SizeBased
)

type entry struct {
	key        string
	value      []byte
	expiresAt  time.Time
	tags       []string
	size       int64
	hits       uint64
	insertedAt time.Time
	element    *list.Element
}

// Option configures a Tier at construction time.
type Option func(*config)

type config struct {
	maxEntries       int
	maxTagMappings   int
	maxExpiration    time.Duration
	policy           EvictionPolicy
	efficientTagInv  bool
	onTagCapExceeded func(tag string)
}

func WithMaxEntries(n int) Option { return func(c *config) { c.maxEntries = n } }

// WithMaxExpiration caps every Set's TTL at d; a zero value (the default)
// leaves TTLs unbounded. Grounded on spec §3's invariant "L1 expiration ≤
// L1MaxExpiration".
func WithMaxExpiration(d time.Duration) Option { return func(c *config) { c.maxExpiration = d } }

// WithMaxTagMappings caps total tag↔key mappings; once the cap is reached
// new mappings are skipped (the value is still stored) per spec §4.3.
func WithMaxTagMappings(n int) Option { return func(c *config) { c.maxTagMappings = n } }

func WithEvictionPolicy(p EvictionPolicy) Option { return func(c *config) { c.policy = p } }

// WithEfficientTagInvalidation toggles the indexed RemoveByTag path; when
// false, RemoveByTag falls back to a full Clear (spec §4.3).
func WithEfficientTagInvalidation(enabled bool) Option {
	return func(c *config) { c.efficientTagInv = enabled }
}

// WithTagCapHook is invoked (outside the lock) whenever a Set's tags are
// skipped because MaxTagMappings was reached, so the caller can log it.
func WithTagCapHook(fn func(tag string)) Option {
	return func(c *config) { c.onTagCapExceeded = fn }
}

// Tier is the L1 StorageProvider implementation.
type Tier struct {
	cfg config

	mu      sync.RWMutex // guards cache, order, tag index
	cache   map[string]*entry
	order   *list.List // front = most-recently-used/inserted depending on policy
	tagKeys map[string]map[string]struct{}
	keyTags map[string]map[string]struct{}
	nTagMap int

	hits, misses, sets, deletes, evictions, errors atomic.Uint64

	priority int
	layerID  string
	enabled  atomic.Bool
}

var _ storage.StorageProvider = (*Tier)(nil)

// New builds an L1 memory tier. priority and layerID are what the
// StorageCoordinator uses to order and identify this tier among others.
func New(priority int, layerID string, opts ...Option) *Tier {
	cfg := config{
		maxEntries:      10000,
		maxTagMappings:  100000,
		policy:          LRU,
		efficientTagInv: true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	t := &Tier{
		cfg:      cfg,
		cache:    make(map[string]*entry, cfg.maxEntries),
		order:    list.New(),
		tagKeys:  make(map[string]map[string]struct{}),
		keyTags:  make(map[string]map[string]struct{}),
		priority: priority,
		layerID:  layerID,
	}
	t.enabled.Store(true)
	return t
}

func estimateSize(value []byte, tags []string) int64 {
	size := int64(len(value))
	for _, tg := range tags {
		size += int64(len(tg))
	}
	return size + 64 // fixed overhead for bookkeeping, avoids zero-size entries
}

func (t *Tier) Get(ctx context.Context, key string) (storage.GetResult, error) {
	t.mu.RLock()
	e, ok := t.cache[key]
	t.mu.RUnlock()

	if !ok {
		t.misses.Add(1)
		return storage.GetResult{}, nil
	}

	// An expiration exactly equal to now is treated as expired (spec §8,
	// "boundary behaviors").
	if !time.Now().Before(e.expiresAt) {
		t.mu.Lock()
		t.removeUnsafe(key)
		t.mu.Unlock()
		t.misses.Add(1)
		return storage.GetResult{}, nil
	}

	t.mu.Lock()
	atomic.AddUint64(&e.hits, 1)
	switch t.cfg.policy {
	case LRU:
		t.order.MoveToFront(e.element)
	default:
		// FIFO/size-based/LFU don't reorder on read; LFU's frequency is
		// already recorded via e.hits and consulted at eviction time.
	}
	value := e.value
	tags := append([]string(nil), e.tags...)
	expiresAt := e.expiresAt
	t.mu.Unlock()

	t.hits.Add(1)
	return storage.GetResult{Value: value, Found: true, ExpiresAt: expiresAt, Tags: tags}, nil
}

func (t *Tier) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	if t.cfg.maxExpiration > 0 && ttl > t.cfg.maxExpiration {
		ttl = t.cfg.maxExpiration
	}
	expiresAt := time.Now().Add(ttl)

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, exists := t.cache[key]; exists {
		t.unindexTagsUnsafe(key, old.tags)
		old.value = value
		old.expiresAt = expiresAt
		old.tags = nil
		old.size = estimateSize(value, tags)
		if t.cfg.policy == LRU {
			t.order.MoveToFront(old.element)
		}
		t.indexTagsUnsafe(key, tags)
		old.tags = tags
		t.sets.Add(1)
		return nil
	}

	for len(t.cache) >= t.cfg.maxEntries && t.cfg.maxEntries > 0 {
		t.evictOneUnsafe()
	}

	e := &entry{
		key:        key,
		value:      value,
		expiresAt:  expiresAt,
		tags:       tags,
		size:       estimateSize(value, tags),
		insertedAt: time.Now(),
	}
	e.element = t.order.PushFront(e)
	t.cache[key] = e
	t.indexTagsUnsafe(key, tags)
	t.sets.Add(1)
	return nil
}

// indexTagsUnsafe must be called with mu held for writing.
func (t *Tier) indexTagsUnsafe(key string, tags []string) {
	for _, tg := range tags {
		if t.cfg.maxTagMappings > 0 && t.nTagMap >= t.cfg.maxTagMappings {
			if t.cfg.onTagCapExceeded != nil {
				tg := tg
				go t.cfg.onTagCapExceeded(tg)
			}
			continue
		}
		keys, ok := t.tagKeys[tg]
		if !ok {
			keys = make(map[string]struct{})
			t.tagKeys[tg] = keys
		}
		if _, already := keys[key]; !already {
			keys[key] = struct{}{}
			t.nTagMap++
		}

		kt, ok := t.keyTags[key]
		if !ok {
			kt = make(map[string]struct{})
			t.keyTags[key] = kt
		}
		kt[tg] = struct{}{}
	}
}

// unindexTagsUnsafe must be called with mu held for writing.
func (t *Tier) unindexTagsUnsafe(key string, tags []string) {
	for _, tg := range tags {
		if keys, ok := t.tagKeys[tg]; ok {
			if _, present := keys[key]; present {
				delete(keys, key)
				t.nTagMap--
			}
			if len(keys) == 0 {
				delete(t.tagKeys, tg)
			}
		}
	}
	delete(t.keyTags, key)
}

func (t *Tier) removeUnsafe(key string) bool {
	e, ok := t.cache[key]
	if !ok {
		return false
	}
	t.order.Remove(e.element)
	delete(t.cache, key)
	t.unindexTagsUnsafe(key, e.tags)
	return true
}

func (t *Tier) Remove(ctx context.Context, key string) error {
	t.mu.Lock()
	removed := t.removeUnsafe(key)
	t.mu.Unlock()
	if removed {
		t.deletes.Add(1)
	}
	return nil
}

// RemoveByTag deletes every key currently associated with tag, cleaning up
// both index directions (spec §4.3). When efficient tag invalidation is
// disabled, it falls back to a full Clear.
func (t *Tier) RemoveByTag(ctx context.Context, tag string) error {
	if !t.cfg.efficientTagInv {
		return t.Clear(ctx)
	}

	t.mu.Lock()
	keys, ok := t.tagKeys[tag]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	toRemove := make([]string, 0, len(keys))
	for k := range keys {
		toRemove = append(toRemove, k)
	}
	for _, k := range toRemove {
		t.removeUnsafe(k)
	}
	t.mu.Unlock()

	t.deletes.Add(uint64(len(toRemove)))
	return nil
}

func (t *Tier) Exists(ctx context.Context, key string) (bool, error) {
	t.mu.RLock()
	e, ok := t.cache[key]
	t.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return time.Now().Before(e.expiresAt), nil
}

func (t *Tier) Clear(ctx context.Context) error {
	t.mu.Lock()
	t.cache = make(map[string]*entry, t.cfg.maxEntries)
	t.order = list.New()
	t.tagKeys = make(map[string]map[string]struct{})
	t.keyTags = make(map[string]map[string]struct{})
	t.nTagMap = 0
	t.mu.Unlock()
	return nil
}

// evictOneUnsafe must be called with mu held for writing and a non-empty
// cache.
func (t *Tier) evictOneUnsafe() {
	var victim *entry
	switch t.cfg.policy {
	case LRU, FIFO:
		// Both walk the back of the list; LRU moves entries to the front
		// on read, FIFO never does, so the same removal works for both.
		back := t.order.Back()
		if back == nil {
			return
		}
		victim = back.Value.(*entry)
	case LFU:
		for _, e := range t.cache {
			if victim == nil || atomic.LoadUint64(&e.hits) < atomic.LoadUint64(&victim.hits) {
				victim = e
			}
		}
	case SizeBased:
		for _, e := range t.cache {
			if victim == nil || e.size > victim.size {
				victim = e
			}
		}
	default:
		back := t.order.Back()
		if back == nil {
			return
		}
		victim = back.Value.(*entry)
	}
	if victim == nil {
		return
	}
	t.order.Remove(victim.element)
	delete(t.cache, victim.key)
	t.unindexTagsUnsafe(victim.key, victim.tags)
	t.evictions.Add(1)
}

func (t *Tier) Health(ctx context.Context) storage.Health { return storage.Healthy }

func (t *Tier) Stats() storage.Stats {
	return storage.Stats{
		Hits:      t.hits.Load(),
		Misses:    t.misses.Load(),
		Sets:      t.sets.Load(),
		Deletes:   t.deletes.Load(),
		Evictions: t.evictions.Load(),
		Errors:    t.errors.Load(),
	}
}

func (t *Tier) Priority() int  { return t.priority }
func (t *Tier) LayerID() string { return t.layerID }
func (t *Tier) IsEnabled() bool { return t.enabled.Load() }

// SetEnabled allows the coordinator's owner to disable this tier without
// disposing it.
func (t *Tier) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *Tier) SupportsPromotion() bool { return false }

func (t *Tier) Dispose(ctx context.Context) error { return t.Clear(ctx) }

// Len returns the current entry count, mainly for tests.
func (t *Tier) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.cache)
}

// TagMappingCount returns the total number of key↔tag mappings currently
// indexed, mainly for tests verifying the MaxTagMappings cap.
func (t *Tier) TagMappingCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nTagMap
}
