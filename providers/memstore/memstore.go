// Package memstore is a reference in-memory StorageProvider usable as a
// stand-in L2/L3 tier for tests and the cacheinspect CLI, grounded on the
// same tag-index shape as memtier but exposed through the
// storage.StorageProvider contract directly rather than wired into the
// coordinator's L1-specific eviction machinery (spec.md §4.5, §4.6:
// providers "pluggable" behind the uniform contract).
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/layercache/methodcache/storage"
)

type entry struct {
	value     []byte
	expiresAt time.Time
	tags      []string
}

// Store is a minimal durable-shaped tier: no actual disk persistence, but
// it implements the same promotion contract L3 providers must (spec
// §4.6).
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	tagKeys map[string]map[string]struct{}

	priority  int
	layerID   string
	enabled   bool
	promotes  bool

	// defaultExpiration/maxExpiration bound every Set's TTL to
	// [defaultExpiration, maxExpiration] when used as an L3 tier (spec §3:
	// "L3 expiration ∈ [L3DefaultExpiration, L3MaxExpiration]"). Zero means
	// unbounded on that side.
	defaultExpiration time.Duration
	maxExpiration     time.Duration

	hits, misses, sets, deletes uint64
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithExpirationBounds clamps every Set's TTL into [def, max]: below def it
// is raised to def, above max (when max > 0) it is lowered to max.
func WithExpirationBounds(def, max time.Duration) Option {
	return func(s *Store) { s.defaultExpiration, s.maxExpiration = def, max }
}

func New(priority int, layerID string, promotes bool, opts ...Option) *Store {
	s := &Store{
		entries:  make(map[string]entry),
		tagKeys:  make(map[string]map[string]struct{}),
		priority: priority,
		layerID:  layerID,
		enabled:  true,
		promotes: promotes,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) clamp(ttl time.Duration) time.Duration {
	if s.defaultExpiration > 0 && ttl < s.defaultExpiration {
		ttl = s.defaultExpiration
	}
	if s.maxExpiration > 0 && ttl > s.maxExpiration {
		ttl = s.maxExpiration
	}
	return ttl
}

func (s *Store) Get(ctx context.Context, key string) (storage.GetResult, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || !time.Now().Before(e.expiresAt) {
		s.mu.Lock()
		s.misses++
		s.mu.Unlock()
		return storage.GetResult{}, nil
	}
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
	return storage.GetResult{Value: e.value, Found: true, ExpiresAt: e.expiresAt, Tags: e.tags}, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	ttl = s.clamp(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[key]; ok {
		s.unindexTagsLocked(key, old.tags)
	}
	s.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl), tags: tags}
	s.indexTagsLocked(key, tags)
	s.sets++
	return nil
}

func (s *Store) indexTagsLocked(key string, tags []string) {
	for _, tg := range tags {
		keys, ok := s.tagKeys[tg]
		if !ok {
			keys = make(map[string]struct{})
			s.tagKeys[tg] = keys
		}
		keys[key] = struct{}{}
	}
}

func (s *Store) unindexTagsLocked(key string, tags []string) {
	for _, tg := range tags {
		if keys, ok := s.tagKeys[tg]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(s.tagKeys, tg)
			}
		}
	}
}

func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		s.unindexTagsLocked(key, e.tags)
		delete(s.entries, key)
		s.deletes++
	}
	return nil
}

func (s *Store) RemoveByTag(ctx context.Context, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, ok := s.tagKeys[tag]
	if !ok {
		return nil
	}
	for k := range keys {
		if e, exists := s.entries[k]; exists {
			s.unindexTagsLocked(k, e.tags)
			delete(s.entries, k)
			s.deletes++
		}
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return ok && time.Now().Before(e.expiresAt), nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]entry)
	s.tagKeys = make(map[string]map[string]struct{})
	return nil
}

func (s *Store) Health(ctx context.Context) storage.Health { return storage.Healthy }

func (s *Store) Stats() storage.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return storage.Stats{Hits: s.hits, Misses: s.misses, Sets: s.sets, Deletes: s.deletes}
}

func (s *Store) Priority() int          { return s.priority }
func (s *Store) LayerID() string        { return s.layerID }
func (s *Store) IsEnabled() bool        { return s.enabled }
func (s *Store) SupportsPromotion() bool { return s.promotes }
func (s *Store) Dispose(ctx context.Context) error { return s.Clear(ctx) }

// ListTags implements cachemgr.TagLister for test fixtures exercising
// InvalidateByTagPattern without a real backend.
func (s *Store) ListTags(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tags []string
	for tg := range s.tagKeys {
		if prefix == "" || len(tg) >= len(prefix) && tg[:len(prefix)] == prefix {
			tags = append(tags, tg)
		}
	}
	return tags, nil
}

var _ storage.StorageProvider = (*Store)(nil)
