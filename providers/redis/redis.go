// Package redis implements the L2 (distributed) StorageProvider backed by
// Redis, grounded on the teacher's internal/cache/redis.go client wrapper
// and internal/cache/tiered_cache.go tag-index design, generalized onto
// the spec's uniform StorageProvider contract (spec.md §4.5).
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/layercache/methodcache/storage"
)

// setWithTagsScript atomically writes the value and both tag-index
// directions in one round trip (spec §4.5: "atomic set-with-tags"). Each
// touched tag set and the key's reverse set get an expiry one second past
// this Set's TTL, so they do not expire before the value just written. The
// tag-index keys are namespaced by the same KeyPrefix as the value key so
// two Providers sharing one Redis instance never share a tag set (spec
// §6: "a tier persists tags it owns the mapping key-space via a
// KeyPrefix to avoid collisions across applications").
const setWithTagsScript = `
local valueKey = KEYS[1]
local prefix = ARGV[1]
local value = ARGV[2]
local ttlMs = tonumber(ARGV[3])
local numTags = tonumber(ARGV[4])

redis.call("SET", valueKey, value, "PX", ttlMs)

local tagExpiry = ttlMs + 1000
for i = 1, numTags do
	local tag = ARGV[4 + i]
	local tagKeysKey = "tagkeys:" .. prefix .. tag
	local keyTagsKey = "keytags:" .. valueKey
	redis.call("SADD", tagKeysKey, valueKey)
	redis.call("PEXPIRE", tagKeysKey, tagExpiry)
	redis.call("SADD", keyTagsKey, tag)
	redis.call("PEXPIRE", keyTagsKey, tagExpiry)
end
return 1
`

// removeByTagScript resolves a tag's key set, deletes each value key plus
// its reverse keytags set, and clears the tag's own set. KEYS[1] is the
// bare tag name; ARGV[1] is the KeyPrefix, kept separate from KEYS[1] so
// the tag itself stays readable in ListTags/SCAN results.
const removeByTagScript = `
local tag = KEYS[1]
local prefix = ARGV[1]
local tagKeysKey = "tagkeys:" .. prefix .. tag
local keys = redis.call("SMEMBERS", tagKeysKey)
for _, k in ipairs(keys) do
	redis.call("DEL", k)
	redis.call("DEL", "keytags:" .. k)
end
redis.call("DEL", tagKeysKey)
return #keys
`

// ErrSerialization is the error for a stored value that cannot be
// interpreted. No Provider method returns it: Get hands back the bytes it
// reads without validating them.
var ErrSerialization = errors.New("redis provider: corrupt value")

// Option configures a Provider.
type Option func(*Provider)

func WithLogger(log *zap.Logger) Option { return func(p *Provider) { p.log = log } }

func WithKeyPrefix(prefix string) Option { return func(p *Provider) { p.keyPrefix = prefix } }

// Provider is the L2 StorageProvider backed by Redis.
type Provider struct {
	client *goredis.Client
	log    *zap.Logger
	sem    *semaphore.Weighted

	keyPrefix string
	priority  int
	layerID   string
	enabled   bool

	setScript       *goredis.Script
	removeByTagScr  *goredis.Script
}

// New builds an L2 Provider. maxConcurrent bounds outstanding operations
// via a semaphore, per spec §4.5 ("MaxConcurrentL2Operations").
func New(client *goredis.Client, maxConcurrent int, priority int, layerID string, opts ...Option) *Provider {
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	p := &Provider{
		client:         client,
		log:            zap.NewNop(),
		sem:            semaphore.NewWeighted(int64(maxConcurrent)),
		priority:       priority,
		layerID:        layerID,
		enabled:        true,
		setScript:      goredis.NewScript(setWithTagsScript),
		removeByTagScr: goredis.NewScript(removeByTagScript),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) prefixed(key string) string { return p.keyPrefix + key }

// acquire respects ctx cancellation and is always paired with a release,
// even on error, per spec §4.5 ("acquisition respects cancellation;
// release is guaranteed even on error").
func (p *Provider) acquire(ctx context.Context) (func(), error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { p.sem.Release(1) }, nil
}

func (p *Provider) Get(ctx context.Context, key string) (storage.GetResult, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return storage.GetResult{}, nil // cancellation degrades to miss, not error
	}
	defer release()

	val, err := p.client.Get(ctx, p.prefixed(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return storage.GetResult{}, nil
	}
	if err != nil {
		// Transient I/O degrades to a miss (spec §7).
		p.log.Warn("redis get failed, degrading to miss", zap.String("key", key), zap.Error(err))
		return storage.GetResult{}, nil
	}

	ttl, err := p.client.PTTL(ctx, p.prefixed(key)).Result()
	if err != nil {
		ttl = 0
	}
	return storage.GetResult{Value: val, Found: true, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (p *Provider) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	release, err := p.acquire(ctx)
	if err != nil {
		return nil // cancelled write aborts without side effects (spec §5)
	}
	defer release()

	pk := p.prefixed(key)
	argv := make([]interface{}, 0, 4+len(tags))
	argv = append(argv, p.keyPrefix, string(value), ttl.Milliseconds(), len(tags))
	for _, tg := range tags {
		argv = append(argv, tg)
	}

	if err := p.setScript.Run(ctx, p.client, []string{pk}, argv...).Err(); err != nil {
		// The error is logged here and returned; Coordinator.Set logs it
		// again and swallows it, since the L1 write already succeeded
		// (spec §4.5).
		p.log.Warn("redis set-with-tags failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func (p *Provider) Remove(ctx context.Context, key string) error {
	release, err := p.acquire(ctx)
	if err != nil {
		return nil
	}
	defer release()

	pk := p.prefixed(key)
	if err := p.client.Del(ctx, pk, "keytags:"+pk).Err(); err != nil {
		p.log.Warn("redis remove failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// RemoveByTag resolves tag→keys from the remote index, deletes all keys
// and tag bindings (spec §4.5: "bulk invalidation").
func (p *Provider) RemoveByTag(ctx context.Context, tag string) error {
	release, err := p.acquire(ctx)
	if err != nil {
		return nil
	}
	defer release()

	if err := p.removeByTagScr.Run(ctx, p.client, []string{tag}, p.keyPrefix).Err(); err != nil {
		p.log.Warn("redis removeByTag failed", zap.String("tag", tag), zap.Error(err))
		return err
	}
	return nil
}

func (p *Provider) Exists(ctx context.Context, key string) (bool, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return false, nil
	}
	defer release()

	n, err := p.client.Exists(ctx, p.prefixed(key)).Result()
	if err != nil {
		return false, nil
	}
	return n > 0, nil
}

func (p *Provider) Clear(ctx context.Context) error {
	release, err := p.acquire(ctx)
	if err != nil {
		return nil
	}
	defer release()
	return p.client.FlushDB(ctx).Err()
}

// ListTags implements cachemgr.TagLister via a best-effort SCAN over this
// Provider's own tagkeys: namespace, scoped by KeyPrefix so a pattern scan
// never crosses into another Provider's tag-index keyspace (spec §9:
// InvalidateByTagPattern is explicitly optional/per-tier).
func (p *Provider) ListTags(prefix string) ([]string, error) {
	ctx := context.Background()
	scanPrefix := "tagkeys:" + p.keyPrefix
	var tags []string
	iter := p.client.Scan(ctx, 0, scanPrefix+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		tags = append(tags, iter.Val()[len(scanPrefix):])
	}
	return tags, iter.Err()
}

func (p *Provider) Health(ctx context.Context) storage.Health {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return storage.Unhealthy
	}
	return storage.Healthy
}

func (p *Provider) Stats() storage.Stats { return storage.Stats{} }

func (p *Provider) Priority() int  { return p.priority }
func (p *Provider) LayerID() string { return p.layerID }
func (p *Provider) IsEnabled() bool { return p.enabled }

// SetEnabled toggles whether the coordinator consults this tier.
func (p *Provider) SetEnabled(enabled bool) { p.enabled = enabled }

// SupportsPromotion is false: a hit on this tier is returned as-is and is
// not copied into higher-priority tiers.
func (p *Provider) SupportsPromotion() bool { return false }

func (p *Provider) Dispose(ctx context.Context) error { return p.client.Close() }

var _ storage.StorageProvider = (*Provider)(nil)
