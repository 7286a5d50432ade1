// Package methodcache assembles the library's tiers, policy registry, and
// stampede protection into a single CacheManager via a functional-options
// Config, validated once at Build time rather than on every call (spec.md
// §6 "Configuration (recognized options)", §7: "Invariant violation (e.g.,
// L1 required but missing): configuration error surfaced at Build time, not
// at call time"). Grounded on the simple `type Option func(*Cache)` shape
// in the pack's Krishna8167-tempuscache/options.go, generalized to the
// richer option set spec.md's Configuration section names, and on
// jonwraymond-toolops/cache.Policy's validated-at-construction posture.
package methodcache

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/layercache/methodcache/backplane"
	"github.com/layercache/methodcache/cachemgr"
	"github.com/layercache/methodcache/coordinator"
	"github.com/layercache/methodcache/keygen"
	"github.com/layercache/methodcache/memtier"
	"github.com/layercache/methodcache/policy"
	"github.com/layercache/methodcache/storage"
	"github.com/layercache/methodcache/writequeue"
)

// Config collects every recognized option (spec §6) before Build validates
// and wires them into a *cachemgr.Manager. The zero value plus WithL1* is a
// usable L1-only configuration; every other tier is opt-in.
type Config struct {
	// L1 (spec §4.3).
	l1MaxEntries      int
	l1MaxExpiration   time.Duration
	l1EvictionPolicy  memtier.EvictionPolicy

	// L2 (spec §4.5).
	l2Enabled                 bool
	l2Provider                storage.StorageProvider
	l2DefaultExpiration       time.Duration
	maxConcurrentL2Operations int
	enableAsyncL2Writes       bool

	// L3 (spec §4.6).
	l3Enabled                 bool
	l3Provider                storage.StorageProvider
	l3DefaultExpiration       time.Duration
	l3MaxExpiration           time.Duration
	maxConcurrentL3Operations int
	enableAsyncL3Writes       bool
	enableL3Promotion         bool

	asyncWriteQueueCapacity int

	enableBackplane bool
	backplane       *backplane.Backplane

	enableEfficientL1TagInvalidation bool
	maxTagMappings                   int

	instanceID string
	keyPrefix  string

	lock cachemgr.DistributedLock

	defaultPolicy policy.RuntimePolicy
	registry      *policy.Registry

	logger *zap.Logger
}

// Option configures a Config. Unset fields keep the defaults New seeds
// (spec §6's recognized-option list, applied field by field).
type Option func(*Config)

func WithL1MaxEntries(n int) Option { return func(c *Config) { c.l1MaxEntries = n } }

// WithL1MaxExpiration caps every L1 Set's TTL (spec §3: "L1 expiration ≤
// L1MaxExpiration").
func WithL1MaxExpiration(d time.Duration) Option {
	return func(c *Config) { c.l1MaxExpiration = d }
}

func WithL1EvictionPolicy(p memtier.EvictionPolicy) Option {
	return func(c *Config) { c.l1EvictionPolicy = p }
}

// WithL2 enables the L2 tier backed by provider and records maxConcurrent
// as MaxConcurrentL2Operations. Build does not apply that bound: the
// provider is used as given, so any concurrency limit is the provider's own.
func WithL2(provider storage.StorageProvider, maxConcurrent int) Option {
	return func(c *Config) {
		c.l2Enabled = true
		c.l2Provider = provider
		c.maxConcurrentL2Operations = maxConcurrent
	}
}

func WithL2DefaultExpiration(d time.Duration) Option {
	return func(c *Config) { c.l2DefaultExpiration = d }
}

// WithAsyncL2Writes routes L2 Set calls through the shared AsyncWriteQueue
// instead of writing synchronously (spec §6: "EnableAsyncL2Writes").
func WithAsyncL2Writes(enabled bool) Option {
	return func(c *Config) { c.enableAsyncL2Writes = enabled }
}

// WithL3 enables the L3 (durable) tier backed by provider and records
// maxConcurrent, defaultExpiration and maxExpiration. Build only checks that
// defaultExpiration does not exceed maxExpiration; it does not clamp the
// provider's TTLs or bound its concurrency (memstore.WithExpirationBounds
// clamps TTLs on the provider itself).
func WithL3(provider storage.StorageProvider, maxConcurrent int, defaultExpiration, maxExpiration time.Duration) Option {
	return func(c *Config) {
		c.l3Enabled = true
		c.l3Provider = provider
		c.maxConcurrentL3Operations = maxConcurrent
		c.l3DefaultExpiration = defaultExpiration
		c.l3MaxExpiration = maxExpiration
	}
}

func WithAsyncL3Writes(enabled bool) Option {
	return func(c *Config) { c.enableAsyncL3Writes = enabled }
}

// WithL3Promotion records the EnableL3Promotion option. Build does not read
// it: whether an L3 hit repopulates higher tiers is decided by the L3
// provider's SupportsPromotion.
func WithL3Promotion(enabled bool) Option {
	return func(c *Config) { c.enableL3Promotion = enabled }
}

// WithAsyncWriteQueueCapacity sizes the shared AsyncWriteQueue. A capacity
// of 0 forces every async-eligible write synchronous (spec §8:
// "AsyncWriteQueueCapacity=0 forces synchronous writes").
func WithAsyncWriteQueueCapacity(n int) Option {
	return func(c *Config) { c.asyncWriteQueueCapacity = n }
}

// WithBackplane enables cross-instance invalidation via bp (spec §4.8).
func WithBackplane(bp *backplane.Backplane) Option {
	return func(c *Config) {
		c.enableBackplane = true
		c.backplane = bp
	}
}

// WithEfficientL1TagInvalidation toggles L1's indexed RemoveByTag path;
// disabling it falls back to a full Clear per tag invalidation (spec §4.3).
func WithEfficientL1TagInvalidation(enabled bool) Option {
	return func(c *Config) { c.enableEfficientL1TagInvalidation = enabled }
}

// WithMaxTagMappings caps total L1 tag↔key mappings (spec §6, §8:
// "MaxTagMappings cap stops new tag mappings but does not block value
// storage").
func WithMaxTagMappings(n int) Option { return func(c *Config) { c.maxTagMappings = n } }

func WithInstanceID(id string) Option { return func(c *Config) { c.instanceID = id } }

// WithKeyPrefix records the KeyPrefix option. Build does not pass it to any
// tier; a provider that namespaces its keys (such as providers/redis with
// its own WithKeyPrefix) takes the prefix directly.
func WithKeyPrefix(prefix string) Option { return func(c *Config) { c.keyPrefix = prefix } }

func WithDistributedLock(lock cachemgr.DistributedLock) Option {
	return func(c *Config) { c.lock = lock }
}

// WithDefaultPolicy sets the base RuntimePolicy every (declaringType,
// method) resolves to before layered overrides apply (spec §4.2). Ignored
// if WithPolicyRegistry is also given.
func WithDefaultPolicy(pol policy.RuntimePolicy) Option {
	return func(c *Config) { c.defaultPolicy = pol }
}

// WithPolicyRegistry supplies a pre-built, possibly file/attribute-layered
// *policy.Registry, overriding WithDefaultPolicy.
func WithPolicyRegistry(r *policy.Registry) Option {
	return func(c *Config) { c.registry = r }
}

func WithLogger(log *zap.Logger) Option { return func(c *Config) { c.logger = log } }

// New seeds a Config with the teacher-style defaults (L1 only, synchronous
// writes, efficient tag invalidation on) and applies opts.
func New(opts ...Option) *Config {
	c := &Config{
		l1MaxEntries:                     10000,
		l1EvictionPolicy:                 memtier.LRU,
		enableEfficientL1TagInvalidation: true,
		maxTagMappings:                   100000,
		defaultPolicy:                    policy.RuntimePolicy{Duration: 5 * time.Minute},
		logger:                           zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Build validates c and assembles the wired *cachemgr.Manager, or returns a
// non-nil error wrapping cachemgr.ErrInvalidPolicy — the only place
// configuration errors are surfaced; every other error class resolves to a
// degraded result plus a logged event (spec §7).
func (c *Config) Build() (*cachemgr.Manager, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	var wq *writequeue.Queue
	if c.enableAsyncL2Writes || c.enableAsyncL3Writes {
		wq = writequeue.New(c.asyncWriteQueueCapacity, c.logger)
		wq.Start()
	}

	l1 := memtier.New(0, "l1",
		memtier.WithMaxEntries(c.l1MaxEntries),
		memtier.WithMaxExpiration(c.l1MaxExpiration),
		memtier.WithEvictionPolicy(c.l1EvictionPolicy),
		memtier.WithMaxTagMappings(c.maxTagMappings),
		memtier.WithEfficientTagInvalidation(c.enableEfficientL1TagInvalidation),
		memtier.WithTagCapHook(func(tag string) {
			c.logger.Warn("l1 tag mapping cap reached, skipping new mapping", zap.String("tag", tag))
		}),
	)

	tiers := []coordinator.Tier{{Provider: l1}}
	if c.l2Enabled {
		tiers = append(tiers, coordinator.Tier{Provider: c.l2Provider, AsyncWrites: c.enableAsyncL2Writes})
	}
	if c.l3Enabled {
		tiers = append(tiers, coordinator.Tier{Provider: c.l3Provider, AsyncWrites: c.enableAsyncL3Writes})
	}

	coord := coordinator.New(tiers, coordinator.WithWriteQueue(wq), coordinator.WithLogger(c.logger))

	registry := c.registry
	if registry == nil {
		registry = policy.NewRegistry(c.defaultPolicy)
	}

	var mgrOpts []cachemgr.Option
	mgrOpts = append(mgrOpts, cachemgr.WithLogger(c.logger))
	if c.enableBackplane && c.backplane != nil {
		mgrOpts = append(mgrOpts, cachemgr.WithBackplane(c.backplane))
	}
	if c.lock != nil {
		mgrOpts = append(mgrOpts, cachemgr.WithDistributedLock(c.lock))
	}

	mgr := cachemgr.New(coord, keygen.New(), registry, mgrOpts...)
	return mgr, nil
}

// validate enforces the invariants spec §3/§7 require to be caught at Build
// time rather than discovered on the first call.
func (c *Config) validate() error {
	if c.l1MaxEntries <= 0 {
		return fmt.Errorf("%w: L1MaxEntries must be positive, got %d", cachemgr.ErrInvalidPolicy, c.l1MaxEntries)
	}
	if c.l1MaxExpiration < 0 {
		return fmt.Errorf("%w: L1MaxExpiration must not be negative", cachemgr.ErrInvalidPolicy)
	}
	if c.enableBackplane && c.backplane == nil {
		return fmt.Errorf("%w: EnableBackplane set but WithBackplane provided no backplane instance", cachemgr.ErrInvalidPolicy)
	}
	if c.l2Enabled && c.l2Provider == nil {
		return fmt.Errorf("%w: L2Enabled but WithL2 was never given a provider", cachemgr.ErrInvalidPolicy)
	}
	if c.l3Enabled && c.l3Provider == nil {
		return fmt.Errorf("%w: L3Enabled but WithL3 was never given a provider", cachemgr.ErrInvalidPolicy)
	}
	if (c.enableAsyncL2Writes || c.enableAsyncL3Writes) && c.asyncWriteQueueCapacity < 0 {
		return fmt.Errorf("%w: AsyncWriteQueueCapacity must not be negative", cachemgr.ErrInvalidPolicy)
	}
	if c.l3Enabled && c.l3MaxExpiration > 0 && c.l3DefaultExpiration > c.l3MaxExpiration {
		return fmt.Errorf("%w: L3DefaultExpiration (%s) exceeds L3MaxExpiration (%s)", cachemgr.ErrInvalidPolicy, c.l3DefaultExpiration, c.l3MaxExpiration)
	}
	return nil
}
