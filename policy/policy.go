// Package policy resolves the effective RuntimePolicy for a (declaring
// type, method) call site by merging layered configuration sources
// (spec.md §4.2).
package policy

import "time"

// StampedeMode selects how CacheManager.GetOrCreate protects against
// concurrent cache-miss stampedes for a given key (spec §2, §4.9).
type StampedeMode int

const (
	// StampedeNone runs the factory on a miss with no lock and no early
	// refresh; concurrent misses on one key within an instance still
	// share a single factory call.
	StampedeNone StampedeMode = iota
	// StampedeDistributedLock serializes factory execution across
	// processes via a named distributed lock.
	StampedeDistributedLock
	// StampedeRefreshAhead serves the stale value while refreshing in the
	// background once the remaining TTL drops below RefreshAheadWindow.
	StampedeRefreshAhead
	// StampedeProbabilistic implements XFetch early recomputation.
	StampedeProbabilistic
)

func (m StampedeMode) String() string {
	switch m {
	case StampedeNone:
		return "none"
	case StampedeDistributedLock:
		return "distributed-lock"
	case StampedeRefreshAhead:
		return "refresh-ahead"
	case StampedeProbabilistic:
		return "probabilistic"
	default:
		return "unknown"
	}
}

// LockOptions configures the StampedeDistributedLock mode.
type LockOptions struct {
	// Timeout is the lease duration requested from the lock provider.
	// Renewal happens every Timeout/3 while the factory runs (spec §4.9).
	Timeout time.Duration
	// MaxConcurrency is carried through policy layers and policy files;
	// the cache manager does not read it, so it places no bound on lock
	// holders.
	MaxConcurrency int
}

// DefaultXFetchBeta is the default beta used by the probabilistic early
// refresh formula p = exp(-beta * (1 - ttl/duration)) when a policy does
// not set one explicitly (spec §4.9, §GLOSSARY).
const DefaultXFetchBeta = 1.0

// RuntimePolicy is the fully-resolved, immutable policy for a single call.
type RuntimePolicy struct {
	Duration           time.Duration
	Tags               []string
	Version            string
	StampedeMode       StampedeMode
	RefreshAheadWindow time.Duration
	Lock               LockOptions
	// Beta is the XFetch beta. nil means "unset, use DefaultXFetchBeta";
	// an explicit value is used as-is, including exactly 0 or negative,
	// which disables early refresh per spec §4.9 ("β ≤ 0 disables early
	// refresh") — a pointer so an operator setting Beta to 0 on purpose is
	// distinguishable from never having set it at all.
	Beta *float64
}

// KeyVersion implements keygen.VersionedPolicy.
func (p RuntimePolicy) KeyVersion() string { return p.Version }

// EffectiveBeta resolves Beta to the value GetOrCreate should actually use.
func (p RuntimePolicy) EffectiveBeta() float64 {
	if p.Beta == nil {
		return DefaultXFetchBeta
	}
	return *p.Beta
}

// Overrides is a partial RuntimePolicy: nil/zero-value pointer fields mean
// "unset, fall through to the next layer" (spec §4.2: "a later source wins
// field-by-field; unset fields fall through").
type Overrides struct {
	Duration           *time.Duration
	Tags               []string
	Version            *string
	StampedeMode       *StampedeMode
	RefreshAheadWindow *time.Duration
	LockTimeout        *time.Duration
	LockMaxConcurrency *int
	Beta               *float64
}

// apply layers o onto base, returning the merged policy. Fields set in o
// win; everything else falls through from base.
func apply(base RuntimePolicy, o Overrides) RuntimePolicy {
	if o.Duration != nil {
		base.Duration = *o.Duration
	}
	if o.Tags != nil {
		base.Tags = o.Tags
	}
	if o.Version != nil {
		base.Version = *o.Version
	}
	if o.StampedeMode != nil {
		base.StampedeMode = *o.StampedeMode
	}
	if o.RefreshAheadWindow != nil {
		base.RefreshAheadWindow = *o.RefreshAheadWindow
	}
	if o.LockTimeout != nil {
		base.Lock.Timeout = *o.LockTimeout
	}
	if o.LockMaxConcurrency != nil {
		base.Lock.MaxConcurrency = *o.LockMaxConcurrency
	}
	if o.Beta != nil {
		base.Beta = o.Beta
	}
	return base
}
