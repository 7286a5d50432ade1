package cachemgr

import "errors"

// Sentinel errors surfaced by the cache manager (spec.md §7: "surfaced to
// caller only: factory exceptions and explicit policy-level configuration
// errors at Build").
var (
	// ErrClosed is returned by GetOrCreate once the manager has been
	// disposed.
	ErrClosed = errors.New("cachemgr: manager closed")
	// ErrLockUnavailable names the case where the distributed lock could
	// not be acquired after retry. The manager never returns or records
	// it: that case runs the factory without caching and logs a warning.
	ErrLockUnavailable = errors.New("cachemgr: distributed lock unavailable")
	// ErrInvalidPolicy is a Build-time configuration error.
	ErrInvalidPolicy = errors.New("cachemgr: invalid policy")
)
