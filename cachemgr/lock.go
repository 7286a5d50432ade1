package cachemgr

import (
	"context"
	"time"
)

// LockHandle is held by the caller that acquired a DistributedLock; Renew
// extends the lease, Release gives it up early (spec.md §3, §6:
// "LockHandle{IsAcquired, Resource, Renew(expiry), release-on-scope-exit}").
type LockHandle interface {
	Resource() string
	Renew(ctx context.Context, expiry time.Duration) error
	Release(ctx context.Context) error
}

// DistributedLock is the pluggable stampede-protection lock provider used
// by StampedeDistributedLock (spec §4.9). Concrete implementations (Redis
// SET NX PX, etcd leases, ...) live outside this package; the spec treats
// "specific distributed-backend drivers" as external collaborators.
type DistributedLock interface {
	// Acquire attempts to take the named lock with the given lease. It
	// returns (handle, true, nil) on success and (nil, false, nil) when
	// the lock is currently held elsewhere; errors are reserved for
	// unexpected provider failures.
	Acquire(ctx context.Context, resource string, expiry time.Duration) (LockHandle, bool, error)
}
