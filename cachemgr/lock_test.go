package cachemgr

import (
	"context"
	"sync"
	"time"
)

// fakeLock is an in-process DistributedLock suitable for exercising the
// StampedeDistributedLock path without a real backend.
type fakeLock struct {
	mu      sync.Mutex
	held    map[string]bool
	renewed map[string]int
}

func newFakeLock() *fakeLock {
	return &fakeLock{held: make(map[string]bool), renewed: make(map[string]int)}
}

func (f *fakeLock) Acquire(ctx context.Context, resource string, expiry time.Duration) (LockHandle, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[resource] {
		return nil, false, nil
	}
	f.held[resource] = true
	return &fakeHandle{lock: f, resource: resource}, true, nil
}

type fakeHandle struct {
	lock     *fakeLock
	resource string
}

func (h *fakeHandle) Resource() string { return h.resource }

func (h *fakeHandle) Renew(ctx context.Context, expiry time.Duration) error {
	h.lock.mu.Lock()
	defer h.lock.mu.Unlock()
	h.lock.renewed[h.resource]++
	return nil
}

func (h *fakeHandle) Release(ctx context.Context) error {
	h.lock.mu.Lock()
	defer h.lock.mu.Unlock()
	delete(h.lock.held, h.resource)
	return nil
}
