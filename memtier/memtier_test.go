package memtier

import (
	"context"
	"testing"
	"time"
)

func TestSetGetRoundTrip(t *testing.T) {
	tier := New(0, "l1")
	ctx := context.Background()

	if err := tier.Set(ctx, "k", []byte("v"), time.Minute, nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	res, err := tier.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !res.Found || string(res.Value) != "v" {
		t.Fatalf("expected hit with value v, got %+v", res)
	}
}

func TestExpirationAtBoundaryIsExpired(t *testing.T) {
	tier := New(0, "l1")
	ctx := context.Background()

	// A zero/near-zero TTL must be treated as already expired once the
	// deadline passes (spec: "expiration exactly at now treats entry as
	// expired").
	_ = tier.Set(ctx, "k", []byte("v"), time.Nanosecond, nil)
	time.Sleep(time.Millisecond)

	res, err := tier.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.Found {
		t.Fatalf("expected expired entry to miss")
	}
}

func TestTagIndexBidirectionalAndRemoveByTag(t *testing.T) {
	tier := New(0, "l1")
	ctx := context.Background()

	_ = tier.Set(ctx, "k1", []byte("v1"), time.Minute, []string{"T1"})
	_ = tier.Set(ctx, "k2", []byte("v2"), time.Minute, []string{"T1", "T2"})
	_ = tier.Set(ctx, "k3", []byte("v3"), time.Minute, []string{"T2"})

	if err := tier.RemoveByTag(ctx, "T1"); err != nil {
		t.Fatalf("removeByTag: %v", err)
	}

	for _, k := range []string{"k1", "k2"} {
		res, _ := tier.Get(ctx, k)
		if res.Found {
			t.Fatalf("expected %s to be removed", k)
		}
	}
	res, _ := tier.Get(ctx, "k3")
	if !res.Found || string(res.Value) != "v3" {
		t.Fatalf("expected k3 to survive, got %+v", res)
	}
}

func TestDoubleRemoveByTagIsIdempotent(t *testing.T) {
	tier := New(0, "l1")
	ctx := context.Background()
	_ = tier.Set(ctx, "k1", []byte("v1"), time.Minute, []string{"T1"})

	if err := tier.RemoveByTag(ctx, "T1"); err != nil {
		t.Fatalf("first removeByTag: %v", err)
	}
	if err := tier.RemoveByTag(ctx, "T1"); err != nil {
		t.Fatalf("second removeByTag: %v", err)
	}
	if tier.TagMappingCount() != 0 {
		t.Fatalf("expected no leftover tag mappings, got %d", tier.TagMappingCount())
	}
}

func TestSetOverwriteDoesNotDuplicateTagMappings(t *testing.T) {
	tier := New(0, "l1")
	ctx := context.Background()

	_ = tier.Set(ctx, "k", []byte("v1"), time.Minute, []string{"T1"})
	_ = tier.Set(ctx, "k", []byte("v2"), time.Minute, []string{"T1"})

	if tier.TagMappingCount() != 1 {
		t.Fatalf("expected exactly one mapping after overwrite, got %d", tier.TagMappingCount())
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	tier := New(0, "l1", WithMaxEntries(2), WithEvictionPolicy(LRU))
	ctx := context.Background()

	_ = tier.Set(ctx, "a", []byte("1"), time.Minute, nil)
	_ = tier.Set(ctx, "b", []byte("2"), time.Minute, nil)
	// Touch "a" so "b" becomes least-recently-used.
	_, _ = tier.Get(ctx, "a")
	_ = tier.Set(ctx, "c", []byte("3"), time.Minute, nil)

	if res, _ := tier.Get(ctx, "b"); res.Found {
		t.Fatalf("expected b to be evicted")
	}
	if res, _ := tier.Get(ctx, "a"); !res.Found {
		t.Fatalf("expected a to survive")
	}
	if res, _ := tier.Get(ctx, "c"); !res.Found {
		t.Fatalf("expected c to survive")
	}
}

func TestMaxTagMappingsCapStillStoresValue(t *testing.T) {
	tier := New(0, "l1", WithMaxTagMappings(1))
	ctx := context.Background()

	_ = tier.Set(ctx, "k1", []byte("v1"), time.Minute, []string{"T1"})
	_ = tier.Set(ctx, "k2", []byte("v2"), time.Minute, []string{"T2"})

	res, err := tier.Get(ctx, "k2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !res.Found || string(res.Value) != "v2" {
		t.Fatalf("expected k2 stored even though tag mapping was capped, got %+v", res)
	}
	if tier.TagMappingCount() != 1 {
		t.Fatalf("expected mapping count capped at 1, got %d", tier.TagMappingCount())
	}
}

func TestClearThenGetMisses(t *testing.T) {
	tier := New(0, "l1")
	ctx := context.Background()
	_ = tier.Set(ctx, "k", []byte("v"), time.Minute, []string{"T"})

	if err := tier.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if res, _ := tier.Get(ctx, "k"); res.Found {
		t.Fatalf("expected miss after clear")
	}
	if tier.TagMappingCount() != 0 {
		t.Fatalf("expected tag index empty after clear")
	}
}

func TestMaxExpirationClampsSetTTL(t *testing.T) {
	tier := New(0, "l1", WithMaxExpiration(50*time.Millisecond))
	ctx := context.Background()

	// A TTL above L1MaxExpiration must be silently capped, not rejected
	// (spec §3: "L1 expiration ≤ L1MaxExpiration").
	_ = tier.Set(ctx, "k", []byte("v"), time.Hour, nil)
	time.Sleep(75 * time.Millisecond)

	if res, _ := tier.Get(ctx, "k"); res.Found {
		t.Fatalf("expected entry to have expired at the clamped TTL, still found")
	}
}

func TestEfficientTagInvalidationDisabledFallsBackToClear(t *testing.T) {
	tier := New(0, "l1", WithEfficientTagInvalidation(false))
	ctx := context.Background()
	_ = tier.Set(ctx, "k1", []byte("v1"), time.Minute, []string{"T1"})
	_ = tier.Set(ctx, "k2", []byte("v2"), time.Minute, []string{"T2"})

	if err := tier.RemoveByTag(ctx, "T1"); err != nil {
		t.Fatalf("removeByTag: %v", err)
	}
	// Fallback clears everything, not just T1's keys.
	if res, _ := tier.Get(ctx, "k2"); res.Found {
		t.Fatalf("expected full clear fallback to remove k2 too")
	}
}
