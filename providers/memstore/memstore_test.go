package memstore

import (
	"context"
	"testing"
	"time"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := New(2, "l3", true)
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("v"), time.Minute, []string{"T"})
	res, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !res.Found || string(res.Value) != "v" {
		t.Fatalf("expected hit, got %+v", res)
	}
}

func TestRemoveByTagCleansIndex(t *testing.T) {
	s := New(2, "l3", true)
	ctx := context.Background()

	_ = s.Set(ctx, "k1", []byte("v1"), time.Minute, []string{"T1"})
	_ = s.Set(ctx, "k2", []byte("v2"), time.Minute, []string{"T1"})

	if err := s.RemoveByTag(ctx, "T1"); err != nil {
		t.Fatalf("removeByTag: %v", err)
	}
	if res, _ := s.Get(ctx, "k1"); res.Found {
		t.Fatalf("expected k1 removed")
	}
	tags, _ := s.ListTags("")
	if len(tags) != 0 {
		t.Fatalf("expected tag index empty, got %v", tags)
	}
}

func TestSupportsPromotionFlag(t *testing.T) {
	s := New(2, "l3", true)
	if !s.SupportsPromotion() {
		t.Fatalf("expected promotion enabled")
	}
}

func TestExpirationBoundsClampBothDirections(t *testing.T) {
	s := New(2, "l3", true, WithExpirationBounds(50*time.Millisecond, 100*time.Millisecond))
	ctx := context.Background()

	// Below L3DefaultExpiration gets raised (spec §3: "L3 expiration ∈
	// [L3DefaultExpiration, L3MaxExpiration]").
	_ = s.Set(ctx, "below", []byte("v"), time.Millisecond, nil)
	time.Sleep(20 * time.Millisecond)
	if res, _ := s.Get(ctx, "below"); !res.Found {
		t.Fatalf("expected TTL raised to L3DefaultExpiration, already expired")
	}

	// Above L3MaxExpiration gets capped down.
	_ = s.Set(ctx, "above", []byte("v"), time.Hour, nil)
	time.Sleep(120 * time.Millisecond)
	if res, _ := s.Get(ctx, "above"); res.Found {
		t.Fatalf("expected TTL capped to L3MaxExpiration, still found")
	}
}
