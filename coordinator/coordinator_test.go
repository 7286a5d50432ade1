package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/layercache/methodcache/memtier"
	"github.com/layercache/methodcache/storage"
)

// stubProvider is a minimal in-memory StorageProvider used to exercise
// coordinator composition and promotion without pulling in memtier for
// every scenario.
type stubProvider struct {
	priority   int
	layerID    string
	promotes   bool
	values     map[string]storage.GetResult
	healthVal  storage.Health
	enabled    bool
	setCalls   []string
}

func newStub(priority int, layerID string, promotes bool) *stubProvider {
	return &stubProvider{priority: priority, layerID: layerID, promotes: promotes, values: map[string]storage.GetResult{}, healthVal: storage.Healthy, enabled: true}
}

func (s *stubProvider) Get(ctx context.Context, key string) (storage.GetResult, error) {
	return s.values[key], nil
}
func (s *stubProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	s.setCalls = append(s.setCalls, key)
	s.values[key] = storage.GetResult{Value: value, Found: true, ExpiresAt: time.Now().Add(ttl), Tags: tags}
	return nil
}
func (s *stubProvider) Remove(ctx context.Context, key string) error { delete(s.values, key); return nil }
func (s *stubProvider) RemoveByTag(ctx context.Context, tag string) error {
	for k, v := range s.values {
		for _, tg := range v.Tags {
			if tg == tag {
				delete(s.values, k)
			}
		}
	}
	return nil
}
func (s *stubProvider) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := s.values[key]
	return ok, nil
}
func (s *stubProvider) Clear(ctx context.Context) error { s.values = map[string]storage.GetResult{}; return nil }
func (s *stubProvider) Health(ctx context.Context) storage.Health { return s.healthVal }
func (s *stubProvider) Stats() storage.Stats                      { return storage.Stats{} }
func (s *stubProvider) Priority() int                              { return s.priority }
func (s *stubProvider) LayerID() string                            { return s.layerID }
func (s *stubProvider) IsEnabled() bool                            { return s.enabled }
func (s *stubProvider) SupportsPromotion() bool                    { return s.promotes }
func (s *stubProvider) Dispose(ctx context.Context) error          { return nil }

var _ storage.StorageProvider = (*stubProvider)(nil)

func TestGetWalksTiersInPriorityOrder(t *testing.T) {
	l1 := memtier.New(0, "l1")
	l3 := newStub(2, "l3", true)
	l3.values["k"] = storage.GetResult{Value: []byte("v"), Found: true, ExpiresAt: time.Now().Add(time.Minute)}

	c := New([]Tier{{Provider: l1}, {Provider: l3}})
	res, err := c.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !res.Found || string(res.Value) != "v" {
		t.Fatalf("expected hit from l3, got %+v", res)
	}

	time.Sleep(50 * time.Millisecond) // let async promotion complete
	res2, _ := l1.Get(context.Background(), "k")
	if !res2.Found {
		t.Fatalf("expected promotion to populate l1")
	}
}

func TestSetFansOutToAllTiers(t *testing.T) {
	l1 := memtier.New(0, "l1")
	l2 := newStub(1, "l2", false)

	c := New([]Tier{{Provider: l1}, {Provider: l2}})
	if err := c.Set(context.Background(), "k", []byte("v"), time.Minute, nil); err != nil {
		t.Fatalf("set: %v", err)
	}

	res, _ := l1.Get(context.Background(), "k")
	if !res.Found {
		t.Fatalf("expected l1 to have been written")
	}
	if _, ok := l2.values["k"]; !ok {
		t.Fatalf("expected l2 to have been written")
	}
}

func TestExistsShortCircuitsOnFirstMatch(t *testing.T) {
	l1 := memtier.New(0, "l1")
	l2 := newStub(1, "l2", false)
	l2.values["k"] = storage.GetResult{Found: true}

	c := New([]Tier{{Provider: l1}, {Provider: l2}})
	ok, err := c.Exists(context.Background(), "k")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !ok {
		t.Fatalf("expected exists to find key in l2")
	}
}

func TestHealthAggregatesWorstCase(t *testing.T) {
	l1 := memtier.New(0, "l1")
	l2 := newStub(1, "l2", false)
	l2.healthVal = storage.Degraded
	l3 := newStub(2, "l3", false)
	l3.healthVal = storage.Unhealthy

	c := New([]Tier{{Provider: l1}, {Provider: l2}, {Provider: l3}})
	if got := c.Health(context.Background()); got != storage.Unhealthy {
		t.Fatalf("expected unhealthy aggregate, got %v", got)
	}
}

type orderTrackingStub struct {
	*stubProvider
	order *[]string
}

func (s *orderTrackingStub) Dispose(ctx context.Context) error {
	*s.order = append(*s.order, s.layerID)
	return nil
}

func TestDisposeRunsInReversePriorityOrder(t *testing.T) {
	var order []string
	l1 := &orderTrackingStub{stubProvider: newStub(0, "l1", false), order: &order}
	l2 := &orderTrackingStub{stubProvider: newStub(1, "l2", false), order: &order}

	c := New([]Tier{{Provider: l1}, {Provider: l2}})
	if err := c.Dispose(context.Background()); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if len(order) != 2 || order[0] != "l2" || order[1] != "l1" {
		t.Fatalf("expected dispose in reverse priority order, got %v", order)
	}
}
