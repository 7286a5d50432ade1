package policy

import (
	"sync"
	"testing"
	"time"
)

func TestResolveFallsThroughToDefault(t *testing.T) {
	def := RuntimePolicy{Duration: time.Minute}
	r := NewRegistry(def)

	got := r.Resolve(CallKey("Svc", "Method"))
	if got.Duration != time.Minute {
		t.Fatalf("expected default duration, got %v", got.Duration)
	}
}

func TestLayerPriorityOrder(t *testing.T) {
	def := RuntimePolicy{Duration: time.Minute}
	r := NewRegistry(def)
	key := CallKey("Svc", "Method")

	fiveMin := 5 * time.Minute
	tenMin := 10 * time.Minute
	fifteenMin := 15 * time.Minute

	r.SetAttributeDefault(key, Overrides{Duration: &fiveMin})
	if got := r.Resolve(key).Duration; got != fiveMin {
		t.Fatalf("expected attribute default to win over base, got %v", got)
	}

	r.SetProgrammatic(key, Overrides{Duration: &tenMin})
	if got := r.Resolve(key).Duration; got != tenMin {
		t.Fatalf("expected programmatic to win over attribute, got %v", got)
	}

	r.SetRuntimeOverride(key, Overrides{Duration: &fifteenMin})
	if got := r.Resolve(key).Duration; got != fifteenMin {
		t.Fatalf("expected runtime override to win over programmatic, got %v", got)
	}
}

func TestUnsetFieldsFallThrough(t *testing.T) {
	def := RuntimePolicy{Duration: time.Minute, Tags: []string{"base"}}
	r := NewRegistry(def)
	key := CallKey("Svc", "Method")

	tenMin := 10 * time.Minute
	r.SetRuntimeOverride(key, Overrides{Duration: &tenMin})

	got := r.Resolve(key)
	if got.Duration != tenMin {
		t.Fatalf("expected overridden duration, got %v", got.Duration)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "base" {
		t.Fatalf("expected tags to fall through from base, got %v", got.Tags)
	}
}

func TestLoadFileJSON(t *testing.T) {
	r := NewRegistry(RuntimePolicy{})
	doc := []byte(`{"policies":[{"type":"Svc","method":"Get","durationSeconds":30,"stampedeMode":"refresh-ahead","tags":["t1","t2"]}]}`)

	if err := r.LoadFileJSON(doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := r.Resolve(CallKey("Svc", "Get"))
	if got.Duration != 30*time.Second {
		t.Fatalf("expected 30s duration, got %v", got.Duration)
	}
	if got.StampedeMode != StampedeRefreshAhead {
		t.Fatalf("expected refresh-ahead mode, got %v", got.StampedeMode)
	}
	if len(got.Tags) != 2 {
		t.Fatalf("expected 2 tags, got %v", got.Tags)
	}
}

func TestConcurrentResolveDuringReload(t *testing.T) {
	r := NewRegistry(RuntimePolicy{Duration: time.Second})
	key := CallKey("Svc", "Get")

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			d := time.Duration(i) * time.Millisecond
			r.SetRuntimeOverride(key, Overrides{Duration: &d})
		}
	}()

	for i := 0; i < 1000; i++ {
		_ = r.Resolve(key) // must never panic or race
	}
	close(stop)
	wg.Wait()
}
