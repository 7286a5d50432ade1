package keygen

import "testing"

type fakePolicy struct{ version string }

func (p fakePolicy) KeyVersion() string { return p.version }

func TestGenerateKeyDeterministic(t *testing.T) {
	g := New()

	k1, err := g.GenerateKey("GetUser", []any{42, "alice"}, fakePolicy{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	k2, err := g.GenerateKey("GetUser", []any{42, "alice"}, fakePolicy{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if k1 != k2 {
		t.Fatalf("expected deterministic keys, got %q != %q", k1, k2)
	}
}

func TestGenerateKeyDiffersByArgs(t *testing.T) {
	g := New()

	k1, _ := g.GenerateKey("GetUser", []any{42}, fakePolicy{})
	k2, _ := g.GenerateKey("GetUser", []any{43}, fakePolicy{})

	if k1 == k2 {
		t.Fatalf("expected different keys for different args, got equal %q", k1)
	}
}

func TestGenerateKeyDiffersByVersion(t *testing.T) {
	g := New()

	k1, _ := g.GenerateKey("GetUser", []any{42}, fakePolicy{version: "1"})
	k2, _ := g.GenerateKey("GetUser", []any{42}, fakePolicy{version: "2"})

	if k1 == k2 {
		t.Fatalf("expected different keys for different policy versions, got equal %q", k1)
	}
}

func TestGenerateKeyMapOrderInvariant(t *testing.T) {
	g := New()

	m1 := map[string]any{"a": 1, "b": 2, "c": 3}
	m2 := map[string]any{"c": 3, "a": 1, "b": 2}

	k1, _ := g.GenerateKey("Method", []any{m1}, fakePolicy{})
	k2, _ := g.GenerateKey("Method", []any{m2}, fakePolicy{})

	if k1 != k2 {
		t.Fatalf("expected map key order to not affect hash, got %q != %q", k1, k2)
	}
}

func TestGenerateKeySliceOrderMatters(t *testing.T) {
	g := New()

	s1 := []any{1, 2, 3}
	s2 := []any{3, 2, 1}

	k1, _ := g.GenerateKey("Method", []any{s1}, fakePolicy{})
	k2, _ := g.GenerateKey("Method", []any{s2}, fakePolicy{})

	if k1 == k2 {
		t.Fatalf("expected ordered sequence order to affect hash")
	}
}

type keyPartArg struct{ part string }

func (a keyPartArg) CacheKeyPart() string { return a.part }

func TestGenerateKeyUsesCacheKeyProvider(t *testing.T) {
	g := New()

	k1, _ := g.GenerateKey("Method", []any{keyPartArg{part: "x"}}, fakePolicy{})
	k2, _ := g.GenerateKey("Method", []any{keyPartArg{part: "x"}}, fakePolicy{})
	k3, _ := g.GenerateKey("Method", []any{keyPartArg{part: "y"}}, fakePolicy{})

	if k1 != k2 {
		t.Fatalf("expected same key for same CacheKeyPart")
	}
	if k1 == k3 {
		t.Fatalf("expected different key for different CacheKeyPart")
	}
}

func TestGenerateKeyNilPolicy(t *testing.T) {
	g := New()
	if _, err := g.GenerateKey("Method", []any{1}, nil); err != nil {
		t.Fatalf("unexpected error with nil policy: %v", err)
	}
}
