// Package keygen turns (methodName, args, policy) tuples into stable cache
// keys (spec.md §4.1).
//
// Grounded on jonwraymond-toolops/cache's Keyer/DefaultKeyer: SHA-256 over a
// canonical encoding of the arguments, with map keys sorted so unordered
// collections hash identically regardless of insertion order. Generalized
// from a single-argument tool-input encoder to the spec's (methodName,
// args..., policy) tuple, with an external version suffix and a
// CacheKeyProvider escape hatch for types that know how to contribute their
// own cache-key fragment.
package keygen

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// CacheKeyProvider lets an argument type contribute its own canonical
// fragment to the key instead of going through the default serializer.
// Spec §4.1 / §9: "implementations must prefer that contribution" when an
// argument implements this capability.
type CacheKeyProvider interface {
	CacheKeyPart() string
}

// Serializer canonicalizes an argument value into bytes for hashing.
// The default implementation below is JSON with sorted map keys; a binary
// serializer can be substituted via WithSerializer for stability across
// process restarts or tighter encodings.
type Serializer interface {
	Canonicalize(v any) ([]byte, error)
}

// VersionedPolicy is the minimal slice of RuntimePolicy the key generator
// needs — just the optional version tag. Defined here (rather than
// importing package policy) to keep keygen a leaf that imports no other
// package of this module.
type VersionedPolicy interface {
	KeyVersion() string
}

// Generator is the KeyGenerator contract: pure and deterministic.
type Generator struct {
	serializer Serializer
}

// Option configures a Generator.
type Option func(*Generator)

// WithSerializer overrides the default canonical-JSON serializer.
func WithSerializer(s Serializer) Option {
	return func(g *Generator) { g.serializer = s }
}

// New creates a KeyGenerator with the default canonical-JSON serializer.
func New(opts ...Option) *Generator {
	g := &Generator{serializer: jsonSerializer{}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GenerateKey computes the cache key for methodName applied to args under
// policy. Equal (methodName, args, policy) tuples always produce the same
// key; different argument tuples differ with overwhelming probability
// (spec §4.1 collision contract). The version, when present, is appended
// outside the hash so cross-version keys differ verbatim even though the
// hashed payload is identical.
func (g *Generator) GenerateKey(methodName string, args []any, policy VersionedPolicy) (string, error) {
	h := sha256.New()
	h.Write([]byte(methodName))
	h.Write([]byte{0})

	for i, arg := range args {
		part, err := g.encodeArg(arg)
		if err != nil {
			return "", fmt.Errorf("keygen: encode arg %d: %w", i, err)
		}
		h.Write(part)
		h.Write([]byte{0})
	}

	sum := base64.RawURLEncoding.EncodeToString(h.Sum(nil))

	if policy != nil {
		if v := policy.KeyVersion(); v != "" {
			return sum + ":v" + v, nil
		}
	}
	return sum, nil
}

func (g *Generator) encodeArg(arg any) ([]byte, error) {
	if provider, ok := arg.(CacheKeyProvider); ok {
		return []byte(provider.CacheKeyPart()), nil
	}
	return g.serializer.Canonicalize(arg)
}

// jsonSerializer is the default Serializer: canonical JSON with map keys
// sorted, so {"a":1,"b":2} and {"b":2,"a":1} (an unordered Go map with
// either iteration order) always hash the same. Ordered sequences (slices)
// keep their order, per spec §4.1.
type jsonSerializer struct{}

func (jsonSerializer) Canonicalize(v any) ([]byte, error) {
	return canonicalize(v)
}

func canonicalize(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}

	switch val := v.(type) {
	case map[string]any:
		return canonicalizeMap(val)
	case []any:
		return canonicalizeSlice(val)
	default:
		return json.Marshal(v)
	}
}

func canonicalizeMap(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []byte("{")
	for i, k := range keys {
		if i > 0 {
			out = append(out, ',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		out = append(out, keyBytes...)
		out = append(out, ':')

		valBytes, err := canonicalize(m[k])
		if err != nil {
			return nil, err
		}
		out = append(out, valBytes...)
	}
	out = append(out, '}')
	return out, nil
}

func canonicalizeSlice(s []any) ([]byte, error) {
	out := []byte("[")
	for i, v := range s {
		if i > 0 {
			out = append(out, ',')
		}
		valBytes, err := canonicalize(v)
		if err != nil {
			return nil, err
		}
		out = append(out, valBytes...)
	}
	out = append(out, ']')
	return out, nil
}

var _ Serializer = jsonSerializer{}
