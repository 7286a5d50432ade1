package cachemgr

import (
	"regexp"
	"strings"
	"sync"
)

// matchPattern reports whether tag matches pattern, supporting exact
// match, a trailing-"*" prefix fast path, and a regex fallback for
// anything with embedded wildcards. Adapted from the pattern-matching
// helper the rest of the pack uses for cache-key filtering, narrowed
// here to drive InvalidateByTagPattern's best-effort scan (spec §4.9,
// §9: "InvalidateByTagPattern has inconsistent support across tiers;
// treat as optional").
func matchPattern(pattern, tag string) bool {
	if pattern == "" {
		return false
	}
	if pattern == tag || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") && !strings.Contains(pattern[:len(pattern)-1], "*") {
		return strings.HasPrefix(tag, pattern[:len(pattern)-1])
	}

	re := compiledPattern(pattern)
	if re == nil {
		return false
	}
	return re.MatchString(tag)
}

var patternCache sync.Map // pattern string -> *regexp.Regexp

func compiledPattern(pattern string) *regexp.Regexp {
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp)
	}
	re, err := regexp.Compile("^" + globToRegex(pattern) + "$")
	if err != nil {
		return nil
	}
	patternCache.Store(pattern, re)
	return re
}

func globToRegex(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern) * 2)
	for i := 0; i < len(pattern); i++ {
		switch ch := pattern[i]; ch {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '.', '+', '(', ')', '|', '[', ']', '{', '}', '^', '$', '\\':
			b.WriteByte('\\')
			b.WriteByte(ch)
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// TagLister is an optional capability a StorageProvider may implement to
// support server-side tag scanning for InvalidateByTagPattern. Providers
// that don't implement it are simply skipped during a pattern
// invalidation (spec §9: per-tier limitations are expected and
// documented, not errors).
type TagLister interface {
	ListTags(prefix string) ([]string, error)
}
