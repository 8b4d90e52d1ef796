// Package redact strips secrets (API keys, bearer tokens, the ingress
// signing key) from log output and audit payloads.
//
// Redaction works on string representations only. Keeping secrets away from
// log call sites is still the first line of defence.
package redact

import (
	"sort"
	"strings"
)

// Placeholder replaces every redacted value.
const Placeholder = "[REDACTED]"

// minLen is the shortest value treated as a secret; shorter ones would
// match ordinary words.
const minLen = 4

var sensitiveWords = []string{"password", "passwd", "token", "secret", "key", "credential", "auth"}

// Secrets is a set of literal values to strip from text.
type Secrets struct {
	r *strings.Replacer
}

// New builds a Secrets set. Blank, short and duplicate values are dropped.
func New(values ...string) Secrets {
	seen := make(map[string]bool, len(values))
	var keep []string
	for _, v := range values {
		if len(v) < minLen || seen[v] {
			continue
		}
		seen[v] = true
		keep = append(keep, v)
	}
	if len(keep) == 0 {
		return Secrets{}
	}
	// Longest first, so a secret containing another is replaced whole.
	sort.Slice(keep, func(i, j int) bool { return len(keep[i]) > len(keep[j]) })
	pairs := make([]string, 0, 2*len(keep))
	for _, v := range keep {
		pairs = append(pairs, v, Placeholder)
	}
	return Secrets{r: strings.NewReplacer(pairs...)}
}

// Empty reports whether the set holds no secrets.
func (s Secrets) Empty() bool {
	return s.r == nil
}

// String replaces every secret in text.
func (s Secrets) String(text string) string {
	if s.r == nil {
		return text
	}
	return s.r.Replace(text)
}

// Map returns a copy of m in which non-empty string values under keys that
// look like secrets (token, key, password and similar) are replaced. Nested
// maps are redacted the same way.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch tv := v.(type) {
		case string:
			if tv != "" && SensitiveKey(k) {
				out[k] = Placeholder
				continue
			}
		case map[string]any:
			out[k] = Map(tv)
			continue
		}
		out[k] = v
	}
	return out
}

// SensitiveKey reports whether a field name suggests it holds a secret.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, w := range sensitiveWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
