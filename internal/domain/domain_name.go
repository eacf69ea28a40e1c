package domain

import (
	"fmt"
	"iter"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

const MaxDomainLength = 253

const forbiddenDomainChars = `/\?#[]@`

// IsValidDomain reports whether d is acceptable as a blocklist or override key:
// non-empty, at most 253 bytes, no leading or trailing dot and none of the
// characters / \ ? # [ ] @.
func IsValidDomain(d string) bool {
	if d == "" || len(d) > MaxDomainLength {
		return false
	}
	if strings.HasPrefix(d, ".") || strings.HasSuffix(d, ".") {
		return false
	}
	return !strings.ContainsAny(d, forbiddenDomainChars)
}

// NormalizeDomain trims and lowercases raw, converts internationalized names
// to their ASCII form and validates the result. A leading "*." wildcard is kept.
func NormalizeDomain(raw string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(raw))
	if !isASCII(d) {
		wildcard := strings.HasPrefix(d, "*.")
		converted, err := idna.ToASCII(strings.TrimPrefix(d, "*."))
		if err != nil {
			return "", fmt.Errorf("%w: domain %q: %v", ErrValidation, raw, err)
		}
		d = converted
		if wildcard {
			d = "*." + d
		}
	}
	if !IsValidDomain(d) {
		return "", fmt.Errorf("%w: invalid domain %q", ErrValidation, raw)
	}
	return d, nil
}

// WildcardCandidates yields the keys a blocklist set may hold for d, most
// specific first: d itself, then "*." + d, then "*." + every parent suffix.
func WildcardCandidates(d string) iter.Seq[string] {
	return func(yield func(string) bool) {
		if d == "" || !yield(d) || !yield("*."+d) {
			return
		}
		for i := 0; i < len(d); i++ {
			if d[i] == '.' && i+1 < len(d) && !yield("*."+d[i+1:]) {
				return
			}
		}
	}
}

// MatchesPattern reports whether domain is matched by pattern. A pattern of
// the form "*.suffix" matches suffix itself and any name ending in ".suffix";
// other patterns match exactly. Both sides compare case-insensitively.
func MatchesPattern(domain, pattern string) bool {
	domain = strings.ToLower(domain)
	pattern = strings.ToLower(pattern)
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return domain == suffix || strings.HasSuffix(domain, "."+suffix)
	}
	return domain == pattern
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
