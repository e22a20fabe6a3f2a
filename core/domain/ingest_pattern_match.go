package domain

import (
	"net/url"
	"strings"
)

// ExtractDomain returns the lowercased host[:port] of rawURL, or "" when the
// URL cannot be parsed.
func ExtractDomain(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// MatchesPattern reports whether rawURL satisfies pattern for the given type.
// Matching is case-insensitive containment. Unknown types never match.
func MatchesPattern(rawURL, pattern string, patternType PatternType) bool {
	if pattern == "" {
		return false
	}
	needle := strings.ToLower(pattern)

	switch patternType {
	case PatternTypeDomain:
		host := ExtractDomain(rawURL)
		return host != "" && strings.Contains(host, needle)
	case PatternTypeURLPattern:
		return strings.Contains(strings.ToLower(rawURL), needle)
	case PatternTypePath:
		u, err := url.Parse(strings.TrimSpace(rawURL))
		if err != nil {
			return false
		}
		return strings.Contains(strings.ToLower(u.Path), needle)
	default:
		return false
	}
}

// FindFirstMatch returns the first pattern in patterns that matches rawURL.
// Order decides ties; there is no notion of a more specific match.
func FindFirstMatch(rawURL string, patterns []*LearnedPattern) *LearnedPattern {
	for _, p := range patterns {
		if p == nil {
			continue
		}
		if MatchesPattern(rawURL, p.Pattern, p.PatternType) {
			return p
		}
	}
	return nil
}

// MatchReason is the human-readable reason attached to a learned-pattern hit.
func MatchReason(p *LearnedPattern) string {
	return "matched learned " + string(p.PatternType) + " pattern '" + p.Pattern + "'"
}

// NewPatternMatch builds the match result returned by repositories.
func NewPatternMatch(p *LearnedPattern) *PatternMatch {
	return &PatternMatch{
		Pattern:        p.Pattern,
		PatternType:    p.PatternType,
		Classification: p.Classification,
		Confidence:     p.SuggestedConfidence,
		Reason:         MatchReason(p),
	}
}
