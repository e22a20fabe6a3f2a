package classification

import (
	"net/url"
	"regexp"
	"strings"
)

var urlRegex = regexp.MustCompile(`(?i)https?://[^\s<>"'\x60{}|\\^\[\]]+`)

// trailingPunctuation is stripped from the end of a captured URL; prose tends
// to glue sentence punctuation onto links.
const trailingPunctuation = ".,;:!?'\"*"

// ExtractURLs returns every http(s) URL in text, deduplicated in first-seen
// order. Trailing punctuation and unbalanced closing parentheses are removed,
// scheme and host are lowercased, and URLs without a host are dropped.
func ExtractURLs(text string) []string {
	if text == "" {
		return []string{}
	}

	matches := urlRegex.FindAllString(text, -1)
	seen := make(map[string]struct{}, len(matches))
	urls := make([]string, 0, len(matches))

	for _, m := range matches {
		cleaned := lowerSchemeAndHost(cleanURL(m))
		if cleaned == "" {
			continue
		}
		if _, ok := seen[cleaned]; ok {
			continue
		}
		u, err := url.Parse(cleaned)
		if err != nil || u.Host == "" {
			continue
		}
		seen[cleaned] = struct{}{}
		urls = append(urls, cleaned)
	}

	return urls
}

func cleanURL(raw string) string {
	s := raw
	for {
		before := s
		s = strings.TrimRight(s, trailingPunctuation)
		for strings.HasSuffix(s, ")") && strings.Count(s, ")") > strings.Count(s, "(") {
			s = s[:len(s)-1]
		}
		if s == before {
			return s
		}
	}
}

// lowerSchemeAndHost folds the case-insensitive part of a URL so the same
// link written differently dedupes to one entry. Path and query keep their case.
func lowerSchemeAndHost(raw string) string {
	idx := strings.Index(raw, "://")
	if idx < 0 {
		return raw
	}
	rest := raw[idx+3:]
	hostEnd := strings.IndexAny(rest, "/?#")
	if hostEnd < 0 {
		hostEnd = len(rest)
	}
	return strings.ToLower(raw[:idx+3+hostEnd]) + rest[hostEnd:]
}
