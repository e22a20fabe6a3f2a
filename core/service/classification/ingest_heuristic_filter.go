// Package classification implements the three-tier URL classification
// pipeline used on document descriptions.
//
//	Tier 1: Heuristic filter   → static blocklists, always final
//	Tier 2: Learned patterns   → rules promoted from earlier LLM decisions
//	Tier 3: LLM fallback       → everything still unresolved
//
// Low-confidence decisions are queued by the repository and revisited by the
// batch re-evaluation workflow with context aggregated across documents.
package classification

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Static Rules
// =============================================================================

// defaultBlockedDomains are payment/checkout, URL shortener and link
// aggregator hosts. A host matches when it equals an entry or is a subdomain.
var defaultBlockedDomains = []string{
	// payment / storefront
	"gumroad.com", "patreon.com", "ko-fi.com", "buymeacoffee.com", "paypal.me",
	"paypal.com", "teespring.com", "spring.com", "shopify.com",
	"etsy.com", "amazon.com", "amzn.com", "skillshare.com", "squarespace.com",
	"nordvpn.com", "expressvpn.com", "audible.com", "brilliant.org",
	// shorteners
	"bit.ly", "amzn.to", "geni.us", "tinyurl.com", "goo.gl", "ow.ly", "t.co",
	"rebrand.ly", "shorturl.at", "cutt.ly", "is.gd", "buff.ly", "tidd.ly",
	// link aggregators
	"linktr.ee", "beacons.ai", "linkin.bio", "lnk.to", "hoo.be", "campsite.bio",
	"bio.link", "msha.ke", "taplink.cc",
}

// defaultBlockedSubstrings are checkout keywords and tracking parameters.
// Entries starting with "/" must match whole path segments, so /buy blocks
// /buy/123 and /buy.html but not /buyers-guide. The rest match anywhere.
var defaultBlockedSubstrings = []string{
	"/checkout", "/buy", "/cart", "/subscribe", "/join", "/membership",
	"/affiliate", "utm_", "ref=", "affiliate=", "aff_id=", "affid=",
	"coupon=", "promo=", "discount=",
}

// socialProfileRule matches a bare profile link on a social platform.
type socialProfileRule struct {
	Name    string
	Pattern *regexp.Regexp
}

// defaultSocialProfiles recognise platform.com/username with no further
// path segments. Content pages on the same hosts (posts, videos) pass.
var defaultSocialProfiles = []socialProfileRule{
	{"twitter", regexp.MustCompile(`^(www\.)?(twitter|x)\.com/[A-Za-z0-9_]+/?$`)},
	{"instagram", regexp.MustCompile(`^(www\.)?instagram\.com/[A-Za-z0-9_.]+/?$`)},
	{"facebook", regexp.MustCompile(`^(www\.|m\.)?facebook\.com/[A-Za-z0-9.\-]+/?$`)},
	{"tiktok", regexp.MustCompile(`^(www\.)?tiktok\.com/@[A-Za-z0-9_.]+/?$`)},
	{"threads", regexp.MustCompile(`^(www\.)?threads\.net/@[A-Za-z0-9_.]+/?$`)},
	{"twitch", regexp.MustCompile(`^(www\.)?twitch\.tv/[A-Za-z0-9_]+/?$`)},
	{"discord", regexp.MustCompile(`^(www\.)?discord\.(gg|com/invite)/[A-Za-z0-9]+/?$`)},
	{"youtube", regexp.MustCompile(`^(www\.)?youtube\.com/(@[A-Za-z0-9_.\-]+|c/[A-Za-z0-9_.\-]+|user/[A-Za-z0-9_.\-]+|channel/[A-Za-z0-9_\-]+)/?$`)},
	{"linkedin", regexp.MustCompile(`^(www\.)?linkedin\.com/(in|company)/[A-Za-z0-9_\-]+/?$`)},
}

// =============================================================================
// Heuristic Filter
// =============================================================================

// BlockedURL is a URL rejected by the heuristic filter.
type BlockedURL struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// HeuristicResult partitions a URL list. Both slices keep input order.
type HeuristicResult struct {
	Blocked   []BlockedURL `json:"blocked"`
	Remaining []string     `json:"remaining"`
}

// HeuristicFilter applies static blocklists to URLs.
type HeuristicFilter struct {
	domains    []string
	substrings []string
	social     []socialProfileRule
}

// NewHeuristicFilter creates a filter with the built-in rules.
func NewHeuristicFilter() *HeuristicFilter {
	return &HeuristicFilter{
		domains:    append([]string(nil), defaultBlockedDomains...),
		substrings: append([]string(nil), defaultBlockedSubstrings...),
		social:     append([]socialProfileRule(nil), defaultSocialProfiles...),
	}
}

// IsBlocked checks the domain list, then the substring list, then social
// profile shapes, and returns the first matching reason.
func (f *HeuristicFilter) IsBlocked(rawURL string) (bool, string) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return false, ""
	}
	host := strings.ToLower(u.Hostname())

	for _, d := range f.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true, fmt.Sprintf("blocked domain: %s", d)
		}
	}

	lower := strings.ToLower(rawURL)
	path := strings.ToLower(u.EscapedPath())
	for _, s := range f.substrings {
		var matched bool
		if strings.HasPrefix(s, "/") {
			matched = hasPathSegment(path, s)
		} else {
			matched = strings.Contains(lower, s)
		}
		if matched {
			return true, fmt.Sprintf("blocked keyword: %s", s)
		}
	}

	hostPath := host + u.EscapedPath()
	if u.RawQuery == "" {
		for _, rule := range f.social {
			if rule.Pattern.MatchString(hostPath) {
				return true, fmt.Sprintf("social profile link: %s", rule.Name)
			}
		}
	}

	return false, ""
}

// hasPathSegment reports whether keyword occurs in path ending on a segment
// boundary: end of path, "/" or a file extension.
func hasPathSegment(path, keyword string) bool {
	keyword = strings.TrimSuffix(keyword, "/")
	for i := 0; i < len(path); {
		idx := strings.Index(path[i:], keyword)
		if idx < 0 {
			return false
		}
		end := i + idx + len(keyword)
		if end == len(path) || path[end] == '/' || path[end] == '.' {
			return true
		}
		i += idx + 1
	}
	return false
}

// Apply partitions urls into blocked and remaining.
func (f *HeuristicFilter) Apply(urls []string) *HeuristicResult {
	result := &HeuristicResult{
		Blocked:   make([]BlockedURL, 0),
		Remaining: make([]string, 0, len(urls)),
	}
	for _, u := range urls {
		if blocked, reason := f.IsBlocked(u); blocked {
			result.Blocked = append(result.Blocked, BlockedURL{URL: u, Reason: reason})
			continue
		}
		result.Remaining = append(result.Remaining, u)
	}
	return result
}

// =============================================================================
// Rule File
// =============================================================================

// HeuristicRules is the YAML rule file layout.
//
//	replace_defaults: false
//	blocked_domains: [example-shop.com]
//	blocked_substrings: ["/pricing"]
//	social_profiles:
//	  - name: mastodon
//	    pattern: '^mastodon\.social/@[A-Za-z0-9_]+/?$'
type HeuristicRules struct {
	ReplaceDefaults   bool     `yaml:"replace_defaults"`
	BlockedDomains    []string `yaml:"blocked_domains"`
	BlockedSubstrings []string `yaml:"blocked_substrings"`
	SocialProfiles    []struct {
		Name    string `yaml:"name"`
		Pattern string `yaml:"pattern"`
	} `yaml:"social_profiles"`
}

// ParseHeuristicRules builds a filter from YAML. Unless replace_defaults is
// set, the rules extend the built-in lists.
func ParseHeuristicRules(data []byte) (*HeuristicFilter, error) {
	var rules HeuristicRules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse heuristic rules: %w", err)
	}

	f := NewHeuristicFilter()
	if rules.ReplaceDefaults {
		f = &HeuristicFilter{}
	}
	for _, d := range rules.BlockedDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			f.domains = append(f.domains, d)
		}
	}
	for _, s := range rules.BlockedSubstrings {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			f.substrings = append(f.substrings, s)
		}
	}
	for _, sp := range rules.SocialProfiles {
		re, err := regexp.Compile(sp.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid social profile pattern %q: %w", sp.Name, err)
		}
		f.social = append(f.social, socialProfileRule{Name: sp.Name, Pattern: re})
	}
	return f, nil
}

// LoadHeuristicFilter reads a rule file. An empty path yields the built-in rules.
func LoadHeuristicFilter(path string) (*HeuristicFilter, error) {
	if path == "" {
		return NewHeuristicFilter(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read heuristic rules: %w", err)
	}
	return ParseHeuristicRules(data)
}
