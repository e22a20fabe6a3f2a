package domain

import "testing"

func TestAggregatePending(t *testing.T) {
	rows := []*PendingReevaluation{
		{URL: "https://a.com/1", Domain: "a.com", SourceID: "v1", Classification: URLClassMarketing, Confidence: 0.4, OccurrenceCount: 1},
		{URL: "https://b.com/1", Domain: "b.com", SourceID: "v1", Classification: URLClassContent, Confidence: 0.6, OccurrenceCount: 1},
		{URL: "https://a.com/2", Domain: "a.com", SourceID: "v2", Classification: URLClassContent, Confidence: 0.6, OccurrenceCount: 2},
		{URL: "https://a.com/1", Domain: "a.com", SourceID: "v3", Classification: URLClassContent, Confidence: 0.5, OccurrenceCount: 1},
		{URL: "https://b.com/2", Domain: "b.com", SourceID: "v1", Classification: URLClassContent, Confidence: 0.2, OccurrenceCount: 1},
		{URL: "https://c.com/1", Domain: "c.com", SourceID: "v1", Classification: URLClassContent, Confidence: 0.2, OccurrenceCount: 1},
	}

	got := AggregatePending(rows, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 domains, got %d", len(got))
	}

	// equal URL counts fall back to domain name
	a, b := got[0], got[1]
	if a.Domain != "a.com" || b.Domain != "b.com" {
		t.Fatalf("unexpected order %s, %s", a.Domain, b.Domain)
	}

	if a.URLCount != 2 {
		t.Errorf("a.com url count = %d, want 2 distinct urls", a.URLCount)
	}
	if a.URLs[0] != "https://a.com/1" || a.URLs[1] != "https://a.com/2" {
		t.Errorf("a.com urls out of order: %v", a.URLs)
	}
	if len(a.SourceIDs) != 3 {
		t.Errorf("a.com sources = %v", a.SourceIDs)
	}
	if a.TotalOccurrences != 4 {
		t.Errorf("a.com occurrences = %d, want 4", a.TotalOccurrences)
	}
	if a.Tentative["https://a.com/1"] != URLClassMarketing {
		t.Errorf("tentative label should be the first pending one")
	}
	if a.ClassificationCounts[URLClassContent] != 2 || a.ClassificationCounts[URLClassMarketing] != 1 {
		t.Errorf("unexpected counts %v", a.ClassificationCounts)
	}
	if a.AverageConfidence != 0.5 {
		t.Errorf("a.com average confidence = %v, want 0.5", a.AverageConfidence)
	}

	if len(AggregatePending(nil, 1)) != 0 {
		t.Error("expected no domains for empty input")
	}
}

func TestAggregatePendingPatternHits(t *testing.T) {
	rows := []*PendingReevaluation{
		{URL: "https://shop.io/1", Domain: "shop.io", SourceID: "v1", Classification: URLClassMarketing, OccurrenceCount: 2, MatchedPattern: "shop.io"},
		{URL: "https://shop.io/1", Domain: "shop.io", SourceID: "v2", Classification: URLClassMarketing, OccurrenceCount: 1, MatchedPattern: "shop.io"},
		{URL: "https://shop.io/2", Domain: "shop.io", SourceID: "v1", Classification: URLClassContent, OccurrenceCount: 1},
	}

	got := AggregatePending(rows, 1)
	if len(got) != 1 {
		t.Fatalf("expected 1 domain, got %d", len(got))
	}

	hits := got[0].PatternHits["https://shop.io/1"]
	if len(hits) != 1 {
		t.Fatalf("expected one hit for the matched url, got %d", len(hits))
	}
	if hits[0].Pattern != "shop.io" || hits[0].Classification != URLClassMarketing {
		t.Errorf("unexpected hit %+v", hits[0])
	}
	if hits[0].Applications != 3 {
		t.Errorf("applications = %d, want occurrences summed across sources", hits[0].Applications)
	}
	if _, ok := got[0].PatternHits["https://shop.io/2"]; ok {
		t.Error("url without a pattern decision should have no hits")
	}
}
