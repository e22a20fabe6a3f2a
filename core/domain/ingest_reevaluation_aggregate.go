package domain

import "sort"

// AggregatePending groups active pending rows by domain. Rows must be in
// discovery order; URL lists keep that order. Domains with fewer than
// minCount distinct URLs are dropped, the rest are sorted by URL count
// descending, then by domain name.
func AggregatePending(rows []*PendingReevaluation, minCount int) []*DomainReevaluation {
	type acc struct {
		d       *DomainReevaluation
		sources map[string]bool
		confSum float64
		rows    int
	}

	byDomain := make(map[string]*acc)
	var order []string

	for _, r := range rows {
		a, ok := byDomain[r.Domain]
		if !ok {
			a = &acc{
				d: &DomainReevaluation{
					Domain:               r.Domain,
					URLs:                 []string{},
					SourceIDs:            []string{},
					ClassificationCounts: make(map[URLClass]int),
					Tentative:            make(map[string]URLClass),
					PatternHits:          make(map[string][]*PatternHit),
				},
				sources: make(map[string]bool),
			}
			byDomain[r.Domain] = a
			order = append(order, r.Domain)
		}

		if _, seen := a.d.Tentative[r.URL]; !seen {
			a.d.Tentative[r.URL] = r.Classification
			a.d.URLs = append(a.d.URLs, r.URL)
		}
		if r.SourceID != "" && !a.sources[r.SourceID] {
			a.sources[r.SourceID] = true
			a.d.SourceIDs = append(a.d.SourceIDs, r.SourceID)
		}
		if r.MatchedPattern != "" {
			a.d.PatternHits[r.URL] = addPatternHit(a.d.PatternHits[r.URL], r)
		}
		a.d.ClassificationCounts[r.Classification]++
		a.d.TotalOccurrences += r.OccurrenceCount
		a.confSum += r.Confidence
		a.rows++
	}

	result := make([]*DomainReevaluation, 0, len(order))
	for _, name := range order {
		a := byDomain[name]
		a.d.URLCount = len(a.d.URLs)
		if a.d.URLCount < minCount {
			continue
		}
		a.d.AverageConfidence = a.confSum / float64(a.rows)
		result = append(result, a.d)
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].URLCount != result[j].URLCount {
			return result[i].URLCount > result[j].URLCount
		}
		return result[i].Domain < result[j].Domain
	})
	return result
}

func addPatternHit(hits []*PatternHit, r *PendingReevaluation) []*PatternHit {
	for _, h := range hits {
		if h.Pattern == r.MatchedPattern {
			h.Applications += r.OccurrenceCount
			return hits
		}
	}
	return append(hits, &PatternHit{
		Pattern:        r.MatchedPattern,
		Classification: r.Classification,
		Applications:   r.OccurrenceCount,
	})
}
