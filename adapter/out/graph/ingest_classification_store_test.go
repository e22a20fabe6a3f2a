package graph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"ingest_server/adapter/out/persistence"
	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/infra/database"
	"ingest_server/pkg/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a disposable Neo4j, e.g. NEO4J_TEST_URL=neo4j://localhost:7687.
// Every test deletes all classification nodes before it runs.
func newTestStore(t *testing.T) *ClassificationStore {
	t.Helper()
	url := os.Getenv("NEO4J_TEST_URL")
	if url == "" {
		t.Skip("NEO4J_TEST_URL not set")
	}

	driver, err := NewDriver(url, os.Getenv("NEO4J_TEST_USER"), os.Getenv("NEO4J_TEST_PASSWORD"))
	require.NoError(t, err)

	ctx := context.Background()
	store, err := NewClassificationStore(ctx, driver, os.Getenv("NEO4J_TEST_DATABASE"), domain.DefaultPatternLearningConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, _, err = store.run(ctx, `
		MATCH (n) WHERE n:URLClassification OR n:LearnedPattern OR n:PendingReevaluation OR n:Domain
		DETACH DELETE n`, nil)
	require.NoError(t, err)
	return store
}

func record(t *testing.T, s *ClassificationStore, url, source string, class domain.URLClass, conf float64) {
	t.Helper()
	_, err := s.RecordClassification(context.Background(), &out.RecordClassificationInput{
		URL:            url,
		SourceID:       source,
		Classification: class,
		Confidence:     conf,
		Method:         domain.MethodLLM,
		Reason:         "test",
	})
	require.NoError(t, err)
}

func applyPattern(t *testing.T, s *ClassificationStore, url string, times int) {
	t.Helper()
	for i := 0; i < times; i++ {
		m, err := s.CheckLearnedPatterns(context.Background(), url)
		require.NoError(t, err)
		require.NotNil(t, m)
	}
}

func TestAddLearnedPatternFirstWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.AddLearnedPattern(ctx, "example.com", domain.PatternTypeDomain, domain.URLClassContent, 0.9)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.AddLearnedPattern(ctx, "example.com", domain.PatternTypePath, domain.URLClassMarketing, 0.3)
	require.NoError(t, err)
	assert.False(t, created)

	patterns, err := s.ListPatterns(ctx, "")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, domain.URLClassContent, patterns[0].Classification)
	assert.Equal(t, domain.PatternTypeDomain, patterns[0].PatternType)
	assert.Equal(t, 0.9, patterns[0].SuggestedConfidence)
	assert.Equal(t, 1.0, patterns[0].Precision)
	assert.Equal(t, domain.PatternStatusActive, patterns[0].Status)
}

func TestCheckLearnedPatternsCountsApplication(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddLearnedPattern(ctx, "example.com", domain.PatternTypeDomain, domain.URLClassContent, 0.9)
	require.NoError(t, err)

	m, err := s.CheckLearnedPatterns(ctx, "https://EXAMPLE.com/page")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, domain.URLClassContent, m.Classification)

	stats, err := s.GetPatternStats(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TimesApplied)
	assert.NotNil(t, stats.LastUsedAt)

	m, err = s.CheckLearnedPatterns(ctx, "https://unrelated.org/")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestCheckLearnedPatternsFirstInsertedWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddLearnedPattern(ctx, "/shop", domain.PatternTypePath, domain.URLClassMarketing, 0.8)
	require.NoError(t, err)
	_, err = s.AddLearnedPattern(ctx, "example.com", domain.PatternTypeDomain, domain.URLClassContent, 0.9)
	require.NoError(t, err)

	m, err := s.CheckLearnedPatterns(ctx, "https://example.com/shop/item")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "/shop", m.Pattern)
}

func TestUpdatePatternStatsPrecision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddLearnedPattern(ctx, "example.com", domain.PatternTypeDomain, domain.URLClassContent, 0.9)
	require.NoError(t, err)
	applyPattern(t, s, "https://example.com/a", 4)

	for _, correct := range []bool{true, true, false, true} {
		require.NoError(t, s.UpdatePatternStats(ctx, "example.com", correct))
	}

	stats, err := s.GetPatternStats(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.CorrectCount)
	assert.InDelta(t, 0.75, stats.Precision, 1e-9)
	assert.Equal(t, domain.PatternStatusActive, stats.Status)
}

func TestUpdatePatternStatsDemotesAfterSample(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddLearnedPattern(ctx, "example.com", domain.PatternTypeDomain, domain.URLClassContent, 0.9)
	require.NoError(t, err)
	applyPattern(t, s, "https://example.com/a", 5)

	for _, correct := range []bool{false, false, false, true, true} {
		require.NoError(t, s.UpdatePatternStats(ctx, "example.com", correct))
	}

	stats, err := s.GetPatternStats(ctx, "example.com")
	require.NoError(t, err)
	require.NotNil(t, stats, "demoted patterns stay retrievable")
	assert.InDelta(t, 0.4, stats.Precision, 1e-9)
	assert.Equal(t, domain.PatternStatusInactive, stats.Status)

	m, err := s.CheckLearnedPatterns(ctx, "https://example.com/b")
	require.NoError(t, err)
	assert.Nil(t, m, "inactive patterns are not matched")
}

func TestUpdatePatternStatsSmallSampleStaysActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddLearnedPattern(ctx, "example.com", domain.PatternTypeDomain, domain.URLClassContent, 0.9)
	require.NoError(t, err)
	applyPattern(t, s, "https://example.com/a", 1)
	require.NoError(t, s.UpdatePatternStats(ctx, "example.com", false))

	stats, err := s.GetPatternStats(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 0.0, stats.Precision)
	assert.Equal(t, domain.PatternStatusActive, stats.Status)
}

func TestUnknownPatternWritesAreNoops(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.NoError(t, s.UpdatePatternStats(ctx, "missing.com", true))

	ok, err := s.SetPatternStatus(ctx, "missing.com", domain.PatternStatusInactive)
	assert.NoError(t, err)
	assert.False(t, ok)

	stats, err := s.GetPatternStats(ctx, "missing.com")
	assert.NoError(t, err)
	assert.Nil(t, stats)
}

func TestLowConfidenceQueueAggregatesPerDomain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record(t, s, "https://shop.example.com/a", "vid-1", domain.URLClassMarketing, 0.5)
	record(t, s, "https://shop.example.com/b", "vid-2", domain.URLClassMarketing, 0.5)
	record(t, s, "https://shop.example.com/c", "vid-3", domain.URLClassMarketing, 0.5)
	record(t, s, "https://other.net/x", "vid-1", domain.URLClassMarketing, 0.4)
	record(t, s, "https://confident.io/x", "vid-1", domain.URLClassContent, 0.95)

	domains, err := s.GetDomainsForBatchReeval(ctx, 3)
	require.NoError(t, err)
	require.Len(t, domains, 1)

	d := domains[0]
	assert.Equal(t, "shop.example.com", d.Domain)
	assert.Equal(t, 3, d.URLCount)
	assert.Equal(t, []string{
		"https://shop.example.com/a",
		"https://shop.example.com/b",
		"https://shop.example.com/c",
	}, d.URLs)
	assert.InDelta(t, 0.5, d.AverageConfidence, 1e-9)
}

func TestPendingMergesRepeatedURL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record(t, s, "https://x.example/a", "vid-1", domain.URLClassMarketing, 0.5)
	record(t, s, "https://x.example/a", "vid-1", domain.URLClassMarketing, 0.6)

	domains, err := s.GetDomainsForBatchReeval(ctx, 1)
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.Equal(t, 1, domains[0].URLCount)
	assert.Equal(t, int64(2), domains[0].TotalOccurrences)
}

func TestPendingKeepsMatchedPattern(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.RecordClassification(ctx, &out.RecordClassificationInput{
			URL:            "https://deals.example.org/a",
			SourceID:       "vid-1",
			Classification: domain.URLClassMarketing,
			Confidence:     0.6,
			Method:         domain.MethodLearnedPattern,
			MatchedPattern: "deals.example.org",
		})
		require.NoError(t, err)
	}

	domains, err := s.GetDomainsForBatchReeval(ctx, 1)
	require.NoError(t, err)
	require.Len(t, domains, 1)
	hits := domains[0].PatternHits["https://deals.example.org/a"]
	require.Len(t, hits, 1)
	assert.Equal(t, "deals.example.org", hits[0].Pattern)
	assert.Equal(t, int64(2), hits[0].Applications)
}

func TestMarkReevaluatedKeepsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record(t, s, "https://x.example/a", "vid-1", domain.URLClassMarketing, 0.5)
	record(t, s, "https://x.example/a", "vid-2", domain.URLClassMarketing, 0.5)
	record(t, s, "https://x.example/b", "vid-1", domain.URLClassMarketing, 0.5)

	require.NoError(t, s.MarkReevaluated(ctx, "https://x.example/a", domain.URLClassContent, 0.9))

	domains, err := s.GetDomainsForBatchReeval(ctx, 1)
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.Equal(t, []string{"https://x.example/b"}, domains[0].URLs)

	low, err := s.GetLowConfidenceURLs(ctx, 0.7)
	require.NoError(t, err)
	assert.Len(t, low, 3, "original decisions are never altered")

	// closed rows release their key, so a new sighting queues again
	record(t, s, "https://x.example/a", "vid-1", domain.URLClassMarketing, 0.5)
	domains, err = s.GetDomainsForBatchReeval(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, domains[0].URLCount)
}

func TestNoRequeueSkipsQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.RecordClassification(ctx, &out.RecordClassificationInput{
		URL:            "https://x.example/a",
		SourceID:       "reeval:run",
		Classification: domain.URLClassMarketing,
		Confidence:     0.3,
		Method:         domain.MethodLLM,
		NoRequeue:      true,
	})
	require.NoError(t, err)

	domains, err := s.GetDomainsForBatchReeval(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, domains)
}

func TestEffectivenessReport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"a.com", "b.com", "c.com"} {
		_, err := s.AddLearnedPattern(ctx, p, domain.PatternTypeDomain, domain.URLClassContent, 0.9)
		require.NoError(t, err)
	}
	applyPattern(t, s, "https://b.com/x", 6)
	applyPattern(t, s, "https://a.com/x", 2)
	for i := 0; i < 6; i++ {
		require.NoError(t, s.UpdatePatternStats(ctx, "b.com", i == 0))
	}
	_, err := s.SetPatternStatus(ctx, "c.com", domain.PatternStatusPendingReview)
	require.NoError(t, err)
	record(t, s, "https://low.example/1", "vid", domain.URLClassMarketing, 0.5)

	report, err := s.GetPatternEffectivenessReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.TotalPatterns)
	assert.Equal(t, 1, report.ActivePatterns)
	assert.Equal(t, 1, report.InactivePatterns)
	assert.Equal(t, 1, report.PendingReviewPatterns)
	assert.Equal(t, 1, report.PendingReevaluationCnt)

	require.Len(t, report.TopPatterns, 1)
	assert.Equal(t, "a.com", report.TopPatterns[0].Pattern)
	require.Len(t, report.LowPerformingPatterns, 1)
	assert.Equal(t, "b.com", report.LowPerformingPatterns[0].Pattern)
}

func TestConcurrentApplicationsAreNotLost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddLearnedPattern(ctx, "example.com", domain.PatternTypeDomain, domain.URLClassContent, 0.9)
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers*2)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.CheckLearnedPatterns(ctx, fmt.Sprintf("https://example.com/%d", i)); err != nil {
				errs <- err
			}
			if _, err := s.RecordClassification(ctx, &out.RecordClassificationInput{
				URL:            "https://low.example/same",
				SourceID:       "vid",
				Classification: domain.URLClassMarketing,
				Confidence:     0.5,
				Method:         domain.MethodLLM,
			}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stats, err := s.GetPatternStats(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(workers), stats.TimesApplied)

	domains, err := s.GetDomainsForBatchReeval(ctx, 1)
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.Equal(t, 1, domains[0].URLCount)
	assert.Equal(t, int64(workers), domains[0].TotalOccurrences)
}

func TestSnapshotFromSQLite(t *testing.T) {
	dst := newTestStore(t)
	ctx := context.Background()

	db, err := database.NewSQLite(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	src, err := persistence.NewSQLClassificationStore(ctx, db, domain.DefaultPatternLearningConfig())
	require.NoError(t, err)
	defer src.Close()

	_, err = src.AddLearnedPattern(ctx, "a.com", domain.PatternTypeDomain, domain.URLClassContent, 0.9)
	require.NoError(t, err)
	_, err = src.AddLearnedPattern(ctx, "/buy", domain.PatternTypePath, domain.URLClassMarketing, 0.8)
	require.NoError(t, err)
	_, err = src.CheckLearnedPatterns(ctx, "https://a.com/x")
	require.NoError(t, err)
	for _, u := range []string{"https://low.example/1", "https://ok.example/1"} {
		conf := 0.5
		if u == "https://ok.example/1" {
			conf = 0.9
		}
		_, err = src.RecordClassification(ctx, &out.RecordClassificationInput{
			URL: u, SourceID: "vid", Classification: domain.URLClassMarketing, Confidence: conf, Method: domain.MethodLLM,
		})
		require.NoError(t, err)
	}

	snap, err := src.ExportSnapshot(ctx)
	require.NoError(t, err)

	stats, err := dst.ImportSnapshot(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, out.ImportStats{Classifications: 2, Patterns: 2, Pending: 1}, *stats)

	again, err := dst.ImportSnapshot(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, out.ImportStats{}, *again, "reimport creates nothing")

	patterns, err := dst.ListPatterns(ctx, "")
	require.NoError(t, err)
	require.Len(t, patterns, 2)
	assert.Equal(t, "a.com", patterns[0].Pattern, "insertion order survives")
	assert.Equal(t, int64(1), patterns[0].TimesApplied)

	domains, err := dst.GetDomainsForBatchReeval(ctx, 1)
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.Equal(t, "low.example", domains[0].Domain)

	// imported active rows keep merging with new sightings
	record(t, dst, "https://low.example/1", "vid", domain.URLClassMarketing, 0.5)
	domains, err = dst.GetDomainsForBatchReeval(ctx, 1)
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.Equal(t, int64(2), domains[0].TotalOccurrences)
}

func TestStorageErrorsAreTyped(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())
	ctx := context.Background()

	_, err := s.GetDomainsForBatchReeval(ctx, 1)
	assert.True(t, apperr.IsDatabaseError(err), "got %v", err)

	_, err = s.GetPatternEffectivenessReport(ctx)
	assert.True(t, apperr.IsDatabaseError(err), "got %v", err)
}
