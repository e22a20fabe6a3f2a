package acceptance

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"ingest_server/adapter/out/persistence"
	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/core/service/classification"
	"ingest_server/infra/database"

	"github.com/cucumber/godog"
)

// TestContext holds state between steps
type TestContext struct {
	dir      string
	store    *persistence.SQLClassificationStore
	pipeline *classification.URLPipeline
	result   *classification.DocumentClassificationResult
	domains  []*domain.DomainReevaluation
}

func (tc *TestContext) openStore(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
	dir, err := os.MkdirTemp("", "ingest-acceptance-*")
	if err != nil {
		return ctx, err
	}
	db, err := database.NewSQLite(filepath.Join(dir, "ingest.db"))
	if err != nil {
		return ctx, err
	}
	store, err := persistence.NewSQLClassificationStore(ctx, db, domain.DefaultPatternLearningConfig())
	if err != nil {
		return ctx, err
	}
	tc.dir = dir
	tc.store = store
	tc.pipeline = classification.NewURLPipeline(store, classification.NewHeuristicFilter(), nil, nil)
	return ctx, nil
}

func (tc *TestContext) closeStore(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
	if tc.store != nil {
		tc.store.Close()
	}
	if tc.dir != "" {
		os.RemoveAll(tc.dir)
	}
	return ctx, err
}

// parseList splits a comma separated step argument; "" is the empty list.
func parseList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func expectList(what string, got []string, want string) error {
	if got == nil {
		got = []string{}
	}
	if !reflect.DeepEqual(got, parseList(want)) {
		return fmt.Errorf("%s: expected %v, got %v", what, parseList(want), got)
	}
	return nil
}

func (tc *TestContext) checkExtraction(text, want string) error {
	return expectList("extracted urls", classification.ExtractURLs(text), want)
}

func (tc *TestContext) freshStore() error {
	return nil
}

func (tc *TestContext) addPattern(pattern, patternType, class string, confidence float64) error {
	_, err := tc.store.AddLearnedPattern(context.Background(), pattern, domain.PatternType(patternType), domain.URLClass(class), confidence)
	return err
}

func (tc *TestContext) classifyWithoutLLM(text, sourceID string) error {
	res, err := tc.pipeline.ClassifyURLsInDocument(context.Background(), sourceID, text, out.URLContext{}, classification.ClassifyOptions{})
	if err != nil {
		return err
	}
	tc.result = res
	return nil
}

func (tc *TestContext) checkBlocked(want string) error {
	got := make([]string, len(tc.result.BlockedURLs))
	for i, b := range tc.result.BlockedURLs {
		got[i] = b.URL
	}
	return expectList("blocked urls", got, want)
}

func (tc *TestContext) checkBlockedReason(url, fragment string) error {
	for _, b := range tc.result.BlockedURLs {
		if b.URL == url {
			if !strings.Contains(b.Reason, fragment) {
				return fmt.Errorf("reason %q does not mention %q", b.Reason, fragment)
			}
			return nil
		}
	}
	return fmt.Errorf("%s was not blocked", url)
}

func (tc *TestContext) checkContent(want string) error {
	return expectList("content urls", tc.result.ContentURLs, want)
}

func (tc *TestContext) checkMarketing(want string) error {
	return expectList("marketing urls", tc.result.MarketingURLs, want)
}

func (tc *TestContext) checkRecorded(url, class, method string) error {
	snap, err := tc.store.ExportSnapshot(context.Background())
	if err != nil {
		return err
	}
	for _, c := range snap.Classifications {
		if c.URL == url {
			if string(c.Classification) != class || string(c.Method) != method {
				return fmt.Errorf("%s recorded as %s by %s", url, c.Classification, c.Method)
			}
			return nil
		}
	}
	return fmt.Errorf("%s was not recorded", url)
}

func (tc *TestContext) stats(pattern string) (*domain.PatternStats, error) {
	stats, err := tc.store.GetPatternStats(context.Background(), pattern)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return nil, fmt.Errorf("pattern %q not found", pattern)
	}
	return stats, nil
}

func (tc *TestContext) checkTimesApplied(pattern string, times int) error {
	stats, err := tc.stats(pattern)
	if err != nil {
		return err
	}
	if stats.TimesApplied != int64(times) {
		return fmt.Errorf("expected %d applications, got %d", times, stats.TimesApplied)
	}
	return nil
}

func (tc *TestContext) applyPattern(url string, times int) error {
	for i := 0; i < times; i++ {
		m, err := tc.store.CheckLearnedPatterns(context.Background(), url)
		if err != nil {
			return err
		}
		if m == nil {
			return fmt.Errorf("%s matched no pattern on check %d", url, i+1)
		}
	}
	return nil
}

func (tc *TestContext) reportFeedback(correct, wrong int, pattern string) error {
	ctx := context.Background()
	for i := 0; i < correct; i++ {
		if err := tc.store.UpdatePatternStats(ctx, pattern, true); err != nil {
			return err
		}
	}
	for i := 0; i < wrong; i++ {
		if err := tc.store.UpdatePatternStats(ctx, pattern, false); err != nil {
			return err
		}
	}
	return nil
}

func (tc *TestContext) checkPrecisionAndStatus(pattern string, precision float64, status string) error {
	stats, err := tc.stats(pattern)
	if err != nil {
		return err
	}
	if math.Abs(stats.Precision-precision) > 0.01 {
		return fmt.Errorf("expected precision %.2f, got %.4f", precision, stats.Precision)
	}
	if string(stats.Status) != status {
		return fmt.Errorf("expected status %s, got %s", status, stats.Status)
	}
	return nil
}

func (tc *TestContext) checkNoMatch(url string) error {
	m, err := tc.store.CheckLearnedPatterns(context.Background(), url)
	if err != nil {
		return err
	}
	if m != nil {
		return fmt.Errorf("%s unexpectedly matched %q", url, m.Pattern)
	}
	return nil
}

func (tc *TestContext) recordClassification(class, url, sourceID string, confidence float64) error {
	_, err := tc.store.RecordClassification(context.Background(), &out.RecordClassificationInput{
		URL:            url,
		SourceID:       sourceID,
		Classification: domain.URLClass(class),
		Confidence:     confidence,
		Method:         domain.MethodLLM,
		Reason:         "acceptance",
	})
	return err
}

func (tc *TestContext) checkDomainCount(minCount, want int) error {
	domains, err := tc.store.GetDomainsForBatchReeval(context.Background(), minCount)
	if err != nil {
		return err
	}
	tc.domains = domains
	if len(domains) != want {
		return fmt.Errorf("expected %d domains, got %d", want, len(domains))
	}
	return nil
}

func (tc *TestContext) checkDomainURLs(name, want string) error {
	for _, d := range tc.domains {
		if d.Domain != name {
			continue
		}
		if d.URLCount != len(d.URLs) {
			return fmt.Errorf("url_count %d does not match %d urls", d.URLCount, len(d.URLs))
		}
		got := append([]string(nil), d.URLs...)
		expected := parseList(want)
		sort.Strings(got)
		sort.Strings(expected)
		if !reflect.DeepEqual(got, expected) {
			return fmt.Errorf("domain %s: expected %v, got %v", name, expected, got)
		}
		return nil
	}
	return fmt.Errorf("domain %s not returned", name)
}
