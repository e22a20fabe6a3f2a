package migration

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"ingest_server/adapter/out/persistence"
	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/infra/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, name string) *persistence.SQLClassificationStore {
	t.Helper()
	db, err := database.NewSQLite(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	store, err := persistence.NewSQLClassificationStore(context.Background(), db, domain.DefaultPatternLearningConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seed(t *testing.T, s *persistence.SQLClassificationStore) {
	t.Helper()
	ctx := context.Background()

	for _, u := range []string{"https://shop.example/a", "https://shop.example/b"} {
		_, err := s.RecordClassification(ctx, &out.RecordClassificationInput{
			URL: u, SourceID: "vid-1", Classification: domain.URLClassMarketing,
			Confidence: 0.4, Method: domain.MethodLLM, Reason: "unsure",
		})
		require.NoError(t, err)
	}
	_, err := s.RecordClassification(ctx, &out.RecordClassificationInput{
		URL: "https://github.com/x/y", SourceID: "vid-1", Classification: domain.URLClassContent,
		Confidence: 0.95, Method: domain.MethodLLM, Reason: "repo",
	})
	require.NoError(t, err)

	_, err = s.AddLearnedPattern(ctx, "github.com", domain.PatternTypeDomain, domain.URLClassContent, 0.95)
	require.NoError(t, err)
	_, err = s.CheckLearnedPatterns(ctx, "https://github.com/other")
	require.NoError(t, err)
	require.NoError(t, s.MarkReevaluated(ctx, "https://shop.example/b", domain.URLClassMarketing, 0.9))
}

func TestMigrateCopiesEverythingOnce(t *testing.T) {
	ctx := context.Background()
	src := newStore(t, "src")
	dst := newStore(t, "dst")
	seed(t, src)

	svc := NewService()
	report, err := svc.Migrate(ctx, "sqlite-a", src, "sqlite-b", dst)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Exported.Classifications)
	assert.Equal(t, 1, report.Exported.Patterns)
	assert.Equal(t, 2, report.Exported.Pending)
	assert.Equal(t, report.Exported, *report.Imported)

	stats, err := dst.GetPatternStats(ctx, "github.com")
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, int64(1), stats.TimesApplied)

	domains, err := dst.GetDomainsForBatchReeval(ctx, 1)
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.Equal(t, []string{"https://shop.example/a"}, domains[0].URLs)

	report, err = svc.Migrate(ctx, "sqlite-a", src, "sqlite-b", dst)
	require.NoError(t, err)
	assert.Equal(t, out.ImportStats{}, *report.Imported, "rerun imports nothing")
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newStore(t, "src")
	dst := newStore(t, "dst")
	seed(t, src)

	svc := NewService()
	var buf bytes.Buffer
	exported, err := svc.WriteSnapshot(ctx, src, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, exported.Classifications)
	assert.Contains(t, buf.String(), `"pattern": "github.com"`)

	imported, err := svc.ReadSnapshot(ctx, &buf, dst)
	require.NoError(t, err)
	assert.Equal(t, *exported, *imported)

	low, err := dst.GetLowConfidenceURLs(ctx, 0.7)
	require.NoError(t, err)
	assert.Len(t, low, 2)
}

func TestReadSnapshotRejectsGarbage(t *testing.T) {
	_, err := NewService().ReadSnapshot(context.Background(), strings.NewReader("{not json"), newStore(t, "dst"))
	assert.Error(t, err)
}
