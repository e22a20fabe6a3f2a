package classification

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"ingest_server/adapter/out/persistence"
	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/infra/database"

	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *persistence.SQLClassificationStore {
	t.Helper()
	db, err := database.NewSQLite(filepath.Join(t.TempDir(), "classify.db"))
	require.NoError(t, err)

	store, err := persistence.NewSQLClassificationStore(context.Background(), db, domain.DefaultPatternLearningConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// scriptedLLM answers from a fixed table and records every URL it was asked about.
type scriptedLLM struct {
	mu      sync.Mutex
	answers map[string]*out.LLMURLClassification
	errs    map[string]error
	calls   []string
	ctxs    []out.URLContext
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		answers: make(map[string]*out.LLMURLClassification),
		errs:    make(map[string]error),
	}
}

func (l *scriptedLLM) answer(url string, class domain.URLClass, confidence float64) *out.LLMURLClassification {
	a := &out.LLMURLClassification{
		URL:            url,
		Classification: class,
		Confidence:     confidence,
		Reason:         "scripted",
	}
	l.answers[url] = a
	return a
}

func (l *scriptedLLM) ClassifyURL(_ context.Context, url string, uctx out.URLContext) (*out.LLMURLClassification, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, url)
	l.ctxs = append(l.ctxs, uctx)

	if err, ok := l.errs[url]; ok {
		return nil, err
	}
	if a, ok := l.answers[url]; ok {
		copied := *a
		return &copied, nil
	}
	return nil, fmt.Errorf("no scripted answer for %s", url)
}

func (l *scriptedLLM) called() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func exportClassifications(t *testing.T, repo *persistence.SQLClassificationStore) []*domain.URLClassification {
	t.Helper()
	snap, err := repo.ExportSnapshot(context.Background())
	require.NoError(t, err)
	return snap.Classifications
}

func classificationsFor(t *testing.T, repo *persistence.SQLClassificationStore, url string) []*domain.URLClassification {
	t.Helper()
	var res []*domain.URLClassification
	for _, c := range exportClassifications(t, repo) {
		if c.URL == url {
			res = append(res, c)
		}
	}
	return res
}
