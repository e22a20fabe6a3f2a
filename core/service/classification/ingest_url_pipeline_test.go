package classification

import (
	"context"
	"errors"
	"sync"
	"testing"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineHeuristicOnly(t *testing.T) {
	repo := newTestRepo(t)
	p := NewURLPipeline(repo, nil, nil, nil)

	res, err := p.ClassifyURLsInDocument(context.Background(), "vid-a",
		"See https://github.com/x/y and https://gumroad.com/z.com", out.URLContext{}, ClassifyOptions{UseLLM: true})
	require.NoError(t, err)

	require.Len(t, res.BlockedURLs, 1)
	assert.Equal(t, "https://gumroad.com/z.com", res.BlockedURLs[0].URL)
	assert.Contains(t, res.BlockedURLs[0].Reason, "gumroad")
	assert.Equal(t, []string{"https://github.com/x/y"}, res.ContentURLs)
	assert.Empty(t, res.MarketingURLs)
	assert.Equal(t, []string{"https://github.com/x/y", "https://gumroad.com/z.com"}, res.AllURLs)

	recorded := classificationsFor(t, repo, "https://gumroad.com/z.com")
	require.Len(t, recorded, 1)
	assert.Equal(t, domain.MethodHeuristic, recorded[0].Method)
	assert.Equal(t, domain.URLClassMarketing, recorded[0].Classification)
	assert.Equal(t, 1.0, recorded[0].Confidence)

	assert.Empty(t, classificationsFor(t, repo, "https://github.com/x/y"), "unresolved urls are not recorded without the LLM")
}

func TestPipelineLearnedPatternHit(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	_, err := repo.AddLearnedPattern(ctx, "example.com", domain.PatternTypeDomain, domain.URLClassContent, 0.9)
	require.NoError(t, err)

	llm := newScriptedLLM()
	p := NewURLPipeline(repo, nil, llm, nil)

	res, err := p.FilterURLs(ctx, "vid-b", []string{"https://example.com/page"}, out.URLContext{}, ClassifyOptions{UseLLM: true})
	require.NoError(t, err)

	assert.Empty(t, llm.called())
	require.Len(t, res.PatternMatchedURLs, 1)
	assert.Equal(t, "example.com", res.PatternMatchedURLs[0].Pattern)
	assert.Equal(t, []string{"https://example.com/page"}, res.ContentURLs)

	recorded := classificationsFor(t, repo, "https://example.com/page")
	require.Len(t, recorded, 1)
	assert.Equal(t, domain.MethodLearnedPattern, recorded[0].Method)
	assert.Equal(t, 0.9, recorded[0].Confidence)

	stats, err := repo.GetPatternStats(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TimesApplied)
}

func TestPipelineNeverSendsBlockedURLsToLLM(t *testing.T) {
	repo := newTestRepo(t)
	llm := newScriptedLLM()
	llm.answer("https://docs.example.org/guide", domain.URLClassContent, 0.95)
	p := NewURLPipeline(repo, nil, llm, nil)

	urls := []string{
		"https://bit.ly/abc",
		"https://docs.example.org/guide",
		"https://patreon.com/creator",
		"https://twitter.com/creator",
	}
	res, err := p.FilterURLs(context.Background(), "vid", urls, out.URLContext{}, ClassifyOptions{UseLLM: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://docs.example.org/guide"}, llm.called())
	assert.Len(t, res.BlockedURLs, 3)
	assert.Equal(t, []string{"https://docs.example.org/guide"}, res.ContentURLs)
}

func TestPipelineLLMErrorFailsSafe(t *testing.T) {
	repo := newTestRepo(t)
	llm := newScriptedLLM()
	llm.answer("https://a.example.org/1", domain.URLClassContent, 0.9)
	llm.errs["https://b.example.org/2"] = errors.New("provider exploded")
	llm.answer("https://c.example.org/3", domain.URLClassContent, 0.8)
	p := NewURLPipeline(repo, nil, llm, nil)

	urls := []string{"https://a.example.org/1", "https://b.example.org/2", "https://c.example.org/3"}
	res, err := p.FilterURLs(context.Background(), "vid", urls, out.URLContext{}, ClassifyOptions{UseLLM: true})
	require.NoError(t, err)

	assert.Equal(t, urls, llm.called())
	assert.Equal(t, []string{"https://b.example.org/2"}, res.MarketingURLs)
	assert.Equal(t, []string{"https://a.example.org/1", "https://c.example.org/3"}, res.ContentURLs)
	require.Len(t, res.LLMFailures, 1)
	assert.Contains(t, res.LLMFailures[0].Error, "provider exploded")
	assert.Len(t, res.LLMClassifications, 2)

	recorded := classificationsFor(t, repo, "https://b.example.org/2")
	require.Len(t, recorded, 1)
	assert.Equal(t, domain.URLClassMarketing, recorded[0].Classification)
	assert.Equal(t, 0.0, recorded[0].Confidence)
	assert.Equal(t, domain.MethodLLM, recorded[0].Method)

	low, err := repo.GetLowConfidenceURLs(context.Background(), 0.7)
	require.NoError(t, err)
	require.NotEmpty(t, low)
	assert.Equal(t, "https://b.example.org/2", low[0].URL)
}

func TestPipelinePreservesDiscoveryOrder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	_, err := repo.AddLearnedPattern(ctx, "good.example", domain.PatternTypeDomain, domain.URLClassContent, 0.9)
	require.NoError(t, err)
	_, err = repo.AddLearnedPattern(ctx, "/sponsor", domain.PatternTypePath, domain.URLClassMarketing, 0.9)
	require.NoError(t, err)

	llm := newScriptedLLM()
	llm.answer("https://llm.example/one", domain.URLClassContent, 0.9)
	llm.answer("https://llm.example/two", domain.URLClassMarketing, 0.9)
	llm.answer("https://llm.example/three", domain.URLClassContent, 0.9)
	p := NewURLPipeline(repo, nil, llm, nil)

	urls := []string{
		"https://llm.example/one",
		"https://good.example/a",
		"https://llm.example/two",
		"https://x.example/sponsor",
		"https://llm.example/three",
		"https://good.example/b",
	}
	res, err := p.FilterURLs(ctx, "vid", urls, out.URLContext{}, ClassifyOptions{UseLLM: true})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://llm.example/one",
		"https://good.example/a",
		"https://llm.example/three",
		"https://good.example/b",
	}, res.ContentURLs)
	assert.Equal(t, []string{"https://llm.example/two", "https://x.example/sponsor"}, res.MarketingURLs)
	require.Len(t, res.PatternMatchedURLs, 3)
	assert.Equal(t, "https://good.example/a", res.PatternMatchedURLs[0].URL)
	assert.Equal(t, "https://x.example/sponsor", res.PatternMatchedURLs[1].URL)
	assert.Equal(t, "https://good.example/b", res.PatternMatchedURLs[2].URL)
}

func TestPipelinePromotesConfidentSuggestions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	llm := newScriptedLLM()

	first := llm.answer("https://docs.example.org/guide", domain.URLClassContent, 0.9)
	first.SuggestedPattern = &domain.SuggestedPattern{Pattern: "docs.example.org", Type: domain.PatternTypeDomain}
	first.CostUSD = 0.002

	weak := llm.answer("https://shop.example.net/item", domain.URLClassMarketing, 0.6)
	weak.SuggestedPattern = &domain.SuggestedPattern{Pattern: "shop.example.net", Type: domain.PatternTypeDomain}
	weak.CostUSD = 0.001

	p := NewURLPipeline(repo, nil, llm, nil)

	res, err := p.FilterURLs(ctx, "vid-1", []string{"https://docs.example.org/guide", "https://shop.example.net/item"},
		out.URLContext{}, ClassifyOptions{UseLLM: true})
	require.NoError(t, err)
	assert.InDelta(t, 0.003, res.TotalCostUSD, 1e-9)

	patterns, err := repo.ListPatterns(ctx, "")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "docs.example.org", patterns[0].Pattern)
	assert.Equal(t, domain.URLClassContent, patterns[0].Classification)

	res, err = p.FilterURLs(ctx, "vid-2", []string{"https://docs.example.org/other"}, out.URLContext{}, ClassifyOptions{UseLLM: true})
	require.NoError(t, err)
	assert.Len(t, res.PatternMatchedURLs, 1)
	assert.Len(t, llm.called(), 2, "second document is served by the learned pattern")

	low, err := repo.GetDomainsForBatchReeval(ctx, 1)
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, "shop.example.net", low[0].Domain)
}

func TestPipelineInvalidLLMClassIsMarketing(t *testing.T) {
	repo := newTestRepo(t)
	llm := newScriptedLLM()
	llm.answer("https://odd.example/x", domain.URLClass("sponsored"), 1.7)
	p := NewURLPipeline(repo, nil, llm, nil)

	res, err := p.FilterURLs(context.Background(), "vid", []string{"https://odd.example/x"}, out.URLContext{}, ClassifyOptions{UseLLM: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://odd.example/x"}, res.MarketingURLs)

	recorded := classificationsFor(t, repo, "https://odd.example/x")
	require.Len(t, recorded, 1)
	assert.Equal(t, domain.URLClassMarketing, recorded[0].Classification)
	assert.Equal(t, 1.0, recorded[0].Confidence)
}

func TestPipelineUseLLMFalse(t *testing.T) {
	repo := newTestRepo(t)
	llm := newScriptedLLM()
	p := NewURLPipeline(repo, nil, llm, nil)

	res, err := p.FilterURLs(context.Background(), "vid", []string{"https://a.example/1"}, out.URLContext{}, ClassifyOptions{UseLLM: false})
	require.NoError(t, err)
	assert.Empty(t, llm.called())
	assert.Equal(t, []string{"https://a.example/1"}, res.ContentURLs)
}

func TestPipelinePassesExcerptToLLM(t *testing.T) {
	repo := newTestRepo(t)
	llm := newScriptedLLM()
	llm.answer("https://a.example/1", domain.URLClassContent, 0.9)
	p := NewURLPipeline(repo, nil, llm, nil)

	_, err := p.ClassifyURLsInDocument(context.Background(), "vid", "Read https://a.example/1 first",
		out.URLContext{Title: "Intro to Go"}, ClassifyOptions{UseLLM: true})
	require.NoError(t, err)

	require.Len(t, llm.ctxs, 1)
	assert.Equal(t, "Intro to Go", llm.ctxs[0].Title)
	assert.Equal(t, "Read https://a.example/1 first", llm.ctxs[0].DescriptionExcerpt)
}

type memoryDocuments struct {
	mu    sync.Mutex
	docs  map[string]*out.SourceDocument
	saved map[string]*out.DocumentURLLists
}

func (m *memoryDocuments) GetDocument(_ context.Context, id string) (*out.SourceDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[id], nil
}

func (m *memoryDocuments) SaveURLLists(_ context.Context, id string, lists *out.DocumentURLLists) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]*out.DocumentURLLists)
	}
	m.saved[id] = lists
	return nil
}

func TestClassifyDocument(t *testing.T) {
	repo := newTestRepo(t)
	docs := &memoryDocuments{docs: map[string]*out.SourceDocument{
		"vid-1": {
			ID:          "vid-1",
			Title:       "Building a compiler",
			Description: "Source: https://github.com/x/y\nMerch: https://teespring.com/store",
			SourceName:  "Compiler Channel",
		},
	}}

	t.Run("without source", func(t *testing.T) {
		p := NewURLPipeline(repo, nil, nil, nil)
		_, err := p.ClassifyDocument(context.Background(), "vid-1", ClassifyOptions{})
		assert.True(t, apperr.IsCode(err, apperr.CodeUnavailable))
	})

	t.Run("writes lists back", func(t *testing.T) {
		cfg := DefaultPipelineConfig()
		cfg.WriteBack = true
		p := NewURLPipeline(repo, nil, nil, cfg)
		p.SetDocumentSource(docs, docs)

		res, err := p.ClassifyDocument(context.Background(), "vid-1", ClassifyOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"https://github.com/x/y"}, res.ContentURLs)

		saved := docs.saved["vid-1"]
		require.NotNil(t, saved)
		assert.Equal(t, []string{"https://github.com/x/y", "https://teespring.com/store"}, saved.AllURLs)
		assert.Equal(t, []string{"https://teespring.com/store"}, saved.BlockedURLs)
	})

	t.Run("missing document is empty", func(t *testing.T) {
		p := NewURLPipeline(repo, nil, nil, nil)
		p.SetDocumentSource(docs, nil)

		res, err := p.ClassifyDocument(context.Background(), "unknown", ClassifyOptions{})
		require.NoError(t, err)
		assert.Empty(t, res.AllURLs)
		assert.Empty(t, res.ContentURLs)
	})
}
