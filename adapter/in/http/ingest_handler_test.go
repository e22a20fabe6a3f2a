package http

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"ingest_server/adapter/out/persistence"
	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/core/service/classification"
	"ingest_server/infra/database"
	"ingest_server/infra/middleware"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLLM struct {
	mu      sync.Mutex
	answers map[string]*out.LLMURLClassification
	calls   []string
}

func (f *fakeLLM) ClassifyURL(_ context.Context, url string, _ out.URLContext) (*out.LLMURLClassification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if a, ok := f.answers[url]; ok {
		cp := *a
		cp.URL = url
		return &cp, nil
	}
	return nil, errors.New("llm unavailable")
}

type fakeReeval struct {
	summary *classification.ReevaluationSummary
	err     error
}

func (f *fakeReeval) Run(context.Context) (*classification.ReevaluationSummary, error) {
	return f.summary, f.err
}

type fakeQueue struct {
	mu   sync.Mutex
	ids  []string
	llms []*bool
}

func (q *fakeQueue) EnqueueDocument(_ context.Context, sourceID string, useLLM *bool) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, sourceID)
	q.llms = append(q.llms, useLLM)
	return "1700000000000-0", nil
}

type testEnv struct {
	app   *fiber.App
	store *persistence.SQLClassificationStore
	llm   *fakeLLM
	queue *fakeQueue
}

func newTestEnv(t *testing.T, reeval ReevaluationRunner) *testEnv {
	t.Helper()

	db, err := database.NewSQLite(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	store, err := persistence.NewSQLClassificationStore(context.Background(), db, domain.DefaultPatternLearningConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	llm := &fakeLLM{answers: map[string]*out.LLMURLClassification{
		"https://github.com/acme/tool": {
			Classification:   domain.URLClassContent,
			Confidence:       0.9,
			Reason:           "source code",
			SuggestedPattern: &domain.SuggestedPattern{Pattern: "github.com", Type: domain.PatternTypeDomain},
			CostUSD:          0.001,
		},
	}}
	pipeline := classification.NewURLPipeline(store, nil, llm, nil)

	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler()})
	app.Use(middleware.RequestID())
	api := app.Group("/api/v1")
	queue := &fakeQueue{}
	NewURLHandler(pipeline, store, reeval, 0.7, 3).WithQueue(queue).Register(api)
	NewPatternHandler(store).Register(api)
	NewHealthHandler(map[string]HealthChecker{"store": store}).Register(app)

	return &testEnv{app: app, store: store, llm: llm, queue: queue}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code string `json:"code"`
	} `json:"error"`
	Meta struct {
		Total int `json:"total"`
	} `json:"meta"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)

	var env envelope
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp.StatusCode, env
}

func TestClassify_Text(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, "POST", "/api/v1/urls/classify", map[string]any{
		"source_id": "vid1",
		"text":      "Code: https://github.com/acme/tool and merch https://acme.gumroad.com/l/shirt",
	})
	require.Equal(t, 200, status)
	require.True(t, body.Success)

	var result classification.DocumentClassificationResult
	require.NoError(t, json.Unmarshal(body.Data, &result))
	assert.Equal(t, []string{"https://github.com/acme/tool", "https://acme.gumroad.com/l/shirt"}, result.AllURLs)
	assert.Equal(t, []string{"https://github.com/acme/tool"}, result.ContentURLs)
	require.Len(t, result.BlockedURLs, 1)
	assert.Equal(t, "https://acme.gumroad.com/l/shirt", result.BlockedURLs[0].URL)
	assert.InDelta(t, 0.001, result.TotalCostUSD, 1e-9)
	assert.Equal(t, []string{"https://github.com/acme/tool"}, env.llm.calls)
}

func TestClassify_URLListWithoutLLM(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, "POST", "/api/v1/urls/classify", map[string]any{
		"source_id": "vid1",
		"urls":      []string{"https://example.org/post"},
		"use_llm":   false,
	})
	require.Equal(t, 200, status)

	var result classification.DocumentClassificationResult
	require.NoError(t, json.Unmarshal(body.Data, &result))
	assert.Equal(t, []string{"https://example.org/post"}, result.ContentURLs)
	assert.Empty(t, env.llm.calls)
}

func TestClassify_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"missing source", map[string]any{"text": "https://a.com"}, "MISSING_FIELD"},
		{"missing text", map[string]any{"source_id": "v"}, "INVALID_INPUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, "POST", "/api/v1/urls/classify", tt.body)
			assert.Equal(t, 400, status)
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestClassifyDocument_NoSource(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, "POST", "/api/v1/urls/classify/document/vid9", nil)
	assert.Equal(t, 503, status)
	assert.Equal(t, "SERVICE_UNAVAILABLE", body.Error.Code)
}

func TestLowConfidenceAndReevalDomains(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for i, u := range []string{"https://shop.example.net/a", "https://shop.example.net/b", "https://shop.example.net/c"} {
		_, err := env.store.RecordClassification(ctx, &out.RecordClassificationInput{
			URL: u, SourceID: "v1", Classification: domain.URLClassMarketing,
			Confidence: 0.3 + float64(i)*0.1, Method: domain.MethodLLM,
		})
		require.NoError(t, err)
	}

	status, body := env.do(t, "GET", "/api/v1/urls/low-confidence", nil)
	require.Equal(t, 200, status)
	assert.Equal(t, 3, body.Meta.Total)

	var low []*domain.URLClassification
	require.NoError(t, json.Unmarshal(body.Data, &low))
	assert.Equal(t, "https://shop.example.net/a", low[0].URL)

	status, body = env.do(t, "GET", "/api/v1/urls/low-confidence?threshold=0.35", nil)
	require.Equal(t, 200, status)
	assert.Equal(t, 1, body.Meta.Total)

	status, _ = env.do(t, "GET", "/api/v1/urls/low-confidence?threshold=3", nil)
	assert.Equal(t, 400, status)

	status, body = env.do(t, "GET", "/api/v1/urls/reeval/domains", nil)
	require.Equal(t, 200, status)
	var domains []*domain.DomainReevaluation
	require.NoError(t, json.Unmarshal(body.Data, &domains))
	require.Len(t, domains, 1)
	assert.Equal(t, "shop.example.net", domains[0].Domain)
	assert.Equal(t, 3, domains[0].URLCount)

	status, body = env.do(t, "GET", "/api/v1/urls/reeval/domains?min_count=4", nil)
	require.Equal(t, 200, status)
	assert.Equal(t, 0, body.Meta.Total)
}

func TestRunReevaluation(t *testing.T) {
	t.Run("unavailable without runner", func(t *testing.T) {
		env := newTestEnv(t, nil)
		status, body := env.do(t, "POST", "/api/v1/urls/reeval/run", nil)
		assert.Equal(t, 503, status)
		assert.Equal(t, "SERVICE_UNAVAILABLE", body.Error.Code)
	})

	t.Run("partial failure still returns summary", func(t *testing.T) {
		summary := &classification.ReevaluationSummary{
			RunID:        "run-1",
			DomainsFound: 2,
			Failures:     []classification.DomainFailure{{Domain: "bad.com", Error: "boom"}},
		}
		env := newTestEnv(t, &fakeReeval{summary: summary, err: classification.ErrBatchFailed})

		status, body := env.do(t, "POST", "/api/v1/urls/reeval/run", nil)
		require.Equal(t, 200, status)

		var got classification.ReevaluationSummary
		require.NoError(t, json.Unmarshal(body.Data, &got))
		assert.Equal(t, "run-1", got.RunID)
		assert.Len(t, got.Failures, 1)
	})
}

func TestPatternEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	status, _ := env.do(t, "POST", "/api/v1/patterns", map[string]any{
		"pattern": "docs.example.com", "pattern_type": "domain", "classification": "content", "confidence": 0.9,
	})
	require.Equal(t, 201, status)

	status, body := env.do(t, "POST", "/api/v1/patterns", map[string]any{
		"pattern": "docs.example.com", "pattern_type": "domain", "classification": "marketing",
	})
	require.Equal(t, 200, status)
	assert.Contains(t, string(body.Data), `"created":false`)

	status, body = env.do(t, "POST", "/api/v1/patterns", map[string]any{
		"pattern": "x", "pattern_type": "regex", "classification": "content",
	})
	assert.Equal(t, 400, status)
	assert.Equal(t, "INVALID_INPUT", body.Error.Code)

	status, body = env.do(t, "GET", "/api/v1/patterns?status=active", nil)
	require.Equal(t, 200, status)
	assert.Equal(t, 1, body.Meta.Total)

	status, _ = env.do(t, "GET", "/api/v1/patterns?status=bogus", nil)
	assert.Equal(t, 400, status)

	status, body = env.do(t, "GET", "/api/v1/patterns/stats?pattern=docs.example.com", nil)
	require.Equal(t, 200, status)
	var stats domain.PatternStats
	require.NoError(t, json.Unmarshal(body.Data, &stats))
	assert.Equal(t, domain.URLClassContent, stats.Classification)
	assert.Equal(t, 1.0, stats.Precision)

	status, _ = env.do(t, "GET", "/api/v1/patterns/stats?pattern=unknown.com", nil)
	assert.Equal(t, 404, status)

	status, _ = env.do(t, "PUT", "/api/v1/patterns/status", map[string]any{"pattern": "docs.example.com", "status": "pending_review"})
	require.Equal(t, 200, status)
	status, body = env.do(t, "GET", "/api/v1/patterns?status=pending_review", nil)
	require.Equal(t, 200, status)
	assert.Equal(t, 1, body.Meta.Total)

	status, _ = env.do(t, "PUT", "/api/v1/patterns/status", map[string]any{"pattern": "nope.com", "status": "inactive"})
	assert.Equal(t, 404, status)

	status, _ = env.do(t, "POST", "/api/v1/patterns/feedback", map[string]any{"pattern": "docs.example.com", "correct": true})
	require.Equal(t, 200, status)

	status, body = env.do(t, "POST", "/api/v1/patterns/feedback", map[string]any{"pattern": "docs.example.com"})
	assert.Equal(t, 400, status)
	assert.Equal(t, "MISSING_FIELD", body.Error.Code)

	status, body = env.do(t, "GET", "/api/v1/patterns/report", nil)
	require.Equal(t, 200, status)
	var report domain.EffectivenessReport
	require.NoError(t, json.Unmarshal(body.Data, &report))
	assert.Equal(t, 1, report.TotalPatterns)
	assert.Equal(t, 1, report.PendingReviewPatterns)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = env.app.Test(httptest.NewRequest("GET", "/ready", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	h := NewHealthHandler(map[string]HealthChecker{
		"redis": HealthCheckerFunc(func(context.Context) error { return errors.New("down") }),
	})
	app := fiber.New()
	h.Register(app)
	resp, err = app.Test(httptest.NewRequest("GET", "/ready", nil))
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)
}

func TestEnqueueDocument(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, "POST", "/api/v1/urls/classify/document/vid-9/enqueue?use_llm=false", nil)
	require.Equal(t, 202, status)
	assert.True(t, body.Success)

	var data struct {
		SourceID  string `json:"source_id"`
		MessageID string `json:"message_id"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &data))
	assert.Equal(t, "vid-9", data.SourceID)
	assert.Equal(t, "1700000000000-0", data.MessageID)

	require.Equal(t, []string{"vid-9"}, env.queue.ids)
	require.NotNil(t, env.queue.llms[0])
	assert.False(t, *env.queue.llms[0])
}

func TestEnqueueDocument_NoQueue(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler()})
	NewURLHandler(classification.NewURLPipeline(nil, nil, nil, nil), nil, nil, 0.7, 3).Register(app)

	resp, err := app.Test(httptest.NewRequest("POST", "/urls/classify/document/vid-1/enqueue", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)
}
