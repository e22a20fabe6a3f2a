// Package http exposes the classification pipeline over a fiber REST API.
package http

import (
	"context"
	"errors"
	"strings"

	"ingest_server/core/port/out"
	"ingest_server/core/service/classification"
	"ingest_server/pkg/apperr"
	"ingest_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// URLClassifier is the part of the URL pipeline the API drives.
type URLClassifier interface {
	ClassifyURLsInDocument(ctx context.Context, sourceID, text string, uctx out.URLContext, opts classification.ClassifyOptions) (*classification.DocumentClassificationResult, error)
	FilterURLs(ctx context.Context, sourceID string, urls []string, uctx out.URLContext, opts classification.ClassifyOptions) (*classification.DocumentClassificationResult, error)
	ClassifyDocument(ctx context.Context, sourceID string, opts classification.ClassifyOptions) (*classification.DocumentClassificationResult, error)
	LLMEnabled() bool
}

// ReevaluationRunner runs one batch re-evaluation.
type ReevaluationRunner interface {
	Run(ctx context.Context) (*classification.ReevaluationSummary, error)
}

// DocumentEnqueuer queues a document for background classification and
// returns the queue message id.
type DocumentEnqueuer interface {
	EnqueueDocument(ctx context.Context, sourceID string, useLLM *bool) (string, error)
}

// URLHandler handles URL classification and re-evaluation requests.
type URLHandler struct {
	pipeline      URLClassifier
	repo          out.ClassificationRepository
	reeval        ReevaluationRunner
	queue         DocumentEnqueuer
	lowConfidence float64
	reevalMin     int
}

// NewURLHandler creates a new URL handler. reeval may be nil when no LLM is
// configured.
func NewURLHandler(pipeline URLClassifier, repo out.ClassificationRepository, reeval ReevaluationRunner, lowConfidence float64, reevalMin int) *URLHandler {
	return &URLHandler{
		pipeline:      pipeline,
		repo:          repo,
		reeval:        reeval,
		lowConfidence: lowConfidence,
		reevalMin:     reevalMin,
	}
}

// WithQueue enables asynchronous document classification.
func (h *URLHandler) WithQueue(q DocumentEnqueuer) *URLHandler {
	h.queue = q
	return h
}

// Register registers URL routes.
func (h *URLHandler) Register(router fiber.Router) {
	urls := router.Group("/urls")

	urls.Post("/classify", h.Classify)
	urls.Post("/classify/document/:id", h.ClassifyDocument)
	urls.Post("/classify/document/:id/enqueue", h.EnqueueDocument)
	urls.Get("/low-confidence", h.LowConfidence)
	urls.Get("/reeval/domains", h.ReevalDomains)
	urls.Post("/reeval/run", h.RunReevaluation)
}

// =============================================================================
// Requests
// =============================================================================

// ClassifyRequest classifies either the links in Text or an explicit URL list.
type ClassifyRequest struct {
	SourceID   string   `json:"source_id"`
	Text       string   `json:"text"`
	URLs       []string `json:"urls"`
	Title      string   `json:"title"`
	SourceName string   `json:"source_name"`
	UseLLM     *bool    `json:"use_llm"`
}

func (r *ClassifyRequest) validate() error {
	r.SourceID = strings.TrimSpace(r.SourceID)
	if r.SourceID == "" {
		return apperr.MissingField("source_id")
	}
	if r.Text == "" && len(r.URLs) == 0 {
		return apperr.InvalidInput("text", "either text or urls is required")
	}
	return nil
}

func (h *URLHandler) options(useLLM *bool) classification.ClassifyOptions {
	enabled := h.pipeline.LLMEnabled()
	if useLLM != nil {
		enabled = enabled && *useLLM
	}
	return classification.ClassifyOptions{UseLLM: enabled}
}

// =============================================================================
// Handlers
// =============================================================================

// Classify runs the pipeline over the request body.
func (h *URLHandler) Classify(c *fiber.Ctx) error {
	var req ClassifyRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	if err := req.validate(); err != nil {
		return err
	}

	uctx := out.URLContext{Title: req.Title, SourceName: req.SourceName}
	opts := h.options(req.UseLLM)

	var (
		result *classification.DocumentClassificationResult
		err    error
	)
	if len(req.URLs) > 0 {
		uctx.DescriptionExcerpt = req.Text
		result, err = h.pipeline.FilterURLs(c.UserContext(), req.SourceID, req.URLs, uctx, opts)
	} else {
		result, err = h.pipeline.ClassifyURLsInDocument(c.UserContext(), req.SourceID, req.Text, uctx, opts)
	}
	if err != nil {
		return err
	}
	return response.OK(c, result)
}

// ClassifyDocument loads a document from the archive and classifies it.
func (h *URLHandler) ClassifyDocument(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return apperr.MissingField("id")
	}

	result, err := h.pipeline.ClassifyDocument(c.UserContext(), id, h.options(queryUseLLM(c)))
	if err != nil {
		return err
	}
	return response.OK(c, result)
}

// EnqueueDocument queues a document for the background classifier.
func (h *URLHandler) EnqueueDocument(c *fiber.Ctx) error {
	if h.queue == nil {
		return apperr.Unavailable("document queue")
	}
	id := c.Params("id")
	if id == "" {
		return apperr.MissingField("id")
	}

	msgID, err := h.queue.EnqueueDocument(c.UserContext(), id, queryUseLLM(c))
	if err != nil {
		return err
	}
	return response.Accepted(c, fiber.Map{"source_id": id, "message_id": msgID})
}

func queryUseLLM(c *fiber.Ctx) *bool {
	v := c.Query("use_llm")
	if v == "" {
		return nil
	}
	b := v == "true" || v == "1"
	return &b
}

// LowConfidence lists decisions below ?threshold (default: configured value).
func (h *URLHandler) LowConfidence(c *fiber.Ctx) error {
	threshold := h.lowConfidence
	if v := c.Query("threshold"); v != "" {
		t := c.QueryFloat("threshold", -1)
		if t < 0 || t > 1 {
			return apperr.InvalidInput("threshold", "must be between 0 and 1")
		}
		threshold = t
	}

	urls, err := h.repo.GetLowConfidenceURLs(c.UserContext(), threshold)
	if err != nil {
		return err
	}
	return response.List(c, urls)
}

// ReevalDomains previews the domains the next batch run would process.
func (h *URLHandler) ReevalDomains(c *fiber.Ctx) error {
	minCount := c.QueryInt("min_count", h.reevalMin)
	if minCount < 1 {
		return apperr.InvalidInput("min_count", "must be at least 1")
	}

	domains, err := h.repo.GetDomainsForBatchReeval(c.UserContext(), minCount)
	if err != nil {
		return err
	}
	return response.List(c, domains)
}

// RunReevaluation runs one batch synchronously and returns its summary.
// Per-domain failures are reported in the summary, not as an HTTP error.
func (h *URLHandler) RunReevaluation(c *fiber.Ctx) error {
	if h.reeval == nil {
		return apperr.Unavailable("re-evaluation")
	}

	summary, err := h.reeval.Run(c.UserContext())
	if err != nil && !errors.Is(err, classification.ErrBatchFailed) {
		return err
	}
	return response.OK(c, summary)
}

