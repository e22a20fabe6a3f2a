package http

import (
	"strings"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"
	"ingest_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// PatternHandler handles learned pattern administration.
type PatternHandler struct {
	repo out.ClassificationRepository
}

// NewPatternHandler creates a new pattern handler.
func NewPatternHandler(repo out.ClassificationRepository) *PatternHandler {
	return &PatternHandler{repo: repo}
}

// Register registers pattern routes. Patterns contain dots and slashes, so
// they travel in the query string or body, never in the path.
func (h *PatternHandler) Register(router fiber.Router) {
	patterns := router.Group("/patterns")

	patterns.Get("/", h.List)
	patterns.Get("/report", h.Report)
	patterns.Get("/stats", h.Stats)
	patterns.Post("/", h.Add)
	patterns.Put("/status", h.SetStatus)
	patterns.Post("/feedback", h.Feedback)
}

type addPatternRequest struct {
	Pattern        string             `json:"pattern"`
	PatternType    domain.PatternType `json:"pattern_type"`
	Classification domain.URLClass    `json:"classification"`
	Confidence     float64            `json:"confidence"`
}

type setStatusRequest struct {
	Pattern string               `json:"pattern"`
	Status  domain.PatternStatus `json:"status"`
}

type feedbackRequest struct {
	Pattern string `json:"pattern"`
	Correct *bool  `json:"correct"`
}

// List returns patterns in insertion order, optionally filtered by ?status.
func (h *PatternHandler) List(c *fiber.Ctx) error {
	status := domain.PatternStatus(c.Query("status"))
	if status != "" && !status.IsValid() {
		return apperr.InvalidInput("status", "must be active, inactive or pending_review")
	}

	patterns, err := h.repo.ListPatterns(c.UserContext(), status)
	if err != nil {
		return err
	}
	return response.List(c, patterns)
}

// Report returns the pattern effectiveness report.
func (h *PatternHandler) Report(c *fiber.Ctx) error {
	report, err := h.repo.GetPatternEffectivenessReport(c.UserContext())
	if err != nil {
		return err
	}
	return response.OK(c, report)
}

// Stats returns the statistics of ?pattern.
func (h *PatternHandler) Stats(c *fiber.Ctx) error {
	pattern := strings.TrimSpace(c.Query("pattern"))
	if pattern == "" {
		return apperr.MissingField("pattern")
	}

	stats, err := h.repo.GetPatternStats(c.UserContext(), pattern)
	if err != nil {
		return err
	}
	if stats == nil {
		return apperr.NotFound("pattern")
	}
	return response.OK(c, stats)
}

// Add registers a pattern manually. An existing pattern is left unchanged and
// reported with created=false.
func (h *PatternHandler) Add(c *fiber.Ctx) error {
	var req addPatternRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	req.Pattern = strings.TrimSpace(req.Pattern)
	if req.Pattern == "" {
		return apperr.MissingField("pattern")
	}
	if !req.PatternType.IsValid() {
		return apperr.InvalidInput("pattern_type", "must be domain, url_pattern or path")
	}
	if !req.Classification.IsValid() {
		return apperr.InvalidInput("classification", "must be content or marketing")
	}
	if req.Confidence == 0 {
		req.Confidence = 1.0
	}

	created, err := h.repo.AddLearnedPattern(c.UserContext(), req.Pattern, req.PatternType, req.Classification, req.Confidence)
	if err != nil {
		return err
	}
	if !created {
		return response.OK(c, fiber.Map{"pattern": req.Pattern, "created": false})
	}
	return response.Created(c, fiber.Map{"pattern": req.Pattern, "created": true})
}

// SetStatus changes a pattern's lifecycle state.
func (h *PatternHandler) SetStatus(c *fiber.Ctx) error {
	var req setStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	if req.Pattern == "" {
		return apperr.MissingField("pattern")
	}
	if !req.Status.IsValid() {
		return apperr.InvalidInput("status", "must be active, inactive or pending_review")
	}

	found, err := h.repo.SetPatternStatus(c.UserContext(), req.Pattern, req.Status)
	if err != nil {
		return err
	}
	if !found {
		return apperr.NotFound("pattern")
	}
	return response.OK(c, fiber.Map{"pattern": req.Pattern, "status": req.Status})
}

// Feedback records whether an application of the pattern was correct and
// returns the refreshed statistics.
func (h *PatternHandler) Feedback(c *fiber.Ctx) error {
	var req feedbackRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	if req.Pattern == "" {
		return apperr.MissingField("pattern")
	}
	if req.Correct == nil {
		return apperr.MissingField("correct")
	}

	ctx := c.UserContext()
	if err := h.repo.UpdatePatternStats(ctx, req.Pattern, *req.Correct); err != nil {
		return err
	}
	stats, err := h.repo.GetPatternStats(ctx, req.Pattern)
	if err != nil {
		return err
	}
	if stats == nil {
		return apperr.NotFound("pattern")
	}
	return response.OK(c, stats)
}
