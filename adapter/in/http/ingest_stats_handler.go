package http

import (
	"ingest_server/core/agent/llm"
	"ingest_server/pkg/metrics"
	"ingest_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// LatencySource reports LLM call latency.
type LatencySource interface {
	LLMLatency() metrics.LatencyStats
}

// StatsHandler exposes process-level LLM spend and latency.
type StatsHandler struct {
	costs   *llm.CostTracker
	latency LatencySource
}

func NewStatsHandler(costs *llm.CostTracker, latency LatencySource) *StatsHandler {
	return &StatsHandler{costs: costs, latency: latency}
}

func (h *StatsHandler) Register(router fiber.Router) {
	router.Get("/stats/llm", h.LLM)
}

func (h *StatsHandler) LLM(c *fiber.Ctx) error {
	data := fiber.Map{}
	if h.costs != nil {
		data["costs"] = h.costs.GetStats()
	}
	if h.latency != nil {
		data["latency"] = h.latency.LLMLatency().ToMap()
	}
	return response.OK(c, data)
}
