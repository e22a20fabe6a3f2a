package bootstrap

import (
	"context"
	"time"

	"ingest_server/adapter/in/http"
	"ingest_server/config"
	"ingest_server/infra/middleware"
	"ingest_server/pkg/apperr"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
)

// NewAPI builds the fiber app over deps. The returned cleanup stops
// background helpers owned by the app.
func NewAPI(cfg *config.Config, deps *Dependencies) (*fiber.App, func()) {
	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		StrictRouting:         false,
		CaseSensitive:         false,

		// go-json for request and response bodies
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit:    2 * 1024 * 1024,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // batch re-evaluation runs synchronously
		ServerHeader: "",
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())       // 1. Panic recovery
	app.Use(middleware.RequestID())     // 2. Request ID
	app.Use(middleware.RequestLogger()) // 3. Request logging

	checks := map[string]http.HealthChecker{"store": deps.Store}
	if deps.Cache != nil {
		checks["redis"] = deps.Cache
	}
	if deps.Mongo != nil {
		mongoClient := deps.Mongo
		checks["mongodb"] = http.HealthCheckerFunc(func(ctx context.Context) error {
			if err := mongoClient.Ping(ctx, nil); err != nil {
				return apperr.DatabaseError("mongodb ping", err)
			}
			return nil
		})
	}
	http.NewHealthHandler(checks).Register(app)

	api := app.Group("/api/v1")

	// Classification routes may spend LLM budget
	limiter := middleware.NewRateLimiter(cfg.ClassifyRateLimit, time.Duration(cfg.ClassifyRateWindowS)*time.Second)
	api.Use("/urls/classify", limiter.Handler())
	api.Use("/urls/reeval/run", limiter.Handler())

	var reeval http.ReevaluationRunner
	if deps.Reevaluation != nil {
		reeval = deps.Reevaluation
	}
	urls := http.NewURLHandler(deps.Pipeline, deps.Store, reeval, cfg.LowConfidence, cfg.ReevalMinCount)
	if deps.Queue != nil {
		urls.WithQueue(deps.Queue)
	}
	urls.Register(api)
	http.NewPatternHandler(deps.Store).Register(api)
	http.NewStatsHandler(deps.Costs, deps.Pipeline).Register(api)

	return app, limiter.Stop
}
