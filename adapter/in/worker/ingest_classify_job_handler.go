package worker

import (
	"context"
	"os"
	"time"

	"ingest_server/adapter/out/messaging"
	"ingest_server/core/service/classification"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// DocumentClassifier classifies archived documents by id.
type DocumentClassifier interface {
	ClassifyDocument(ctx context.Context, sourceID string, opts classification.ClassifyOptions) (*classification.DocumentClassificationResult, error)
	LLMEnabled() bool
}

// ClassifyJobHandler runs queued document classification jobs.
type ClassifyJobHandler struct {
	classifier DocumentClassifier
	useLLM     bool
	log        zerolog.Logger
}

// NewClassifyJobHandler creates a handler. useLLM is the default for jobs
// that do not say.
func NewClassifyJobHandler(classifier DocumentClassifier, useLLM bool) *ClassifyJobHandler {
	return &ClassifyJobHandler{
		classifier: classifier,
		useLLM:     useLLM,
		log:        zerolog.New(os.Stdout).With().Timestamp().Str("component", "classify-jobs").Logger(),
	}
}

// WithLogger replaces the component logger.
func (h *ClassifyJobHandler) WithLogger(l zerolog.Logger) *ClassifyJobHandler {
	h.log = l.With().Str("component", "classify-jobs").Logger()
	return h
}

// Handle implements messaging.JobHandler. Malformed payloads are dropped;
// classification errors are returned so the message is retried.
func (h *ClassifyJobHandler) Handle(ctx context.Context, stream string, data []byte) error {
	var job messaging.ClassifyJob
	if err := json.Unmarshal(data, &job); err != nil || job.SourceID == "" {
		h.log.Warn().Err(err).Str("stream", stream).Bytes("payload", data).Msg("dropping malformed classify job")
		return nil
	}

	useLLM := h.useLLM
	if job.UseLLM != nil {
		useLLM = *job.UseLLM
	}
	useLLM = useLLM && h.classifier.LLMEnabled()

	start := time.Now()
	result, err := h.classifier.ClassifyDocument(ctx, job.SourceID, classification.ClassifyOptions{UseLLM: useLLM})
	if err != nil {
		return err
	}

	evt := h.log.Info().
		Str("source_id", job.SourceID).
		Int("urls", len(result.AllURLs)).
		Int("content", len(result.ContentURLs)).
		Int("marketing", len(result.MarketingURLs)).
		Float64("cost_usd", result.TotalCostUSD).
		Dur("duration", time.Since(start))
	if !job.EnqueuedAt.IsZero() {
		evt = evt.Dur("queue_latency", start.Sub(job.EnqueuedAt))
	}
	evt.Msg("classified queued document")
	return nil
}
