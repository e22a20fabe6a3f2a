package bootstrap

import (
	"os"

	"ingest_server/adapter/in/worker"
	"ingest_server/adapter/out/messaging"
	"ingest_server/config"
	"ingest_server/pkg/apperr"

	"github.com/rs/zerolog"
)

// NewClassifyConsumer wires the Redis Streams consumer that classifies
// queued documents. It requires Redis.
func NewClassifyConsumer(cfg *config.Config, deps *Dependencies) (*messaging.Consumer, error) {
	if deps.Redis == nil {
		return nil, apperr.Unavailable("redis")
	}

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	handler := worker.NewClassifyJobHandler(deps.Pipeline, cfg.StreamUseLLM).WithLogger(log)

	return messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
		Group:    cfg.StreamGroup,
		Consumer: cfg.StreamConsumer,
		Streams:  []string{cfg.StreamName},
		Handler:  handler,
		Logger:   log,
	}), nil
}
