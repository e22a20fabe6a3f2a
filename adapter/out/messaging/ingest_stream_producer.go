// Package messaging queues document classification jobs on Redis Streams.
package messaging

import (
	"context"
	"fmt"
	"time"

	"ingest_server/pkg/apperr"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// DefaultStream is the stream classification jobs are published to.
const DefaultStream = "ingest:classify"

// ClassifyJob asks a worker to classify the links of one archived document.
type ClassifyJob struct {
	SourceID   string    `json:"source_id"`
	UseLLM     *bool     `json:"use_llm,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// RedisProducer publishes classification jobs.
type RedisProducer struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisProducer creates a producer for stream. An empty stream uses
// DefaultStream.
func NewRedisProducer(client *redis.Client, stream string) *RedisProducer {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisProducer{client: client, stream: stream, maxLen: 100000}
}

// Stream returns the stream name.
func (p *RedisProducer) Stream() string {
	return p.stream
}

// PublishClassify enqueues job and returns the stream message id.
func (p *RedisProducer) PublishClassify(ctx context.Context, job *ClassifyJob) (string, error) {
	if job == nil || job.SourceID == "" {
		return "", apperr.MissingField("source_id")
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	return p.publish(ctx, job)
}

func (p *RedisProducer) publish(ctx context.Context, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{"data": string(data)},
	}).Result()
	if err != nil {
		return "", apperr.ExternalError("redis", err)
	}
	return id, nil
}

// EnqueueDocument queues sourceID for background classification.
func (p *RedisProducer) EnqueueDocument(ctx context.Context, sourceID string, useLLM *bool) (string, error) {
	return p.PublishClassify(ctx, &ClassifyJob{SourceID: sourceID, UseLLM: useLLM})
}
