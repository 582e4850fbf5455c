package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// EventOCRIndexUpdated announces that the OCR index changed for a
// frame key. The search layer does not depend on it (the trigger keeps
// ocr_index in the same transaction); it exists for auxiliary
// consumers such as dashboards.
const EventOCRIndexUpdated = "ocr-index-updated"

// Publisher emits pipeline events.
type Publisher interface {
	Publish(ctx context.Context, event, key string) error
}

// RedisPublisher publishes events on a Redis channel for out-of-process
// consumers.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(redisURL, channel string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &RedisPublisher{client: redis.NewClient(opts), channel: channel}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, event, key string) error {
	msg, err := json.Marshal(map[string]string{"event": event, "key": key})
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, msg).Err(); err != nil {
		return fmt.Errorf("publishing %s: %w", event, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// NopPublisher drops events; used when no Redis is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event, key string) error {
	log.Debug().Str("event", event).Str("key", key).Msg("event dropped (no publisher configured)")
	return nil
}
