package publisher

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dyor-hub-verifier/internal/domain"
)

// Redis delivery modes.
const (
	RedisModePubSub = "pubsub" // PUBLISH to a channel
	RedisModeStream = "stream" // XADD to a stream
)

// RedisConfig configures RedisPublisher.
type RedisConfig struct {
	Mode   string // RedisModePubSub or RedisModeStream
	Key    string // channel or stream name
	MaxLen int64  // approximate stream cap, 0 keeps everything
}

// RedisPublisher publishes outcome events to Redis.
type RedisPublisher struct {
	client redis.UniversalClient
	cfg    RedisConfig
	logger *zap.Logger
}

// NewRedisPublisher creates a RedisPublisher. The client is owned by the caller.
func NewRedisPublisher(client redis.UniversalClient, cfg RedisConfig, logger *zap.Logger) (*RedisPublisher, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis publisher: empty key")
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = RedisModePubSub
	case RedisModePubSub, RedisModeStream:
	default:
		return nil, fmt.Errorf("redis publisher: unknown mode %q", cfg.Mode)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{client: client, cfg: cfg, logger: logger}, nil
}

// Publish sends event as JSON.
func (p *RedisPublisher) Publish(ctx context.Context, event domain.OutcomeEvent) error {
	payload, err := encode(event)
	if err != nil {
		return err
	}

	if p.cfg.Mode == RedisModeStream {
		args := &redis.XAddArgs{
			Stream: p.cfg.Key,
			Values: map[string]interface{}{
				"idempotency_key": event.IdempotencyKey(),
				"new_status":      event.NewStatus.String(),
				"payload":         payload,
			},
		}
		if p.cfg.MaxLen > 0 {
			args.MaxLen = p.cfg.MaxLen
			args.Approx = true
		}
		if err := p.client.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("redis xadd %s: %w", p.cfg.Key, err)
		}
	} else {
		if err := p.client.Publish(ctx, p.cfg.Key, payload).Err(); err != nil {
			return fmt.Errorf("redis publish %s: %w", p.cfg.Key, err)
		}
	}

	p.logger.Debug("outcome published to redis",
		zap.String("mode", p.cfg.Mode),
		zap.String("key", p.cfg.Key),
		zap.String("idempotency_key", event.IdempotencyKey()),
	)
	return nil
}

var _ Publisher = (*RedisPublisher)(nil)
