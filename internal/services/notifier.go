package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"satoshiflip-backend/internal/models"
)

const subscriberBuffer = 64

// RedisNotifier fans game events out over Redis pub/sub so every API
// instance can relay them to its own websocket clients.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisNotifier(redisService *RedisService, logger *zap.Logger) *RedisNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisNotifier{
		client:  redisService.Client(),
		channel: ChannelGameEvents,
		logger:  logger,
	}
}

func (n *RedisNotifier) BroadcastGameEvent(ctx context.Context, event *models.GameEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal game event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish game event: %w", err)
	}
	return nil
}

// Subscribe returns once the subscription is live. The channel closes when
// ctx is done. A slow consumer loses events rather than blocking the feed.
func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan *models.GameEvent, error) {
	pubsub := n.client.Subscribe(ctx, n.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", n.channel, err)
	}

	out := make(chan *models.GameEvent, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event models.GameEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					n.logger.Warn("dropping malformed game event", zap.Error(err))
					continue
				}
				select {
				case out <- &event:
				default:
					n.logger.Warn("subscriber lagging, dropping game event",
						zap.String("game_id", event.GameID),
						zap.String("type", string(event.Type)))
				}
			}
		}
	}()
	return out, nil
}
