package events

import (
	"context"
	"encoding/json"

	"github.com/SafeMPC/threshold-coordinator/internal/infra/coordinator"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisGateway 通过 Redis pub/sub 发布会话事件。
// 下游（审计、通知、链上提交）订阅频道消费；至少一次投递，
// 消费者需按 session_id + type 去重
type RedisGateway struct {
	client  *redis.Client
	channel string
}

func NewRedisGateway(client *redis.Client, channel string) *RedisGateway {
	return &RedisGateway{client: client, channel: channel}
}

func (g *RedisGateway) PublishSessionEvent(ctx context.Context, event *coordinator.SessionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal session event")
	}
	if err := g.client.Publish(ctx, g.channel, payload).Err(); err != nil {
		return errors.Wrap(err, "failed to publish session event")
	}
	return nil
}

// LogGateway 无消息基础设施时的降级实现：事件仅写结构化日志
type LogGateway struct{}

func NewLogGateway() *LogGateway {
	return &LogGateway{}
}

func (g *LogGateway) PublishSessionEvent(ctx context.Context, event *coordinator.SessionEvent) error {
	log.Info().
		Str("event_type", event.Type).
		Str("session_id", event.SessionID).
		Str("group_id", event.GroupID).
		Str("state", event.State).
		Str("reason", event.Reason).
		Msg("Session event")
	return nil
}
