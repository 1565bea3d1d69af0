package mfa

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisTransport 经 Redis pub/sub 下发硬件审批请求。
// 审批网关订阅频道，把请求转发到审批者的硬件设备；
// 审批响应走 HTTP 回流（SubmitApproval）
type RedisTransport struct {
	client  *redis.Client
	channel string
}

func NewRedisTransport(client *redis.Client, channel string) *RedisTransport {
	return &RedisTransport{client: client, channel: channel}
}

func (t *RedisTransport) DeliverApprovalRequest(ctx context.Context, req *ApprovalRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "failed to marshal approval request")
	}
	if err := t.client.Publish(ctx, t.channel, payload).Err(); err != nil {
		return errors.Wrap(err, "failed to publish approval request")
	}
	return nil
}
