package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisCache Redis 会话缓存实现
// 多实例部署时提供会话状态读缓存、承诺值 SETNX 预占与分布式锁；
// 权威数据始终在 SigningStore
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) SessionCache {
	return &RedisCache{client: client}
}

const (
	sessionKeyPrefix    = "signing:session:"
	commitmentKeyPrefix = "signing:commitment:"
	lockKeyPrefix       = "signing:lock:"

	// commitmentReserveTTL 承诺预占保留期；权威唯一索引在 PostgreSQL，
	// 预占仅用于跨实例快速挡下并发重复值
	commitmentReserveTTL = 24 * time.Hour
)

func (c *RedisCache) SaveSession(ctx context.Context, session *SigningSession, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "failed to marshal session")
	}

	key := sessionKeyPrefix + session.SessionID
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to cache session")
	}
	return nil
}

func (c *RedisCache) GetSession(ctx context.Context, sessionID string) (*SigningSession, error) {
	key := sessionKeyPrefix + sessionID
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, errors.Wrap(err, "failed to get cached session")
	}

	var session SigningSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal cached session")
	}
	return &session, nil
}

func (c *RedisCache) DeleteSession(ctx context.Context, sessionID string) error {
	key := sessionKeyPrefix + sessionID
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrap(err, "failed to delete cached session")
	}
	return nil
}

func (c *RedisCache) ReserveCommitment(ctx context.Context, commitment []byte) (bool, error) {
	key := commitmentKeyPrefix + hex.EncodeToString(commitment)
	ok, err := c.client.SetNX(ctx, key, "1", commitmentReserveTTL).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to reserve commitment")
	}
	return ok, nil
}

func (c *RedisCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, lockKeyPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to acquire lock")
	}
	return ok, nil
}

func (c *RedisCache) ReleaseLock(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, lockKeyPrefix+key).Err(); err != nil {
		return errors.Wrap(err, "failed to release lock")
	}
	return nil
}
