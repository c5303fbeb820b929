package qr

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore records consumed nonces. Consume reports true the first time a
// nonce is seen within ttl.
type NonceStore interface {
	Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// RedisNonceStore keeps consumed nonces as expiring Redis keys.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "qr:nonce:"}
}

func (s *RedisNonceStore) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+nonce, 1, ttl).Result()
}
