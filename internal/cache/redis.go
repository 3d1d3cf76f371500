package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/pulmoscan/internal/errdefs"
	"github.com/ChuLiYu/pulmoscan/internal/fingerprint"
)

// DefaultKeyPrefix 與既有部署共用的 key 前綴
const DefaultKeyPrefix = "prediction:"

// RedisStore 以 Redis 為後端的共享快取，TTL 交由 Redis 處理
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. An empty prefix uses DefaultKeyPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(fp fingerprint.Fingerprint) string {
	return r.prefix + fp.String()
}

func (r *RedisStore) Get(ctx context.Context, fp fingerprint.Fingerprint) (Entry, bool, error) {
	data, err := r.client.Get(ctx, r.key(fp)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: redis get: %v", errdefs.ErrCacheUnavailable, err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		// 無法解析的舊資料當作未命中
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (r *RedisStore) Put(ctx context.Context, fp fingerprint.Fingerprint, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}
	if err := r.client.Set(ctx, r.key(fp), data, e.TTL).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", errdefs.ErrCacheUnavailable, err)
	}
	return nil
}

// Ping checks connectivity, used at startup.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrCacheUnavailable, err)
	}
	return nil
}

// Close releases the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
