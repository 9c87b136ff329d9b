package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotCache 每场比赛最近一次线路状态的摘要，用于变更检测
type SnapshotCache interface {
	Fingerprint(ctx context.Context, gameID int64) (string, bool, error)
	Store(ctx context.Context, gameID int64, fingerprint string) error
	Clear(ctx context.Context) error
}

const fingerprintKeyPrefix = "lines:fingerprint:"

func fingerprintKey(gameID int64) string {
	return fingerprintKeyPrefix + strconv.FormatInt(gameID, 10)
}

// RedisSnapshotCache 基于 Redis 的摘要缓存，多实例共享
type RedisSnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSnapshotCache 创建 Redis 摘要缓存
func NewRedisSnapshotCache(client *redis.Client, ttl time.Duration) *RedisSnapshotCache {
	return &RedisSnapshotCache{client: client, ttl: ttl}
}

// ConnectRedis 连接 Redis 并检查可用性
func ConnectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisSnapshotCache) Fingerprint(ctx context.Context, gameID int64) (string, bool, error) {
	value, err := r.client.Get(ctx, fingerprintKey(gameID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (r *RedisSnapshotCache) Store(ctx context.Context, gameID int64, fingerprint string) error {
	return r.client.Set(ctx, fingerprintKey(gameID), fingerprint, r.ttl).Err()
}

// Clear 按前缀扫描删除，避免 KEYS 阻塞
func (r *RedisSnapshotCache) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, fingerprintKeyPrefix+"*", 500).Iterator()
	batch := make([]string, 0, 500)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return r.client.Del(ctx, batch...).Err()
	}
	return nil
}

// MemorySnapshotCache 未配置 Redis 时的进程内实现
type MemorySnapshotCache struct {
	cache *QueryCache
}

// NewMemorySnapshotCache 创建进程内摘要缓存
func NewMemorySnapshotCache(ctx context.Context, ttl time.Duration) *MemorySnapshotCache {
	return &MemorySnapshotCache{cache: NewQueryCache(ctx, ttl)}
}

func (m *MemorySnapshotCache) Fingerprint(_ context.Context, gameID int64) (string, bool, error) {
	value, ok := m.cache.Get(fingerprintKey(gameID))
	if !ok {
		return "", false, nil
	}
	fp, _ := value.(string)
	return fp, true, nil
}

func (m *MemorySnapshotCache) Store(_ context.Context, gameID int64, fingerprint string) error {
	m.cache.Set(fingerprintKey(gameID), fingerprint)
	return nil
}

func (m *MemorySnapshotCache) Clear(context.Context) error {
	m.cache.DeletePrefix(fingerprintKeyPrefix)
	return nil
}
