package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces revocation keys.
const DefaultRedisKeyPrefix = "jaspr:revoked:"

// RedisLog stores revocation markers as Redis keys that expire after the
// retention window. Purge is a no-op because Redis expires keys itself.
type RedisLog struct {
	client    redis.UniversalClient
	keyPrefix string
	retention time.Duration
}

// NewRedisLog connects to the Redis server at url and verifies it responds.
func NewRedisLog(ctx context.Context, url string, retention time.Duration) (*RedisLog, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	l := NewRedisLogWithClient(redis.NewClient(opts), DefaultRedisKeyPrefix, retention)
	if err := l.Ping(ctx); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

// NewRedisLogWithClient wraps an existing client. Used with miniredis in tests.
func NewRedisLogWithClient(client redis.UniversalClient, keyPrefix string, retention time.Duration) *RedisLog {
	return &RedisLog{client: client, keyPrefix: keyPrefix, retention: retention}
}

func (l *RedisLog) key(tenantID, digest string) string {
	return l.keyPrefix + tenantID + ":" + digest
}

// Record sets the marker for e if it is not already present.
func (l *RedisLog) Record(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	value := fmt.Sprintf("%s|%s|%d", e.UserID, e.Reason, e.RevokedAt.Unix())
	if err := l.client.SetNX(ctx, l.key(e.TenantID, e.TokenDigest), value, l.retention).Err(); err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	return nil
}

// Contains reports whether a marker exists for digest.
func (l *RedisLog) Contains(ctx context.Context, tenantID, digest string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(tenantID, digest)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (l *RedisLog) Purge(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// Ping checks connectivity.
func (l *RedisLog) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the client.
func (l *RedisLog) Close() error {
	return l.client.Close()
}
