package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend adapts a redis client to the Backend interface. Availability is
// tracked from call outcomes so the cache stops issuing calls to a backend
// that has gone away, and resumes after a successful probe.
type RedisBackend struct {
	client    *redis.Client
	available atomic.Bool
	lastProbe atomic.Int64
	probeGap  time.Duration
}

// NewRedisBackend connects to redis and verifies the connection.
func NewRedisBackend(ctx context.Context, host, port, password string, db int, timeout time.Duration) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", host, port),
		DialTimeout: timeout,
		Password:    password,
		DB:          db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed (%s:%s): %w", host, port, err)
	}
	b := &RedisBackend{client: client, probeGap: 5 * time.Second}
	b.available.Store(true)
	return b, nil
}

// Available reports whether the backend is believed reachable. While marked
// down it re-probes at most once per probe interval.
func (b *RedisBackend) Available() bool {
	if b.available.Load() {
		return true
	}
	now := time.Now().UnixNano()
	last := b.lastProbe.Load()
	if now-last < int64(b.probeGap) {
		return false
	}
	if !b.lastProbe.CompareAndSwap(last, now) {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.client.Ping(ctx).Err(); err != nil {
		return false
	}
	b.available.Store(true)
	return true
}

func (b *RedisBackend) observe(err error) {
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		b.available.Store(false)
	}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		b.observe(err)
		return nil, false, err
	}
	return val, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := b.client.Set(ctx, key, value, ttl).Err()
	b.observe(err)
	return err
}

func (b *RedisBackend) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := b.client.Del(ctx, keys...).Result()
	b.observe(err)
	return int(n), err
}

// Keys lists keys matching the glob pattern via SCAN so large keyspaces do
// not block the server.
func (b *RedisBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		b.observe(err)
		return nil, err
	}
	return keys, nil
}

// Client exposes the underlying redis client for shared uses such as
// scheduler locks.
func (b *RedisBackend) Client() *redis.Client {
	return b.client
}
