package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix scopes every key this module writes.
const redisKeyPrefix = "authflow:"

// scanBatch is the COUNT hint passed to SCAN.
const scanBatch = 100

// RedisBackend stores each namespace under its own key prefix.
type RedisBackend struct {
	client *redis.Client
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr string) (*RedisBackend, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis backend requires an address")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}

	return NewRedisWithClient(client), nil
}

// NewRedisWithClient wraps an existing client. The backend takes ownership
// and closes it on Close.
func NewRedisWithClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Namespace(name string) (Store, error) {
	if strings.ContainsAny(name, "*?[") {
		return nil, fmt.Errorf("invalid namespace %q", name)
	}

	return &redisStore{client: b.client, prefix: redisKeyPrefix + name + ":"}, nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

type redisStore struct {
	client *redis.Client
	prefix string
}

func (s *redisStore) Put(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.prefix+key, value, 0).Err()
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}

	return v, err
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// Scan walks the prefix with SCAN. Keys deleted between SCAN and GET are
// skipped, and SCAN may yield a key more than once while the keyspace is
// being rehashed.
func (s *redisStore) Scan(ctx context.Context, fn func(key string, value []byte) error) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", scanBatch).Iterator()

	for iter.Next(ctx) {
		full := iter.Val()

		v, err := s.client.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}

		if err != nil {
			return err
		}

		if err := fn(strings.TrimPrefix(full, s.prefix), v); err != nil {
			return err
		}
	}

	return iter.Err()
}
