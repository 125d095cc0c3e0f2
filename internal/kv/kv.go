// Package kv provides the key/value abstraction every server-side store is
// built on. Backends are namespaced so each store owns an isolated keyspace.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
)

// Store is a single keyspace. Implementations are safe for concurrent use.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// Scan calls fn for every entry. fn must not modify the store; collect
	// keys and act on them after Scan returns. A non-nil error from fn
	// stops the scan and is returned.
	Scan(ctx context.Context, fn func(key string, value []byte) error) error
}

// Backend hands out namespaced stores sharing one underlying connection.
type Backend interface {
	Namespace(name string) (Store, error)
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend   string
	Path      string
	RedisAddr string
}

// Open constructs the backend named in opts.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryBackend(), nil
	case BackendBolt:
		return OpenBolt(opts.Path)
	case BackendRedis:
		return DialRedis(ctx, opts.RedisAddr)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}

// GetJSON loads key and decodes it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}

	return nil
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	return s.Put(ctx, key, data)
}

// Keys returns every key for which match reports true. It is the usual
// first half of a sweep: scan, then delete outside the scan.
func Keys(ctx context.Context, s Store, match func(key string, value []byte) bool) ([]string, error) {
	var keys []string

	err := s.Scan(ctx, func(key string, value []byte) error {
		if match(key, value) {
			keys = append(keys, key)
		}

		return nil
	})

	return keys, err
}
