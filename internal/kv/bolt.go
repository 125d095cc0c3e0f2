package kv

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// boltDirPerm is the permission mode for the database directory.
	boltDirPerm = fs.FileMode(0o700)

	// boltFilePerm is the permission mode for the database file. It holds
	// refresh token records, so it is owner-only.
	boltFilePerm = fs.FileMode(0o600)

	// boltOpenTimeout is the maximum time to wait for the bolt file lock.
	boltOpenTimeout = 5 * time.Second
)

// BoltBackend stores each namespace in its own bbolt bucket.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBolt opens the database at path, creating it and its parent
// directory if they do not exist.
func OpenBolt(path string) (*BoltBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt backend requires a path")
	}

	if err := os.MkdirAll(filepath.Dir(path), boltDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, boltFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	return &BoltBackend{db: db}, nil
}

// Namespace ensures the bucket exists and returns a store bound to it.
func (b *BoltBackend) Namespace(name string) (Store, error) {
	bucket := []byte(name)

	err := b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("initializing bucket %s: %w", name, err)
	}

	return &boltStore{db: b.db, bucket: bucket}, nil
}

// Close closes the database.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

type boltStore struct {
	db     *bolt.DB
	bucket []byte
}

func (s *boltStore) Put(_ context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), value)
	})
}

// Get copies the value out because bolt memory is only valid inside the
// transaction.
func (s *boltStore) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}

		out = append([]byte(nil), v...)

		return nil
	})

	return out, err
}

func (s *boltStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
}

func (s *boltStore) Scan(ctx context.Context, fn func(key string, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}

			return fn(string(k), append([]byte(nil), v...))
		})
	})
}
