// Package redis implements store.Store using Redis for high-throughput
// ephemeral workloads. Jobs are stored as Hashes with Sorted Sets as
// priority queues, progress events live in per-job Lists with the
// sequence counter maintained by HIncrBy on the job hash, and schedule
// entries are JSON blobs with a name index for duplicate detection.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fossawork/fossawork/job"
	"github.com/fossawork/fossawork/schedule"
)

// Compile-time interface checks.
var (
	_ job.Store      = (*Store)(nil)
	_ schedule.Store = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client goredis.Cmdable
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.Cmdable { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// ── entity helpers ──

var errEntityNotFound = errors.New("fossawork/redis: entity not found")

// setEntity stores v as a JSON string value.
func (s *Store) setEntity(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("fossawork/redis: marshal entity: %w", err)
	}
	return s.client.Set(ctx, key, data, 0).Err()
}

// getEntity loads a JSON string value into v.
func (s *Store) getEntity(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return errEntityNotFound
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) entityExists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
