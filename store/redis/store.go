// Package redis implements the job store on Redis for high-throughput
// deployments that can tolerate relaxed durability. Jobs live in Hashes,
// each org's pending queue is a Sorted Set scored by priority with the
// enqueue instant encoded in the member for exact FIFO within a
// priority band, and failed jobs sit in a global retry Sorted Set
// scored by next_retry_at.
//
// A Lua script makes the claim atomic: the pop and the pending→running
// flip happen in one step, so one entry goes to exactly one claimer and
// a crash mid-claim can never strand a popped job.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MacJediWizard/keldris-sub016/job"
	"github.com/MacJediWizard/keldris-sub016/store"
)

var (
	_ job.Store   = (*Store)(nil)
	_ store.Store = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements the composite store interface backed by Redis.
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

// Close is a no-op — the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }
