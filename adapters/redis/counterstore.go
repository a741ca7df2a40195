// Package redis provides a Redis-backed fast-path counter store.
// Counters live in aligned window buckets with a TTL slightly past the
// window length, so stale buckets expire without explicit cleanup.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/meridiancrm/gatekeep/domain/admission"
	"github.com/meridiancrm/gatekeep/domain/usage"
	"github.com/meridiancrm/gatekeep/ports"
)

// ttlSlack keeps an expired bucket readable briefly past its boundary
// so in-flight checks near the boundary never miss.
const ttlSlack = 5 * time.Minute

// CounterStore implements ports.CounterStore using Redis.
type CounterStore struct {
	client    *goredis.Client
	keyPrefix string
}

// Options configures the Redis connection.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewCounterStore connects to Redis and verifies the connection.
func NewCounterStore(ctx context.Context, opts Options) (*CounterStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "gatekeep"
	}

	return &CounterStore{client: client, keyPrefix: prefix}, nil
}

// NewCounterStoreFromClient wraps an existing client. Used by tests.
func NewCounterStoreFromClient(client *goredis.Client, keyPrefix string) *CounterStore {
	if keyPrefix == "" {
		keyPrefix = "gatekeep"
	}
	return &CounterStore{client: client, keyPrefix: keyPrefix}
}

func (s *CounterStore) key(scope usage.Scope, p admission.Period, start time.Time) string {
	return fmt.Sprintf("%s:counter:%s:%s:%s:%s:%d",
		s.keyPrefix, scope.TenantID, scope.UserID, scope.Endpoint, p, start.Unix())
}

// Bump increments the current aligned bucket of every window.
// Increments and TTL refreshes are pipelined into one round trip.
func (s *CounterStore) Bump(ctx context.Context, scope usage.Scope, windows []admission.Window, now time.Time) error {
	if len(windows) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	for _, w := range windows {
		start := admission.AlignedStart(w.Period, now)
		key := s.key(scope, w.Period, start)
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, w.Duration()+ttlSlack)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("bump counters: %w", err)
	}
	return nil
}

// Count returns the current aligned bucket's value for one window.
func (s *CounterStore) Count(ctx context.Context, scope usage.Scope, w admission.Window, now time.Time) (int64, error) {
	start := admission.AlignedStart(w.Period, now)
	val, err := s.client.Get(ctx, s.key(scope, w.Period, start)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	return val, nil
}

// Close releases the underlying connection pool.
func (s *CounterStore) Close() error {
	return s.client.Close()
}

// Ensure interface compliance.
var _ ports.CounterStore = (*CounterStore)(nil)
