// Package cache stores analysis results, reference standards and
// deep-analysis context in Redis under colon-delimited keys.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrCorrupt is returned when a stored value cannot be decoded
var ErrCorrupt = errors.New("cache: corrupt value")

// Config holds the connection settings of the cache
type Config struct {
	URL      string
	Password string
}

// Redis is a key-value cache backed by a Redis server. Writes are
// last-write-wins per key.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// Connect parses cfg.URL and verifies the connection.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return New(client, logger), nil
}

// New wraps an existing client.
func New(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, logger: logger.With("component", "cache")}
}

// Client exposes the underlying connection for components sharing it.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Close closes the connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Get returns the raw value of key. ok is false on a miss.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return b, true, nil
}

// Set stores value under key for ttl. A zero ttl keeps the key forever.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// InvalidatePattern deletes every key matching a glob pattern and returns
// how many were removed.
func (r *Redis) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("cache scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("cache delete: %w", err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	r.logger.Info("cache invalidated", "pattern", pattern, "keys", deleted)
	return deleted, nil
}

// GetValue decodes the msgpack value of key into v. A value that cannot be
// decoded is deleted and reported as a miss wrapping ErrCorrupt.
func (r *Redis) GetValue(ctx context.Context, key string, v any) (bool, error) {
	b, ok, err := r.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := msgpack.Unmarshal(b, v); err != nil {
		r.logger.Warn("dropping corrupt cache entry", "key", key, "error", err)
		r.client.Del(ctx, key)
		return false, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return true, nil
}

// SetValue stores v encoded with msgpack.
func (r *Redis) SetValue(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return r.Set(ctx, key, b, ttl)
}
