package itemstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisClient connects to Redis and verifies the connection. The client
// is shared by the item store, the Redis queue and the Redis event sink.
func NewRedisClient(cfg *RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RedisStore implements Store with one JSON string per item and a set
// indexing the table's ids.
type RedisStore[T any] struct {
	hooks[T]

	client *redis.Client
	prefix string
	table  string
	ttl    time.Duration
}

// NewRedisStore creates a store for table. A zero ttl keeps items forever.
func NewRedisStore[T any](client *redis.Client, prefix, table string, ttl time.Duration) *RedisStore[T] {
	if prefix == "" {
		prefix = "graph-engine"
	}
	return &RedisStore[T]{client: client, prefix: prefix, table: table, ttl: ttl}
}

// Key helpers
func (s *RedisStore[T]) keyItem(id string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, s.table, id)
}
func (s *RedisStore[T]) keyIndex() string { return fmt.Sprintf("%s:%s:ids", s.prefix, s.table) }

func (s *RedisStore[T]) Table() string { return s.table }

// Get retrieves an item by id.
func (s *RedisStore[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	data, err := s.client.Get(ctx, s.keyItem(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("get %s/%s: %w", s.table, id, err)
	}
	return decode[T](data)
}

// Set stores an item and refreshes its TTL.
func (s *RedisStore[T]) Set(ctx context.Context, id string, item T) error {
	data, err := encode(item)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyItem(id), data, s.ttl)
	pipe.SAdd(ctx, s.keyIndex(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set %s/%s: %w", s.table, id, err)
	}

	s.notifyChanged(id, item)
	return nil
}

// Delete removes an item.
func (s *RedisStore[T]) Delete(ctx context.Context, id string) error {
	exists, err := s.client.Exists(ctx, s.keyItem(id)).Result()
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keyItem(id))
	pipe.SRem(ctx, s.keyIndex(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete %s/%s: %w", s.table, id, err)
	}

	s.notifyDeleted(id)
	return nil
}

// List returns stored ids. Index entries whose item expired are pruned.
func (s *RedisStore[T]) List(ctx context.Context, opts *ListOptions) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.keyIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s ids: %w", s.table, err)
	}

	live := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := s.client.Exists(ctx, s.keyItem(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("check exists: %w", err)
		}
		if n == 0 {
			if err := s.client.SRem(ctx, s.keyIndex(), id).Err(); err != nil {
				slog.Warn("failed to prune stale index entry", slog.String("table", s.table), slog.String("id", id), slog.Any("error", err))
			}
			continue
		}
		live = append(live, id)
	}

	sort.Strings(live)
	return paginate(live, opts), nil
}

// Close is a no-op; the shared client is closed by its owner.
func (s *RedisStore[T]) Close() error {
	return nil
}
