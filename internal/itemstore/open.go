package itemstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend kinds.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendS3     = "s3"
)

// Backend holds the connections shared by every table of one backend kind.
type Backend struct {
	Kind string

	DB *sql.DB

	Redis       *redis.Client
	RedisPrefix string
	TTL         time.Duration

	S3       S3API
	Bucket   string
	S3Prefix string
}

// Open returns a store for table on b.
func Open[T any](ctx context.Context, b *Backend, table string) (Store[T], error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if b == nil {
		return NewMemoryStore[T](table), nil
	}

	switch b.Kind {
	case "", BackendMemory:
		return NewMemoryStore[T](table), nil
	case BackendSQLite:
		if b.DB == nil {
			return nil, fmt.Errorf("sqlite backend has no database")
		}
		return NewSQLiteStore[T](ctx, b.DB, table)
	case BackendRedis:
		if b.Redis == nil {
			return nil, fmt.Errorf("redis backend has no client")
		}
		return NewRedisStore[T](b.Redis, b.RedisPrefix, table, b.TTL), nil
	case BackendS3:
		if b.S3 == nil {
			return nil, fmt.Errorf("s3 backend has no client")
		}
		return NewS3Store[T](b.S3, b.Bucket, b.S3Prefix, table), nil
	default:
		return nil, fmt.Errorf("unknown item store backend %q", b.Kind)
	}
}

// Close releases the backend's shared database. Redis clients are closed
// by their owner since the queue and event sink share them.
func (b *Backend) Close() error {
	if b != nil && b.DB != nil {
		return b.DB.Close()
	}
	return nil
}
