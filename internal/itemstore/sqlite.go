package itemstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteConfig holds database configuration options.
type SQLiteConfig struct {
	Path            string        // Database file path
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum connection lifetime
	BusyTimeout     time.Duration // SQLite busy timeout
}

// DefaultSQLiteConfig returns defaults for a database file at path.
func DefaultSQLiteConfig(path string) SQLiteConfig {
	return SQLiteConfig{
		Path:            path,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		BusyTimeout:     5 * time.Second,
	}
}

// OpenSQLite opens a database shared by every SQLite-backed table.
// WAL mode is requested so readers do not block the writer.
func OpenSQLite(cfg SQLiteConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d",
		cfg.Path,
		int(cfg.BusyTimeout.Milliseconds()),
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// SQLiteStore implements Store with one SQLite table per item type.
type SQLiteStore[T any] struct {
	hooks[T]

	db    *sql.DB
	table string
}

// NewSQLiteStore creates the table if needed. The database stays owned by
// the caller; Close does not close it.
func NewSQLiteStore[T any](ctx context.Context, db *sql.DB, table string) (*SQLiteStore[T], error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		item TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return &SQLiteStore[T]{db: db, table: table}, nil
}

func (s *SQLiteStore[T]) Table() string { return s.table }

// Get retrieves an item by id.
func (s *SQLiteStore[T]) Get(ctx context.Context, id string) (T, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT item FROM %s WHERE id = ?`, s.table), id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		var zero T
		return zero, ErrNotFound
	}
	if err != nil {
		var zero T
		return zero, fmt.Errorf("get %s/%s: %w", s.table, id, err)
	}
	return decode[T]([]byte(data))
}

// Set upserts an item.
func (s *SQLiteStore[T]) Set(ctx context.Context, id string, item T) error {
	data, err := encode(item)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, item, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET item = excluded.item, updated_at = excluded.updated_at`, s.table),
		id, string(data), now, now,
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", s.table, id, err)
	}
	s.notifyChanged(id, item)
	return nil
}

// Delete removes an item.
func (s *SQLiteStore[T]) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table), id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", s.table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", s.table, id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.notifyDeleted(id)
	return nil
}

// List returns stored ids.
func (s *SQLiteStore[T]) List(ctx context.Context, opts *ListOptions) ([]string, error) {
	if opts == nil {
		opts = &ListOptions{}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id FROM %s ORDER BY id LIMIT ? OFFSET ?`, s.table),
		limit, max(opts.Offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.table, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.table, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close is a no-op; the shared database is closed by its owner.
func (s *SQLiteStore[T]) Close() error {
	return nil
}
