package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store for single-node
// deployments and tests. Expiry is lazy: expired rows are ignored on read and
// removed by PurgeExpired.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serialises writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			expires_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_kv_expires_at ON kv(expires_at);

		CREATE TABLE IF NOT EXISTS kv_lists (
			id    INTEGER PRIMARY KEY AUTOINCREMENT,
			key   TEXT NOT NULL,
			value TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_kv_lists_key ON kv_lists(key, id);

		CREATE TABLE IF NOT EXISTS kv_sets (
			key    TEXT NOT NULL,
			member TEXT NOT NULL,
			PRIMARY KEY (key, member)
		);
	`)
	return err
}

// expiry returns the unix-millisecond deadline for ttl, or nil for no expiry.
func (s *SQLiteStore) expiry(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return s.now().Add(ttl).UnixMilli()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	now := s.now().UnixMilli()
	if expiresAt.Valid && expiresAt.Int64 <= now {
		// Only the expired row; a write since the SELECT must survive.
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM kv WHERE key = ? AND expires_at IS NOT NULL AND expires_at <= ?`, key, now); err != nil {
			return "", false, fmt.Errorf("expire %s: %w", key, err)
		}
		return "", false, nil
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, s.expiry(ttl))
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin setnx %s: %w", key, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM kv WHERE key = ? AND expires_at IS NOT NULL AND expires_at <= ?
	`, key, s.now().UnixMilli()); err != nil {
		return false, fmt.Errorf("setnx expire %s: %w", key, err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, key, value, s.expiry(ttl))
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit setnx %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Del(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("del %s: %w", key, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Push(ctx context.Context, list, value string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin push %s: %w", list, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `INSERT INTO kv_lists (key, value) VALUES (?, ?)`, list, value); err != nil {
		return 0, fmt.Errorf("push %s: %w", list, err)
	}
	var n int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_lists WHERE key = ?`, list).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", list, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit push %s: %w", list, err)
	}
	return n, nil
}

func (s *SQLiteStore) Len(ctx context.Context, list string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_lists WHERE key = ?`, list).Scan(&n); err != nil {
		return 0, fmt.Errorf("len %s: %w", list, err)
	}
	return n, nil
}

func (s *SQLiteStore) Index(ctx context.Context, list, value string) (int64, error) {
	var first sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MIN(id) FROM kv_lists WHERE key = ? AND value = ?
	`, list, value).Scan(&first); err != nil {
		return -1, fmt.Errorf("index %s: %w", list, err)
	}
	if !first.Valid {
		return -1, nil
	}
	var ahead int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM kv_lists WHERE key = ? AND id < ?
	`, list, first.Int64).Scan(&ahead); err != nil {
		return -1, fmt.Errorf("index %s: %w", list, err)
	}
	return ahead, nil
}

func (s *SQLiteStore) PopTo(ctx context.Context, list, set string) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin pop %s: %w", list, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var id int64
	var value string
	err = tx.QueryRowContext(ctx, `
		SELECT id, value FROM kv_lists WHERE key = ? ORDER BY id LIMIT 1
	`, list).Scan(&id, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pop %s: %w", list, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_lists WHERE id = ?`, id); err != nil {
		return "", false, fmt.Errorf("pop %s: %w", list, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kv_sets (key, member) VALUES (?, ?) ON CONFLICT(key, member) DO NOTHING
	`, set, value); err != nil {
		return "", false, fmt.Errorf("add %s to %s: %w", value, set, err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit pop %s: %w", list, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) SetRemove(ctx context.Context, set, member string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_sets WHERE key = ? AND member = ?`, set, member); err != nil {
		return fmt.Errorf("srem %s: %w", set, err)
	}
	return nil
}

func (s *SQLiteStore) SetContains(ctx context.Context, set, member string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM kv_sets WHERE key = ? AND member = ?
	`, set, member).Scan(&n); err != nil {
		return false, fmt.Errorf("sismember %s: %w", set, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) SetCard(ctx context.Context, set string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_sets WHERE key = ?`, set).Scan(&n); err != nil {
		return 0, fmt.Errorf("scard %s: %w", set, err)
	}
	return n, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// PurgeExpired deletes every expired key and returns how many were removed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge expired keys: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
