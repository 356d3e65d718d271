package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite keeps values and sorted sets in a local database file. Locks are
// process-local, so one database file must be owned by one process.
type SQLite struct {
	db    *sql.DB
	locks *keyedLocks
}

var _ Client = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at dbPath.
func OpenSQLite(dbPath string) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLite{db: db, locks: newKeyedLocks()}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLite) createTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv_values (
			kv_key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create kv_values table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv_zsets (
			kv_key TEXT NOT NULL,
			member TEXT NOT NULL,
			score REAL NOT NULL,
			PRIMARY KEY (kv_key, member)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create kv_zsets table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_kv_zsets_score ON kv_zsets(kv_key, score, member)"); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_values WHERE kv_key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_values (kv_key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(kv_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	return s.MDelete(ctx, key)
}

func (s *SQLite) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(1) FROM kv_values WHERE kv_key = ?) + (SELECT COUNT(1) FROM kv_zsets WHERE kv_key = ?)
	`, key, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check key %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *SQLite) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_zsets (kv_key, member, score) VALUES (?, ?, ?)
		ON CONFLICT(kv_key, member) DO UPDATE SET score = excluded.score
	`, key, member, score)
	if err != nil {
		return fmt.Errorf("failed to zadd %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) ZRank(ctx context.Context, key, member string) (int64, error) {
	var score float64
	err := s.db.QueryRowContext(ctx, `SELECT score FROM kv_zsets WHERE kv_key = ? AND member = ?`, key, member).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to zrank %s: %w", key, err)
	}

	var rank int64
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM kv_zsets
		WHERE kv_key = ? AND (score < ? OR (score = ? AND member < ?))
	`, key, score, score, member).Scan(&rank)
	if err != nil {
		return 0, fmt.Errorf("failed to zrank %s: %w", key, err)
	}
	return rank, nil
}

func (s *SQLite) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM kv_zsets WHERE kv_key = ?`, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to zcard %s: %w", key, err)
	}
	return n, nil
}

func (s *SQLite) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.zrange(ctx, key, start, stop, "ASC")
}

func (s *SQLite) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.zrange(ctx, key, start, stop, "DESC")
}

func (s *SQLite) zrange(ctx context.Context, key string, start, stop int64, order string) ([]string, error) {
	n, err := s.ZCard(ctx, key)
	if err != nil {
		return nil, err
	}
	from, to, ok := normalizeRange(start, stop, n)
	if !ok {
		return []string{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT member FROM kv_zsets
		WHERE kv_key = ?
		ORDER BY score `+order+`, member `+order+`
		LIMIT ? OFFSET ?
	`, key, to-from+1, from)
	if err != nil {
		return nil, fmt.Errorf("failed to zrange %s: %w", key, err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, fmt.Errorf("failed to scan zset member: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

func (s *SQLite) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, 0, len(members)+1)
	args = append(args, key)
	for _, m := range members {
		args = append(args, m)
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_zsets WHERE kv_key = ? AND member IN (`+placeholders(len(members))+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to zrem %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	rows, err := s.db.QueryContext(ctx, `SELECT kv_key, value FROM kv_values WHERE kv_key IN (`+placeholders(len(keys))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to mget: %w", err)
	}
	defer rows.Close()

	found := make(map[string][]byte, len(keys))
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan mget row: %w", err)
		}
		found[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to mget: %w", err)
	}
	for i, k := range keys {
		out[i] = found[k]
	}
	return out, nil
}

func (s *SQLite) MSet(ctx context.Context, values map[string][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin mset transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for k, v := range values {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv_values (kv_key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(kv_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, k, v, now); err != nil {
			return fmt.Errorf("failed to set key %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mset transaction: %w", err)
	}
	return nil
}

func (s *SQLite) MDelete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_values WHERE kv_key IN (`+placeholders(len(keys))+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete values: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_zsets WHERE kv_key IN (`+placeholders(len(keys))+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete sorted sets: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete transaction: %w", err)
	}
	return nil
}

func (s *SQLite) Lock(ctx context.Context, key string, _ time.Duration) (Unlocker, error) {
	return s.locks.lock(ctx, key)
}

func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
