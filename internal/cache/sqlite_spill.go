package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const sqliteSpillTimeout = 5 * time.Second

// SQLiteSpill keeps evicted cache entries in a local SQLite file so they
// survive memory pressure and restarts.
type SQLiteSpill struct {
	db   *sql.DB
	path string
}

func OpenSQLiteSpill(path string) (*SQLiteSpill, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite spill path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create spill directory: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open spill database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), sqliteSpillTimeout)
	defer cancel()
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS cache_spill (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS cache_spill_expires_at ON cache_spill (expires_at)",
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init spill database: %w", err)
		}
	}
	return &SQLiteSpill{db: db, path: path}, nil
}

func (s *SQLiteSpill) Put(key string, value []byte, expiresAt time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteSpillTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_spill (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt.UnixNano())
	return err
}

func (s *SQLiteSpill) Get(key string, now time.Time) ([]byte, time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteSpillTimeout)
	defer cancel()
	var (
		value     []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM cache_spill WHERE key = ? AND expires_at > ?",
		key, now.UnixNano()).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, err
	}
	return value, time.Unix(0, expiresAt), true, nil
}

func (s *SQLiteSpill) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteSpillTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, "DELETE FROM cache_spill WHERE key = ?", key)
	return err
}

func (s *SQLiteSpill) Purge(now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteSpillTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, "DELETE FROM cache_spill WHERE expires_at <= ?", now.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteSpill) Close() error {
	return s.db.Close()
}
