package notes

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	_ "modernc.org/sqlite"
)

type PebbleBlobStore struct {
	mu sync.Mutex
	db *pebble.DB
}

func NewPebbleBlobStore(dir string) (*PebbleBlobStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleBlobStore{db: db}, nil
}

func (s *PebbleBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	value, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}

func (s *PebbleBlobStore) Put(_ context.Context, key string, body []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	return s.db.Set([]byte(key), body, pebble.Sync)
}

// PutIfAbsent serializes create-if-absent within this process; pebble
// holds an exclusive directory lock so no other process shares the store.
func (s *PebbleBlobStore) PutIfAbsent(ctx context.Context, key string, body []byte) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.Get(ctx, key); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if err := s.db.Set([]byte(key), body, pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PebbleBlobStore) Delete(_ context.Context, key string) error {
	return s.db.Delete([]byte(key), pebble.Sync)
}

func (s *PebbleBlobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteOperationTimeout = 5 * time.Second

type SQLiteBlobStore struct {
	db *sql.DB
}

func NewSQLiteBlobStore(path string) (*SQLiteBlobStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS artifacts (
			blob_key TEXT PRIMARY KEY,
			body BLOB NOT NULL,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteBlobStore{db: db}, nil
}

func (s *SQLiteBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	var body []byte
	err := s.db.QueryRowContext(ctx, "SELECT body FROM artifacts WHERE blob_key = ?", key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (s *SQLiteBlobStore) Put(ctx context.Context, key string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (blob_key, body, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (blob_key)
		DO UPDATE SET body = excluded.body, updated_at = CURRENT_TIMESTAMP`, key, body)
	return err
}

func (s *SQLiteBlobStore) PutIfAbsent(ctx context.Context, key string, body []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (blob_key, body, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (blob_key) DO NOTHING`, key, body)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *SQLiteBlobStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, "DELETE FROM artifacts WHERE blob_key = ?", key)
	return err
}

func (s *SQLiteBlobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
