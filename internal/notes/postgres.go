package notes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresBlobTableName     = "meetingnotes_artifacts"
	postgresTaskQueueTable    = "meetingnotes_task_queue"
	postgresQueueKey          = "default"
	postgresOperationTimeout  = 5 * time.Second
	postgresQueuePollInterval = 10 * time.Millisecond
	postgresQueueLease        = 30 * time.Minute
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresBlobStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBlobStore(dsn string) (*PostgresBlobStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBlobStore{
		dsn:       dsn,
		tableName: postgresBlobTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT body FROM %s WHERE blob_key = $1", postgresQuoteIdentifier(s.tableName))
	var body []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (s *PostgresBlobStore) Put(ctx context.Context, key string, body []byte) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (blob_key, body, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (blob_key)
		DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, key, body)
	return err
}

func (s *PostgresBlobStore) PutIfAbsent(ctx context.Context, key string, body []byte) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (blob_key, body, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (blob_key) DO NOTHING`, postgresQuoteIdentifier(s.tableName))
	result, err := s.db.ExecContext(ctx, query, key, body)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *PostgresBlobStore) Delete(ctx context.Context, key string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE blob_key = $1", postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, key)
	return err
}

func (s *PostgresBlobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresBlobStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				blob_key TEXT PRIMARY KEY,
				body BYTEA NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

// PostgresTaskQueue stores queue messages in a table and hands them out with
// FOR UPDATE SKIP LOCKED so several consumers can share it. Dequeue sets
// leased_until instead of deleting the row; a lease that expires because its
// consumer died makes the row visible again.
type PostgresTaskQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	lease        time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresTaskQueue(dsn string, capacity int) (*PostgresTaskQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &PostgresTaskQueue{
		dsn:          dsn,
		tableName:    postgresTaskQueueTable,
		queueKey:     postgresQueueKey,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		lease:        postgresQueueLease,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresTaskQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				message_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				not_before TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				leased_until TIMESTAMPTZ
			)`, postgresQuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		for _, column := range []string{
			"not_before TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			"leased_until TIMESTAMPTZ",
		} {
			alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s", postgresQuoteIdentifier(q.tableName), column)
			if _, err := db.ExecContext(ctx, alter); err != nil {
				_ = db.Close()
				q.initErr = err
				return
			}
		}
		indexName := q.tableName + "_queue_key_id_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(q.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresTaskQueue) TryEnqueue(msg QueueMessage) bool {
	if q == nil || strings.TrimSpace(msg.MessageID) == "" {
		return false
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	lockKey := postgresQueueLockKey(q.tableName, q.queueKey)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return false
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, message_id, payload, created_at) VALUES ($1, $2, $3, NOW())", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, msg.MessageID, string(payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresTaskQueue) Enqueue(ctx context.Context, msg QueueMessage) bool {
	for {
		if q.TryEnqueue(msg) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresTaskQueue) Dequeue(ctx context.Context) (QueueMessage, bool) {
	for {
		payload, ok := q.tryDequeuePayload(ctx)
		if ok {
			var msg QueueMessage
			if err := json.Unmarshal([]byte(payload), &msg); err != nil || strings.TrimSpace(msg.MessageID) == "" {
				continue
			}
			return msg, true
		}
		select {
		case <-ctx.Done():
			return QueueMessage{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresTaskQueue) tryDequeuePayload(ctx context.Context) (string, bool) {
	if err := q.ensureReady(); err != nil {
		return "", false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		SELECT id, payload
		FROM %s
		WHERE queue_key = $1
		  AND not_before <= NOW()
		  AND (leased_until IS NULL OR leased_until < NOW())
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, postgresQuoteIdentifier(q.tableName))
	var id int64
	var payload string
	if err := tx.QueryRowContext(ctx, query, q.queueKey).Scan(&id, &payload); err != nil {
		return "", false
	}
	leaseQuery := fmt.Sprintf("UPDATE %s SET leased_until = NOW() + ($2 * INTERVAL '1 second') WHERE id = $1", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, leaseQuery, id, int64(q.lease/time.Second)); err != nil {
		return "", false
	}
	if err := tx.Commit(); err != nil {
		return "", false
	}
	committed = true
	return payload, true
}

func (q *PostgresTaskQueue) Ack(msg QueueMessage) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE queue_key = $1 AND message_id = $2", postgresQuoteIdentifier(q.tableName))
	_, err := q.db.ExecContext(ctx, query, q.queueKey, msg.MessageID)
	return err
}

func (q *PostgresTaskQueue) Release(msg QueueMessage) error {
	if strings.TrimSpace(msg.MessageID) == "" {
		return ErrInvalidInput
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	notBefore := msg.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	update := fmt.Sprintf(`
		UPDATE %s
		SET payload = $3, not_before = $4, leased_until = NULL
		WHERE queue_key = $1 AND message_id = $2`, postgresQuoteIdentifier(q.tableName))
	result, err := q.db.ExecContext(ctx, update, q.queueKey, msg.MessageID, string(payload), notBefore.UTC())
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err != nil || rows > 0 {
		return err
	}
	insert := fmt.Sprintf("INSERT INTO %s (queue_key, message_id, payload, created_at, not_before) VALUES ($1, $2, $3, NOW(), $4)", postgresQuoteIdentifier(q.tableName))
	_, err = q.db.ExecContext(ctx, insert, q.queueKey, msg.MessageID, string(payload), notBefore.UTC())
	return err
}

func (q *PostgresTaskQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1 AND (leased_until IS NULL OR leased_until < NOW())", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresTaskQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresTaskQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
