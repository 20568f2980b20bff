package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const (
	postgresQueueTableName    = "groupsync_change_queue"
	postgresQueueKey          = "default"
	postgresOperationTimeout  = 5 * time.Second
	postgresQueuePollInterval = 200 * time.Millisecond
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresQueue stores messages in a table and hands them out with
// FOR UPDATE SKIP LOCKED so concurrent drains never receive the same row
// inside its visibility window.
type PostgresQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	opts         Options
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresQueue(dsn string, opts Options) (*PostgresQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresQueue{
		dsn:          dsn,
		tableName:    postgresQueueTableName,
		queueKey:     postgresQueueKey,
		opts:         opts.withDefaults(),
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresQueue) ensureReady() error {
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
				body TEXT NOT NULL,
				attributes TEXT NOT NULL DEFAULT '{}',
				receipt_handle TEXT,
				receive_count INTEGER NOT NULL DEFAULT 0,
				visible_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		indexName := q.tableName + "_queue_key_visible_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, visible_at, id)",
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

func (q *PostgresQueue) Publish(ctx context.Context, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", ErrInvalidInput
	}
	if err := q.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	lockKey := postgresQueueLockKey(q.tableName, q.queueKey)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return "", err
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return "", err
	}
	if depth >= q.opts.Capacity {
		return "", ErrQueueFull
	}
	id := uuid.NewString()
	insertQuery := fmt.Sprintf(
		"INSERT INTO %s (queue_key, message_id, body, visible_at, created_at) VALUES ($1, $2, $3, NOW(), NOW())",
		postgresQuoteIdentifier(q.tableName),
	)
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, id, body); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	committed = true
	return id, nil
}

func (q *PostgresQueue) GetMessages(ctx context.Context) ([]Message, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(q.opts.WaitTime)
	for {
		batch, err := q.tryReceive(ctx)
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			return batch, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return batch, nil
		}
		if remaining > q.pollInterval {
			remaining = q.pollInterval
		}
		if err := waitWithContext(ctx, remaining, nil); err != nil {
			return nil, err
		}
	}
}

func (q *PostgresQueue) tryReceive(ctx context.Context) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	selectQuery := fmt.Sprintf(`
		SELECT id, message_id, body, attributes, receive_count, created_at
		FROM %s
		WHERE queue_key = $1 AND visible_at <= NOW()
		ORDER BY id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, postgresQuoteIdentifier(q.tableName))
	rows, err := tx.QueryContext(ctx, selectQuery, q.queueKey, q.opts.BatchSize)
	if err != nil {
		return nil, err
	}
	type row struct {
		id           int64
		messageID    string
		body         string
		attributes   string
		receiveCount int
		createdAt    time.Time
	}
	var selected []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.messageID, &r.body, &r.attributes, &r.receiveCount, &r.createdAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		selected = append(selected, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	updateQuery := fmt.Sprintf(`
		UPDATE %s
		SET receipt_handle = $1,
			receive_count = receive_count + 1,
			visible_at = NOW() + ($2::double precision * INTERVAL '1 millisecond')
		WHERE id = $3`, postgresQuoteIdentifier(q.tableName))
	out := make([]Message, 0, len(selected))
	for _, r := range selected {
		handle := uuid.NewString()
		if _, err := tx.ExecContext(ctx, updateQuery, handle, q.opts.VisibilityTimeout.Milliseconds(), r.id); err != nil {
			return nil, err
		}
		attrs := map[string]string{}
		_ = json.Unmarshal([]byte(r.attributes), &attrs)
		attrs["ApproximateReceiveCount"] = fmt.Sprintf("%d", r.receiveCount+1)
		attrs["SentTimestamp"] = fmt.Sprintf("%d", r.createdAt.UnixMilli())
		out = append(out, Message{
			ID:            r.messageID,
			ReceiptHandle: handle,
			Body:          r.body,
			Attributes:    attrs,
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return out, nil
}

func (q *PostgresQueue) DeleteMessage(ctx context.Context, receiptHandle string) error {
	receiptHandle = strings.TrimSpace(receiptHandle)
	if receiptHandle == "" {
		return ErrInvalidInput
	}
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE queue_key = $1 AND receipt_handle = $2", postgresQuoteIdentifier(q.tableName))
	res, err := q.db.ExecContext(ctx, query, q.queueKey, receiptHandle)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUnknownReceipt
	}
	return nil
}

func (q *PostgresQueue) Depth(ctx context.Context) (int, error) {
	if err := q.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0, err
	}
	return depth, nil
}

func (q *PostgresQueue) Close() error {
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
