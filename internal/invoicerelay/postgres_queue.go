package invoicerelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	postgresQueueTableName   = "invoicerelay_queue"
	postgresRedriveTableName = "invoicerelay_queue_redrive"
)

// PostgresQueue stores messages in one table keyed by channel. Receives claim
// rows with FOR UPDATE SKIP LOCKED so concurrent consumers never share a
// message within its visibility window.
type PostgresQueue struct {
	dsn          string
	tableName    string
	redriveTable string
	opts         QueueOptions
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresQueue(dsn string, opts QueueOptions) (*PostgresQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresQueue{
		dsn:          dsn,
		tableName:    postgresQueueTableName,
		redriveTable: postgresRedriveTableName,
		opts:         opts.withDefaults(),
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
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					queue_key TEXT NOT NULL,
					message_id TEXT NOT NULL,
					payload TEXT NOT NULL,
					receipt_handle TEXT,
					receive_count INTEGER NOT NULL DEFAULT 0,
					visible_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, quoteIdentifier(q.tableName)),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, visible_at, id)",
				quoteIdentifier(q.tableName+"_queue_key_visible_idx"),
				quoteIdentifier(q.tableName),
			),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					queue_key TEXT PRIMARY KEY,
					dead_letter_key TEXT NOT NULL,
					max_receive_count INTEGER NOT NULL
				)`, quoteIdentifier(q.redriveTable)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				q.initErr = err
				return
			}
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresQueue) Send(ctx context.Context, channel, body string) (string, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" || body == "" {
		return "", ErrInvalidInput
	}
	if err := q.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	id := uuid.NewString()
	query := fmt.Sprintf(
		"INSERT INTO %s (queue_key, message_id, payload, visible_at, created_at) VALUES ($1, $2, $3, $4, $4)",
		quoteIdentifier(q.tableName),
	)
	if _, err := q.db.ExecContext(ctx, query, channel, id, body, q.opts.Now().UTC()); err != nil {
		return "", err
	}
	return id, nil
}

func (q *PostgresQueue) ReceiveBatch(ctx context.Context, channel string, max int) ([]Message, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, ErrInvalidInput
	}
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
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

	var deadLetter string
	var maxReceiveCount int
	redriveQuery := fmt.Sprintf("SELECT dead_letter_key, max_receive_count FROM %s WHERE queue_key = $1", quoteIdentifier(q.redriveTable))
	err = tx.QueryRowContext(ctx, redriveQuery, channel).Scan(&deadLetter, &maxReceiveCount)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := q.opts.Now().UTC()
	selectQuery := fmt.Sprintf(`
		SELECT id, message_id, payload, receive_count, created_at
		FROM %s
		WHERE queue_key = $1 AND visible_at <= $2
		ORDER BY id ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED`, quoteIdentifier(q.tableName))
	rows, err := tx.QueryContext(ctx, selectQuery, channel, now, clampReceiveBatch(max))
	if err != nil {
		return nil, err
	}
	type claimed struct {
		rowID int64
		msg   Message
	}
	var candidates []claimed
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.rowID, &c.msg.ID, &c.msg.Body, &c.msg.ReceiveCount, &c.msg.SentAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	table := quoteIdentifier(q.tableName)
	redirectQuery := fmt.Sprintf("UPDATE %s SET queue_key = $1, receive_count = 0, receipt_handle = NULL, visible_at = $2 WHERE id = $3", table)
	claimQuery := fmt.Sprintf("UPDATE %s SET receive_count = receive_count + 1, receipt_handle = $1, visible_at = $2 WHERE id = $3", table)
	out := make([]Message, 0, len(candidates))
	for _, c := range candidates {
		if deadLetter != "" && maxReceiveCount > 0 && c.msg.ReceiveCount >= maxReceiveCount {
			if _, err := tx.ExecContext(ctx, redirectQuery, deadLetter, now, c.rowID); err != nil {
				return nil, err
			}
			continue
		}
		c.msg.ReceiptHandle = uuid.NewString()
		c.msg.ReceiveCount++
		if _, err := tx.ExecContext(ctx, claimQuery, c.msg.ReceiptHandle, now.Add(q.opts.VisibilityTimeout), c.rowID); err != nil {
			return nil, err
		}
		out = append(out, c.msg)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return out, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, channel string, msg Message) error {
	channel = strings.TrimSpace(channel)
	if channel == "" || msg.ReceiptHandle == "" {
		return ErrInvalidInput
	}
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE queue_key = $1 AND receipt_handle = $2", quoteIdentifier(q.tableName))
	result, err := q.db.ExecContext(ctx, query, channel, msg.ReceiptHandle)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *PostgresQueue) ChangeVisibility(ctx context.Context, channel string, msg Message, timeout time.Duration) error {
	channel = strings.TrimSpace(channel)
	if channel == "" || msg.ReceiptHandle == "" {
		return ErrInvalidInput
	}
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("UPDATE %s SET visible_at = $1 WHERE queue_key = $2 AND receipt_handle = $3", quoteIdentifier(q.tableName))
	visibleAt := q.opts.Now().UTC().Add(clampVisibility(timeout))
	result, err := q.db.ExecContext(ctx, query, visibleAt, channel, msg.ReceiptHandle)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *PostgresQueue) ConfigureDeadLetter(ctx context.Context, source, deadLetter string, maxReceiveCount int) error {
	source = strings.TrimSpace(source)
	deadLetter = strings.TrimSpace(deadLetter)
	if source == "" || deadLetter == "" || source == deadLetter {
		return ErrInvalidInput
	}
	if maxReceiveCount <= 0 {
		maxReceiveCount = DefaultMaxReceiveCount
	}
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (queue_key, dead_letter_key, max_receive_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (queue_key)
		DO UPDATE SET dead_letter_key = EXCLUDED.dead_letter_key, max_receive_count = EXCLUDED.max_receive_count`,
		quoteIdentifier(q.redriveTable))
	_, err := q.db.ExecContext(ctx, query, source, deadLetter, maxReceiveCount)
	return err
}

// Depth counts visible and in-flight messages on channel.
func (q *PostgresQueue) Depth(ctx context.Context, channel string) (int, error) {
	if err := q.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", quoteIdentifier(q.tableName))
	var depth int
	err := q.db.QueryRowContext(ctx, query, strings.TrimSpace(channel)).Scan(&depth)
	return depth, err
}

func (q *PostgresQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

