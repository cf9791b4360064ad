package invoicerelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	sqlTrackingTableName = "invoicerelay_tracking"
	sqlOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	name        string
	driver      string
	timestampTy string
	placeholder func(n int) string
}

var (
	postgresDialect = sqlDialect{
		name:        "postgres",
		driver:      "postgres",
		timestampTy: "TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP",
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	}
	sqliteDialect = sqlDialect{
		name:        "sqlite",
		driver:      "sqlite3",
		timestampTy: "TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP",
		placeholder: func(int) string { return "?" },
	}
)

// SQLTrackingStore keeps records in a relational table whose columns use the
// persisted attribute names. The status CAS is a single conditional UPDATE.
type SQLTrackingStore struct {
	dialect   sqlDialect
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresTrackingStore(dsn string) (*SQLTrackingStore, error) {
	return newSQLTrackingStore(postgresDialect, dsn)
}

// NewSQLiteTrackingStore opens path in WAL mode with a busy timeout so that
// concurrent writers wait instead of failing.
func NewSQLiteTrackingStore(path string) (*SQLTrackingStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	return newSQLTrackingStore(sqliteDialect, dsn)
}

func newSQLTrackingStore(dialect sqlDialect, dsn string) (*SQLTrackingStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLTrackingStore{
		dialect:   dialect,
		dsn:       dsn,
		tableName: sqlTrackingTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *SQLTrackingStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		table := quoteIdentifier(s.tableName)
		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				"fileName" TEXT NOT NULL,
				"date" TEXT NOT NULL,
				"bucketName" TEXT NOT NULL,
				"moving_time" TEXT NOT NULL DEFAULT '',
				"file_status" TEXT NOT NULL,
				"updated_at" %s,
				PRIMARY KEY ("fileName", "date")
			)`, table, s.dialect.timestampTy)
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		indexName := s.tableName + "_status_moving_time_idx"
		createIndexQuery := fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s ON %s ("file_status", "moving_time")`,
			quoteIdentifier(indexName),
			table,
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLTrackingStore) Create(ctx context.Context, record Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	p := s.dialect.placeholder
	query := fmt.Sprintf(`
		INSERT INTO %s ("fileName", "date", "bucketName", "moving_time", "file_status")
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT ("fileName", "date") DO NOTHING`,
		quoteIdentifier(s.tableName), p(1), p(2), p(3), p(4), p(5))
	result, err := s.db.ExecContext(ctx, query, record.FileName, record.Date, record.BucketName, record.MovingTime, string(record.Status))
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *SQLTrackingStore) Get(ctx context.Context, key Key) (Record, error) {
	if err := s.ensureReady(); err != nil {
		return Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	return s.get(ctx, key)
}

func (s *SQLTrackingStore) get(ctx context.Context, key Key) (Record, error) {
	p := s.dialect.placeholder
	query := fmt.Sprintf(`
		SELECT "fileName", "date", "bucketName", "moving_time", "file_status"
		FROM %s WHERE "fileName" = %s AND "date" = %s`,
		quoteIdentifier(s.tableName), p(1), p(2))
	record, err := scanRecord(s.db.QueryRowContext(ctx, query, key.FileName, key.Date))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return record, err
}

func (s *SQLTrackingStore) UpdateStatus(ctx context.Context, key Key, expected, next Status) (Record, error) {
	if err := checkTransition(key, expected, next); err != nil {
		return Record{}, err
	}
	if err := s.ensureReady(); err != nil {
		return Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	p := s.dialect.placeholder
	query := fmt.Sprintf(`
		UPDATE %s SET "file_status" = %s, "updated_at" = CURRENT_TIMESTAMP
		WHERE "fileName" = %s AND "date" = %s AND "file_status" = %s`,
		quoteIdentifier(s.tableName), p(1), p(2), p(3), p(4))
	result, err := s.db.ExecContext(ctx, query, string(next), key.FileName, key.Date, string(expected))
	if err != nil {
		return Record{}, err
	}
	return s.resolveConditional(ctx, key, expected, result)
}

func (s *SQLTrackingStore) Reschedule(ctx context.Context, key Key, movingTime string) (Record, error) {
	if _, err := time.Parse(TimeLayout, movingTime); err != nil {
		return Record{}, validationError("reschedule", key, "movingTime %q is not formatted %s", movingTime, TimeLayout)
	}
	if err := s.ensureReady(); err != nil {
		return Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	p := s.dialect.placeholder
	query := fmt.Sprintf(`
		UPDATE %s SET "moving_time" = %s, "updated_at" = CURRENT_TIMESTAMP
		WHERE "fileName" = %s AND "date" = %s AND "file_status" = %s`,
		quoteIdentifier(s.tableName), p(1), p(2), p(3), p(4))
	result, err := s.db.ExecContext(ctx, query, movingTime, key.FileName, key.Date, string(StatusCopied))
	if err != nil {
		return Record{}, err
	}
	return s.resolveConditional(ctx, key, StatusCopied, result)
}

// resolveConditional reads the row back after a conditional UPDATE so a
// missing key can be told apart from a status mismatch.
func (s *SQLTrackingStore) resolveConditional(ctx context.Context, key Key, expected Status, result sql.Result) (Record, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return Record{}, err
	}
	current, err := s.get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	if affected == 0 {
		return Record{}, &StatusConflictError{Key: key, Expected: expected, Current: current.Status}
	}
	return current, nil
}

func (s *SQLTrackingStore) Delete(ctx context.Context, key Key) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	p := s.dialect.placeholder
	query := fmt.Sprintf(`DELETE FROM %s WHERE "fileName" = %s AND "date" = %s`, quoteIdentifier(s.tableName), p(1), p(2))
	result, err := s.db.ExecContext(ctx, query, key.FileName, key.Date)
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

func (s *SQLTrackingStore) Scan(ctx context.Context, filter ScanFilter) ([]Record, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query, args := s.scanQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if filter.Match(record) {
			out = append(out, record)
		}
	}
	return out, rows.Err()
}

func (s *SQLTrackingStore) scanQuery(filter ScanFilter) (string, []any) {
	p := s.dialect.placeholder
	var where []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, `"file_status" = `+p(len(args)))
	}
	if due := filter.DueByString(); due != "" {
		args = append(args, due)
		clause := `("moving_time" <> '' AND "moving_time" <= ` + p(len(args)) + `)`
		if filter.IncludeUnscheduled {
			clause = `(` + clause + ` OR "moving_time" = '')`
		}
		where = append(where, clause)
	}
	query := fmt.Sprintf(`SELECT "fileName", "date", "bucketName", "moving_time", "file_status" FROM %s`, quoteIdentifier(s.tableName))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY "moving_time", "date", "fileName"`
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}
	return query, args
}

func (s *SQLTrackingStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var record Record
	var status string
	if err := row.Scan(&record.FileName, &record.Date, &record.BucketName, &record.MovingTime, &status); err != nil {
		return Record{}, err
	}
	record.Status = Status(status)
	return record, nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
