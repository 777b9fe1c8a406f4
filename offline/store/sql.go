package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"
)

const driverLibsql = "libsql"

var errNotInitialized = errors.New("store is not initialized")

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS offline_requests (
		key INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		body TEXT NOT NULL,
		enqueued_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0
	);`,
}

// SQL is a Store backed by a local libsql database file. Records survive process
// restarts, so a queued request is not lost when the client crashes before replay.
type SQL struct {
	DB *sql.DB
}

// OpenSQL opens (creating if needed) the queue database at path and applies the schema.
// path may be ":memory:", a "file:" DSN, or a plain filesystem path.
func OpenSQL(ctx context.Context, path string) (*SQL, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverLibsql, dsn)
	if err != nil {
		return nil, fmt.Errorf("open offline store: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping offline store: %w", err)
	}

	s := &SQL{DB: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the schema. It is safe to run repeatedly.
func (s *SQL) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errNotInitialized
	}
	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("offline store migration failed: %w", err)
		}
	}
	return nil
}

func (s *SQL) Append(ctx context.Context, rec Record) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errNotInitialized
	}

	enqueuedAt := rec.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now()
	}

	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO offline_requests (id, method, path, body, enqueued_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Method, rec.Path, string(rec.Body), enqueuedAt.UnixNano(), rec.Attempts,
	)
	if err != nil {
		return 0, fmt.Errorf("insert offline request: %w", err)
	}
	key, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read offline request key: %w", err)
	}
	return key, nil
}

func (s *SQL) Count(ctx context.Context) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errNotInitialized
	}

	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_requests`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count offline requests: %w", err)
	}
	return n, nil
}

func (s *SQL) DeleteOldest(ctx context.Context, n int) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errNotInitialized
	}
	if n <= 0 {
		return 0, nil
	}

	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM offline_requests WHERE key IN (
			SELECT key FROM offline_requests ORDER BY key ASC LIMIT ?
		)`, n)
	if err != nil {
		return 0, fmt.Errorf("delete oldest offline requests: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete oldest offline requests: %w", err)
	}
	return int(affected), nil
}

func (s *SQL) ReadAll(ctx context.Context) ([]Record, error) {
	if s == nil || s.DB == nil {
		return nil, errNotInitialized
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT key, id, method, path, body, enqueued_at, attempts
		FROM offline_requests ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("query offline requests: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec        Record
			body       string
			enqueuedAt int64
		)
		if err := rows.Scan(&rec.Key, &rec.ID, &rec.Method, &rec.Path, &body, &enqueuedAt, &rec.Attempts); err != nil {
			return nil, fmt.Errorf("scan offline request: %w", err)
		}
		rec.Body = []byte(body)
		rec.EnqueuedAt = time.Unix(0, enqueuedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offline requests: %w", err)
	}
	return records, nil
}

func (s *SQL) Delete(ctx context.Context, keys ...int64) error {
	if s == nil || s.DB == nil {
		return errNotInitialized
	}
	if len(keys) == 0 {
		return nil
	}

	query, args := keyQuery(`DELETE FROM offline_requests WHERE key IN (%s)`, keys)
	if _, err := s.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete offline requests: %w", err)
	}
	return nil
}

func (s *SQL) MarkAttempt(ctx context.Context, keys ...int64) error {
	if s == nil || s.DB == nil {
		return errNotInitialized
	}
	if len(keys) == 0 {
		return nil
	}

	query, args := keyQuery(`UPDATE offline_requests SET attempts = attempts + 1 WHERE key IN (%s)`, keys)
	if _, err := s.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark offline request attempts: %w", err)
	}
	return nil
}

// Close releases database resources.
func (s *SQL) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func keyQuery(format string, keys []int64) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return fmt.Sprintf(format, placeholders), args
}

func buildDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("offline store path is required")
	}

	if path == ":memory:" {
		return path, nil
	}

	if strings.HasPrefix(path, "file:") {
		local := strings.TrimPrefix(path, "file:")
		if i := strings.IndexByte(local, '?'); i >= 0 {
			local = local[:i]
		}
		if err := ensureStoreDir(local); err != nil {
			return "", err
		}
		return path, nil
	}

	if err := ensureStoreDir(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path), nil
}

func ensureStoreDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create offline store dir: %w", err)
	}
	return nil
}
