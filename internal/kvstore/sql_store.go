package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	sqlTableName        = "relaypush_kv"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver      string
	createTable string
	get         string
	upsert      string
	remove      string
	clear       string
}

func postgresDialect(table string) sqlDialect {
	t := quoteIdentifier(table)
	return sqlDialect{
		driver: "postgres",
		createTable: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				kv_key TEXT PRIMARY KEY,
				kv_value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, t),
		get: fmt.Sprintf("SELECT kv_value FROM %s WHERE kv_key = $1", t),
		upsert: fmt.Sprintf(`
			INSERT INTO %s (kv_key, kv_value, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (kv_key)
			DO UPDATE SET kv_value = EXCLUDED.kv_value, updated_at = NOW()`, t),
		remove: fmt.Sprintf("DELETE FROM %s WHERE kv_key = $1", t),
		clear:  fmt.Sprintf("DELETE FROM %s", t),
	}
}

func sqliteDialect(table string) sqlDialect {
	t := quoteIdentifier(table)
	return sqlDialect{
		driver: "sqlite3",
		createTable: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				kv_key TEXT PRIMARY KEY,
				kv_value TEXT NOT NULL,
				updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`, t),
		get: fmt.Sprintf("SELECT kv_value FROM %s WHERE kv_key = ?", t),
		upsert: fmt.Sprintf(`
			INSERT INTO %s (kv_key, kv_value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (kv_key)
			DO UPDATE SET kv_value = excluded.kv_value, updated_at = CURRENT_TIMESTAMP`, t),
		remove: fmt.Sprintf("DELETE FROM %s WHERE kv_key = ?", t),
		clear:  fmt.Sprintf("DELETE FROM %s", t),
	}
}

// SQLStore is a Store backed by a single table in Postgres or SQLite.
type SQLStore struct {
	dsn     string
	dialect sqlDialect
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{
		dsn:     dsn,
		dialect: postgresDialect(sqlTableName),
		openDB:  sql.Open,
	}, nil
}

func NewSQLiteStore(path string) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	return &SQLStore{
		dsn:     path,
		dialect: sqliteDialect(sqlTableName),
		openDB:  sql.Open,
	}, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	var value string
	err := s.db.QueryRowContext(ctx, s.dialect.get, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(value), true, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.dialect.upsert, key, string(value))
	return err
}

func (s *SQLStore) Remove(ctx context.Context, key string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.dialect.remove, strings.TrimSpace(key))
	return err
}

func (s *SQLStore) Clear(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.dialect.clear)
	return err
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.driver == "sqlite3" {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, s.dialect.createTable); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
