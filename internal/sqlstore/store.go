// Copyright 2025 Andreas Neuhaus. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package sqlstore persists requests and their attempts in a relational store.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/aneuhaus/http-queue-manager/internal/errors"
)

// Store is the durable record of every request, its attempts and its
// terminal state, backed by MySQL.
type Store struct {
	db *sql.DB
}

// Options configures the connection pool of a Store opened with Open.
type Options struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

var defaultOptions = Options{
	MaxIdleConns:    10,
	MaxOpenConns:    50,
	ConnMaxLifetime: 30 * time.Minute,
}

// Open connects to MySQL with the given DSN, applies the schema and returns
// a ready Store.
func Open(dsn string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &defaultOptions
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewStore(db)
}

// NewStore wraps an existing database handle, applying the schema if needed.
func NewStore(db *sql.DB) (*Store, error) {
	if err := initTables(db); err != nil {
		return nil, fmt.Errorf("failed to init tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTransaction runs fn inside a serializable transaction, committing on
// nil return and rolling back otherwise.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.E(errors.Op("sqlstore.WithTransaction"), errors.Unavailable, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.E(errors.Op("sqlstore.WithTransaction"), errors.Unavailable, err)
	}
	return nil
}

func initTables(db *sql.DB) error {
	requestsSQL := `
	CREATE TABLE IF NOT EXISTS requests (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		url VARCHAR(2048) NOT NULL,
		method VARCHAR(10) NOT NULL,
		headers TEXT,
		body LONGBLOB,
		priority INT NOT NULL DEFAULT 50,
		max_retries INT NOT NULL DEFAULT 3,
		timeout_ms BIGINT NOT NULL DEFAULT 30000,
		scheduled_for DATETIME(3) NULL,
		metadata TEXT,
		status VARCHAR(16) NOT NULL DEFAULT 'pending',
		attempts INT NOT NULL DEFAULT 0,
		last_attempt_at DATETIME(3) NULL,
		next_retry_at DATETIME(3) NULL,
		completed_at DATETIME(3) NULL,
		error TEXT,
		response_status INT NULL,
		response_duration_ms BIGINT NULL,
		response_headers TEXT,
		created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		updated_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
		INDEX idx_status (status),
		INDEX idx_scheduled_for (status, scheduled_for),
		INDEX idx_created_at (created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`
	if _, err := db.Exec(requestsSQL); err != nil {
		return fmt.Errorf("failed to create requests table: %w", err)
	}

	attemptsSQL := `
	CREATE TABLE IF NOT EXISTS request_attempts (
		id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		request_id VARCHAR(64) NOT NULL,
		attempt_number INT NOT NULL,
		status_code INT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		error TEXT,
		response_headers TEXT,
		created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		INDEX idx_request_id (request_id),
		CONSTRAINT fk_request_attempts_request
			FOREIGN KEY (request_id) REFERENCES requests (id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`
	if _, err := db.Exec(attemptsSQL); err != nil {
		return fmt.Errorf("failed to create request_attempts table: %w", err)
	}
	return nil
}

// isDuplicateEntry reports whether err is the MySQL duplicate-key error.
func isDuplicateEntry(err error) bool {
	var myerr *mysql.MySQLError
	return errors.As(err, &myerr) && myerr.Number == 1062
}
