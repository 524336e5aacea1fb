package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/acme/lead-delivery/internal/config"
)

// SQLite wraps a file-backed sqlx handle used for local runs.
type SQLite struct {
	db *sqlx.DB
}

// NewSQLite opens the database at cfg.Path.
func NewSQLite(ctx context.Context, cfg config.SQLiteConfig) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", cfg.Path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &SQLite{db: db}, nil
}

// DB exposes the sqlx handle.
func (s *SQLite) DB() *sqlx.DB {
	return s.db
}

// Ping checks the connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
