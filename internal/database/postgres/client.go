// Package postgres stores headers and search runs in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// schema is applied by Migrate. Every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS headers (
	id           BIGSERIAL PRIMARY KEY,
	hash         CHAR(64)    NOT NULL,
	source       TEXT        NOT NULL,
	height       BIGINT,
	version      INTEGER     NOT NULL,
	prev_block   CHAR(64)    NOT NULL,
	merkle_root  CHAR(64)    NOT NULL,
	time         TIMESTAMPTZ NOT NULL,
	bits         CHAR(8)     NOT NULL,
	nonce        BIGINT      NOT NULL,
	difficulty   DOUBLE PRECISION NOT NULL,
	raw          BYTEA       NOT NULL,
	valid        BOOLEAN     NOT NULL,
	failed_step  TEXT        NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	UNIQUE (hash, source)
);
CREATE INDEX IF NOT EXISTS headers_height_idx ON headers (height);

CREATE TABLE IF NOT EXISTS search_runs (
	id           BIGSERIAL PRIMARY KEY,
	source       TEXT        NOT NULL,
	header_hash  CHAR(64)    NOT NULL,
	start_nonce  BIGINT      NOT NULL,
	end_nonce    BIGINT      NOT NULL,
	tried        BIGINT      NOT NULL,
	early_exits  BIGINT      NOT NULL,
	found        BIGINT      NOT NULL,
	elapsed_ms   DOUBLE PRECISION NOT NULL,
	stopped      BOOLEAN     NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);
`

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// DefaultConfig returns pool settings suited to a single command-line tool.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		MaxLifetime:  30 * time.Minute,
	}
}

// NewClient opens and pings a connection pool
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// Migrate creates the tables if they do not exist
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB for advanced operations
func (c *Client) DB() *sql.DB {
	return c.db
}
