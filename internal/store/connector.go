package store

import (
	"context"
	"database/sql"
	"time"
)

// Conn is one connection to the persistent store. Closing a pooled
// connection returns it to its pool; closing a direct one tears it down.
//
//go:generate mockgen -package=store_test -destination=mock_connector_test.go -source=connector.go
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Close() error
}

// Pool hands out pooled connections.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
	Close() error
}

// PoolConfig bounds a connection pool.
type PoolConfig struct {
	MinConns       int
	MaxConns       int
	ConnectTimeout time.Duration
}

// Connector opens pools and direct connections to the store.
type Connector interface {
	OpenPool(ctx context.Context, cfg PoolConfig) (Pool, error)
	Dial(ctx context.Context) (Conn, error)
}
