package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteConnector opens the persistent store backed by a SQLite file.
type SQLiteConnector struct {
	Path string

	mu       sync.Mutex
	migrated bool
}

func (c *SQLiteConnector) dsn() string {
	return "file:" + c.Path + "?_pragma=busy_timeout(5000)"
}

func (c *SQLiteConnector) open(ctx context.Context, maxConns, idle int) (*sql.DB, error) {
	db, err := sql.Open("sqlite", c.dsn())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(idle)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.migrated {
		if err := migrate(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		c.migrated = true
	}
	return db, nil
}

// OpenPool opens a bounded pool.
func (c *SQLiteConnector) OpenPool(ctx context.Context, cfg PoolConfig) (Pool, error) {
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 1
	}
	idle := cfg.MinConns
	if idle > maxConns {
		idle = maxConns
	}
	db, err := c.open(ctx, maxConns, idle)
	if err != nil {
		return nil, err
	}
	return &sqlPool{db: db}, nil
}

// Dial opens a single unpooled connection. Closing it closes the database
// handle too.
func (c *SQLiteConnector) Dial(ctx context.Context) (Conn, error) {
	db, err := c.open(ctx, 1, 0)
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("dial sqlite: %w", err)
	}
	return &directConn{Conn: conn, db: db}, nil
}

type sqlPool struct {
	db *sql.DB
}

func (p *sqlPool) Acquire(ctx context.Context) (Conn, error) {
	return p.db.Conn(ctx)
}

func (p *sqlPool) Close() error { return p.db.Close() }

type directConn struct {
	*sql.Conn
	db *sql.DB
}

func (d *directConn) Close() error {
	err := d.Conn.Close()
	if cerr := d.db.Close(); err == nil {
		err = cerr
	}
	return err
}

func migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS quote_cache (
			symbol     TEXT PRIMARY KEY,
			data       TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quote_cache_updated ON quote_cache(updated_at)`,
		`CREATE TABLE IF NOT EXISTS symbol_names (
			symbol   TEXT PRIMARY KEY,
			name     TEXT NOT NULL,
			name_key TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_symbol_names_key ON symbol_names(name_key)`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
