package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"quoteresolver/internal/quote"
)

// Acquirer is the connection source used by the store tables.
type Acquirer interface {
	Acquire(ctx context.Context) (Conn, error)
	Release(conn Conn)
}

// Quotes is the persistent quote cache: one JSON document per symbol with
// its last write time. Writes are last-write-wins upserts.
type Quotes struct {
	db     Acquirer
	logger *slog.Logger
	now    func() time.Time
}

// NewQuotes creates the persistent cache over db.
func NewQuotes(db Acquirer, logger *slog.Logger) *Quotes {
	if logger == nil {
		logger = slog.Default()
	}
	return &Quotes{db: db, logger: logger, now: time.Now}
}

// Get returns the stored record and when it was written. A missing row or
// an unavailable store both yield an error matching quote.ErrNotFound.
func (q *Quotes) Get(ctx context.Context, sym quote.Symbol) (*quote.Record, time.Time, error) {
	conn, err := q.db.Acquire(ctx)
	if err != nil {
		return nil, time.Time{}, quote.Wrap(quote.KindNotFound, "store get", sym, err)
	}
	defer q.db.Release(conn)

	var (
		data      string
		updatedAt int64
	)
	err = conn.QueryRowContext(ctx, `SELECT data, updated_at FROM quote_cache WHERE symbol = ?`, string(sym)).Scan(&data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, quote.Wrap(quote.KindNotFound, "store get", sym, nil)
	}
	if err != nil {
		q.logger.Warn("store get", slog.String("symbol", string(sym)), slog.Any("error", err))
		return nil, time.Time{}, quote.Wrap(quote.KindNotFound, "store get", sym, err)
	}

	var rec quote.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		q.logger.Warn("store get: corrupt row", slog.String("symbol", string(sym)), slog.Any("error", err))
		return nil, time.Time{}, quote.Wrap(quote.KindNotFound, "store get", sym, err)
	}
	return &rec, time.UnixMilli(updatedAt), nil
}

// Put upserts rec under sym.
func (q *Quotes) Put(ctx context.Context, sym quote.Symbol, rec *quote.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store put %s: %w", sym, err)
	}
	conn, err := q.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("store put %s: %w", sym, err)
	}
	defer q.db.Release(conn)

	_, err = conn.ExecContext(ctx, `
		INSERT INTO quote_cache (symbol, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(sym), string(data), q.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store put %s: %w", sym, err)
	}
	return nil
}

// Delete removes sym. Deleting a missing row is not an error.
func (q *Quotes) Delete(ctx context.Context, sym quote.Symbol) error {
	conn, err := q.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("store delete %s: %w", sym, err)
	}
	defer q.db.Release(conn)

	if _, err := conn.ExecContext(ctx, `DELETE FROM quote_cache WHERE symbol = ?`, string(sym)); err != nil {
		return fmt.Errorf("store delete %s: %w", sym, err)
	}
	return nil
}

// TopByVolume returns up to limit records of market written after since,
// highest volume first.
func (q *Quotes) TopByVolume(ctx context.Context, market quote.Market, since time.Time, limit int) ([]*quote.Record, error) {
	conn, err := q.db.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("store top: %w", err)
	}
	defer q.db.Release(conn)

	rows, err := conn.QueryContext(ctx, `
		SELECT data FROM quote_cache
		WHERE updated_at > ? AND json_extract(data, '$.market') = ?
		ORDER BY CAST(json_extract(data, '$.fields.volume') AS REAL) DESC
		LIMIT ?`, since.UnixMilli(), string(market), limit)
	if err != nil {
		return nil, fmt.Errorf("store top: %w", err)
	}
	defer rows.Close()

	var out []*quote.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store top: %w", err)
		}
		var rec quote.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			q.logger.Warn("store top: corrupt row", slog.Any("error", err))
			continue
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
