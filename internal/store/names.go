package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"

	"quoteresolver/internal/quote"
)

// Names maps canonical symbols to display names so callers can look an
// instrument up by either.
type Names struct {
	db     Acquirer
	logger *slog.Logger
}

// NewNames creates the alias table accessor.
func NewNames(db Acquirer, logger *slog.Logger) *Names {
	if logger == nil {
		logger = slog.Default()
	}
	return &Names{db: db, logger: logger}
}

func nameKey(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Resolve returns the canonical symbol for sym, which may be a symbol or a
// display name. When the store has no match or is unavailable, sym is
// returned unchanged.
func (n *Names) Resolve(ctx context.Context, sym quote.Symbol) quote.Symbol {
	conn, err := n.db.Acquire(ctx)
	if err != nil {
		return sym
	}
	defer n.db.Release(conn)

	var canonical string
	err = conn.QueryRowContext(ctx,
		`SELECT symbol FROM symbol_names WHERE symbol = ? OR name_key = ? LIMIT 1`,
		string(sym), nameKey(string(sym))).Scan(&canonical)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return sym
	case err != nil:
		n.logger.Debug("alias lookup", slog.String("symbol", string(sym)), slog.Any("error", err))
		return sym
	}
	return quote.Symbol(canonical)
}

// Upsert stores the given symbol -> name pairs.
func (n *Names) Upsert(ctx context.Context, names map[quote.Symbol]string) error {
	conn, err := n.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("names upsert: %w", err)
	}
	defer n.db.Release(conn)

	for sym, name := range names {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO symbol_names (symbol, name, name_key) VALUES (?, ?, ?)
			ON CONFLICT(symbol) DO UPDATE SET name = excluded.name, name_key = excluded.name_key`,
			string(sym), name, nameKey(name))
		if err != nil {
			return fmt.Errorf("names upsert %s: %w", sym, err)
		}
	}
	return nil
}

// Learn stores name for sym unless sym already has one, so names seen
// upstream never replace a curated entry.
func (n *Names) Learn(ctx context.Context, sym quote.Symbol, name string) error {
	conn, err := n.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("names learn: %w", err)
	}
	defer n.db.Release(conn)

	_, err = conn.ExecContext(ctx, `
		INSERT INTO symbol_names (symbol, name, name_key) VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO NOTHING`,
		string(sym), name, nameKey(name))
	if err != nil {
		return fmt.Errorf("names learn %s: %w", sym, err)
	}
	return nil
}

// LoadNamesFile reads a YAML mapping of symbol to display name.
func LoadNamesFile(path string) (map[quote.Symbol]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read names: %w", err)
	}
	var raw map[string]string
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse names: %w", err)
	}
	out := make(map[quote.Symbol]string, len(raw))
	for sym, name := range raw {
		out[quote.NormalizeSymbol(sym)] = strings.TrimSpace(name)
	}
	return out, nil
}
