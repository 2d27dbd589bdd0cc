// Package anomaly keeps the append-only anomaly log and uses it to bias
// provider selection per symbol.
package anomaly

import (
	"bufio"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"quoteresolver/internal/provider"
	"quoteresolver/internal/quote"
)

type Category string

const (
	MissingCriticalField    Category = "missing-critical-field"
	ProviderTimeout         Category = "provider-timeout"
	CrossProviderDivergence Category = "cross-provider-divergence"
	OutOfRange              Category = "out-of-range"
)

// Record is one immutable log line.
type Record struct {
	ID       string       `json:"id"`
	Time     time.Time    `json:"timestamp"`
	Category Category     `json:"category"`
	Symbol   quote.Symbol `json:"symbol,omitempty"`
	Detail   string       `json:"detail"`
}

const defaultRecentLimit = 256

// Log is a JSON-lines anomaly log with an in-memory index of the newest
// anomaly per symbol and category. It never returns write errors; they are
// reported through the logger only.
type Log struct {
	path     string
	logger   *slog.Logger
	now      func() time.Time
	primary  string
	fallback string
	keep     int

	mu     sync.Mutex
	f      *os.File
	last   map[quote.Symbol]map[Category]time.Time
	counts map[Category]int
	recent []Record
}

type Option func(*Log)

func WithLogger(l *slog.Logger) Option {
	return func(g *Log) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Log) {
		if now != nil {
			g.now = now
		}
	}
}

// WithProviders sets the default provider and the one suggested after a
// missing-critical-field anomaly.
func WithProviders(primary, fallback string) Option {
	return func(g *Log) {
		g.primary, g.fallback = primary, fallback
	}
}

// WithRecentLimit bounds how many records Recent can return.
func WithRecentLimit(n int) Option {
	return func(g *Log) {
		if n > 0 {
			g.keep = n
		}
	}
}

// Open loads the existing log at path and opens it for appending. An empty
// path or an unopenable file yields a memory-only log.
func Open(path string, opts ...Option) *Log {
	g := &Log{
		path:     path,
		logger:   slog.Default(),
		now:      time.Now,
		primary:  provider.Screener,
		fallback: provider.Yahoo,
		keep:     defaultRecentLimit,
		last:     make(map[quote.Symbol]map[Category]time.Time),
		counts:   make(map[Category]int),
	}
	for _, opt := range opts {
		opt(g)
	}
	if path == "" {
		return g
	}

	if err := g.load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		g.logger.Warn("anomaly log: load failed", slog.String("path", path), slog.Any("error", err))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		g.logger.Warn("anomaly log: mkdir failed", slog.String("path", path), slog.Any("error", err))
		return g
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		g.logger.Warn("anomaly log: open failed, keeping records in memory",
			slog.String("path", path), slog.Any("error", err))
		return g
	}
	g.f = f
	return g
}

func (g *Log) load() error {
	f, err := os.Open(g.path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	skipped := 0
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Category == "" {
			skipped++
			continue
		}
		g.index(r)
	}
	if skipped > 0 {
		g.logger.Debug("anomaly log: skipped unreadable lines", slog.Int("count", skipped))
	}
	return sc.Err()
}

// index must be called with mu held (or before the log is shared).
func (g *Log) index(r Record) {
	g.counts[r.Category]++
	if r.Symbol != "" {
		byCat := g.last[r.Symbol]
		if byCat == nil {
			byCat = make(map[Category]time.Time)
			g.last[r.Symbol] = byCat
		}
		if r.Time.After(byCat[r.Category]) {
			byCat[r.Category] = r.Time
		}
	}
	g.recent = append(g.recent, r)
	if len(g.recent) > g.keep {
		g.recent = slices.Clone(g.recent[len(g.recent)-g.keep:])
	}
}

// LogAnomaly appends a record. Failures to persist are logged and swallowed.
func (g *Log) LogAnomaly(cat Category, sym quote.Symbol, detail string) {
	r := Record{
		ID:       uuid.NewString(),
		Time:     g.now().UTC(),
		Category: cat,
		Symbol:   sym,
		Detail:   detail,
	}
	line, err := json.Marshal(r)
	if err != nil {
		g.logger.Warn("anomaly log: encode failed", slog.Any("error", err))
		return
	}
	line = append(line, '\n')

	g.mu.Lock()
	defer g.mu.Unlock()
	g.index(r)
	g.logger.Info("anomaly recorded",
		slog.String("category", string(cat)),
		slog.String("symbol", sym.String()),
		slog.String("detail", detail))
	if g.f == nil {
		return
	}
	if _, err := g.f.Write(line); err != nil {
		g.logger.Warn("anomaly log: write failed", slog.String("path", g.path), slog.Any("error", err))
	}
}

// SuggestProvider returns the fallback provider if the symbol has ever had a
// missing-critical-field anomaly, otherwise the primary.
func (g *Log) SuggestProvider(sym quote.Symbol) string {
	if _, ok := g.LastAnomaly(sym, MissingCriticalField); ok {
		return g.fallback
	}
	return g.primary
}

// LastAnomaly returns when the newest anomaly of the category was logged for sym.
func (g *Log) LastAnomaly(sym quote.Symbol, cat Category) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.last[sym][cat]
	return t, ok
}

// Counts returns the number of records per category, including those loaded
// from disk.
func (g *Log) Counts() map[Category]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[Category]int, len(g.counts))
	for k, v := range g.counts {
		out[k] = v
	}
	return out
}

// Recent returns up to n records, newest first.
func (g *Log) Recent(n int) []Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n <= 0 || n > len(g.recent) {
		n = len(g.recent)
	}
	out := make([]Record, 0, n)
	for i := len(g.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, g.recent[i])
	}
	return out
}

// Recommendation is the suggested provider and follow-up for a symbol.
type Recommendation struct {
	Symbol   quote.Symbol `json:"symbol"`
	Provider string       `json:"provider"`
	Category Category     `json:"category,omitempty"`
	Action   string       `json:"action"`
}

var actions = map[Category]string{
	MissingCriticalField:    "check screener column mapping or prefer the fallback provider",
	ProviderTimeout:         "raise the provider timeout or lower the request rate",
	CrossProviderDivergence: "verify the currency and unit conventions of both providers",
	OutOfRange:              "review validation bounds for the affected field",
}

// Recommend summarizes the newest anomaly for sym.
func (g *Log) Recommend(sym quote.Symbol) Recommendation {
	rec := Recommendation{Symbol: sym, Provider: g.SuggestProvider(sym), Action: "observe"}

	g.mu.Lock()
	var newest time.Time
	for cat, t := range g.last[sym] {
		if t.After(newest) || (t.Equal(newest) && cat < rec.Category) {
			newest, rec.Category = t, cat
		}
	}
	g.mu.Unlock()

	if a, ok := actions[rec.Category]; ok {
		rec.Action = a
	}
	return rec
}

// Close closes the underlying file; later records stay in memory.
func (g *Log) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.f == nil {
		return nil
	}
	err := g.f.Close()
	g.f = nil
	return err
}
