// Package reconcile resolves a symbol against the upstream providers and
// merges their answers into one record.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"quoteresolver/internal/anomaly"
	"quoteresolver/internal/metrics"
	"quoteresolver/internal/provider"
	"quoteresolver/internal/quote"
)

// Selector records anomalies and suggests which provider to ask first.
type Selector interface {
	SuggestProvider(sym quote.Symbol) string
	LastAnomaly(sym quote.Symbol, cat anomaly.Category) (time.Time, bool)
	LogAnomaly(cat anomaly.Category, sym quote.Symbol, detail string)
}

// Config tunes the engine.
type Config struct {
	ProviderTimeout time.Duration
	// RecencyWindow suppresses repeated missing-field handling per symbol.
	RecencyWindow time.Duration
	Thresholds    Thresholds
	Bounds        map[quote.Field]anomaly.Bound
	Metrics       metrics.Params
}

func DefaultConfig() Config {
	return Config{
		ProviderTimeout: 8 * time.Second,
		RecencyWindow:   24 * time.Hour,
		Thresholds:      DefaultThresholds(),
		Bounds:          anomaly.DefaultBounds(),
		Metrics:         metrics.DefaultParams(),
	}
}

// Engine is the provider reconciliation engine. It is safe for concurrent use.
type Engine struct {
	providers []provider.Provider
	selector  Selector
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an engine over providers. The first provider is the default
// when the selector suggests a name that is not registered.
func New(providers []provider.Provider, sel Selector, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		providers: providers,
		selector:  sel,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// order returns the preferred provider and the alternative, if any.
func (e *Engine) order(sym quote.Symbol) (provider.Provider, provider.Provider) {
	if len(e.providers) == 0 {
		return nil, nil
	}
	pref := e.providers[0]
	if e.selector != nil {
		name := e.selector.SuggestProvider(sym)
		for _, p := range e.providers {
			if p.Name() == name {
				pref = p
				break
			}
		}
	}
	for _, p := range e.providers {
		if p != pref {
			return pref, p
		}
	}
	return pref, nil
}

// Resolve queries the providers for sym and returns an enriched record.
// force bypasses the recency window for missing critical fields. The only
// error returned is one matching quote.ErrNotFound.
func (e *Engine) Resolve(ctx context.Context, sym quote.Symbol, force bool) (*quote.Record, error) {
	market := sym.Market()
	first, second := e.order(sym)
	if first == nil {
		return nil, quote.Wrap(quote.KindNotFound, "reconcile", sym, errors.New("no providers configured"))
	}

	rec, firstErr := e.query(ctx, first, sym, market)
	var other *quote.Record
	secondTried := false
	if !rec.Usable() {
		var secondErr error
		if second != nil {
			rec, secondErr = e.query(ctx, second, sym, market)
			secondTried = true
		}
		if !rec.Usable() {
			return nil, quote.Wrap(quote.KindNotFound, "reconcile", sym, errors.Join(firstErr, secondErr))
		}
	}
	// a display-name match answers for the listing's own symbol
	sym = rec.Symbol

	if missing := rec.MissingCritical(); len(missing) > 0 {
		if force || !e.recentlyMissing(sym) {
			e.logMissing(sym, rec, missing)
			if second != nil && !secondTried {
				other, _ = e.query(ctx, second, sym, market)
			}
		} else {
			e.logger.Debug("missing critical fields logged recently, not re-querying",
				slog.String("symbol", sym.String()))
		}
	}

	res := Merge(rec, usable(other), e.cfg.Thresholds)
	if res.Diverged {
		e.log(anomaly.CrossProviderDivergence, sym, fmt.Sprintf("price %g (%s) vs %g (%s)",
			rec.Value(quote.FieldPrice, 0), rec.Provenance[0],
			other.Value(quote.FieldPrice, 0), other.Provenance[0]))
	}
	if res.TargetRejected {
		e.log(anomaly.CrossProviderDivergence, sym, fmt.Sprintf("target price rejected against price %g",
			res.Record.Value(quote.FieldPrice, 0)))
	}

	merged := res.Record
	if still := merged.MissingCritical(); len(still) > 0 {
		e.logger.Debug("record resolved with missing critical fields",
			slog.String("symbol", sym.String()),
			slog.Any("fields", still),
			slog.Any("error", quote.Wrap(quote.KindCriticalFieldsMissing, "reconcile", sym, nil)))
	}
	if e.selector != nil && len(e.cfg.Bounds) > 0 {
		anomaly.CheckBounds(e.selector, merged, e.cfg.Bounds)
	}
	merged.ResolvedAt = e.now().UTC()
	return metrics.Enrich(merged, e.cfg.Metrics), nil
}

func usable(r *quote.Record) *quote.Record {
	if r.Usable() {
		return r
	}
	return nil
}

func (e *Engine) recentlyMissing(sym quote.Symbol) bool {
	if e.selector == nil || e.cfg.RecencyWindow <= 0 {
		return false
	}
	last, ok := e.selector.LastAnomaly(sym, anomaly.MissingCriticalField)
	return ok && e.now().Sub(last) < e.cfg.RecencyWindow
}

func (e *Engine) logMissing(sym quote.Symbol, rec *quote.Record, missing []quote.Field) {
	names := make([]string, len(missing))
	for i, f := range missing {
		names[i] = string(f)
	}
	e.log(anomaly.MissingCriticalField, sym,
		fmt.Sprintf("%s missing from %s", strings.Join(names, ","), rec.Provenance[0]))
}

func (e *Engine) log(cat anomaly.Category, sym quote.Symbol, detail string) {
	if e.selector == nil {
		e.logger.Warn("anomaly", slog.String("category", string(cat)), slog.String("symbol", sym.String()),
			slog.String("detail", detail))
		return
	}
	e.selector.LogAnomaly(cat, sym, detail)
}

// query asks one provider with the configured timeout. Failures are logged
// and returned; the record is nil unless the provider answered.
func (e *Engine) query(parent context.Context, p provider.Provider, sym quote.Symbol, market quote.Market) (*quote.Record, error) {
	ctx := parent
	if e.cfg.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, e.cfg.ProviderTimeout)
		defer cancel()
	}
	start := e.now()
	bag, err := p.Query(ctx, sym, market)
	switch {
	case err == nil && len(bag) == 0:
		err = quote.Wrap(quote.KindProviderEmpty, "query "+p.Name(), sym, nil)
		fallthrough
	case errors.Is(err, quote.ErrProviderEmpty):
		e.logger.Debug("provider has no data",
			slog.String("provider", p.Name()), slog.String("symbol", sym.String()))
		return nil, err
	case errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil:
		e.log(anomaly.ProviderTimeout, sym, fmt.Sprintf("%s after %s", p.Name(), e.now().Sub(start).Round(time.Millisecond)))
		return nil, err
	case err != nil:
		e.logger.Warn("provider query failed",
			slog.String("provider", p.Name()), slog.String("symbol", sym.String()), slog.Any("error", err))
		return nil, err
	}
	return Normalize(p, bag, sym, market, e.logger), nil
}
