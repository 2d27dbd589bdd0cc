// Package resolve is the caller-facing quote service: it layers the
// in-process cache and the persistent cache over the reconciliation engine.
package resolve

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quoteresolver/internal/cache"
	"quoteresolver/internal/fieldbag"
	"quoteresolver/internal/metrics"
	"quoteresolver/internal/provider"
	"quoteresolver/internal/quote"
	"quoteresolver/internal/reconcile"
)

// Reconciler produces a fresh record from the upstream providers.
type Reconciler interface {
	Resolve(ctx context.Context, sym quote.Symbol, force bool) (*quote.Record, error)
}

// Store is the persistent cache tier.
type Store interface {
	Get(ctx context.Context, sym quote.Symbol) (*quote.Record, time.Time, error)
	Put(ctx context.Context, sym quote.Symbol, rec *quote.Record) error
	Delete(ctx context.Context, sym quote.Symbol) error
	TopByVolume(ctx context.Context, market quote.Market, since time.Time, limit int) ([]*quote.Record, error)
}

// Aliases maps display names to canonical symbols. Learn records a name
// seen upstream without replacing one already on file.
type Aliases interface {
	Resolve(ctx context.Context, sym quote.Symbol) quote.Symbol
	Learn(ctx context.Context, sym quote.Symbol, name string) error
}

// Scanner lists the most active instruments of a market.
type Scanner interface {
	provider.Provider
	Scan(ctx context.Context, market quote.Market, limit int) ([]fieldbag.Bag, error)
}

// TTLs are the freshness windows applied to persistent-tier entries.
type TTLs struct {
	Detail  time.Duration `mapstructure:"detail"`
	List    time.Duration `mapstructure:"list"`
	History time.Duration `mapstructure:"history"`
	Grace   time.Duration `mapstructure:"grace"`
}

func DefaultTTLs() TTLs {
	return TTLs{Detail: 4 * time.Hour, List: time.Hour, History: 24 * time.Hour, Grace: 30 * time.Minute}
}

// Options select the history window and freshness of one lookup.
type Options struct {
	Period       string
	Interval     string
	ForceRefresh bool
	// MaxAge overrides TTLs.Detail for the persistent tier.
	MaxAge time.Duration
}

const (
	DefaultPeriod   = "1y"
	DefaultInterval = "1d"

	trendingLimit = 15
	// rows scanned before filtering down to trendingLimit
	trendingDepth = 100
	// technical rating a trending row must exceed
	trendingMinRating = 0.2

	aliasTTL = 10 * time.Minute
)

// trendingMinVolume is the share volume a trending row must exceed.
var trendingMinVolume = map[quote.Market]float64{
	quote.MarketTW: 1_000_000,
	quote.MarketUS: 2_000_000,
}

func (o Options) withDefaults() Options {
	if o.Period == "" {
		o.Period = DefaultPeriod
	}
	if o.Interval == "" {
		o.Interval = DefaultInterval
	}
	return o
}

func (o Options) historyKey() string { return o.Period + "_" + o.Interval }

func cacheKey(sym quote.Symbol, o Options) string {
	return string(sym) + "|" + o.Period + "|" + o.Interval
}

// Resolver is created once per process and shared by all requests.
type Resolver struct {
	engine  Reconciler
	store   Store
	aliases Aliases
	history provider.HistoryProvider
	scanner Scanner

	quotes *cache.Cache[*quote.Record]
	lists  *cache.Cache[[]*quote.Record]
	known  *cache.Cache[quote.Symbol]

	ttl       TTLs
	params    metrics.Params
	bgTimeout time.Duration
	logger    *slog.Logger
	now       func() time.Time

	group singleflight.Group
	wg    sync.WaitGroup
}

type Option func(*Resolver)

func WithStore(s Store) Option { return func(r *Resolver) { r.store = s } }
func WithAliases(a Aliases) Option { return func(r *Resolver) { r.aliases = a } }
func WithHistory(h provider.HistoryProvider) Option { return func(r *Resolver) { r.history = h } }
func WithScanner(s Scanner) Option { return func(r *Resolver) { r.scanner = s } }
func WithTTLs(t TTLs) Option { return func(r *Resolver) { r.ttl = t } }
func WithMetrics(p metrics.Params) Option { return func(r *Resolver) { r.params = p } }

// WithCache replaces the in-process record cache.
func WithCache(c *cache.Cache[*quote.Record]) Option {
	return func(r *Resolver) {
		if c != nil {
			r.quotes = c
		}
	}
}

// WithListCache replaces the in-process trending cache.
func WithListCache(c *cache.Cache[[]*quote.Record]) Option {
	return func(r *Resolver) {
		if c != nil {
			r.lists = c
		}
	}
}

// WithBackgroundTimeout bounds each shared upstream resolution, whether a
// caller or a background refresh started it.
func WithBackgroundTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.bgTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

func New(engine Reconciler, opts ...Option) *Resolver {
	r := &Resolver{
		engine:    engine,
		quotes:    cache.New[*quote.Record](300*time.Second, 60*time.Second, 5000),
		lists:     cache.New[[]*quote.Record](300*time.Second, 60*time.Second, 16),
		known:     cache.New[quote.Symbol](aliasTTL, 0, 4096),
		ttl:       DefaultTTLs(),
		params:    metrics.DefaultParams(),
		bgTimeout: 30 * time.Second,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.known.Now = r.now
	return r
}

// Symbol normalizes raw and resolves display-name aliases. Answers from the
// alias table are kept in process for a few minutes.
func (r *Resolver) Symbol(ctx context.Context, raw string) quote.Symbol {
	sym := quote.NormalizeSymbol(raw)
	if sym == "" || r.aliases == nil {
		return sym
	}
	if canon, ok := r.known.Get(string(sym)); ok {
		return canon
	}
	canon := r.aliases.Resolve(ctx, sym)
	r.known.Set(string(sym), canon)
	return canon
}

// Resolve returns the record for raw. Failures fall back to cached data.
// Without a cached copy the error matches quote.ErrNotFound, or is ctx's
// own error when ctx ends first.
func (r *Resolver) Resolve(ctx context.Context, raw string, opts Options) (*quote.Record, error) {
	sym := r.Symbol(ctx, raw)
	if sym == "" {
		return nil, quote.Wrap(quote.KindNotFound, "resolve", "", errors.New("empty symbol"))
	}
	opts = opts.withDefaults()
	key := cacheKey(sym, opts)

	var fallback *quote.Record
	if !opts.ForceRefresh {
		if rec, ok := r.quotes.Get(key); ok {
			if r.quotes.IsStale(key) {
				r.refreshAsync(sym, opts)
			}
			return rec.Clone(), nil
		}

		rec, fresh := r.fromStore(ctx, sym, key, opts)
		if fresh {
			return rec, nil
		}
		fallback = rec
	}

	rec, err := r.resolveShared(ctx, sym, opts)
	if err != nil {
		if fallback != nil {
			r.logger.Info("serving expired record after failed refresh",
				slog.String("symbol", sym.String()), slog.Any("error", err))
			return fallback, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !errors.Is(err, quote.ErrNotFound) {
			err = quote.Wrap(quote.KindNotFound, "resolve", sym, err)
		}
		return nil, err
	}
	return rec, nil
}

// fromStore consults the persistent tier. ok reports whether the record may
// be served; an expired record is returned with ok=false as a fallback.
func (r *Resolver) fromStore(ctx context.Context, sym quote.Symbol, key string, opts Options) (*quote.Record, bool) {
	if r.store == nil {
		return nil, false
	}
	rec, writtenAt, err := r.store.Get(ctx, sym)
	if err != nil {
		r.logger.Debug("persistent cache miss", slog.String("symbol", sym.String()), slog.Any("error", err))
		return nil, false
	}

	ttl := r.ttl.Detail
	if opts.MaxAge > 0 {
		ttl = opts.MaxAge
	}
	age := r.now().Sub(writtenAt)
	if age >= ttl+r.ttl.Grace {
		return rec, false
	}

	rec = r.withHistory(ctx, sym, rec, opts)
	r.quotes.Set(key, rec)
	if age >= ttl {
		r.refreshAsync(sym, opts)
	}
	return rec.Clone(), true
}

// resolveShared runs one upstream resolution per key at a time. The
// resolution is detached from ctx and bounded by bgTimeout, so a caller that
// gives up does not cancel it for the others; each caller still returns
// when its own ctx ends.
func (r *Resolver) resolveShared(ctx context.Context, sym quote.Symbol, opts Options) (*quote.Record, error) {
	key := cacheKey(sym, opts)
	flight := key
	if opts.ForceRefresh {
		flight = "force:" + key
	}
	ch := r.group.DoChan(flight, func() (any, error) {
		r.wg.Add(1)
		defer r.wg.Done()
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.bgTimeout)
		defer cancel()

		rec, err := r.engine.Resolve(fctx, sym, opts.ForceRefresh)
		if err != nil {
			return nil, err
		}
		canon, k := sym, key
		if rec.Symbol != "" && rec.Symbol != sym {
			// matched by display name
			canon, k = rec.Symbol, cacheKey(rec.Symbol, opts)
			r.known.Set(string(sym), canon)
		}
		rec = r.attachHistory(fctx, canon, rec, opts)
		r.write(fctx, k, canon, rec)
		r.learnName(fctx, canon, rec.Name)
		return rec, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*quote.Record).Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// learnName records the upstream display name of sym so later lookups by
// that name resolve locally.
func (r *Resolver) learnName(ctx context.Context, sym quote.Symbol, name string) {
	name = strings.TrimSpace(name)
	if r.aliases == nil || name == "" || name == string(sym) {
		return
	}
	if err := r.aliases.Learn(ctx, sym, name); err != nil {
		r.logger.Debug("name not recorded", slog.String("symbol", sym.String()), slog.Any("error", err))
	}
}

// write stores rec in both tiers. A persistent-tier failure is logged only.
func (r *Resolver) write(ctx context.Context, key string, sym quote.Symbol, rec *quote.Record) {
	if r.store != nil {
		if err := r.store.Put(ctx, sym, rec); err != nil {
			r.logger.Warn("persistent cache write failed", slog.String("symbol", sym.String()), slog.Any("error", err))
		}
	}
	r.quotes.Set(key, rec)
}

// refreshAsync re-resolves sym in the background. Failures are logged.
func (r *Resolver) refreshAsync(sym quote.Symbol, opts Options) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_, err, shared := r.group.Do("refresh:"+cacheKey(sym, opts), func() (any, error) {
			return r.resolveShared(context.Background(), sym, opts)
		})
		if err != nil && !shared {
			r.logger.Warn("background refresh failed", slog.String("symbol", sym.String()), slog.Any("error", err))
		}
	}()
}

// Wait blocks until background refreshes and detached resolutions finish.
func (r *Resolver) Wait() { r.wg.Wait() }

// withHistory refreshes the attached history when it is missing, for another
// window, or older than TTLs.History, and persists the result.
func (r *Resolver) withHistory(ctx context.Context, sym quote.Symbol, rec *quote.Record, opts Options) *quote.Record {
	out := r.attachHistory(ctx, sym, rec, opts)
	if out != rec && r.store != nil && len(out.History) > 0 {
		if err := r.store.Put(ctx, sym, out); err != nil {
			r.logger.Warn("persistent cache write failed", slog.String("symbol", sym.String()), slog.Any("error", err))
		}
	}
	return out
}

// attachHistory returns rec itself when its history is current, otherwise a
// copy with fresh bars. Fetch failures are logged and never fail the lookup.
func (r *Resolver) attachHistory(ctx context.Context, sym quote.Symbol, rec *quote.Record, opts Options) *quote.Record {
	if r.history == nil {
		return rec
	}
	hk := opts.historyKey()
	if rec.HistoryKey == hk && len(rec.History) > 0 && r.now().Sub(rec.HistoryAt) < r.ttl.History {
		return rec
	}
	market := rec.Market
	if market == "" {
		market = sym.Market()
	}
	bars, err := r.history.History(ctx, sym, market, opts.Period, opts.Interval)
	out := rec.Clone()
	if err != nil || len(bars) == 0 {
		r.logger.Debug("history unavailable", slog.String("symbol", sym.String()), slog.Any("error", err))
		if out.HistoryKey != hk {
			out.History, out.HistoryKey, out.HistoryAt = nil, "", time.Time{}
		}
		return out
	}
	out.History, out.HistoryKey, out.HistoryAt = bars, hk, r.now().UTC()
	return out
}

// Invalidate drops sym from both tiers.
func (r *Resolver) Invalidate(ctx context.Context, raw string) error {
	sym := r.Symbol(ctx, raw)
	if sym == "" {
		return quote.Wrap(quote.KindNotFound, "invalidate", "", errors.New("empty symbol"))
	}
	n := r.quotes.DeletePrefix(string(sym) + "|")
	r.logger.Info("invalidated", slog.String("symbol", sym.String()), slog.Int("cached", n))
	if r.store == nil {
		return nil
	}
	return r.store.Delete(ctx, sym)
}

// Trending returns the most traded instruments of market: from the
// in-process cache, then recent persistent records, then a live scan. A
// stale cached list and a list rebuilt from the persistent tier are served
// as they are and rescanned in the background.
func (r *Resolver) Trending(ctx context.Context, market quote.Market) ([]*quote.Record, error) {
	key := trendingKey(market)
	if recs, ok := r.lists.Get(key); ok {
		if r.lists.IsStale(key) {
			r.refreshTrendingAsync(market)
		}
		return recs, nil
	}

	if r.store != nil {
		recs, err := r.store.TopByVolume(ctx, market, r.now().Add(-r.ttl.List), trendingDepth)
		if err != nil {
			r.logger.Debug("trending from store failed", slog.Any("error", err))
		}
		if recs = trending(recs, market); len(recs) > 0 {
			r.lists.Set(key, recs)
			r.refreshTrendingAsync(market)
			return recs, nil
		}
	}

	recs, err := r.scanShared(ctx, market)
	if err != nil {
		r.logger.Warn("trending scan failed", slog.String("market", string(market)), slog.Any("error", err))
		return []*quote.Record{}, nil
	}
	return recs, nil
}

func trendingKey(market quote.Market) string {
	return "trending_" + strings.ToUpper(string(market))
}

func (r *Resolver) refreshTrendingAsync(market quote.Market) {
	if r.scanner == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.scanShared(context.Background(), market); err != nil {
			r.logger.Warn("background trending scan failed", slog.String("market", string(market)), slog.Any("error", err))
		}
	}()
}

// scanShared runs one market scan at a time, detached from ctx like
// resolveShared. A scan with no qualifying rows leaves the cached list alone.
func (r *Resolver) scanShared(ctx context.Context, market quote.Market) ([]*quote.Record, error) {
	if r.scanner == nil {
		return []*quote.Record{}, nil
	}
	key := trendingKey(market)
	ch := r.group.DoChan(key, func() (any, error) {
		r.wg.Add(1)
		defer r.wg.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.bgTimeout)
		defer cancel()

		recs, err := r.scan(sctx, market)
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			r.lists.Set(key, recs)
		}
		return recs, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]*quote.Record), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) scan(ctx context.Context, market quote.Market) ([]*quote.Record, error) {
	bags, err := r.scanner.Scan(ctx, market, trendingDepth)
	if err != nil {
		return nil, err
	}
	recs := make([]*quote.Record, 0, len(bags))
	for _, bag := range bags {
		ticker := bag.Text(provider.LabelTicker)
		if i := strings.LastIndexByte(ticker, ':'); i >= 0 {
			ticker = ticker[i+1:]
		}
		sym := quote.NormalizeSymbol(ticker)
		if sym == "" || sym.Market() != market {
			continue
		}
		rec := reconcile.Normalize(r.scanner, bag, sym, market, r.logger)
		if !qualifies(rec, market) {
			continue
		}
		rec.ResolvedAt = r.now().UTC()
		recs = append(recs, metrics.Enrich(rec, r.params))
	}
	recs = trending(recs, market)
	if r.store != nil {
		for _, rec := range recs {
			if err := r.store.Put(ctx, rec.Symbol, rec); err != nil {
				r.logger.Debug("trending write failed", slog.String("symbol", rec.Symbol.String()), slog.Any("error", err))
			}
		}
	}
	return recs, nil
}

// trending keeps the qualifying records of market, most traded first, capped
// at trendingLimit.
func trending(recs []*quote.Record, market quote.Market) []*quote.Record {
	out := make([]*quote.Record, 0, min(len(recs), trendingLimit))
	for _, rec := range recs {
		if qualifies(rec, market) {
			out = append(out, rec)
		}
	}
	slices.SortStableFunc(out, func(a, b *quote.Record) int {
		va, vb := a.Value(quote.FieldVolume, 0), b.Value(quote.FieldVolume, 0)
		switch {
		case va > vb:
			return -1
		case va < vb:
			return 1
		}
		return 0
	})
	if len(out) > trendingLimit {
		out = out[:trendingLimit]
	}
	return out
}

// qualifies reports whether rec is a usable, actively traded, positively
// rated listing of market.
func qualifies(rec *quote.Record, market quote.Market) bool {
	return rec.Usable() &&
		rec.Symbol.Market() == market &&
		rec.Value(quote.FieldVolume, 0) > trendingMinVolume[market] &&
		rec.Value(quote.FieldTechnicalRating, 0) > trendingMinRating
}

// CacheStats reports the in-process cache counters.
func (r *Resolver) CacheStats() cache.Stats { return r.quotes.Stats() }
