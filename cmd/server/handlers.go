package main

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"quoteresolver/internal/anomaly"
	"quoteresolver/internal/cache"
	"quoteresolver/internal/quote"
	"quoteresolver/internal/resolve"
	"quoteresolver/internal/warmup"
)

const (
	maxBatchSymbols  = 50
	batchConcurrency = 8
	defaultRecent    = 20
)

type quoteService interface {
	Resolve(ctx context.Context, raw string, opts resolve.Options) (*quote.Record, error)
	Invalidate(ctx context.Context, raw string) error
	Trending(ctx context.Context, market quote.Market) ([]*quote.Record, error)
	CacheStats() cache.Stats
}

type anomalyReport interface {
	Counts() map[anomaly.Category]int
	Recent(n int) []anomaly.Record
	Recommend(sym quote.Symbol) anomaly.Recommendation
}

type server struct {
	quotes     quoteService
	anomalies  anomalyReport
	storeState func() string
	warmup     func() warmup.Summary
	timeout    time.Duration
	logger     *slog.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/quote", s.handleQuote)
	mux.HandleFunc("GET /api/quotes", s.handleQuotes)
	mux.HandleFunc("POST /api/quote/invalidate", s.handleInvalidate)
	mux.HandleFunc("GET /api/trending", s.handleTrending)
	mux.HandleFunc("GET /api/anomalies", s.handleAnomalies)
	return withJSONHeaders(withGzip(s.recoverPanic(mux)))
}

type healthResponse struct {
	Status string          `json:"status"`
	Store  string          `json:"store"`
	Cache  cache.Stats     `json:"cache"`
	Warmup *warmup.Summary `json:"warmup,omitempty"`
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Store: "unknown", Cache: s.quotes.CacheStats()}
	if s.storeState != nil {
		resp.Store = s.storeState()
	}
	if s.warmup != nil {
		last := s.warmup()
		resp.Warmup = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseOptions(r *http.Request) (resolve.Options, error) {
	q := r.URL.Query()
	opts := resolve.Options{
		Period:   q.Get("period"),
		Interval: q.Get("interval"),
	}
	if v := q.Get("refresh"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, errors.New("refresh must be a boolean")
		}
		opts.ForceRefresh = b
	}
	if v := q.Get("maxAge"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return opts, errors.New("maxAge must be a positive duration")
		}
		opts.MaxAge = d
	}
	return opts, nil
}

func (s *server) handleQuote(w http.ResponseWriter, r *http.Request) {
	sym := strings.TrimSpace(r.URL.Query().Get("symbol"))
	if sym == "" {
		writeError(w, http.StatusBadRequest, "missing symbol query param")
		return
	}
	opts, err := parseOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	rec, err := s.quotes.Resolve(ctx, sym, opts)
	if err != nil {
		s.writeResolveError(w, sym, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type batchResponse struct {
	Quotes []*quote.Record   `json:"quotes"`
	Errors map[string]string `json:"errors,omitempty"`
}

func (s *server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	symbols := splitCSV(r.URL.Query().Get("symbols"))
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, "missing symbols query param")
		return
	}
	if len(symbols) > maxBatchSymbols {
		writeError(w, http.StatusBadRequest, "too many symbols (max "+strconv.Itoa(maxBatchSymbols)+")")
		return
	}
	opts, err := parseOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	recs := make([]*quote.Record, len(symbols))
	var (
		mu   sync.Mutex
		errs = map[string]string{}
	)
	p := pool.New().WithMaxGoroutines(batchConcurrency)
	for i, sym := range symbols {
		p.Go(func() {
			rec, err := s.quotes.Resolve(ctx, sym, opts)
			if err != nil {
				mu.Lock()
				errs[sym] = err.Error()
				mu.Unlock()
				return
			}
			recs[i] = rec
		})
	}
	p.Wait()

	resp := batchResponse{Quotes: make([]*quote.Record, 0, len(recs))}
	for _, rec := range recs {
		if rec != nil {
			resp.Quotes = append(resp.Quotes, rec)
		}
	}
	if len(errs) > 0 {
		resp.Errors = errs
	}
	if len(resp.Quotes) == 0 {
		writeJSON(w, http.StatusNotFound, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	sym := strings.TrimSpace(r.URL.Query().Get("symbol"))
	if sym == "" {
		writeError(w, http.StatusBadRequest, "missing symbol query param")
		return
	}
	if err := s.quotes.Invalidate(r.Context(), sym); err != nil {
		s.logger.Warn("invalidate persistent entry", slog.String("symbol", sym), slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, "in-process entries cleared; persistent store unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type trendingResponse struct {
	Market quote.Market    `json:"market"`
	Items  []*quote.Record `json:"items"`
}

func (s *server) handleTrending(w http.ResponseWriter, r *http.Request) {
	market := quote.Market(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("market"))))
	switch market {
	case "":
		market = quote.MarketTW
	case quote.MarketTW, quote.MarketUS:
	default:
		writeError(w, http.StatusBadRequest, "market must be TW or US")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	items, err := s.quotes.Trending(ctx, market)
	if err != nil {
		s.logger.Warn("trending", slog.String("market", string(market)), slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "trending unavailable")
		return
	}
	writeJSON(w, http.StatusOK, trendingResponse{Market: market, Items: items})
}

type anomaliesResponse struct {
	Counts         map[anomaly.Category]int `json:"counts"`
	Recent         []anomaly.Record         `json:"recent"`
	Recommendation *anomaly.Recommendation  `json:"recommendation,omitempty"`
}

func (s *server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultRecent
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	resp := anomaliesResponse{Counts: s.anomalies.Counts(), Recent: s.anomalies.Recent(limit)}
	if sym := quote.NormalizeSymbol(q.Get("symbol")); sym != "" {
		rec := s.anomalies.Recommend(sym)
		resp.Recommendation = &rec
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) writeResolveError(w http.ResponseWriter, sym string, err error) {
	if errors.Is(err, quote.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no data for "+sym)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger.Warn("resolve timed out", slog.String("symbol", sym), slog.Any("error", err))
		writeError(w, http.StatusGatewayTimeout, "timed out resolving "+sym)
		return
	}
	s.logger.Error("resolve", slog.String("symbol", sym), slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withJSONHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withGzip compresses the response when the client accepts gzip and the
// status allows a body.
func withGzip(next http.Handler) http.Handler {
	gzPool := &sync.Pool{New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	}}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		gw := &gzipResponseWriter{ResponseWriter: w, pool: gzPool}
		defer gw.close()
		next.ServeHTTP(gw, r)
	})
}

// gzipResponseWriter picks up a pooled gzip.Writer once the status is known.
type gzipResponseWriter struct {
	http.ResponseWriter
	pool        *sync.Pool
	gz          *gzip.Writer
	wroteHeader bool
}

func (g *gzipResponseWriter) WriteHeader(status int) {
	if status < http.StatusOK {
		g.ResponseWriter.WriteHeader(status)
		return
	}
	if g.wroteHeader {
		return
	}
	g.wroteHeader = true
	if status != http.StatusNoContent && status != http.StatusNotModified {
		h := g.Header()
		h.Set("Content-Encoding", "gzip")
		h.Add("Vary", "Accept-Encoding")
		h.Del("Content-Length")
		g.gz = g.pool.Get().(*gzip.Writer)
		g.gz.Reset(g.ResponseWriter)
	}
	g.ResponseWriter.WriteHeader(status)
}

func (g *gzipResponseWriter) Write(b []byte) (int, error) {
	if !g.wroteHeader {
		g.WriteHeader(http.StatusOK)
	}
	if g.gz == nil {
		return g.ResponseWriter.Write(b)
	}
	return g.gz.Write(b)
}

func (g *gzipResponseWriter) close() {
	if g.gz == nil {
		return
	}
	_ = g.gz.Close()
	g.gz.Reset(io.Discard)
	g.pool.Put(g.gz)
	g.gz = nil
}

func (s *server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", slog.String("path", r.URL.Path), slog.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
