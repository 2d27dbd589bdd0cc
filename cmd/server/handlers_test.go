package main

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quoteresolver/internal/anomaly"
	"quoteresolver/internal/cache"
	"quoteresolver/internal/quote"
	"quoteresolver/internal/resolve"
	"quoteresolver/internal/warmup"
)

type fakeQuotes struct {
	mu          sync.Mutex
	records     map[string]*quote.Record
	lastOpts    resolve.Options
	invalidated []string
	invalidErr  error
	trending    []*quote.Record
	panicOn     string
	err         error
}

func (f *fakeQuotes) Resolve(_ context.Context, raw string, opts resolve.Options) (*quote.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if raw == f.panicOn {
		panic("boom")
	}
	f.lastOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	if rec, ok := f.records[raw]; ok {
		return rec, nil
	}
	return nil, quote.Wrap(quote.KindNotFound, "resolve", quote.Symbol(raw), nil)
}

func (f *fakeQuotes) Invalidate(_ context.Context, raw string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, raw)
	return f.invalidErr
}

func (f *fakeQuotes) Trending(_ context.Context, _ quote.Market) ([]*quote.Record, error) {
	return f.trending, nil
}

func (f *fakeQuotes) CacheStats() cache.Stats { return cache.Stats{Items: len(f.records), Hits: 3} }

type fakeAnomalies struct{}

func (fakeAnomalies) Counts() map[anomaly.Category]int {
	return map[anomaly.Category]int{anomaly.ProviderTimeout: 2}
}

func (fakeAnomalies) Recent(n int) []anomaly.Record {
	out := []anomaly.Record{
		{Category: anomaly.ProviderTimeout, Symbol: "2330"},
		{Category: anomaly.ProviderTimeout, Symbol: "2317"},
	}
	if n < len(out) {
		out = out[:n]
	}
	return out
}

func (fakeAnomalies) Recommend(sym quote.Symbol) anomaly.Recommendation {
	return anomaly.Recommendation{Symbol: sym, Provider: "yahoo", Category: anomaly.ProviderTimeout, Action: "observe"}
}

func newTestServer(q *fakeQuotes) http.Handler {
	s := &server{
		quotes:     q,
		anomalies:  fakeAnomalies{},
		storeState: func() string { return "healthy" },
		warmup:     func() warmup.Summary { return warmup.Summary{OK: 4} },
		timeout:    time.Second,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return s.routes()
}

func tsmc() *quote.Record {
	return &quote.Record{
		Symbol: "2330",
		Name:   "TSMC",
		Market: quote.MarketTW,
		Fields: map[quote.Field]float64{quote.FieldPrice: 1000},
	}
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequestWithContext(t.Context(), method, target, nil))
	return rr
}

func TestHealth(t *testing.T) {
	t.Parallel()

	rr := do(t, newTestServer(&fakeQuotes{}), http.MethodGet, "/healthz")

	require.Equal(t, http.StatusOK, rr.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "healthy", resp.Store)
	require.EqualValues(t, 3, resp.Cache.Hits)
	require.NotNil(t, resp.Warmup)
	require.Equal(t, 4, resp.Warmup.OK)
}

func TestQuote(t *testing.T) {
	t.Parallel()

	// Arrange
	q := &fakeQuotes{records: map[string]*quote.Record{"2330": tsmc()}}
	h := newTestServer(q)

	// Act
	rr := do(t, h, http.MethodGet, "/api/quote?symbol=2330&period=6mo&refresh=true&maxAge=10m")

	// Assert
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/json; charset=utf-8", rr.Header().Get("Content-Type"))
	var rec quote.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	require.Equal(t, "TSMC", rec.Name)
	require.Equal(t, resolve.Options{Period: "6mo", ForceRefresh: true, MaxAge: 10 * time.Minute}, q.lastOpts)
}

func TestQuoteErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		target string
		status int
	}{
		{name: "missing symbol", target: "/api/quote", status: http.StatusBadRequest},
		{name: "bad refresh", target: "/api/quote?symbol=2330&refresh=maybe", status: http.StatusBadRequest},
		{name: "bad max age", target: "/api/quote?symbol=2330&maxAge=-1s", status: http.StatusBadRequest},
		{name: "unknown symbol", target: "/api/quote?symbol=ZZZZ", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rr := do(t, newTestServer(&fakeQuotes{}), http.MethodGet, tt.target)

			require.Equal(t, tt.status, rr.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			require.NotEmpty(t, body["error"])
		})
	}
}

func TestQuotesBatch(t *testing.T) {
	t.Parallel()

	q := &fakeQuotes{records: map[string]*quote.Record{"2330": tsmc()}}

	rr := do(t, newTestServer(q), http.MethodGet, "/api/quotes?symbols=2330,%20ZZZZ,")

	require.Equal(t, http.StatusOK, rr.Code)
	var resp batchResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Quotes, 1)
	require.Contains(t, resp.Errors, "ZZZZ")
}

func TestQuotesBatchAllMissing(t *testing.T) {
	t.Parallel()

	rr := do(t, newTestServer(&fakeQuotes{}), http.MethodGet, "/api/quotes?symbols=A,B")

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	q := &fakeQuotes{}
	h := newTestServer(q)

	rr := do(t, h, http.MethodPost, "/api/quote/invalidate?symbol=2330")
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, []string{"2330"}, q.invalidated)

	q.invalidErr = errors.New("store down")
	rr = do(t, h, http.MethodPost, "/api/quote/invalidate?symbol=2330")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/quote/invalidate?symbol=2330")
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestTrending(t *testing.T) {
	t.Parallel()

	q := &fakeQuotes{trending: []*quote.Record{tsmc()}}
	h := newTestServer(q)

	rr := do(t, h, http.MethodGet, "/api/trending")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp trendingResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, quote.MarketTW, resp.Market)
	require.Len(t, resp.Items, 1)

	rr = do(t, h, http.MethodGet, "/api/trending?market=jp")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAnomalies(t *testing.T) {
	t.Parallel()

	rr := do(t, newTestServer(&fakeQuotes{}), http.MethodGet, "/api/anomalies?symbol=2330&limit=1")

	require.Equal(t, http.StatusOK, rr.Code)
	var resp anomaliesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Counts[anomaly.ProviderTimeout])
	require.Len(t, resp.Recent, 1)
	require.NotNil(t, resp.Recommendation)
	require.Equal(t, "yahoo", resp.Recommendation.Provider)
}

func TestRecoverPanic(t *testing.T) {
	t.Parallel()

	rr := do(t, newTestServer(&fakeQuotes{panicOn: "BOOM"}), http.MethodGet, "/api/quote?symbol=BOOM")

	require.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestGzip(t *testing.T) {
	t.Parallel()

	// Arrange
	h := newTestServer(&fakeQuotes{records: map[string]*quote.Record{"2330": tsmc()}})
	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "/api/quote?symbol=2330", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rr := httptest.NewRecorder()

	// Act
	h.ServeHTTP(rr, req)

	// Assert
	require.Equal(t, "gzip", rr.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(rr.Body)
	require.NoError(t, err)
	var rec quote.Record
	require.NoError(t, json.NewDecoder(zr).Decode(&rec))
	require.Equal(t, quote.Symbol("2330"), rec.Symbol)
}

func TestQuoteTimeout(t *testing.T) {
	t.Parallel()

	rr := do(t, newTestServer(&fakeQuotes{err: context.DeadlineExceeded}), http.MethodGet, "/api/quote?symbol=2330")

	require.Equal(t, http.StatusGatewayTimeout, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Contains(t, body["error"], "2330")
}

func TestGzipSkipsEmptyResponses(t *testing.T) {
	t.Parallel()

	// Arrange
	h := newTestServer(&fakeQuotes{})
	req := httptest.NewRequestWithContext(t.Context(), http.MethodPost, "/api/quote/invalidate?symbol=2330", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rr := httptest.NewRecorder()

	// Act
	h.ServeHTTP(rr, req)

	// Assert
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Empty(t, rr.Header().Get("Content-Encoding"))
	require.Zero(t, rr.Body.Len())
}

func TestSplitCSV(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"a", "b"}, splitCSV(" a, ,b,"))
	require.Empty(t, splitCSV(""))
}
