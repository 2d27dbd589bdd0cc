package reconcile_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"quoteresolver/internal/anomaly"
	"quoteresolver/internal/fieldbag"
	"quoteresolver/internal/provider"
	"quoteresolver/internal/quote"
	"quoteresolver/internal/reconcile"
)

var testSpecs = []fieldbag.Spec{
	fieldbag.Labels(quote.FieldPrice),
	fieldbag.Labels(quote.FieldFScore),
	fieldbag.Labels(quote.FieldEPS),
	fieldbag.Labels(quote.FieldZScore),
	fieldbag.Labels(quote.FieldTargetPrice),
	fieldbag.Labels(quote.FieldROE),
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newProvider(ctrl *gomock.Controller, name string) *MockProvider {
	p := NewMockProvider(ctrl)
	p.EXPECT().Name().Return(name).AnyTimes()
	p.EXPECT().Specs().Return(testSpecs).AnyTimes()
	return p
}

type fixture struct {
	a, b   *MockProvider
	log    *anomaly.Log
	engine *reconcile.Engine
}

func setup(t *testing.T, mutate func(*reconcile.Config)) fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := fixture{
		a:   newProvider(ctrl, provider.Screener),
		b:   newProvider(ctrl, provider.Yahoo),
		log: anomaly.Open("", anomaly.WithLogger(quiet())),
	}
	cfg := reconcile.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	f.engine = reconcile.New([]provider.Provider{f.a, f.b}, f.log, cfg, reconcile.WithLogger(quiet()))
	return f
}

func TestEngine_TSMCScenario(t *testing.T) {
	t.Parallel()

	// Arrange
	f := setup(t, nil)
	f.a.EXPECT().Query(gomock.Any(), quote.Symbol("2330"), quote.MarketTW).Return(fieldbag.Bag{
		provider.LabelName: "台積電", "price": 1000, "eps": 39.2, "zScore": 6.1,
	}, nil)
	f.b.EXPECT().Query(gomock.Any(), quote.Symbol("2330"), quote.MarketTW).Return(fieldbag.Bag{
		"price": 1005, "fScore": 7, "targetPrice": 1100,
	}, nil)

	// Act
	rec, err := f.engine.Resolve(t.Context(), "2330", false)

	// Assert
	require.NoError(t, err)
	require.Equal(t, 1000.0, rec.Value(quote.FieldPrice, 0))
	require.Equal(t, 7.0, rec.Value(quote.FieldFScore, 0))
	require.Equal(t, 1100.0, rec.Value(quote.FieldTargetPrice, 0))
	require.Equal(t, "台積電", rec.Name)
	require.Equal(t, []string{provider.Screener, provider.Yahoo}, rec.Provenance)
	require.Empty(t, rec.MissingCritical())
	require.NotNil(t, rec.Derived)
	require.False(t, rec.ResolvedAt.IsZero())

	_, logged := f.log.LastAnomaly("2330", anomaly.MissingCriticalField)
	require.True(t, logged)
	require.Contains(t, f.log.Recent(1)[0].Detail, "fScore")
}

func TestEngine_NameMatchUsesListingSymbol(t *testing.T) {
	t.Parallel()

	// Arrange
	f := setup(t, nil)
	f.a.EXPECT().Query(gomock.Any(), quote.Symbol("台積電"), quote.MarketTW).Return(fieldbag.Bag{
		provider.LabelName: "台積電", provider.LabelSymbol: "2330", "price": 1000, "eps": 39.2, "zScore": 6.1,
	}, nil)
	f.b.EXPECT().Query(gomock.Any(), quote.Symbol("2330"), quote.MarketTW).Return(fieldbag.Bag{
		"price": 1001, "fScore": 7, "targetPrice": 1100,
	}, nil)

	// Act
	rec, err := f.engine.Resolve(t.Context(), "台積電", false)

	// Assert
	require.NoError(t, err)
	require.Equal(t, quote.Symbol("2330"), rec.Symbol)
	require.Equal(t, 7.0, rec.Value(quote.FieldFScore, 0))
	_, logged := f.log.LastAnomaly("2330", anomaly.MissingCriticalField)
	require.True(t, logged)
}

func TestEngine_ZeroScoreIsNotIncomplete(t *testing.T) {
	t.Parallel()

	// Arrange: the secondary has no expectations, so querying it fails the test.
	f := setup(t, nil)
	f.a.EXPECT().Query(gomock.Any(), quote.Symbol("AAPL"), quote.MarketUS).Return(fieldbag.Bag{
		"price": 190, "fScore": 0, "eps": 6.4, "zScore": 0, "targetPrice": 210,
	}, nil)

	// Act
	rec, err := f.engine.Resolve(t.Context(), "AAPL", false)

	// Assert
	require.NoError(t, err)
	v, ok := rec.Get(quote.FieldFScore)
	require.True(t, ok)
	require.Zero(t, v)
	require.Empty(t, f.log.Counts())
}

func TestEngine_ImplausibleTargetIsDropped(t *testing.T) {
	t.Parallel()

	f := setup(t, nil)
	f.a.EXPECT().Query(gomock.Any(), quote.Symbol("2454"), quote.MarketTW).Return(fieldbag.Bag{
		"price": 600, "fScore": 6, "eps": 40, "zScore": 3, "targetPrice": 15,
	}, nil)

	rec, err := f.engine.Resolve(t.Context(), "2454", false)

	require.NoError(t, err)
	_, ok := rec.Get(quote.FieldTargetPrice)
	require.False(t, ok)
	require.Nil(t, rec.Derived.Upside)
	require.Equal(t, 1, f.log.Counts()[anomaly.CrossProviderDivergence])
}

func TestEngine_FallsBackWhenPreferredIsUnusable(t *testing.T) {
	t.Parallel()

	f := setup(t, nil)
	f.a.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, quote.Wrap(quote.KindProviderEmpty, "scan", "6488", nil))
	f.b.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any()).Return(fieldbag.Bag{
		provider.LabelName: "GlobalWafers", "price": 420, "fScore": 5, "eps": 20, "zScore": 2.2, "targetPrice": 480,
	}, nil)

	rec, err := f.engine.Resolve(t.Context(), "6488", false)

	require.NoError(t, err)
	require.Equal(t, []string{provider.Yahoo}, rec.Provenance)
	require.Equal(t, 420.0, rec.Value(quote.FieldPrice, 0))
}

func TestEngine_NotFoundWhenNeitherAnswers(t *testing.T) {
	t.Parallel()

	f := setup(t, nil)
	f.a.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, quote.Wrap(quote.KindProviderEmpty, "scan", "ZZZZ", nil))
	f.b.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any()).Return(fieldbag.Bag{"price": 0}, nil)

	rec, err := f.engine.Resolve(t.Context(), "ZZZZ", false)

	require.Nil(t, rec)
	require.ErrorIs(t, err, quote.ErrNotFound)
}

func TestEngine_PriceDivergenceKeepsPrimary(t *testing.T) {
	t.Parallel()

	f := setup(t, nil)
	f.a.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any()).Return(fieldbag.Bag{
		"price": 100, "fScore": 6, "zScore": 2, "targetPrice": 110,
	}, nil)
	f.b.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any()).Return(fieldbag.Bag{
		"price": 3100, "eps": 5,
	}, nil)

	rec, err := f.engine.Resolve(t.Context(), "2409", false)

	require.NoError(t, err)
	require.Equal(t, 100.0, rec.Value(quote.FieldPrice, 0))
	_, ok := rec.Get(quote.FieldEPS)
	require.False(t, ok)
	require.Equal(t, []string{provider.Screener}, rec.Provenance)
	require.Equal(t, 1, f.log.Counts()[anomaly.CrossProviderDivergence])
}

func TestEngine_RecentAnomalySkipsRequeryUnlessForced(t *testing.T) {
	t.Parallel()

	// Arrange: an earlier anomaly makes the secondary the preferred provider.
	f := setup(t, nil)
	f.log.LogAnomaly(anomaly.MissingCriticalField, "2408", "eps missing from screener")
	partial := fieldbag.Bag{"price": 80, "fScore": 4, "zScore": 1.1, "targetPrice": 90}
	f.b.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any()).Return(partial, nil).Times(2)

	// Act: within the recency window the other provider is not asked.
	rec, err := f.engine.Resolve(t.Context(), "2408", false)

	// Assert
	require.NoError(t, err)
	require.Equal(t, []string{provider.Yahoo}, rec.Provenance)
	require.Equal(t, 1, f.log.Counts()[anomaly.MissingCriticalField])

	// Act: force bypasses the window.
	f.a.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any()).Return(fieldbag.Bag{
		"price": 80.5, "eps": 3.3,
	}, nil)
	rec, err = f.engine.Resolve(t.Context(), "2408", true)

	// Assert
	require.NoError(t, err)
	require.Equal(t, 3.3, rec.Value(quote.FieldEPS, 0))
	require.Equal(t, 80.0, rec.Value(quote.FieldPrice, 0))
	require.Equal(t, []string{provider.Yahoo, provider.Screener}, rec.Provenance)
	require.Equal(t, 2, f.log.Counts()[anomaly.MissingCriticalField])
}

func TestEngine_SlowProviderIsTimedOut(t *testing.T) {
	t.Parallel()

	f := setup(t, func(c *reconcile.Config) { c.ProviderTimeout = 20 * time.Millisecond })
	f.a.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ quote.Symbol, _ quote.Market) (fieldbag.Bag, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	f.b.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any()).Return(fieldbag.Bag{
		"price": 55, "fScore": 5, "eps": 2, "zScore": 1.5, "targetPrice": 60,
	}, nil)

	rec, err := f.engine.Resolve(t.Context(), "2303", false)

	require.NoError(t, err)
	require.Equal(t, 55.0, rec.Value(quote.FieldPrice, 0))
	require.Equal(t, 1, f.log.Counts()[anomaly.ProviderTimeout])
}

func TestEngine_OutOfRangeIsLoggedButKept(t *testing.T) {
	t.Parallel()

	f := setup(t, nil)
	f.a.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any()).Return(fieldbag.Bag{
		"price": 50, "fScore": 11, "eps": 2, "zScore": 1.5, "targetPrice": 55,
	}, nil)

	rec, err := f.engine.Resolve(t.Context(), "2002", false)

	require.NoError(t, err)
	require.Equal(t, 11.0, rec.Value(quote.FieldFScore, 0))
	require.Equal(t, 1, f.log.Counts()[anomaly.OutOfRange])
}
