package provider

import (
	"context"

	"quoteresolver/internal/fieldbag"
	"quoteresolver/internal/quote"
)

// Well-known provider names.
const (
	Screener = "screener"
	Yahoo    = "yahoo"
)

//go:generate mockgen -package=reconcile_test -destination=../reconcile/mock_provider_test.go -source=provider.go
//go:generate mockgen -package=resolve_test -destination=../resolve/mock_provider_test.go -source=provider.go

// Provider is an upstream source of instrument data. Query returns the raw
// payload keyed by the provider's own labels; Specs tells the caller how to
// read it. An unknown symbol yields quote.ErrProviderEmpty.
type Provider interface {
	Name() string
	Specs() []fieldbag.Spec
	Query(ctx context.Context, symbol quote.Symbol, market quote.Market) (fieldbag.Bag, error)
}

// HistoryProvider is implemented by providers that can return price bars.
type HistoryProvider interface {
	History(ctx context.Context, symbol quote.Symbol, market quote.Market, period, interval string) ([]quote.Bar, error)
}

// Well-known text labels shared by the providers' payloads.
const (
	LabelName     = "name"
	LabelExchange = "exchange"
	LabelSector   = "sector"
	LabelIndustry = "industry"
	LabelCurrency = "currency"
	LabelTicker   = "ticker"
	// LabelSymbol carries the canonical symbol when a row was matched by
	// display name rather than by ticker.
	LabelSymbol = "symbol"
)
