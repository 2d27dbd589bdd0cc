package ratelimit

import (
	"context"

	"golang.org/x/time/rate"

	"quoteresolver/internal/fieldbag"
	"quoteresolver/internal/provider"
	"quoteresolver/internal/quote"
)

// Provider gates calls to P with a token bucket limiter.
// Concurrent callers wait for a token or return early if ctx is canceled.
type Provider struct {
	P provider.Provider
	L *rate.Limiter
}

// PerMinute wraps p with a limiter allowing rpm requests per minute and the
// given burst. rpm <= 0 disables limiting.
func PerMinute(p provider.Provider, rpm, burst int) provider.Provider {
	if rpm <= 0 {
		return p
	}
	if burst <= 0 {
		burst = 1
	}
	return &Provider{P: p, L: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)}
}

func (p *Provider) Name() string { return p.P.Name() }

func (p *Provider) Specs() []fieldbag.Spec { return p.P.Specs() }

func (p *Provider) Query(ctx context.Context, symbol quote.Symbol, market quote.Market) (fieldbag.Bag, error) {
	if p.L != nil {
		if err := p.L.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return p.P.Query(ctx, symbol, market)
}

// History forwards to P when it supports history; the limiter applies too.
func (p *Provider) History(ctx context.Context, symbol quote.Symbol, market quote.Market, period, interval string) ([]quote.Bar, error) {
	hp, ok := p.P.(provider.HistoryProvider)
	if !ok {
		return nil, quote.Wrap(quote.KindProviderEmpty, "history", symbol, nil)
	}
	if p.L != nil {
		if err := p.L.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return hp.History(ctx, symbol, market, period, interval)
}
