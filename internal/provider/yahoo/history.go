package yahoo

import (
	"context"
	"errors"
	"net/url"
	"time"

	"quoteresolver/internal/quote"
)

type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
	} `json:"chart"`
}

// History returns OHLCV bars for symbol over period sampled at interval,
// using Yahoo range/interval notation ("1y", "1d"). Bars without a close
// are skipped.
func (c *Client) History(ctx context.Context, symbol quote.Symbol, market quote.Market, period, interval string) ([]quote.Bar, error) {
	q := url.Values{"range": {period}, "interval": {interval}}
	for _, ticker := range tickers(symbol, market) {
		var out chartResponse
		err := c.get(ctx, "/v8/finance/chart/"+url.PathEscape(ticker), q, &out)
		if errors.Is(err, errNoData) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(out.Chart.Result) == 0 || len(out.Chart.Result[0].Indicators.Quote) == 0 {
			continue
		}
		res := out.Chart.Result[0]
		qt := res.Indicators.Quote[0]
		bars := make([]quote.Bar, 0, len(res.Timestamp))
		for i, ts := range res.Timestamp {
			cl := at(qt.Close, i)
			if cl == nil {
				continue
			}
			bars = append(bars, quote.Bar{
				Time:   time.Unix(ts, 0).UTC(),
				Open:   deref(at(qt.Open, i), *cl),
				High:   deref(at(qt.High, i), *cl),
				Low:    deref(at(qt.Low, i), *cl),
				Close:  *cl,
				Volume: deref(at(qt.Volume, i), 0),
			})
		}
		if len(bars) > 0 {
			return bars, nil
		}
	}
	return nil, quote.Wrap(quote.KindProviderEmpty, "yahoo history", symbol, nil)
}

func at(xs []*float64, i int) *float64 {
	if i < len(xs) {
		return xs[i]
	}
	return nil
}

func deref(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
