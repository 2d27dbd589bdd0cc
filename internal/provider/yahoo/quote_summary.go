package yahoo

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/url"

	"quoteresolver/internal/fieldbag"
	"quoteresolver/internal/provider"
	"quoteresolver/internal/quote"
)

const modules = "price,summaryDetail,summaryProfile,financialData,defaultKeyStatistics"

var specs = []fieldbag.Spec{
	fieldbag.Labels(quote.FieldPrice, "regularMarketPrice", "currentPrice", "previousClose"),
	fieldbag.Labels(quote.FieldChange, "regularMarketChange"),
	fieldbag.Labels(quote.FieldChangePercent),
	fieldbag.Labels(quote.FieldVolume, "regularMarketVolume", "volume").WithLimit(1e16),
	fieldbag.Labels(quote.FieldMarketCap, "marketCap").WithLimit(1e16),
	fieldbag.Labels(quote.FieldTechnicalRating),
	fieldbag.Labels(quote.FieldAnalystRating, "recommendationMean"),
	fieldbag.Labels(quote.FieldSMA50, "fiftyDayAverage"),
	fieldbag.Labels(quote.FieldSMA200, "twoHundredDayAverage"),
	fieldbag.Labels(quote.FieldFScore),
	fieldbag.Labels(quote.FieldZScore),
	fieldbag.Labels(quote.FieldGrahamNumber),
	fieldbag.Labels(quote.FieldEPS, "trailingEps", "forwardEps", "epsTrailingTwelveMonths"),
	fieldbag.Labels(quote.FieldTargetPrice, "targetMedianPrice", "targetMeanPrice"),
	fieldbag.Labels(quote.FieldGrossMargin),
	fieldbag.Labels(quote.FieldOperatingMargin),
	fieldbag.Labels(quote.FieldNetMargin),
	fieldbag.Labels(quote.FieldROE),
	fieldbag.Labels(quote.FieldROA),
	fieldbag.Labels(quote.FieldDebtToEquity, "debtToEquity"),
	fieldbag.Labels(quote.FieldRevGrowth),
	fieldbag.Labels(quote.FieldNetGrowth),
	fieldbag.Labels(quote.FieldPERatio, "trailingPE", "forwardPE"),
	fieldbag.Labels(quote.FieldPBRatio, "priceToBook"),
	fieldbag.Labels(quote.FieldPEGRatio, "pegRatio"),
	fieldbag.Labels(quote.FieldDividendYield),
	fieldbag.Labels(quote.FieldCurrentRatio, "currentRatio"),
	fieldbag.Labels(quote.FieldQuickRatio, "quickRatio"),
	fieldbag.Labels(quote.FieldFreeCashFlow, "freeCashflow").WithLimit(1e16),
}

func (c *Client) Specs() []fieldbag.Spec { return specs }

type summaryResponse struct {
	QuoteSummary struct {
		Result []map[string]map[string]any `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"quoteSummary"`
}

// Query fetches the quote summary for symbol. Taiwanese symbols are tried
// on the main board first, then on the OTC board.
func (c *Client) Query(ctx context.Context, symbol quote.Symbol, market quote.Market) (fieldbag.Bag, error) {
	var lastErr error
	for _, ticker := range tickers(symbol, market) {
		var out summaryResponse
		err := c.get(ctx, "/v10/finance/quoteSummary/"+url.PathEscape(ticker), url.Values{"modules": {modules}}, &out)
		if errors.Is(err, errNoData) {
			c.logger.Debug("yahoo ticker not found", slog.String("ticker", ticker))
			continue
		}
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if len(out.QuoteSummary.Result) == 0 {
			continue
		}
		bag := flatten(out.QuoteSummary.Result[0])
		if _, ok := bag.Number(0, "regularMarketPrice", "currentPrice"); !ok && bag.Text("longName") == "" {
			continue
		}
		bag[provider.LabelTicker] = ticker
		derive(bag)
		return bag, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, quote.Wrap(quote.KindProviderEmpty, "yahoo query", symbol, nil)
}

// flatten merges all modules into one bag. Formatted values {raw, fmt}
// collapse to their raw number.
func flatten(result map[string]map[string]any) fieldbag.Bag {
	bag := fieldbag.Bag{}
	for _, module := range result {
		for k, v := range module {
			switch x := v.(type) {
			case map[string]any:
				if raw, ok := x["raw"]; ok {
					bag[k] = raw
				}
			case nil:
			default:
				bag[k] = x
			}
		}
	}
	return bag
}

// derive fills canonical fields Yahoo does not report directly: percent
// scaled ratios, a price-vs-average momentum sign, and Piotroski/Altman
// estimates from the available fundamentals.
func derive(bag fieldbag.Bag) {
	num := func(labels ...string) (float64, bool) { return bag.Number(0, labels...) }

	if name := bag.Text("longName", "shortName"); name != "" {
		bag[provider.LabelName] = name
	}
	for dst, src := range map[string]string{
		provider.LabelExchange: "exchangeName",
		provider.LabelSector:   "sector",
		provider.LabelIndustry: "industry",
		provider.LabelCurrency: "currency",
	} {
		if v := bag.Text(src); v != "" {
			bag[dst] = v
		}
	}

	price, hasPrice := num("regularMarketPrice", "currentPrice", "previousClose")
	if prev, ok := num("regularMarketPreviousClose", "previousClose"); ok && hasPrice && prev != 0 {
		bag[string(quote.FieldChangePercent)] = (price - prev) / prev * 100
	}
	if sma50, ok := num("fiftyDayAverage"); ok && hasPrice {
		momentum := -0.5
		if price > sma50 {
			momentum = 0.5
		}
		bag[string(quote.FieldTechnicalRating)] = momentum
	}

	percent := map[quote.Field]string{
		quote.FieldGrossMargin:     "grossMargins",
		quote.FieldOperatingMargin: "operatingMargins",
		quote.FieldNetMargin:       "profitMargins",
		quote.FieldROE:             "returnOnEquity",
		quote.FieldROA:             "returnOnAssets",
		quote.FieldRevGrowth:       "revenueGrowth",
		quote.FieldNetGrowth:       "earningsGrowth",
		quote.FieldDividendYield:   "dividendYield",
	}
	for f, src := range percent {
		if v, ok := num(src); ok {
			bag[string(f)] = v * 100
		}
	}

	netMargin, hasNet := num("profitMargins")
	roa, hasROA := num("returnOnAssets")
	ocf, hasOCF := num("operatingCashflow")
	if hasNet || hasROA || hasOCF {
		score := 3.0
		if netMargin > 0 {
			score += 2
		}
		if roa > 0 {
			score += 2
		}
		if ocf > 0 {
			score += 2
		}
		bag[string(quote.FieldFScore)] = math.Min(9, score)
	}

	cr, hasCR := num("currentRatio")
	de, hasDE := num("debtToEquity")
	if hasCR || hasDE {
		z := 1.0
		if cr > 1.5 {
			z += 0.5
		}
		if hasDE && de < 50 {
			z += 1.0
		}
		bag[string(quote.FieldZScore)] = z
	}

	eps, hasEPS := num("trailingEps", "forwardEps")
	bvps, hasBV := num("bookValue")
	if hasEPS && hasBV && eps > 0 && bvps > 0 {
		bag[string(quote.FieldGrahamNumber)] = math.Round(math.Sqrt(22.5*eps*bvps)*100) / 100
	}
}
