// Package screener queries a TradingView-style scanner endpoint, the
// primary quote provider.
package screener

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"resty.dev/v3"

	"quoteresolver/internal/fieldbag"
	"quoteresolver/internal/provider"
	"quoteresolver/internal/quote"
)

const (
	defaultBaseURL = "https://scanner.tradingview.com"
	// rows read when matching a display name; covers both Taiwanese boards
	nameScanDepth = 4000
)

type column struct {
	id    string
	label string
}

// columns are requested in this order; response rows follow it.
var columns = []column{
	{"name", "Name"},
	{"description", "Description"},
	{"close", "Price"},
	{"change_abs", "Change"},
	{"change", "Change %"},
	{"volume", "Volume"},
	{"market_cap_basic", "Market Capitalization"},
	{"sector", "Sector"},
	{"industry", "Industry"},
	{"exchange", "Exchange"},
	{"currency", "Currency"},
	{"relative_volume_10d_calc", "Relative Volume"},
	{"Recommend.All", "Technical Rating"},
	{"recommendation_mark", "Analyst Rating"},
	{"ATR", "Average True Range (14)"},
	{"RSI", "Relative Strength Index (14)"},
	{"SMA20", "Simple Moving Average (20)"},
	{"SMA50", "Simple Moving Average (50)"},
	{"SMA200", "Simple Moving Average (200)"},
	{"piotroski_f_score_ttm", "Piotroski F-Score (TTM)"},
	{"earnings_per_share_basic_ttm", "Basic EPS (TTM)"},
	{"earnings_per_share_diluted_ttm", "EPS Diluted (TTM)"},
	{"altman_z_score_ttm", "Altman Z-Score (TTM)"},
	{"graham_numbers_ttm", "Graham's Number (TTM)"},
	{"price_target_average", "Target Price (Average)"},
	{"gross_margin_ttm", "Gross Margin (TTM)"},
	{"operating_margin_ttm", "Operating Margin (TTM)"},
	{"net_margin_ttm", "Net Margin (TTM)"},
	{"return_on_equity", "Return on Equity (TTM)"},
	{"return_on_assets", "Return on Assets (TTM)"},
	{"debt_to_equity", "Debt to Equity Ratio (MRQ)"},
	{"total_revenue_yoy_growth_ttm", "Revenue (TTM YoY Growth)"},
	{"net_income_yoy_growth_ttm", "Net Income (TTM YoY Growth)"},
	{"earnings_per_share_diluted_yoy_growth_ttm", "EPS Diluted (TTM YoY Growth)"},
	{"price_earnings_ttm", "Price to Earnings Ratio (TTM)"},
	{"price_book_fq", "Price to Book (MRQ)"},
	{"dividends_yield_current", "Dividend Yield (Recent)"},
	{"current_ratio", "Current Ratio (MRQ)"},
	{"quick_ratio", "Quick Ratio (MRQ)"},
	{"free_cash_flow_ttm", "Free Cash Flow (TTM)"},
}

var specs = []fieldbag.Spec{
	fieldbag.Labels(quote.FieldPrice, "Price"),
	fieldbag.Labels(quote.FieldChange, "Change"),
	fieldbag.Labels(quote.FieldChangePercent, "Change %"),
	fieldbag.Labels(quote.FieldVolume, "Volume").WithLimit(1e16),
	fieldbag.Labels(quote.FieldMarketCap, "Market Capitalization").WithLimit(1e16),
	fieldbag.Labels(quote.FieldRelativeVolume, "Relative Volume"),
	fieldbag.Labels(quote.FieldTechnicalRating, "Technical Rating", "Recommendation"),
	fieldbag.Labels(quote.FieldAnalystRating, "Analyst Rating"),
	fieldbag.Labels(quote.FieldATR, "Average True Range (14)"),
	fieldbag.Labels(quote.FieldRSI, "Relative Strength Index (14)"),
	fieldbag.Labels(quote.FieldSMA20, "Simple Moving Average (20)"),
	fieldbag.Labels(quote.FieldSMA50, "Simple Moving Average (50)"),
	fieldbag.Labels(quote.FieldSMA200, "Simple Moving Average (200)"),
	fieldbag.Labels(quote.FieldFScore, "Piotroski F-Score (TTM)", "Piotroski F-Score"),
	fieldbag.Labels(quote.FieldEPS, "Basic EPS (TTM)", "EPS Diluted (TTM)"),
	fieldbag.Labels(quote.FieldZScore, "Altman Z-Score (TTM)", "Altman Z-Score"),
	fieldbag.Labels(quote.FieldGrahamNumber, "Graham's Number (TTM)", "Graham's Number (FY)", "Graham's Number"),
	fieldbag.Labels(quote.FieldTargetPrice, "Target Price (Average)", "Price Target Mean"),
	fieldbag.Labels(quote.FieldGrossMargin, "Gross Margin (TTM)", "Gross Margin"),
	fieldbag.Labels(quote.FieldOperatingMargin, "Operating Margin (TTM)", "Operating Margin"),
	fieldbag.Labels(quote.FieldNetMargin, "Net Margin (TTM)", "Net Margin"),
	fieldbag.Labels(quote.FieldROE, "Return on Equity (TTM)"),
	fieldbag.Labels(quote.FieldROA, "Return on Assets (TTM)"),
	fieldbag.Labels(quote.FieldDebtToEquity, "Debt to Equity Ratio (MRQ)"),
	fieldbag.Labels(quote.FieldRevGrowth, "Revenue (TTM YoY Growth)"),
	fieldbag.Labels(quote.FieldNetGrowth, "Net Income (TTM YoY Growth)"),
	fieldbag.Labels(quote.FieldEPSGrowth, "EPS Diluted (TTM YoY Growth)"),
	fieldbag.Labels(quote.FieldPERatio, "Price to Earnings Ratio (TTM)"),
	fieldbag.Labels(quote.FieldPBRatio, "Price to Book (MRQ)"),
	fieldbag.Labels(quote.FieldDividendYield, "Dividend Yield (Recent)", "Dividend Yield Forward"),
	fieldbag.Labels(quote.FieldCurrentRatio, "Current Ratio (MRQ)"),
	fieldbag.Labels(quote.FieldQuickRatio, "Quick Ratio (MRQ)"),
	fieldbag.Labels(quote.FieldFreeCashFlow, "Free Cash Flow (TTM)").WithLimit(1e16),
}

// Client is the screener provider.
type Client struct {
	rc     *resty.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithResty sets the resty client used for requests. Its base URL must point
// at the scanner host.
func WithResty(rc *resty.Client) Option {
	return func(c *Client) { c.rc = rc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a screener client.
func New(options ...Option) *Client {
	c := &Client{logger: slog.Default()}
	for _, o := range options {
		o(c)
	}
	if c.rc == nil {
		c.rc = resty.New().SetBaseURL(defaultBaseURL)
	}
	return c
}

func (c *Client) Name() string { return provider.Screener }

func (c *Client) Specs() []fieldbag.Spec { return specs }

type scanRequest struct {
	Symbols *scanSymbols `json:"symbols,omitempty"`
	Columns []string     `json:"columns"`
	Sort    *scanSort    `json:"sort,omitempty"`
	Range   []int        `json:"range,omitempty"`
}

type scanSymbols struct {
	Tickers []string `json:"tickers"`
}

type scanSort struct {
	SortBy    string `json:"sortBy"`
	SortOrder string `json:"sortOrder"`
}

type scanResponse struct {
	TotalCount int `json:"totalCount"`
	Data       []struct {
		S string `json:"s"`
		D []any  `json:"d"`
	} `json:"data"`
}

// Query looks symbol up by its exchange-qualified tickers and returns the
// first matching row. A Taiwanese display name with no ticker match falls
// back to scanning the market for a row whose name or description
// contains it.
func (c *Client) Query(ctx context.Context, symbol quote.Symbol, market quote.Market) (fieldbag.Bag, error) {
	req := scanRequest{
		Symbols: &scanSymbols{Tickers: tickers(symbol, market)},
		Columns: columnIDs(),
	}
	rows, err := c.scan(ctx, market, req)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		return rows[0], nil
	}
	if market == quote.MarketTW && isDisplayName(symbol) {
		return c.byName(ctx, symbol)
	}
	return nil, quote.Wrap(quote.KindProviderEmpty, "screener query", symbol, nil)
}

func (c *Client) byName(ctx context.Context, symbol quote.Symbol) (fieldbag.Bag, error) {
	rows, err := c.scan(ctx, quote.MarketTW, scanRequest{
		Columns: columnIDs(),
		Sort:    &scanSort{SortBy: "volume", SortOrder: "desc"},
		Range:   []int{0, nameScanDepth},
	})
	if err != nil {
		return nil, err
	}
	fold := cases.Fold()
	needle := fold.String(string(symbol))
	for _, bag := range rows {
		for _, label := range []string{"Description", "Name"} {
			if !strings.Contains(fold.String(bag.Text(label)), needle) {
				continue
			}
			ticker := bag.Text(provider.LabelTicker)
			if i := strings.LastIndexByte(ticker, ':'); i >= 0 {
				ticker = ticker[i+1:]
			}
			bag[provider.LabelSymbol] = ticker
			c.logger.Debug("matched by name", slog.String("query", string(symbol)), slog.String("ticker", ticker))
			return bag, nil
		}
	}
	return nil, quote.Wrap(quote.KindProviderEmpty, "screener name match", symbol, nil)
}

// isDisplayName reports whether symbol contains Han characters.
func isDisplayName(symbol quote.Symbol) bool {
	return strings.IndexFunc(string(symbol), func(r rune) bool { return unicode.Is(unicode.Han, r) }) >= 0
}

// Scan returns up to limit rows of market ordered by volume.
func (c *Client) Scan(ctx context.Context, market quote.Market, limit int) ([]fieldbag.Bag, error) {
	if limit <= 0 {
		limit = 15
	}
	return c.scan(ctx, market, scanRequest{
		Columns: columnIDs(),
		Sort:    &scanSort{SortBy: "volume", SortOrder: "desc"},
		Range:   []int{0, limit},
	})
}

func (c *Client) scan(ctx context.Context, market quote.Market, body scanRequest) ([]fieldbag.Bag, error) {
	var out scanResponse
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/" + marketPath(market) + "/scan")
	if err != nil {
		return nil, fmt.Errorf("screener scan: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("screener scan: status %d", resp.StatusCode())
	}

	bags := make([]fieldbag.Bag, 0, len(out.Data))
	for _, row := range out.Data {
		if len(row.D) != len(columns) {
			c.logger.Warn("screener row shape mismatch", slog.String("ticker", row.S), slog.Int("columns", len(row.D)))
			continue
		}
		bags = append(bags, toBag(row.S, row.D))
	}
	return bags, nil
}

func toBag(ticker string, values []any) fieldbag.Bag {
	bag := make(fieldbag.Bag, len(columns)+6)
	for i, col := range columns {
		if values[i] != nil {
			bag[col.label] = values[i]
		}
	}
	bag[provider.LabelTicker] = ticker
	if name := bag.Text("Description", "Name"); name != "" {
		bag[provider.LabelName] = name
	}
	copyText(bag, provider.LabelExchange, "Exchange")
	copyText(bag, provider.LabelSector, "Sector")
	copyText(bag, provider.LabelIndustry, "Industry")
	copyText(bag, provider.LabelCurrency, "Currency")
	return bag
}

func copyText(bag fieldbag.Bag, dst, src string) {
	if v := bag.Text(src); v != "" {
		bag[dst] = v
	}
}

func columnIDs() []string {
	ids := make([]string, len(columns))
	for i, col := range columns {
		ids[i] = col.id
	}
	return ids
}

func marketPath(m quote.Market) string {
	if m == quote.MarketTW {
		return "taiwan"
	}
	return "america"
}

func tickers(symbol quote.Symbol, market quote.Market) []string {
	s := strings.ToUpper(string(symbol))
	if market == quote.MarketTW {
		return []string{"TWSE:" + s, "TPEX:" + s}
	}
	return []string{"NASDAQ:" + s, "NYSE:" + s, "AMEX:" + s}
}
