package reconcile

import (
	"log/slog"

	"quoteresolver/internal/fieldbag"
	"quoteresolver/internal/provider"
	"quoteresolver/internal/quote"
)

// Normalize converts a provider payload into a record tagged with the
// provider's name. Malformed values are dropped and logged at debug level.
// A row matched by display name carries its own symbol, which replaces sym.
func Normalize(p provider.Provider, bag fieldbag.Bag, sym quote.Symbol, market quote.Market, logger *slog.Logger) *quote.Record {
	if logger == nil {
		logger = slog.Default()
	}
	if canon := quote.NormalizeSymbol(bag.Text(provider.LabelSymbol)); canon != "" {
		sym = canon
	}
	onMalformed := func(f quote.Field, label string, err error) {
		logger.Debug("dropping malformed value",
			slog.String("provider", p.Name()),
			slog.String("symbol", sym.String()),
			slog.String("field", string(f)),
			slog.String("label", label),
			slog.Any("error", err))
	}
	return &quote.Record{
		Symbol:     sym,
		Market:     market,
		Name:       bag.Text(provider.LabelName),
		Exchange:   bag.Text(provider.LabelExchange),
		Sector:     bag.Text(provider.LabelSector),
		Industry:   bag.Text(provider.LabelIndustry),
		Currency:   bag.Text(provider.LabelCurrency),
		Fields:     fieldbag.Apply(bag, p.Specs(), onMalformed),
		Provenance: []string{p.Name()},
	}
}
