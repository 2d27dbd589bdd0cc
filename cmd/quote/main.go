// Command quote resolves symbols from the command line using the same
// configuration and caches as the server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"quoteresolver/internal/config"
	"quoteresolver/internal/quote"
	"quoteresolver/internal/resolve"
	"quoteresolver/internal/service"
	"quoteresolver/internal/warmup"
)

func main() {
	var (
		configPath string
		period     string
		interval   string
		refresh    bool
		asJSON     bool
		warm       bool
		trending   string
		timeout    time.Duration
	)
	pflag.StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_FILE"), "path to config.yaml (optional)")
	pflag.StringVar(&period, "period", "1y", "history period")
	pflag.StringVar(&interval, "interval", "1d", "history interval")
	pflag.BoolVarP(&refresh, "refresh", "r", false, "bypass both cache tiers")
	pflag.BoolVar(&asJSON, "json", false, "print records as JSON")
	pflag.BoolVar(&warm, "warmup", false, "force-refresh the configured warmup symbols (or the given ones) and exit")
	pflag.StringVar(&trending, "trending", "", "list the most active instruments of a market (TW or US)")
	pflag.DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: quote [flags] SYMBOL...\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	cfg.Log.Level = "warn"
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup:", err)
		os.Exit(1)
	}
	code := run(ctx, svc.Resolver, cfg, pflag.Args(), options{
		opts:     resolve.Options{Period: period, Interval: interval, ForceRefresh: refresh},
		asJSON:   asJSON,
		warm:     warm,
		trending: trending,
	}, os.Stdout)
	if err := svc.Close(); err != nil {
		logger.Warn("close", slog.Any("error", err))
	}
	os.Exit(code)
}

type options struct {
	opts     resolve.Options
	asJSON   bool
	warm     bool
	trending string
}

type resolver interface {
	warmup.Resolver
	Trending(ctx context.Context, market quote.Market) ([]*quote.Record, error)
}

func run(ctx context.Context, r resolver, cfg config.Config, args []string, o options, out io.Writer) int {
	switch {
	case o.warm:
		symbols := args
		if len(symbols) == 0 {
			symbols = cfg.Warmup.Symbols
		}
		if len(symbols) == 0 {
			fmt.Fprintln(os.Stderr, "no warmup symbols configured")
			return 2
		}
		sum := warmup.Run(ctx, r, symbols, cfg.Warmup.Concurrency, slog.Default())
		fmt.Fprintf(out, "warmed %d symbols in %s: %d ok, %d not found, %d failed\n",
			len(symbols), sum.Took.Round(time.Millisecond), sum.OK, sum.NotFound, sum.Failed)
		if sum.Failed > 0 {
			return 1
		}
		return 0

	case o.trending != "":
		recs, err := r.Trending(ctx, quote.Market(strings.ToUpper(o.trending)))
		if err != nil {
			fmt.Fprintln(os.Stderr, "trending:", err)
			return 1
		}
		return printAll(out, recs, o.asJSON)
	}

	if len(args) == 0 {
		pflag.Usage()
		return 2
	}
	recs := make([]*quote.Record, 0, len(args))
	code := 0
	for _, sym := range args {
		rec, err := r.Resolve(ctx, sym, o.opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", sym, err)
			code = 1
			continue
		}
		recs = append(recs, rec)
	}
	if c := printAll(out, recs, o.asJSON); c != 0 {
		return c
	}
	return code
}

func printAll(w io.Writer, recs []*quote.Record, asJSON bool) int {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		if err := enc.Encode(recs); err != nil {
			fmt.Fprintln(os.Stderr, "encode:", err)
			return 1
		}
		return 0
	}
	for _, rec := range recs {
		printRecord(w, rec, time.Now())
	}
	return 0
}

// printRecord writes a short human-readable summary of rec.
func printRecord(w io.Writer, rec *quote.Record, now time.Time) {
	title := string(rec.Symbol)
	if rec.Name != "" {
		title += " " + rec.Name
	}
	fmt.Fprintf(w, "%s [%s] via %s, resolved %s\n",
		title, rec.Market, strings.Join(rec.Provenance, "+"), humanize.RelTime(rec.ResolvedAt, now, "ago", "from now"))

	if p, ok := rec.Get(quote.FieldPrice); ok {
		line := fmt.Sprintf("  price      %s %s", humanize.FormatFloat("#,###.##", p), rec.Currency)
		if c, ok := rec.Get(quote.FieldChangePercent); ok {
			line += fmt.Sprintf(" (%+.2f%%)", c)
		}
		fmt.Fprintln(w, line)
	}
	if v, ok := rec.Get(quote.FieldVolume); ok {
		fmt.Fprintf(w, "  volume     %s\n", humanize.Comma(int64(v)))
	}
	if v, ok := rec.Get(quote.FieldMarketCap); ok {
		fmt.Fprintf(w, "  market cap %s\n", humanize.SIWithDigits(v, 2, ""))
	}
	for _, f := range quote.CriticalFields {
		if v, ok := rec.Get(f); ok {
			fmt.Fprintf(w, "  %-10s %s\n", f, humanize.FormatFloat("#,###.##", v))
		} else {
			fmt.Fprintf(w, "  %-10s n/a\n", f)
		}
	}
	if d := rec.Derived; d != nil {
		fmt.Fprintf(w, "  health     %s, growth %s\n", orNA(d.Health), orNA(d.Growth))
		if d.Upside != nil {
			fmt.Fprintf(w, "  upside     %+.2f%%\n", *d.Upside)
		}
		fmt.Fprintf(w, "  %d-day band %s .. %s (%s)\n", d.Projection.Days,
			humanize.FormatFloat("#,###.##", d.Projection.Lower),
			humanize.FormatFloat("#,###.##", d.Projection.Upper),
			d.Projection.Confidence)
	}
	if len(rec.History) > 0 {
		fmt.Fprintf(w, "  history    %d bars (%s)\n", len(rec.History), rec.HistoryKey)
	}
}

func orNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}
