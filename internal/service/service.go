// Package service assembles the resolver and its dependencies from a Config.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"quoteresolver/internal/anomaly"
	"quoteresolver/internal/cache"
	"quoteresolver/internal/config"
	"quoteresolver/internal/httpx"
	"quoteresolver/internal/provider"
	"quoteresolver/internal/provider/ratelimit"
	"quoteresolver/internal/provider/screener"
	"quoteresolver/internal/provider/yahoo"
	"quoteresolver/internal/quote"
	"quoteresolver/internal/reconcile"
	"quoteresolver/internal/resolve"
	"quoteresolver/internal/store"
	"quoteresolver/internal/warmup"
)

// Service owns every long-lived component of the resolver.
type Service struct {
	Resolver  *resolve.Resolver
	Anomalies *anomaly.Log
	Store     *store.Manager
	// Warmup is nil when no schedule is configured.
	Warmup *warmup.Scheduler

	logger *slog.Logger
}

// New wires the providers, both cache tiers, the reconciliation engine and
// the optional warmup schedule. The store is opened lazily on first use.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Warn("cannot create store directory", slog.String("dir", dir), slog.Any("error", err))
		}
	}
	mgr := store.NewManager(&store.SQLiteConnector{Path: cfg.Store.Path}, cfg.ManagerConfig(),
		store.WithLogger(logger.With(slog.String("component", "store"))))
	quotes := store.NewQuotes(mgr, logger)
	names := store.NewNames(mgr, logger)
	if cfg.Store.NamesFile != "" {
		m, err := store.LoadNamesFile(cfg.Store.NamesFile)
		if err != nil {
			mgr.Close()
			return nil, err
		}
		if err := names.Upsert(ctx, m); err != nil {
			logger.Warn("cannot seed names", slog.Any("error", err))
		}
	}

	var (
		providers []provider.Provider
		history   provider.HistoryProvider
		scanner   resolve.Scanner
	)
	if cfg.Screener.Enabled {
		hc := httpx.New(cfg.Screener.Timeout)
		sc := screener.New(screener.WithResty(hc.Resty(cfg.Screener.BaseURL)), screener.WithLogger(logger))
		scanner = sc
		providers = append(providers, ratelimit.PerMinute(sc, cfg.Screener.RPM, cfg.Screener.Burst))
	}
	if cfg.Yahoo.Enabled {
		hc := httpx.New(cfg.Yahoo.Timeout)
		yc := yahoo.New(yahoo.WithBaseURL(cfg.Yahoo.BaseURL), yahoo.WithHTTPClient(hc), yahoo.WithLogger(logger))
		p := ratelimit.PerMinute(yc, cfg.Yahoo.RPM, cfg.Yahoo.Burst)
		if hp, ok := p.(provider.HistoryProvider); ok {
			history = hp
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		mgr.Close()
		return nil, errors.New("no providers enabled")
	}

	primary, fallback := providers[0].Name(), providers[len(providers)-1].Name()
	log := anomaly.Open(cfg.Anomaly.Path,
		anomaly.WithLogger(logger.With(slog.String("component", "anomaly"))),
		anomaly.WithProviders(primary, fallback))

	engine := reconcile.New(providers, log, cfg.ReconcileConfig(),
		reconcile.WithLogger(logger.With(slog.String("component", "reconcile"))))

	opts := []resolve.Option{
		resolve.WithStore(quotes),
		resolve.WithAliases(names),
		resolve.WithTTLs(cfg.TTL),
		resolve.WithMetrics(cfg.Metrics),
		resolve.WithCache(cache.New[*quote.Record](cfg.Cache.TTL, cfg.Cache.StaleWindow, cfg.Cache.MaxItems)),
		resolve.WithListCache(cache.New[[]*quote.Record](cfg.Cache.TTL, cfg.Cache.StaleWindow, 32)),
		resolve.WithBackgroundTimeout(cfg.Cache.BackgroundTimeout),
		resolve.WithLogger(logger.With(slog.String("component", "resolve"))),
	}
	if history != nil {
		opts = append(opts, resolve.WithHistory(history))
	}
	if scanner != nil {
		opts = append(opts, resolve.WithScanner(scanner))
	}
	s := &Service{
		Resolver:  resolve.New(engine, opts...),
		Anomalies: log,
		Store:     mgr,
		logger:    logger,
	}

	if cfg.Warmup.Cron != "" {
		w, err := warmup.NewScheduler(s.Resolver, cfg.Warmup, logger.With(slog.String("component", "warmup")))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("warmup: %w", err)
		}
		s.Warmup = w
	}
	return s, nil
}

// Start begins scheduled warmups, if any.
func (s *Service) Start() {
	if s.Warmup != nil {
		s.Warmup.Start()
	}
}

// Close stops the schedule, waits for background refreshes and releases the
// store and the anomaly log.
func (s *Service) Close() error {
	if s.Warmup != nil {
		s.Warmup.Stop()
	}
	s.Resolver.Wait()
	return errors.Join(s.Store.Close(), s.Anomalies.Close())
}
