// Package config loads service configuration from defaults, an optional
// YAML/JSON file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"quoteresolver/internal/metrics"
	"quoteresolver/internal/reconcile"
	"quoteresolver/internal/resolve"
	"quoteresolver/internal/store"
	"quoteresolver/internal/warmup"
)

type Server struct {
	Port            string        `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Store struct {
	Path             string        `mapstructure:"path"`
	MinConns         int           `mapstructure:"min_conns"`
	MaxConns         int           `mapstructure:"max_conns"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	// RetryInterval of zero keeps a tripped breaker open until restart.
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	NamesFile     string        `mapstructure:"names_file"`
}

type Cache struct {
	TTL         time.Duration `mapstructure:"ttl"`
	StaleWindow time.Duration `mapstructure:"stale_window"`
	MaxItems    int           `mapstructure:"max_items"`
	// BackgroundTimeout bounds each shared upstream resolution and scan.
	BackgroundTimeout time.Duration `mapstructure:"background_timeout"`
}

type Reconcile struct {
	ProviderTimeout      time.Duration `mapstructure:"provider_timeout"`
	RecencyWindow        time.Duration `mapstructure:"recency_window"`
	reconcile.Thresholds `mapstructure:",squash"`
}

// Upstream configures one provider.
type Upstream struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	RPM     int           `mapstructure:"rpm"`
	Burst   int           `mapstructure:"burst"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Anomaly struct {
	Path string `mapstructure:"path"`
}

type Config struct {
	Server    Server         `mapstructure:"server"`
	Log       Log            `mapstructure:"log"`
	Store     Store          `mapstructure:"store"`
	Cache     Cache          `mapstructure:"cache"`
	TTL       resolve.TTLs   `mapstructure:"ttl"`
	Reconcile Reconcile      `mapstructure:"reconcile"`
	Screener  Upstream       `mapstructure:"screener"`
	Yahoo     Upstream       `mapstructure:"yahoo"`
	Anomaly   Anomaly        `mapstructure:"anomaly"`
	Warmup    warmup.Config  `mapstructure:"warmup"`
	Metrics   metrics.Params `mapstructure:"metrics"`
}

func Default() Config {
	mc := store.DefaultManagerConfig()
	rc := reconcile.DefaultConfig()
	return Config{
		Server: Server{Port: "8080", RequestTimeout: 10 * time.Second, ShutdownTimeout: 10 * time.Second},
		Log:    Log{Level: "info", Format: "json"},
		Store: Store{
			Path:             "data/quotes.db",
			MinConns:         mc.Pool.MinConns,
			MaxConns:         mc.Pool.MaxConns,
			ConnectTimeout:   mc.Pool.ConnectTimeout,
			FailureThreshold: mc.FailureThreshold,
			RetryInterval:    mc.RetryInterval,
		},
		Cache: Cache{TTL: 300 * time.Second, StaleWindow: 60 * time.Second, MaxItems: 5000, BackgroundTimeout: 30 * time.Second},
		TTL:   resolve.DefaultTTLs(),
		Reconcile: Reconcile{
			ProviderTimeout: rc.ProviderTimeout,
			RecencyWindow:   rc.RecencyWindow,
			Thresholds:      rc.Thresholds,
		},
		Screener: Upstream{Enabled: true, BaseURL: "https://scanner.tradingview.com", RPM: 60, Burst: 5, Timeout: 8 * time.Second},
		Yahoo:    Upstream{Enabled: true, BaseURL: "https://query2.finance.yahoo.com", RPM: 30, Burst: 3, Timeout: 8 * time.Second},
		Anomaly:  Anomaly{Path: "data/anomalies.jsonl"},
		Warmup:   warmup.Config{Concurrency: 4, Timeout: 10 * time.Minute},
		Metrics:  metrics.DefaultParams(),
	}
}

// Load layers path (or ./config.yaml when path is empty and the file exists)
// and QUOTE_* environment variables over Default. PORT and DATABASE_PATH are
// honored as well.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("QUOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.port", "QUOTE_SERVER_PORT", "PORT")
	_ = v.BindEnv("store.path", "QUOTE_STORE_PATH", "DATABASE_PATH")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	for k, val := range map[string]any{
		"server.port":             d.Server.Port,
		"server.request_timeout":  d.Server.RequestTimeout,
		"server.shutdown_timeout": d.Server.ShutdownTimeout,

		"log.level":  d.Log.Level,
		"log.format": d.Log.Format,

		"store.path":              d.Store.Path,
		"store.min_conns":         d.Store.MinConns,
		"store.max_conns":         d.Store.MaxConns,
		"store.connect_timeout":   d.Store.ConnectTimeout,
		"store.failure_threshold": d.Store.FailureThreshold,
		"store.retry_interval":    d.Store.RetryInterval,
		"store.names_file":        d.Store.NamesFile,

		"cache.ttl":                d.Cache.TTL,
		"cache.stale_window":       d.Cache.StaleWindow,
		"cache.max_items":          d.Cache.MaxItems,
		"cache.background_timeout": d.Cache.BackgroundTimeout,

		"ttl.detail":  d.TTL.Detail,
		"ttl.list":    d.TTL.List,
		"ttl.history": d.TTL.History,
		"ttl.grace":   d.TTL.Grace,

		"reconcile.provider_timeout": d.Reconcile.ProviderTimeout,
		"reconcile.recency_window":   d.Reconcile.RecencyWindow,
		"reconcile.price_divergence": d.Reconcile.PriceDivergence,
		"reconcile.target_suspicion": d.Reconcile.TargetSuspicion,
		"reconcile.target_rejection": d.Reconcile.TargetRejection,

		"anomaly.path": d.Anomaly.Path,

		"warmup.cron":        d.Warmup.Cron,
		"warmup.symbols":     d.Warmup.Symbols,
		"warmup.concurrency": d.Warmup.Concurrency,
		"warmup.timeout":     d.Warmup.Timeout,

		"metrics.strong_roe":       d.Metrics.StrongROE,
		"metrics.strong_z":         d.Metrics.StrongZ,
		"metrics.adequate_roe":     d.Metrics.AdequateROE,
		"metrics.adequate_z":       d.Metrics.AdequateZ,
		"metrics.weak_z":           d.Metrics.WeakZ,
		"metrics.weak_debt":        d.Metrics.WeakDebt,
		"metrics.fast_growth":      d.Metrics.FastGrowth,
		"metrics.fast_fscore":      d.Metrics.FastFScore,
		"metrics.moderate_growth":  d.Metrics.ModerateGrowth,
		"metrics.decline_growth":   d.Metrics.DeclineGrowth,
		"metrics.confident_fscore": d.Metrics.ConfidentFScore,
		"metrics.band_k":           d.Metrics.BandK,
		"metrics.band_days":        d.Metrics.BandDays,
		"metrics.radar_min":        d.Metrics.RadarMin,
		"metrics.radar_max":        d.Metrics.RadarMax,
	} {
		v.SetDefault(k, val)
	}
	for name, u := range map[string]Upstream{"screener": d.Screener, "yahoo": d.Yahoo} {
		v.SetDefault(name+".enabled", u.Enabled)
		v.SetDefault(name+".base_url", u.BaseURL)
		v.SetDefault(name+".rpm", u.RPM)
		v.SetDefault(name+".burst", u.Burst)
		v.SetDefault(name+".timeout", u.Timeout)
	}
}

// Validate reports every inconsistent setting.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is empty"))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, errors.New("server.request_timeout must be positive"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Cache.StaleWindow < 0 || c.Cache.StaleWindow >= c.Cache.TTL {
		errs = append(errs, fmt.Errorf("cache.stale_window %s must be in [0, ttl %s)", c.Cache.StaleWindow, c.Cache.TTL))
	}
	if c.Cache.BackgroundTimeout <= 0 {
		errs = append(errs, errors.New("cache.background_timeout must be positive"))
	}
	if c.Store.MinConns < 0 || c.Store.MaxConns < 1 || c.Store.MinConns > c.Store.MaxConns {
		errs = append(errs, fmt.Errorf("store pool bounds %d..%d are invalid", c.Store.MinConns, c.Store.MaxConns))
	}
	if c.Store.FailureThreshold < 1 {
		errs = append(errs, errors.New("store.failure_threshold must be at least 1"))
	}
	if c.TTL.Detail <= 0 || c.TTL.List <= 0 {
		errs = append(errs, errors.New("ttl.detail and ttl.list must be positive"))
	}
	th := c.Reconcile.Thresholds
	if th.PriceDivergence <= 0 || th.TargetSuspicion <= 0 || th.TargetSuspicion > th.TargetRejection {
		errs = append(errs, fmt.Errorf("reconcile thresholds out of order: suspicion %g, rejection %g, divergence %g",
			th.TargetSuspicion, th.TargetRejection, th.PriceDivergence))
	}
	if c.Metrics.RadarMin > c.Metrics.RadarMax {
		errs = append(errs, errors.New("metrics.radar_min exceeds radar_max"))
	}
	if !c.Screener.Enabled && !c.Yahoo.Enabled {
		errs = append(errs, errors.New("at least one provider must be enabled"))
	}
	if c.Screener.RPM < 0 || c.Yahoo.RPM < 0 {
		errs = append(errs, errors.New("provider rpm must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ManagerConfig returns the connection manager settings.
func (c Config) ManagerConfig() store.ManagerConfig {
	return store.ManagerConfig{
		Pool: store.PoolConfig{
			MinConns:       c.Store.MinConns,
			MaxConns:       c.Store.MaxConns,
			ConnectTimeout: c.Store.ConnectTimeout,
		},
		FailureThreshold: c.Store.FailureThreshold,
		RetryInterval:    c.Store.RetryInterval,
	}
}

// ReconcileConfig returns the engine settings.
func (c Config) ReconcileConfig() reconcile.Config {
	rc := reconcile.DefaultConfig()
	rc.ProviderTimeout = c.Reconcile.ProviderTimeout
	rc.RecencyWindow = c.Reconcile.RecencyWindow
	rc.Thresholds = c.Reconcile.Thresholds
	rc.Metrics = c.Metrics
	return rc
}

// NewLogger builds the process logger from the log section.
func (c Config) NewLogger(w interface{ Write([]byte) (int, error) }) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
