// Package warmup pre-resolves a list of symbols, once or on a schedule.
package warmup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc/pool"

	"quoteresolver/internal/quote"
	"quoteresolver/internal/resolve"
)

// Resolver is the lookup used for warming.
type Resolver interface {
	Resolve(ctx context.Context, raw string, opts resolve.Options) (*quote.Record, error)
}

// Summary counts the outcome of one run.
type Summary struct {
	OK       int           `json:"ok"`
	NotFound int           `json:"notFound"`
	Failed   int           `json:"failed"`
	Took     time.Duration `json:"took"`
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeNotFound
	outcomeFailed
)

// Run force-refreshes every symbol with at most concurrency lookups in flight.
func Run(ctx context.Context, r Resolver, symbols []string, concurrency int, logger *slog.Logger) Summary {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	start := time.Now()

	p := pool.NewWithResults[outcome]().WithMaxGoroutines(concurrency)
	for _, s := range symbols {
		p.Go(func() outcome {
			if ctx.Err() != nil {
				return outcomeFailed
			}
			_, err := r.Resolve(ctx, s, resolve.Options{ForceRefresh: true})
			switch {
			case err == nil:
				return outcomeOK
			case ctx.Err() != nil:
				return outcomeFailed
			case errors.Is(err, quote.ErrNotFound):
				logger.Info("warmup: symbol not found", slog.String("symbol", s))
				return outcomeNotFound
			default:
				logger.Warn("warmup: resolve failed", slog.String("symbol", s), slog.Any("error", err))
				return outcomeFailed
			}
		})
	}

	var sum Summary
	for _, o := range p.Wait() {
		switch o {
		case outcomeOK:
			sum.OK++
		case outcomeNotFound:
			sum.NotFound++
		default:
			sum.Failed++
		}
	}
	sum.Took = time.Since(start)
	logger.Info("warmup done",
		slog.Int("ok", sum.OK), slog.Int("not_found", sum.NotFound), slog.Int("failed", sum.Failed),
		slog.Duration("took", sum.Took))
	return sum
}

// Config describes a scheduled warm-up.
type Config struct {
	// Cron uses the six-field format with seconds, or a descriptor such as "@every 30m".
	Cron        string        `mapstructure:"cron"`
	Symbols     []string      `mapstructure:"symbols"`
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Scheduler runs Run on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	cron   *cron.Cron
	r      Resolver
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	last Summary
}

func NewScheduler(r Resolver, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger}
	s := &Scheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		r:      r,
		cfg:    cfg,
		logger: logger,
	}
	if _, err := s.cron.AddFunc(cfg.Cron, func() { s.RunNow(context.Background()) }); err != nil {
		return nil, fmt.Errorf("register warmup %q: %w", cfg.Cron, err)
	}
	return s, nil
}

// RunNow performs one warm-up immediately.
func (s *Scheduler) RunNow(ctx context.Context) Summary {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	sum := Run(ctx, s.r, s.cfg.Symbols, s.cfg.Concurrency, s.logger)
	s.mu.Lock()
	s.last = sum
	s.mu.Unlock()
	return sum
}

// Last returns the summary of the most recent run.
func (s *Scheduler) Last() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("warmup scheduler started", slog.String("cron", s.cfg.Cron), slog.Int("symbols", len(s.cfg.Symbols)))
}

// Stop stops scheduling and waits for a running warm-up to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("warmup scheduler stopped")
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}
