package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"quoteresolver/internal/config"
	"quoteresolver/internal/service"
	"quoteresolver/internal/warmup"
)

func main() {
	var (
		configPath string
		port       string
		warmNow    bool
	)
	pflag.StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_FILE"), "path to config.yaml (optional)")
	pflag.StringVarP(&port, "port", "p", "", "listen port, overrides server.port")
	pflag.BoolVar(&warmNow, "warmup-now", false, "run one warmup pass at startup")
	pflag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("config", slog.Any("error", err))
		os.Exit(1)
	}
	if port != "" {
		cfg.Server.Port = port
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup", slog.Any("error", err))
		os.Exit(1)
	}
	svc.Start()
	if warmNow && svc.Warmup != nil {
		go svc.Warmup.RunNow(ctx)
	}

	s := &server{
		quotes:     svc.Resolver,
		anomalies:  svc.Anomalies,
		storeState: func() string { return svc.Store.State().String() },
		timeout:    cfg.Server.RequestTimeout,
		logger:     logger,
	}
	if svc.Warmup != nil {
		s.warmup = func() warmup.Summary { return svc.Warmup.Last() }
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", slog.Any("error", err))
	}
	if err := svc.Close(); err != nil {
		logger.Warn("close", slog.Any("error", err))
	}
}
