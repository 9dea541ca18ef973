package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/udisondev/ttdnet/internal/config"
	"github.com/udisondev/ttdnet/internal/content"
	"github.com/udisondev/ttdnet/internal/db"
	"github.com/udisondev/ttdnet/internal/metrics"
)

const ConfigPath = "config/contentserver.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := ConfigPath
	if p := os.Getenv("TTDNET_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadContentServer(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	slog.Info("contentserver starting",
		"bind", cfg.BindAddress,
		"port", cfg.Port,
		"content_dir", cfg.ContentDir,
		"driver", cfg.Database.Driver)

	store, closeStore, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening catalogue: %w", err)
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	srv := content.NewServer(cfg, store, content.WithObserver(m.Content()))
	lns, err := srv.Listen()
	if err != nil {
		return fmt.Errorf("starting content server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, lns...)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.MetricsAddr, reg)
		})
	}
	return g.Wait()
}
