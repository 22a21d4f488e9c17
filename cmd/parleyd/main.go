package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parleyvoice/parley/pkg/logging"
	"github.com/parleyvoice/parley/pkg/metrics"
	"github.com/parleyvoice/parley/pkg/redact"
	"github.com/parleyvoice/parley/pkg/relay"
	"github.com/parleyvoice/parley/pkg/runner"
)

func main() {
	configPath := flag.String("config", "parley.yaml", "path to the relay config file")
	flag.Parse()

	cfg, err := relay.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config_load_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := logging.InitLogger(logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	slog.Info("upstream_configured",
		slog.String("url", cfg.Upstream.URL),
		slog.String("api_key", redact.Key(cfg.Upstream.APIKey)),
		slog.String("default_model", cfg.Upstream.DefaultModel))

	obs := metrics.NewAsyncObserver(metrics.NewJSONLObserver(os.Stdout), 512)
	defer obs.Close()

	srv := relay.NewServer(cfg)
	srv.SetObserver(obs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	life := runner.NewLifecycleRunner(srv, runner.Hooks{
		OnStart: func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("relay_start_failed", slog.String("error", err.Error()))
				cancel()
				return
			}
			slog.Info("relay_listening",
				slog.String("addr", cfg.ListenAddr),
				slog.String("path", cfg.WSPath))
		},
		OnStop: func() {
			_ = srv.Stop()
			slog.Info("relay_stopped")
		},
	}, 10*time.Second)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutdown_signal")
		cancel()
	}()

	if err := life.Run(ctx); err != nil {
		slog.Error("lifecycle_error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
