package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sentinelmon/internal/api"
	"sentinelmon/internal/collector"
	"sentinelmon/internal/config"
	"sentinelmon/internal/detect"
	"sentinelmon/internal/metrics"
	"sentinelmon/internal/rules"
	"sentinelmon/internal/session"
	"sentinelmon/internal/sink"
	"sentinelmon/internal/validate"
)

func main() {
	cfg, err := config.LoadCollector()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting collector",
		"listen_addr", cfg.ListenAddr,
		"http_addr", cfg.HTTPAddr,
		"rules_dir", cfg.RulesDir,
		"postgres", cfg.PostgresDSN != "",
		"nats", cfg.NATSURL != "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New(prometheus.DefaultRegisterer)

	validator, err := validate.New()
	if err != nil {
		logger.Error("Failed to compile event schema", "error", err)
		os.Exit(1)
	}

	loader := rules.NewLoader(cfg.RulesDir, rules.DefaultRules(), logger)
	snapshot, err := loader.Load()
	if err != nil {
		logger.Error("Failed to load initial rule set", "error", err)
		os.Exit(1)
	}
	logger.Info("Rules loaded", "count", len(snapshot.Rules), "version", snapshot.Version)

	engine := detect.NewEngine(detect.Options{ScoreCap: cfg.ScoreCap}, logger)

	memStore, err := sink.NewMemoryStore(cfg.AlertHistory, cfg.DedupeCap)
	if err != nil {
		logger.Error("Failed to create memory store", "error", err)
		os.Exit(1)
	}

	persisters := []sink.Persister{memStore}
	if cfg.PostgresDSN != "" {
		pg, err := sink.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Error("Failed to connect to Postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		persisters = append(persisters, pg)
		logger.Info("Postgres persistence enabled")
	}

	writer := sink.NewWriter(sink.Multi(persisters...), cfg.PersistQueueSize,
		cfg.PersistRetryDelay, cfg.PersistMaxRetries, m, logger)
	go writer.Run(ctx)

	hub := sink.NewHub(cfg.HubBuffer, func() { m.PublishDropsTotal.Inc() })
	publishers := []sink.Publisher{hub}
	if cfg.NATSURL != "" {
		natsPub, err := sink.NewNATSPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsPub.Close()
		publishers = append(publishers, natsPub)
		logger.Info("NATS fan-out enabled", "url", cfg.NATSURL)
	}

	registry := session.NewRegistry()
	srv := collector.New(collector.Options{
		Addr: cfg.ListenAddr,
		Session: session.Config{
			HeartbeatTimeout:       cfg.HeartbeatTimeout,
			AckBatch:               cfg.AckBatch,
			AckInterval:            cfg.AckInterval,
			ReorderWindow:          cfg.ReorderWindow,
			MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		},
		PruneInterval: cfg.PruneInterval,
		PruneMaxAge:   cfg.PruneMaxAge,
	}, registry, loader, engine, writer, publishers, validator, m, logger)

	var ready atomic.Bool
	httpAPI := api.NewHTTPAPI(memStore, registry, loader, ready.Load, logger)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpAPI.Router(),
	}

	go func() {
		logger.Info("Starting HTTP server", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		ready.Store(true)
		serveErr <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil && err != context.Canceled {
			logger.Error("Listener failed", "error", err)
		}
	}

	ready.Store(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	// Let the writer finish whatever is already queued.
	select {
	case <-writer.Done():
	case <-shutdownCtx.Done():
		logger.Warn("Persist queue did not drain before shutdown deadline")
	}

	logger.Info("Collector stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
