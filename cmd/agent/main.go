package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"sentinelmon/internal/agent"
	"sentinelmon/internal/config"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	hostname, _ := os.Hostname()
	logger.Info("Starting agent",
		"agent_id", cfg.AgentID,
		"hostname", hostname,
		"collector_addr", cfg.CollectorAddr,
		"collect_interval", cfg.CollectInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runtime := agent.New(agent.Config{
		CollectorAddr:     cfg.CollectorAddr,
		AgentID:           cfg.AgentID,
		Hostname:          hostname,
		CollectInterval:   cfg.CollectInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		DialTimeout:       cfg.DialTimeout,
		QueueSize:         cfg.QueueSize,
		ReconnectBase:     cfg.ReconnectBase,
		ReconnectMax:      cfg.ReconnectMax,
		MaxRetries:        cfg.MaxRetries,
	}, []agent.Collector{agent.NewSystemMetrics()}, logger)

	done := make(chan error, 1)
	go func() { done <- runtime.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutting down", "signal", sig.String())
		cancel()
		<-done
	case err := <-done:
		if err != nil && err != context.Canceled {
			logger.Error("Agent stopped", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("Agent stopped", "pending", runtime.Pending(), "dropped", runtime.Dropped())
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
