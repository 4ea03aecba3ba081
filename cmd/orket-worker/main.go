// Orket worker — polls the coordinator for open cards, claims them under a
// lease, executes, and publishes results.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"

	"github.com/orket/orket/pkg/config"
	"github.com/orket/orket/pkg/version"
	"github.com/orket/orket/pkg/worker"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveNodeID determines the worker's node identity for lease ownership.
// Priority: NODE_ID env > config > HOSTNAME env > generated
func resolveNodeID(configured string) string {
	if id := os.Getenv("NODE_ID"); id != "" {
		return id
	}
	if configured != "" {
		return configured
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return ""
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting orket worker",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Build the coordinator client
	client := worker.NewClient(cfg.Worker.CoordinatorURL)
	nodeID := resolveNodeID(cfg.Worker.NodeID)

	// 3. Build the worker pool
	pool := worker.NewPool(client, clock.New(), worker.PoolConfig{
		NodeID:        nodeID,
		Count:         cfg.Worker.Count,
		PollInterval:  cfg.Worker.PollInterval,
		LeaseDuration: cfg.Worker.LeaseDuration,
		RenewInterval: cfg.Worker.RenewInterval,
	}, worker.SleepExecutor{WorkDuration: cfg.Worker.WorkDuration})

	slog.Info("Worker connecting to coordinator",
		"coordinator_url", cfg.Worker.CoordinatorURL,
		"workers", cfg.Worker.Count)

	// 4. Run until a shutdown signal arrives. Cancellation lets in-flight
	// cards finish their terminal call before the loop exits.
	if err := pool.Run(ctx); err != nil {
		slog.Error("Worker pool failed", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutdown complete")
}
