// Orket coordinator server — owns the work-card store, serves the lease
// API, and persists card state across restarts through snapshots.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"

	"github.com/orket/orket/pkg/api"
	"github.com/orket/orket/pkg/config"
	"github.com/orket/orket/pkg/coordinator"
	"github.com/orket/orket/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
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

	slog.Info("Starting orket coordinator",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Build the card store: restore a snapshot when one exists,
	// otherwise seed from configuration
	store := coordinator.NewStore(clock.New())
	snapshotPath := cfg.Coordinator.SnapshotPath

	restored := false
	if snapshotPath != "" {
		if _, statErr := os.Stat(snapshotPath); statErr == nil {
			if err := store.LoadSnapshot(snapshotPath); err != nil {
				slog.Error("Failed to load snapshot", "path", snapshotPath, "error", err)
				os.Exit(1)
			}
			restored = true
			slog.Info("Restored card snapshot", "path", snapshotPath)
		}
	}
	if !restored && len(cfg.Coordinator.SeedCards) > 0 {
		cards := make([]coordinator.Card, 0, len(cfg.Coordinator.SeedCards))
		for _, seed := range cfg.Coordinator.SeedCards {
			cards = append(cards, coordinator.Card{
				ID:              seed.ID,
				Payload:         seed.Payload,
				HedgedExecution: seed.HedgedExecution,
			})
		}
		store.Seed(cards)
		slog.Info("Seeded cards from configuration", "count", len(cards))
	}

	// 3. Create HTTP server
	httpServer := api.NewServer(store)

	// 4. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(cfg.Coordinator.ListenAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Orket coordinator started successfully",
		"addr", cfg.Coordinator.ListenAddr,
		"cards", len(store.ListAll()))

	// 5. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 6. Graceful shutdown: drain HTTP first so no mutation lands after
	// the snapshot is taken
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// 7. Persist final card state
	if snapshotPath != "" {
		if err := store.SaveSnapshot(snapshotPath); err != nil {
			slog.Error("Failed to save snapshot", "path", snapshotPath, "error", err)
			os.Exit(1)
		}
		slog.Info("Saved card snapshot", "path", snapshotPath)
	}

	slog.Info("Shutdown complete")
}
