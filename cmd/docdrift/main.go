package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lmittmann/tint"

	"github.com/docdrift/docdrift/internal/auth"
	"github.com/docdrift/docdrift/internal/config"
	"github.com/docdrift/docdrift/internal/persistence"
	"github.com/docdrift/docdrift/internal/syncer"
	"github.com/docdrift/docdrift/internal/util"
	"github.com/docdrift/docdrift/pkg/wirews"
)

const (
	envConfigKey = "DOCDRIFT_CONFIG"
	envDBKey     = "DOCDRIFT_DATA"
)

var (
	// version is set via ldflags during build
	version = "dev"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (overrides default)")
	dbPath := flag.String("db", "", "Path to database file (overrides default)")
	reset := flag.Bool("reset", false, "Reset persistent storage (clear all cached state)")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("docdrift version %s\n", version)
		os.Exit(0)
	}

	// Config path precedence: CLI flag > env var > XDG default.
	finalConfigPath := *configPath
	if finalConfigPath == "" {
		if envPath := os.Getenv(envConfigKey); envPath != "" {
			finalConfigPath = envPath
		} else {
			finalConfigPath = util.GetDefaultConfigPath()
		}
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(logger)

	slog.Info("docdrift is starting...")
	slog.Info("Configuration", "path", finalConfigPath)

	cfg, err := config.Load(finalConfigPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Database path precedence: CLI flag > env var > config > XDG default.
	finalDBPath := *dbPath
	if finalDBPath == "" {
		if envPath := os.Getenv(envDBKey); envPath != "" {
			finalDBPath = envPath
		} else if cfg.DBPath != "" {
			finalDBPath = cfg.DBPath
		} else {
			finalDBPath = util.GetDefaultDBPath()
		}
	}

	if *reset {
		slog.Warn("Reset flag detected - clearing cached state", "path", finalDBPath)
		if err := os.Remove(finalDBPath); err != nil && !os.IsNotExist(err) {
			slog.Error("Failed to clear cached state", "error", err)
			os.Exit(1)
		}
	}

	if err := os.MkdirAll(filepath.Dir(finalDBPath), 0755); err != nil {
		slog.Error("Failed to create data directory", "error", err)
		os.Exit(1)
	}

	var store persistence.Store
	store, err = persistence.OpenBolt(finalDBPath)
	switch {
	case errors.Is(err, persistence.ErrStoreInUse):
		// Another live client holds the lease; run without durable state
		// rather than fighting over the file.
		slog.Warn("Persistent cache is in use by another client, continuing in memory", "path", finalDBPath)
		store = persistence.NewMemoryStore()
	case err != nil:
		slog.Error("Failed to open persistent cache", "error", err, "path", finalDBPath)
		os.Exit(1)
	default:
		slog.Info("Persistent cache opened", "path", finalDBPath)
	}

	client, err := syncer.NewClient(syncer.Options{
		Store:              store,
		Connection:         wirews.NewDialer(cfg.WatchURL, cfg.WriteURL),
		Credentials:        auth.NewStaticSource(cfg.Token),
		DatabasePath:       cfg.DatabasePath,
		Backoff:            cfg.BackoffConfig(),
		GCParams:           cfg.GCParams(),
		GCInterval:         cfg.GCInterval(),
		ReadCacheSize:      cfg.ReadCacheSize,
		MaxConcurrentLimbo: cfg.MaxConcurrentLimbo,
	})
	if err != nil {
		store.Close()
		slog.Error("Failed to start client", "error", err)
		os.Exit(1)
	}

	slog.Info("docdrift started", "database", cfg.DatabasePath)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	slog.Info("Shutdown signal received")

	if err := client.Close(); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("docdrift stopped gracefully")
}
