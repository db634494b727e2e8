package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"qvault/internal/api"
	"qvault/internal/config"
	"qvault/internal/logging"
	"qvault/internal/monitoring"
	"qvault/internal/provider"
	"qvault/internal/vault"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	// Optional .env for local development
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger.WithField("version", cfg.App.Version).Info("starting qvault")

	v, err := vault.Open(vault.Options{
		Path:         cfg.Vault.Path,
		MasterSecret: cfg.Vault.MasterSecret,
		AuditLogPath: cfg.Vault.AuditLogPath,
		Policy: vault.RotationPolicy{
			Window:   cfg.Vault.RotationWindow,
			MaxUsage: cfg.Vault.MaxUsageBeforeRotation,
		},
		UsageFlushInterval: cfg.Vault.UsageFlushInterval,
		MaxBackups:         cfg.Vault.MaxBackups,
		Logger:             logger,
	})
	if err != nil {
		logger.Fatalf("Failed to open vault: %v", err)
	}

	registry := provider.NewRegistry(cfg.Providers.TestTimeout, logger)
	v.SetTester(registry)
	v.OnCredentialChange(registry.Rebuild)

	metrics := monitoring.NewMetrics()

	// Periodic rotation sweep: surface overdue credentials and bound the
	// usage-counter flush window.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Vault.SweepSchedule, func() {
		overdue := v.RotationSweep()
		metrics.SetRotationOverdue(len(overdue))
		if len(overdue) > 0 {
			logger.WithField("services", overdue).Warn("credentials overdue for rotation")
		}
		if err := v.FlushCounters(); err != nil {
			logger.WithError(err).Warn("failed to flush usage counters")
		}
	}); err != nil {
		logger.Fatalf("Invalid sweep schedule %q: %v", cfg.Vault.SweepSchedule, err)
	}
	sweeper.Start()

	server := api.NewServer(cfg, v, registry, metrics, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Infof("Received signal %v, shutting down", sig)

	sweeper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server shutdown failed")
	}
	if err := v.Close(); err != nil {
		logger.WithError(err).Error("vault close failed")
	}

	logger.Info("qvault stopped")
}
