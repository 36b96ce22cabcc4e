package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prohmpiriya/featured-placement/internal/di"
	"github.com/prohmpiriya/featured-placement/internal/metrics"
	"github.com/prohmpiriya/featured-placement/pkg/config"
	"github.com/prohmpiriya/featured-placement/pkg/logger"
	"github.com/prohmpiriya/featured-placement/pkg/telemetry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.ValidateStripe(); err != nil {
		log.Fatalf("Invalid payment config: %v", err)
	}

	// Initialize logger
	logCfg := &logger.Config{
		Level:       cfg.App.Environment,
		ServiceName: "promotion-worker",
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting Promotion Worker...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := telemetry.Init(ctx, &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    "promotion-worker",
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
		SampleRatio:    cfg.OTel.SampleRatio,
	}); err != nil {
		appLog.Warn(fmt.Sprintf("Telemetry init failed, tracing disabled: %v", err))
	}
	if err := metrics.Init(); err != nil {
		appLog.Warn(fmt.Sprintf("Metrics init failed: %v", err))
	}

	container, infra, err := di.Bootstrap(ctx, cfg, "promotion-worker")
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to build worker: %v", err))
	}
	defer infra.Close()

	if err := container.PromotionWorker.Start(ctx); err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to start promotion worker: %v", err))
	}
	appLog.Info("Promotion Worker started successfully")

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("Shutting down worker...")
	container.PromotionWorker.Stop()
	container.NotificationService.Wait()
	cancel()

	if err := telemetry.Shutdown(context.Background()); err != nil {
		appLog.Warn(fmt.Sprintf("Telemetry shutdown failed: %v", err))
	}

	appLog.Info("Worker exited gracefully")
}
