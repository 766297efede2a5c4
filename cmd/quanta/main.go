package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/quanta-exchange/quanta/internal/config"
	"github.com/quanta-exchange/quanta/internal/oracle"
	"github.com/quanta-exchange/quanta/internal/persistence"
	"github.com/quanta-exchange/quanta/internal/venue"
	"github.com/quanta-exchange/quanta/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	repo := persistence.NewInMemoryRepository()

	spot := oracle.NewCached(oracle.NewStatic(), zapLogger, oracle.CachedConfig{
		TTL:          cfg.Oracle.CacheTTL,
		Timeout:      cfg.Oracle.Timeout,
		MaxStaleness: cfg.Oracle.MaxStaleness,
	})

	svc := venue.New(cfg, repo, spot, zapLogger)

	scheduler, err := svc.StartScheduler()
	if err != nil {
		zapLogger.Fatal("Failed to start sweep scheduler", zap.Error(err))
	}

	zapLogger.Info("venue started",
		zap.String("underlying", cfg.Oracle.Symbol),
		zap.String("maintenance_margin_ratio", cfg.Risk.MaintenanceMarginRatio.String()),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("shutting down")
	scheduler.Stop()
	zapLogger.Info("shutdown complete")
}
