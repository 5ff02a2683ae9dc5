package main

import (
	"context"
	"log"
	"time"

	"golang-market-feed/internal/config"
	"golang-market-feed/internal/logging"
	"golang-market-feed/internal/storage"

	"go.uber.org/zap"
)

// Applies the candle schema to TimescaleDB and optionally prunes candles
// older than CANDLE_RETENTION.
func main() {
	cfg := config.LoadUnvalidated()

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	loc, err := time.LoadLocation(cfg.Market.Timezone)
	if err != nil {
		logger.Fatal("Invalid market timezone", zap.String("timezone", cfg.Market.Timezone), zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// connecting runs every migration
	db, err := storage.NewTimescaleDBAdapter(ctx,
		cfg.GetTimescaleConnectionString(),
		1, 1, loc, logger)
	if err != nil {
		logger.Fatal("Migration failed", zap.Error(err))
	}
	defer db.Close()

	if retention := cfg.Database.TimescaleDB.Retention; retention > 0 {
		n, err := db.DeleteOldCandles(ctx, retention)
		if err != nil {
			logger.Fatal("Retention cleanup failed", zap.Error(err))
		}
		logger.Info("Old candles pruned", zap.Int64("deleted", n), zap.Duration("retention", retention))
	}

	stats, err := db.GetCandleStats(ctx)
	if err != nil {
		logger.Warn("Failed to read candle stats", zap.Error(err))
		return
	}
	logger.Info("Database migration completed", zap.Any("stats", stats))
}
