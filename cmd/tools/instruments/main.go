package main

import (
	"context"
	"log"
	"time"

	"golang-market-feed/internal/config"
	"golang-market-feed/internal/instrument"
	"golang-market-feed/internal/logging"

	"go.uber.org/zap"
)

// Refreshes the instrument store from the seed file and list URL, then
// marks every FEED_WATCHLIST entry as watched.
func main() {
	cfg := config.LoadUnvalidated()

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store, err := instrument.Open(ctx, cfg.Database.SQLite.Path, logger)
	if err != nil {
		logger.Fatal("Failed to open instrument store", zap.Error(err))
	}
	defer store.Close()

	if file := cfg.Database.SQLite.SeedFile; file != "" {
		n, err := store.ImportFile(ctx, file)
		if err != nil {
			logger.Fatal("Seed import failed", zap.String("file", file), zap.Error(err))
		}
		logger.Info("Seed file imported", zap.String("file", file), zap.Int("instruments", n))
	}
	if url := cfg.Database.SQLite.ListURL; url != "" {
		n, err := store.FetchInstruments(ctx, url)
		if err != nil {
			logger.Fatal("Instrument list fetch failed", zap.Error(err))
		}
		logger.Info("Instrument list imported", zap.Int("instruments", n))
	}

	entries, err := config.ParseWatchlist(cfg.Feed.Watchlist)
	if err != nil {
		logger.Fatal("Invalid watchlist", zap.Error(err))
	}
	var keys []string
	for _, entry := range entries {
		if entry.Resolved() {
			keys = append(keys, entry.Segment+":"+entry.SecurityID)
			continue
		}
		found, ok := store.Lookup(entry.Symbol)
		if !ok {
			logger.Warn("Symbol not found", zap.String("symbol", entry.Symbol))
			continue
		}
		keys = append(keys, found.Key())
	}
	if err := store.SetWatched(ctx, keys, true); err != nil {
		logger.Fatal("Failed to update watchlist", zap.Error(err))
	}

	watched, err := store.Watchlist(ctx)
	if err != nil {
		logger.Fatal("Failed to read watchlist", zap.Error(err))
	}
	for i, in := range watched {
		if i >= 10 {
			break
		}
		logger.Info("Watched instrument", zap.String("key", in.Key()), zap.String("symbol", in.Symbol), zap.Int("lot_size", in.LotSize))
	}
	logger.Info("Instrument refresh completed", zap.Any("stats", store.Stats()), zap.Int("watched", len(watched)))
}
