package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang-market-feed/internal/api"
	"golang-market-feed/internal/bridge"
	"golang-market-feed/internal/candle"
	"golang-market-feed/internal/config"
	"golang-market-feed/internal/feed"
	"golang-market-feed/internal/instrument"
	"golang-market-feed/internal/lock"
	"golang-market-feed/internal/logging"
	"golang-market-feed/internal/storage"

	"go.uber.org/zap"
)

// Application wires the feed client to the candle pipeline, stores and relay
type Application struct {
	cfg    *config.Config
	logger *zap.Logger

	lock        *lock.SingletonLock
	instruments *instrument.Store
	redis       *storage.RedisAdapter
	timescale   *storage.TimescaleDBAdapter

	client *feed.Client
	bridge *bridge.StreamerBridge
	relay  *api.Relay
	server *http.Server

	wg sync.WaitGroup
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting market feed streamer",
		zap.String("environment", cfg.App.Environment),
		zap.String("mode", cfg.Feed.Mode))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := NewApplication(cfg, logger)
	if err := app.Start(ctx); err != nil {
		logger.Error("Failed to start application", zap.Error(err))
		app.Stop()
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	app.Stop()
	logger.Info("Application shutdown complete")
}

func NewApplication(cfg *config.Config, logger *zap.Logger) *Application {
	return &Application{cfg: cfg, logger: logger}
}

// Start brings every component up in dependency order
func (app *Application) Start(ctx context.Context) error {
	app.lock = lock.New(app.cfg.Feed.LockDir, app.cfg.Feed.ClientID, app.cfg.Feed.AccessToken, app.logger)
	if err := app.lock.Acquire(); err != nil {
		app.lock = nil
		return fmt.Errorf("another streamer owns these credentials: %w", err)
	}

	if err := app.openStores(ctx); err != nil {
		return err
	}

	session, err := app.candleSession()
	if err != nil {
		return err
	}

	client, err := feed.NewClient(feed.Config{
		Token:             app.cfg.Feed.AccessToken,
		ClientID:          app.cfg.Feed.ClientID,
		Version:           app.cfg.Feed.Version,
		Mode:              feed.Mode(app.cfg.Feed.Mode),
		URL:               app.cfg.Feed.URL,
		FlushInterval:     app.cfg.Feed.FlushInterval,
		BaseBackoff:       app.cfg.Feed.BaseBackoff,
		MaxBackoff:        app.cfg.Feed.MaxBackoff,
		CoolOff:           app.cfg.Feed.CoolOff,
		Jitter:            app.cfg.Feed.Jitter,
		MessagesPerSecond: app.cfg.Feed.MessagesPerSecond,
		HandshakeTimeout:  app.cfg.Feed.HandshakeTimeout,
		ReadTimeout:       app.cfg.Feed.ReadTimeout,
	}, feed.WithLogger(app.logger), feed.WithoutExitHook())
	if err != nil {
		return fmt.Errorf("failed to create feed client: %w", err)
	}
	app.client = client

	app.bridge = bridge.NewStreamerBridge(bridge.Config{
		Candle:        session,
		BufferSize:    app.cfg.App.TickBuffer,
		StatsInterval: app.cfg.App.StatsInterval,
	}, app.bridgeDependencies(), app.logger)

	app.relay = api.NewRelay(client, app.instruments, app.cfg.App.RelayQueueSize, app.logger)
	app.bridge.OnTick(app.relay.BroadcastTick)
	app.bridge.OnCandle(app.relay.BroadcastCandle)

	client.OnTick(app.bridge.HandleTick)
	client.OnOpen(func() {
		app.logger.Info("Feed connected", zap.Int("subscriptions", len(client.Subscriptions())))
	})
	client.OnClose(func(info feed.CloseInfo) {
		app.logger.Warn("Feed closed", zap.Int("code", info.Code), zap.String("reason", info.Reason))
	})
	client.OnError(func(err error) {
		app.logger.Warn("Feed error", zap.Error(err))
	})

	if err := app.bridge.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	watchlist, err := app.resolveWatchlist(ctx)
	if err != nil {
		return err
	}
	app.relay.Pin(watchlist)
	client.SubscribeMany(watchlist)

	if err := client.Start(); err != nil {
		return fmt.Errorf("failed to start feed client: %w", err)
	}

	return app.startHTTPServer()
}

func (app *Application) openStores(ctx context.Context) error {
	var err error

	app.instruments, err = instrument.Open(ctx, app.cfg.Database.SQLite.Path, app.logger)
	if err != nil {
		return fmt.Errorf("failed to open instrument store: %w", err)
	}
	sqlCfg := app.cfg.Database.SQLite
	empty := app.instruments.Stats()["instruments"] == 0
	if sqlCfg.SeedFile != "" && (sqlCfg.RefreshOnStart || empty) {
		n, err := app.instruments.ImportFile(ctx, sqlCfg.SeedFile)
		if err != nil {
			app.logger.Warn("Instrument seed import failed", zap.String("file", sqlCfg.SeedFile), zap.Error(err))
		} else {
			app.logger.Info("Instrument seed imported", zap.Int("instruments", n))
		}
	}
	if sqlCfg.ListURL != "" && (sqlCfg.RefreshOnStart || empty) {
		fetchCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		n, err := app.instruments.FetchInstruments(fetchCtx, sqlCfg.ListURL)
		cancel()
		if err != nil {
			app.logger.Warn("Instrument list refresh failed, symbols may not resolve", zap.Error(err))
		} else {
			app.logger.Info("Instrument list refreshed", zap.Int("instruments", n))
		}
	}

	loc, err := time.LoadLocation(app.cfg.Market.Timezone)
	if err != nil {
		return fmt.Errorf("failed to load timezone %s: %w", app.cfg.Market.Timezone, err)
	}

	if app.cfg.Database.Redis.Enabled {
		app.redis, err = storage.NewRedisAdapter(ctx, app.cfg.GetRedisConnectionString(), app.cfg.Database.Redis.LatestTTL, loc, app.logger)
		if err != nil {
			app.logger.Warn("Redis unavailable, continuing without tick fan-out", zap.Error(err))
			app.redis = nil
		}
	}

	if app.cfg.Database.TimescaleDB.Enabled {
		app.timescale, err = storage.NewTimescaleDBAdapter(ctx,
			app.cfg.GetTimescaleConnectionString(),
			app.cfg.Database.TimescaleDB.MaxOpenConns,
			app.cfg.Database.TimescaleDB.MaxIdleConns,
			loc, app.logger)
		if err != nil {
			app.logger.Warn("TimescaleDB unavailable, continuing without candle persistence", zap.Error(err))
			app.timescale = nil
		}
	}
	return nil
}

func (app *Application) candleSession() (candle.Config, error) {
	loc, err := time.LoadLocation(app.cfg.Market.Timezone)
	if err != nil {
		return candle.Config{}, fmt.Errorf("failed to load timezone %s: %w", app.cfg.Market.Timezone, err)
	}
	session := candle.Config{
		Location:      loc,
		MarketOpen:    app.cfg.Market.Open,
		MarketClose:   app.cfg.Market.Close,
		LateTolerance: app.cfg.Market.LateTolerance,
		BufferSize:    app.cfg.App.TickBuffer,
	}
	if app.cfg.Market.TestMode {
		session.MarketOpen = 0
		session.MarketClose = 24*time.Hour - time.Second
		app.logger.Warn("Test mode: building candles around the clock")
	}
	return session, nil
}

// bridgeDependencies only sets the stages whose stores are available
func (app *Application) bridgeDependencies() bridge.Dependencies {
	deps := bridge.Dependencies{Symbols: app.instruments}
	if app.redis != nil {
		deps.Ticks = app.redis
		deps.Publisher = app.redis
	}
	if app.timescale != nil {
		deps.Candles = app.timescale
	}
	return deps
}

// resolveWatchlist merges the configured watchlist with the persisted one
func (app *Application) resolveWatchlist(ctx context.Context) ([]feed.Instrument, error) {
	entries, err := config.ParseWatchlist(app.cfg.Feed.Watchlist)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var list []feed.Instrument
	add := func(in feed.Instrument) {
		if !seen[in.Key()] {
			seen[in.Key()] = true
			list = append(list, in)
		}
	}

	var configured []string
	for _, entry := range entries {
		if entry.Resolved() {
			in := feed.NewInstrument(entry.Segment, entry.SecurityID)
			add(in)
			configured = append(configured, in.Key())
			continue
		}
		found, ok := app.instruments.Lookup(entry.Symbol)
		if !ok {
			app.logger.Warn("Watchlist symbol not found in instrument master", zap.String("symbol", entry.Symbol))
			continue
		}
		in := feed.NewInstrument(found.Segment, found.SecurityID)
		add(in)
		configured = append(configured, in.Key())
	}

	if err := app.instruments.SetWatched(ctx, configured, true); err != nil {
		app.logger.Warn("Failed to persist watchlist", zap.Error(err))
	}

	persisted, err := app.instruments.Watchlist(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted watchlist: %w", err)
	}
	for _, in := range persisted {
		add(feed.NewInstrument(in.Segment, in.SecurityID))
	}

	app.logger.Info("Watchlist resolved", zap.Int("instruments", len(list)))
	return list, nil
}

func (app *Application) startHTTPServer() error {
	intraday := app.intradayAPI()
	srv := api.NewServer(app.client, app.relay, intraday, app.logger)
	if app.redis != nil {
		srv.AddHealthCheck("redis", app.redis)
	}
	if app.timescale != nil {
		srv.AddHealthCheck("timescaledb", app.timescale)
	}
	srv.AddStats("bridge", app.bridge.GetStats)
	srv.AddStats("instruments", app.instruments.Stats)

	addr := net.JoinHostPort(app.cfg.Server.Host, app.cfg.Server.Port)
	app.server = &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  app.cfg.Server.ReadTimeout,
		WriteTimeout: app.cfg.Server.WriteTimeout,
		IdleTimeout:  app.cfg.Server.IdleTimeout,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	app.logger.Info("HTTP server listening",
		zap.String("addr", addr),
		zap.String("relay", "ws://"+addr+"/live-stream"))
	return nil
}

func (app *Application) intradayAPI() *api.IntradayAPI {
	session, err := app.candleSession()
	if err != nil {
		session = candle.Config{}
	}

	var cache api.DayCache
	if app.redis != nil {
		cache = app.redis
	}
	var history api.CandleHistory
	if app.timescale != nil {
		history = app.timescale
	}
	return api.NewIntradayAPI(cache, history, app.instruments, session, app.logger)
}

// Stop shuts components down in reverse start order. Safe after a partial Start.
func (app *Application) Stop() {
	app.logger.Info("Stopping application")

	if app.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Warn("HTTP server shutdown", zap.Error(err))
		}
		cancel()
	}
	if app.relay != nil {
		app.relay.Close()
	}
	if app.client != nil {
		app.client.Disconnect()
	}
	if app.bridge != nil {
		if err := app.bridge.Stop(); err != nil {
			app.logger.Warn("Bridge shutdown", zap.Error(err))
		}
	}
	if app.timescale != nil {
		app.timescale.Close()
	}
	if app.redis != nil {
		app.redis.Close()
	}
	if app.instruments != nil {
		app.instruments.Close()
	}
	if app.lock != nil {
		if err := app.lock.Release(); err != nil {
			app.logger.Warn("Failed to release singleton lock", zap.Error(err))
		}
	}

	app.wg.Wait()
	app.logger.Info("Application stopped")
}
