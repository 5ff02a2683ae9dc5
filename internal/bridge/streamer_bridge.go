package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang-market-feed/internal/candle"
	"golang-market-feed/internal/storage"
	"golang-market-feed/internal/tick"

	"go.uber.org/zap"
)

// TickSink receives every decoded packet (Redis pub/sub and latest-tick cache)
type TickSink interface {
	PublishTick(ctx context.Context, seg, securityID string, env storage.TickEnvelope) error
}

// CandleStore persists closed candles (TimescaleDB)
type CandleStore interface {
	StoreCandle(ctx context.Context, c candle.Candle) error
}

// CandlePublisher fans candle events out (Redis)
type CandlePublisher interface {
	PublishCandleUpdate(ctx context.Context, update candle.CandleUpdate) error
	AppendToIntradaySeries(ctx context.Context, c candle.Candle) error
}

// SymbolResolver maps an instrument to its trading symbol
type SymbolResolver interface {
	SymbolFor(seg, securityID string) (string, bool)
}

// Dependencies are the optional downstream stores of the bridge. Leave a field
// nil to disable that stage.
type Dependencies struct {
	Ticks     TickSink
	Candles   CandleStore
	Publisher CandlePublisher
	Symbols   SymbolResolver
}

// Config tunes the bridge
type Config struct {
	Candle        candle.Config
	BufferSize    int
	StatsInterval time.Duration
	WriteTimeout  time.Duration
}

type received struct {
	tick tick.Tick
	at   time.Time
}

// StreamerBridge connects the feed client with the candlestick pipeline
type StreamerBridge struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger
	now    func() time.Time

	// Core components
	tickNormalizer *tick.TickNormalizer
	candleEngine   *candle.CandleEngine

	// Input channel fed from the client's tick events
	ticks chan received

	lmu        sync.RWMutex
	tickSubs   []func(storage.TickEnvelope)
	candleSubs []func(candle.CandleUpdate)

	// Control
	mutex     sync.Mutex
	isRunning bool
	stopped   bool
	cancel    context.CancelFunc
	stopChan  chan struct{}
	wg        sync.WaitGroup
	monitorWg sync.WaitGroup

	// Statistics
	totalProcessed   atomic.Int64
	successfulTicks  atomic.Int64
	failedTicks      atomic.Int64
	skippedTicks     atomic.Int64
	droppedTicks     atomic.Int64
	sinkErrors       atomic.Int64
	candlesGenerated atomic.Int64
	lastStatsTime    time.Time
	lastStatsCount   int64
}

// NewStreamerBridge creates a new bridge between the feed client and the candle system
func NewStreamerBridge(cfg Config, deps Dependencies, logger *zap.Logger) *StreamerBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100000
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}

	logger = logger.With(zap.String("component", "bridge"))
	sb := &StreamerBridge{
		cfg:            cfg,
		deps:           deps,
		logger:         logger,
		now:            time.Now,
		tickNormalizer: tick.NewTickNormalizer(logger),
		candleEngine:   candle.NewCandleEngine(cfg.Candle, logger),
		ticks:          make(chan received, cfg.BufferSize),
		stopChan:       make(chan struct{}),
	}

	sb.setupCandleEngineCallbacks()
	return sb
}

// setupCandleEngineCallbacks configures persistence and publishing callbacks
func (sb *StreamerBridge) setupCandleEngineCallbacks() {
	if sb.deps.Candles != nil {
		sb.candleEngine.SetPersistCallback(func(c candle.Candle) error {
			ctx, cancel := context.WithTimeout(context.Background(), sb.cfg.WriteTimeout)
			defer cancel()
			return sb.deps.Candles.StoreCandle(ctx, c)
		})
	}

	if sb.deps.Publisher != nil {
		sb.candleEngine.SetPublishCallback(func(update candle.CandleUpdate) error {
			ctx, cancel := context.WithTimeout(context.Background(), sb.cfg.WriteTimeout)
			defer cancel()
			if err := sb.deps.Publisher.PublishCandleUpdate(ctx, update); err != nil {
				return err
			}
			if update.Type == candle.UpdateTypeClose {
				return sb.deps.Publisher.AppendToIntradaySeries(ctx, update.Candle)
			}
			return nil
		})
	}
}

// SetClock replaces the time source of the bridge and its pipeline
func (sb *StreamerBridge) SetClock(now func() time.Time) {
	sb.now = now
	sb.tickNormalizer.SetClock(now)
	sb.candleEngine.SetClock(now)
}

// OnTick registers a listener for every published tick envelope
func (sb *StreamerBridge) OnTick(fn func(storage.TickEnvelope)) {
	sb.lmu.Lock()
	sb.tickSubs = append(sb.tickSubs, fn)
	sb.lmu.Unlock()
}

// OnCandle registers a listener for candle updates and closes
func (sb *StreamerBridge) OnCandle(fn func(candle.CandleUpdate)) {
	sb.lmu.Lock()
	sb.candleSubs = append(sb.candleSubs, fn)
	sb.lmu.Unlock()
}

// HandleTick enqueues a packet without blocking; it is dropped when the buffer is full.
// Suitable as a feed.TickHandler.
func (sb *StreamerBridge) HandleTick(t tick.Tick) {
	if t == nil {
		return
	}
	select {
	case sb.ticks <- received{tick: t, at: sb.now()}:
	default:
		if n := sb.droppedTicks.Add(1); n <= 10 || n%1000 == 0 {
			sb.logger.Warn("Tick buffer full, dropping packet",
				zap.String("key", t.Head().Key()),
				zap.Int64("dropped", n))
		}
	}
}

// Start begins processing queued packets
func (sb *StreamerBridge) Start(ctx context.Context) error {
	sb.mutex.Lock()
	defer sb.mutex.Unlock()

	if sb.isRunning {
		return errors.New("bridge already running")
	}
	if sb.stopped {
		return errors.New("bridge already stopped")
	}

	ctx, sb.cancel = context.WithCancel(ctx)
	sb.isRunning = true
	sb.lastStatsTime = sb.now()

	sb.candleEngine.Start(ctx)

	sb.wg.Add(2)
	go sb.processLoop(ctx)
	go sb.statsReporter()

	sb.monitorWg.Add(1)
	go sb.monitorCandleUpdates()

	sb.logger.Info("Streamer bridge started", zap.Int("buffer", sb.cfg.BufferSize))
	return nil
}

// processLoop drains the tick buffer until stopped, then flushes what is left
func (sb *StreamerBridge) processLoop(ctx context.Context) {
	defer sb.wg.Done()

	for {
		select {
		case item := <-sb.ticks:
			sb.process(ctx, item)

		case <-sb.stopChan:
			for {
				select {
				case item := <-sb.ticks:
					sb.process(ctx, item)
				default:
					return
				}
			}
		}
	}
}

// process handles a single packet
func (sb *StreamerBridge) process(ctx context.Context, item received) {
	sb.totalProcessed.Add(1)
	head := item.tick.Head()

	env, err := storage.NewTickEnvelope(item.tick, item.at)
	if err != nil {
		sb.failedTicks.Add(1)
		sb.logger.Warn("Failed to encode tick", zap.String("key", head.Key()), zap.Error(err))
		return
	}
	if sb.deps.Symbols != nil {
		env.Symbol, _ = sb.deps.Symbols.SymbolFor(head.Segment, head.SecurityID)
	}

	if sb.deps.Ticks != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sb.cfg.WriteTimeout)
		if err := sb.deps.Ticks.PublishTick(wctx, head.Segment, head.SecurityID, env); err != nil {
			if n := sb.sinkErrors.Add(1); n <= 10 || n%100 == 0 {
				sb.logger.Warn("Failed to publish tick", zap.String("key", head.Key()), zap.Error(err))
			}
		}
		cancel()
	}

	sb.lmu.RLock()
	subs := sb.tickSubs
	sb.lmu.RUnlock()
	for _, fn := range subs {
		fn(env)
	}

	candleTick, err := sb.tickNormalizer.Normalize(item.tick)
	if err != nil {
		if n := sb.failedTicks.Add(1); n <= 10 || n%100 == 0 {
			sb.logger.Warn("Failed to normalize tick", zap.String("key", head.Key()), zap.Error(err))
		}
		return
	}
	if candleTick == nil {
		// duplicate, or a packet without a trade price
		sb.skippedTicks.Add(1)
		return
	}

	if err := sb.candleEngine.ProcessTick(*candleTick); err != nil {
		sb.failedTicks.Add(1)
		sb.logger.Warn("Failed to process tick", zap.String("key", head.Key()), zap.Error(err))
		return
	}
	sb.successfulTicks.Add(1)
}

// monitorCandleUpdates forwards engine events to listeners until the engine closes
func (sb *StreamerBridge) monitorCandleUpdates() {
	defer sb.monitorWg.Done()

	for update := range sb.candleEngine.Updates() {
		if update.Type == candle.UpdateTypeClose {
			sb.candlesGenerated.Add(1)
		}

		sb.lmu.RLock()
		subs := sb.candleSubs
		sb.lmu.RUnlock()
		for _, fn := range subs {
			fn(update)
		}
	}
}

// statsReporter reports statistics periodically
func (sb *StreamerBridge) statsReporter() {
	defer sb.wg.Done()

	ticker := time.NewTicker(sb.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sb.reportStats()
		case <-sb.stopChan:
			sb.reportStats()
			return
		}
	}
}

func (sb *StreamerBridge) reportStats() {
	now := sb.now()
	elapsed := now.Sub(sb.lastStatsTime).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	total := sb.totalProcessed.Load()
	rate := float64(total-sb.lastStatsCount) / elapsed

	engineStats := sb.candleEngine.GetStats()
	sb.logger.Info("Streamer bridge statistics",
		zap.Int64("total_processed", total),
		zap.Int64("successful_ticks", sb.successfulTicks.Load()),
		zap.Int64("failed_ticks", sb.failedTicks.Load()),
		zap.Int64("skipped_ticks", sb.skippedTicks.Load()),
		zap.Int64("dropped_ticks", sb.droppedTicks.Load()),
		zap.Int64("sink_errors", sb.sinkErrors.Load()),
		zap.Int64("candles_generated", sb.candlesGenerated.Load()),
		zap.Float64("ticks_per_sec", rate),
		zap.Any("active_instruments", engineStats["active_instruments"]))

	sb.lastStatsTime = now
	sb.lastStatsCount = total
}

// Stop drains the buffer, finalizes open candles and waits for the workers
func (sb *StreamerBridge) Stop() error {
	sb.mutex.Lock()
	defer sb.mutex.Unlock()

	if !sb.isRunning {
		sb.stopped = true
		return nil
	}

	sb.logger.Info("Stopping streamer bridge")
	close(sb.stopChan)
	sb.wg.Wait()
	sb.cancel()

	err := sb.candleEngine.Close()
	sb.monitorWg.Wait()

	sb.isRunning = false
	sb.stopped = true
	if err != nil {
		return fmt.Errorf("failed to close candle engine: %w", err)
	}

	sb.logger.Info("Streamer bridge stopped")
	return nil
}

// GetStats returns current bridge statistics
func (sb *StreamerBridge) GetStats() map[string]interface{} {
	sb.mutex.Lock()
	running := sb.isRunning
	sb.mutex.Unlock()

	total := sb.totalProcessed.Load()
	successful := sb.successfulTicks.Load()
	successRate := float64(0)
	if total > 0 {
		successRate = float64(successful) / float64(total) * 100
	}

	return map[string]interface{}{
		"is_running":        running,
		"total_processed":   total,
		"successful_ticks":  successful,
		"failed_ticks":      sb.failedTicks.Load(),
		"skipped_ticks":     sb.skippedTicks.Load(),
		"dropped_ticks":     sb.droppedTicks.Load(),
		"sink_errors":       sb.sinkErrors.Load(),
		"candles_generated": sb.candlesGenerated.Load(),
		"success_rate":      fmt.Sprintf("%.2f%%", successRate),
		"channel_buffer":    len(sb.ticks),
		"channel_capacity":  cap(sb.ticks),
		"normalizer_stats":  sb.tickNormalizer.GetStats(),
		"engine_stats":      sb.candleEngine.GetStats(),
	}
}

// GetCandleEngine returns the candle engine for direct access
func (sb *StreamerBridge) GetCandleEngine() *candle.CandleEngine {
	return sb.candleEngine
}

// IsRunning returns whether the bridge is currently running
func (sb *StreamerBridge) IsRunning() bool {
	sb.mutex.Lock()
	defer sb.mutex.Unlock()
	return sb.isRunning
}
