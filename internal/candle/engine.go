package candle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Candle represents a minute-level OHLCV candle
type Candle struct {
	Segment    string    `json:"segment"`
	SecurityID string    `json:"security_id"`
	MinuteTS   time.Time `json:"minute_ts"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     int64     `json:"volume"`
	Source     string    `json:"source"` // "realtime", "synthetic"
}

// Key returns the canonical instrument key of the candle
func (c Candle) Key() string { return c.Segment + ":" + c.SecurityID }

// Tick represents a normalised price update
type Tick struct {
	Segment    string    `json:"segment"`
	SecurityID string    `json:"security_id"`
	Price      float64   `json:"price"`
	Volume     int64     `json:"volume"`
	Timestamp  time.Time `json:"timestamp"`
}

// CandleUpdate represents a live candle update event
type CandleUpdate struct {
	Type   string `json:"type"` // "update", "close"
	Candle Candle `json:"candle"`
}

const (
	SourceRealtime  = "realtime"
	SourceSynthetic = "synthetic"

	UpdateTypeUpdate = "update"
	UpdateTypeClose  = "close"
)

// Config holds the market session the engine builds candles for
type Config struct {
	Location      *time.Location
	MarketOpen    time.Duration // offset from midnight
	MarketClose   time.Duration
	LateTolerance time.Duration
	BufferSize    int
}

// DefaultConfig returns NSE cash market hours in IST
func DefaultConfig() (Config, error) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return Config{}, fmt.Errorf("failed to load IST timezone: %w", err)
	}
	return Config{
		Location:      loc,
		MarketOpen:    9*time.Hour + 15*time.Minute,
		MarketClose:   15*time.Hour + 30*time.Minute,
		LateTolerance: 2 * time.Minute,
		BufferSize:    10000,
	}, nil
}

// CandleEngine manages real-time candle generation from ticks
type CandleEngine struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	// Per-instrument candle state (single writer per instrument)
	states map[string]*instrumentState
	mutex  sync.RWMutex

	updates chan CandleUpdate
	emitMu  sync.RWMutex
	closed  bool

	persistCallback func(candle Candle) error
	publishCallback func(update CandleUpdate) error

	closeOnce sync.Once
}

// instrumentState maintains state for a single instrument's candle generation
type instrumentState struct {
	segment        string
	securityID     string
	currentMinute  time.Time
	currentCandle  *Candle
	lastKnownPrice float64
	mutex          sync.Mutex
}

// NewCandleEngine creates a new candle engine
func NewCandleEngine(cfg Config, logger *zap.Logger) *CandleEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}

	return &CandleEngine{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		states:  make(map[string]*instrumentState),
		updates: make(chan CandleUpdate, cfg.BufferSize),
	}
}

// SetClock replaces the engine's time source
func (ce *CandleEngine) SetClock(now func() time.Time) {
	ce.now = now
}

// Start runs the minute boundary sweep until ctx is done
func (ce *CandleEngine) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ce.Sweep(ce.now())
			}
		}
	}()
}

// ProcessTick processes an incoming tick and updates candles
func (ce *CandleEngine) ProcessTick(tick Tick) error {
	if tick.Price <= 0 {
		return fmt.Errorf("invalid price %f for %s:%s", tick.Price, tick.Segment, tick.SecurityID)
	}

	tickTime := tick.Timestamp.In(ce.cfg.Location)
	minuteStart := tickTime.Truncate(time.Minute)

	if !ce.isMarketHours(tickTime) {
		ce.logger.Debug("Tick outside market hours",
			zap.String("security_id", tick.SecurityID),
			zap.Time("ts", tickTime))
		return nil
	}

	if age := ce.now().Sub(tickTime); ce.cfg.LateTolerance > 0 && age > ce.cfg.LateTolerance {
		ce.logger.Debug("Ignoring late tick",
			zap.String("security_id", tick.SecurityID),
			zap.Duration("age", age))
		return nil
	}

	state := ce.getOrCreateState(tick.Segment, tick.SecurityID)

	state.mutex.Lock()
	defer state.mutex.Unlock()

	if !state.currentMinute.IsZero() && minuteStart.Before(state.currentMinute) {
		// out of order tick for an already closed minute
		return nil
	}

	if state.currentMinute.IsZero() || !minuteStart.Equal(state.currentMinute) {
		if state.currentCandle != nil {
			ce.finalizeCandle(state)
		}
		if !state.currentMinute.IsZero() {
			ce.fillGapMinutes(state, state.currentMinute.Add(time.Minute), minuteStart)
		}
		ce.startNewMinute(state, minuteStart, tick.Price)
	}

	ce.updateCurrentCandle(state, tick)
	ce.emit(CandleUpdate{Type: UpdateTypeUpdate, Candle: *state.currentCandle})
	return nil
}

func (ce *CandleEngine) getOrCreateState(segment, securityID string) *instrumentState {
	key := segment + ":" + securityID

	ce.mutex.Lock()
	defer ce.mutex.Unlock()

	state, exists := ce.states[key]
	if !exists {
		state = &instrumentState{segment: segment, securityID: securityID}
		ce.states[key] = state
		ce.logger.Debug("Created candle state", zap.String("key", key))
	}
	return state
}

func (ce *CandleEngine) startNewMinute(state *instrumentState, minuteStart time.Time, openPrice float64) {
	state.currentMinute = minuteStart
	state.currentCandle = &Candle{
		Segment:    state.segment,
		SecurityID: state.securityID,
		MinuteTS:   minuteStart,
		Open:       openPrice,
		High:       openPrice,
		Low:        openPrice,
		Close:      openPrice,
		Source:     SourceRealtime,
	}
}

func (ce *CandleEngine) updateCurrentCandle(state *instrumentState, tick Tick) {
	c := state.currentCandle
	if tick.Price > c.High {
		c.High = tick.Price
	}
	if tick.Price < c.Low {
		c.Low = tick.Price
	}
	c.Close = tick.Price
	c.Volume += tick.Volume

	state.lastKnownPrice = tick.Price
}

// finalizeCandle persists and publishes the in-flight candle. Caller holds state.mutex.
func (ce *CandleEngine) finalizeCandle(state *instrumentState) {
	if state.currentCandle == nil {
		return
	}
	final := *state.currentCandle
	state.currentCandle = nil

	ce.logger.Debug("Finalized candle",
		zap.String("key", final.Key()),
		zap.Time("minute", final.MinuteTS),
		zap.Float64("open", final.Open),
		zap.Float64("high", final.High),
		zap.Float64("low", final.Low),
		zap.Float64("close", final.Close),
		zap.Int64("volume", final.Volume))

	ce.persist(final)
	ce.emit(CandleUpdate{Type: UpdateTypeClose, Candle: final})
}

// fillGapMinutes creates synthetic candles for minutes without trades
func (ce *CandleEngine) fillGapMinutes(state *instrumentState, fromMinute, toMinute time.Time) {
	if state.lastKnownPrice <= 0 {
		return
	}

	gapCount := 0
	for current := fromMinute; current.Before(toMinute); current = current.Add(time.Minute) {
		if !ce.isMarketHours(current) {
			continue
		}
		synthetic := Candle{
			Segment:    state.segment,
			SecurityID: state.securityID,
			MinuteTS:   current,
			Open:       state.lastKnownPrice,
			High:       state.lastKnownPrice,
			Low:        state.lastKnownPrice,
			Close:      state.lastKnownPrice,
			Source:     SourceSynthetic,
		}
		ce.persist(synthetic)
		ce.emit(CandleUpdate{Type: UpdateTypeClose, Candle: synthetic})
		gapCount++
	}

	if gapCount > 0 {
		ce.logger.Debug("Filled gap minutes",
			zap.String("security_id", state.securityID),
			zap.Int("count", gapCount))
	}
}

// Sweep closes candles whose minute has passed without a new tick arriving
func (ce *CandleEngine) Sweep(now time.Time) {
	currentMinute := now.In(ce.cfg.Location).Truncate(time.Minute)

	for _, state := range ce.snapshotStates() {
		state.mutex.Lock()
		if state.currentCandle != nil && state.currentMinute.Before(currentMinute) {
			ce.finalizeCandle(state)
		}
		state.mutex.Unlock()
	}
}

func (ce *CandleEngine) snapshotStates() []*instrumentState {
	ce.mutex.RLock()
	defer ce.mutex.RUnlock()

	states := make([]*instrumentState, 0, len(ce.states))
	for _, state := range ce.states {
		states = append(states, state)
	}
	return states
}

func (ce *CandleEngine) persist(c Candle) {
	if ce.persistCallback == nil {
		return
	}
	if err := ce.persistCallback(c); err != nil {
		ce.logger.Warn("Persist callback failed", zap.String("key", c.Key()), zap.Error(err))
	}
}

func (ce *CandleEngine) emit(update CandleUpdate) {
	ce.emitMu.RLock()
	if !ce.closed {
		select {
		case ce.updates <- update:
		default:
			ce.logger.Debug("Candle update channel full", zap.String("key", update.Candle.Key()))
		}
	}
	ce.emitMu.RUnlock()

	if ce.publishCallback != nil {
		if err := ce.publishCallback(update); err != nil {
			ce.logger.Warn("Publish callback failed", zap.String("key", update.Candle.Key()), zap.Error(err))
		}
	}
}

// isMarketHours checks if the given time is within the configured session
func (ce *CandleEngine) isMarketHours(t time.Time) bool {
	local := t.In(ce.cfg.Location)
	timeOfDay := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second

	return timeOfDay >= ce.cfg.MarketOpen && timeOfDay <= ce.cfg.MarketClose
}

// SetPersistCallback sets the callback for persisting candles
func (ce *CandleEngine) SetPersistCallback(callback func(candle Candle) error) {
	ce.persistCallback = callback
}

// SetPublishCallback sets the callback for publishing candle updates
func (ce *CandleEngine) SetPublishCallback(callback func(update CandleUpdate) error) {
	ce.publishCallback = callback
}

// Updates returns the channel of live and closed candle events
func (ce *CandleEngine) Updates() <-chan CandleUpdate {
	return ce.updates
}

// GetStats returns engine statistics
func (ce *CandleEngine) GetStats() map[string]interface{} {
	ce.mutex.RLock()
	defer ce.mutex.RUnlock()

	withCandles := 0
	for _, state := range ce.states {
		state.mutex.Lock()
		if state.currentCandle != nil {
			withCandles++
		}
		state.mutex.Unlock()
	}

	return map[string]interface{}{
		"active_instruments":       len(ce.states),
		"instruments_with_candles": withCandles,
		"market_open":              ce.cfg.MarketOpen.String(),
		"market_close":             ce.cfg.MarketClose.String(),
		"timezone":                 ce.cfg.Location.String(),
		"update_channel_size":      len(ce.updates),
	}
}

// Close finalizes every open candle and closes the update channel
func (ce *CandleEngine) Close() error {
	ce.closeOnce.Do(func() {
		for _, state := range ce.snapshotStates() {
			state.mutex.Lock()
			ce.finalizeCandle(state)
			state.mutex.Unlock()
		}
		ce.emitMu.Lock()
		ce.closed = true
		close(ce.updates)
		ce.emitMu.Unlock()
		ce.logger.Info("Candle engine shut down")
	})
	return nil
}
