package tick

import (
	"fmt"
	"sync"
	"time"

	"golang-market-feed/internal/candle"

	"go.uber.org/zap"
)

// TickNormalizer turns decoded price packets into candle ticks. Quote and
// full packets carry cumulative day volume; the normalizer converts it into
// the per-tick traded quantity and drops exact repeats.
type TickNormalizer struct {
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	lastTicks map[string]*normalizedTick

	// Statistics
	totalTicks      int64
	normalizedTicks int64
	duplicateTicks  int64
	errorTicks      int64
	skippedTicks    int64
}

type normalizedTick struct {
	price     float64
	cumVolume int64
	hash      string
}

// NewTickNormalizer creates a new tick normalizer
func NewTickNormalizer(logger *zap.Logger) *TickNormalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TickNormalizer{
		logger:    logger,
		now:       time.Now,
		lastTicks: make(map[string]*normalizedTick),
	}
}

// SetClock replaces the time source used when a packet has no trade time
func (tn *TickNormalizer) SetClock(now func() time.Time) {
	tn.now = now
}

// Normalize converts a decoded packet into a candle tick. It returns nil
// without error for packets that carry no trade price and for duplicates.
func (tn *TickNormalizer) Normalize(t Tick) (*candle.Tick, error) {
	var (
		price     float64
		ltt       int64
		cumVolume int64
		hasVolume bool
	)

	switch p := t.(type) {
	case Ticker:
		price, ltt = p.LTP, p.LTT
	case Quote:
		price, ltt, cumVolume, hasVolume = p.LTP, p.LTT, p.Volume, true
	case Full:
		price, ltt, cumVolume, hasVolume = p.LTP, p.LTT, p.Volume, true
	default:
		tn.mu.Lock()
		tn.skippedTicks++
		tn.mu.Unlock()
		return nil, nil
	}

	h := t.Head()

	tn.mu.Lock()
	defer tn.mu.Unlock()
	tn.totalTicks++

	if h.SecurityID == "" {
		tn.errorTicks++
		return nil, fmt.Errorf("missing security id in %s packet", t.Kind())
	}
	if price <= 0 {
		tn.errorTicks++
		return nil, fmt.Errorf("invalid LTP %f for %s", price, h.Key())
	}

	tickTime := tn.now()
	if ltt > 0 {
		tickTime = time.Unix(ltt, 0)
	}

	key := h.Key()
	hash := fmt.Sprintf("%s_%.4f_%d_%d", key, price, cumVolume, ltt)

	last, exists := tn.lastTicks[key]
	if exists && last.hash == hash {
		tn.duplicateTicks++
		return nil, nil
	}

	var volume int64
	if hasVolume {
		switch {
		case !exists || last.cumVolume == 0:
			// first sighting; cumulative day volume is not attributable to this tick
		case cumVolume >= last.cumVolume:
			volume = cumVolume - last.cumVolume
		default:
			tn.logger.Debug("Cumulative volume went backwards",
				zap.String("key", key),
				zap.Int64("previous", last.cumVolume),
				zap.Int64("current", cumVolume))
		}
	}

	next := &normalizedTick{price: price, cumVolume: cumVolume, hash: hash}
	if !hasVolume && exists {
		next.cumVolume = last.cumVolume
	}
	tn.lastTicks[key] = next
	tn.normalizedTicks++

	return &candle.Tick{
		Segment:    h.Segment,
		SecurityID: h.SecurityID,
		Price:      price,
		Volume:     volume,
		Timestamp:  tickTime,
	}, nil
}

// ProcessBatch normalizes multiple packets, skipping duplicates
func (tn *TickNormalizer) ProcessBatch(items []Tick) ([]*candle.Tick, []error) {
	var normalizedTicks []*candle.Tick
	var errs []error

	for _, item := range items {
		ct, err := tn.Normalize(item)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ct != nil {
			normalizedTicks = append(normalizedTicks, ct)
		}
	}
	return normalizedTicks, errs
}

// GetStats returns normalizer statistics
func (tn *TickNormalizer) GetStats() map[string]interface{} {
	tn.mu.Lock()
	defer tn.mu.Unlock()

	duplicateRate := float64(0)
	errorRate := float64(0)
	if tn.totalTicks > 0 {
		duplicateRate = float64(tn.duplicateTicks) / float64(tn.totalTicks) * 100
		errorRate = float64(tn.errorTicks) / float64(tn.totalTicks) * 100
	}

	return map[string]interface{}{
		"total_ticks":      tn.totalTicks,
		"normalized_ticks": tn.normalizedTicks,
		"duplicate_ticks":  tn.duplicateTicks,
		"error_ticks":      tn.errorTicks,
		"skipped_packets":  tn.skippedTicks,
		"duplicate_rate":   fmt.Sprintf("%.2f%%", duplicateRate),
		"error_rate":       fmt.Sprintf("%.2f%%", errorRate),
		"tracked_keys":     len(tn.lastTicks),
	}
}

// Reset resets all statistics and caches
func (tn *TickNormalizer) Reset() {
	tn.mu.Lock()
	defer tn.mu.Unlock()

	tn.totalTicks = 0
	tn.normalizedTicks = 0
	tn.duplicateTicks = 0
	tn.errorTicks = 0
	tn.skippedTicks = 0
	tn.lastTicks = make(map[string]*normalizedTick)

	tn.logger.Info("Tick normalizer reset")
}
