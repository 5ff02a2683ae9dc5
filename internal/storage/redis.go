package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang-market-feed/internal/candle"
	"golang-market-feed/internal/tick"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	dayCandlesTTL   = 7 * 24 * time.Hour
	latestCandleTTL = 5 * time.Minute
)

// Key and channel layout
func TickChannel(segment, securityID string) string {
	return fmt.Sprintf("ticks:%s:%s", segment, securityID)
}

func LatestTickKey(segment, securityID string) string {
	return fmt.Sprintf("tick_latest:%s:%s", segment, securityID)
}

func CandleChannel(segment, securityID string) string {
	return fmt.Sprintf("candles:%s:%s", segment, securityID)
}

func LatestCandleKey(segment, securityID string) string {
	return fmt.Sprintf("candle_latest:%s:%s", segment, securityID)
}

func DayCandlesKey(segment, securityID string, day time.Time) string {
	return fmt.Sprintf("candles_day:%s:%s:%s", segment, securityID, day.Format("20060102"))
}

// TickEnvelope is the JSON form of a decoded packet on Redis and the relay
type TickEnvelope struct {
	Kind       string          `json:"kind"`
	Key        string          `json:"key"`
	Symbol     string          `json:"symbol,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Data       json.RawMessage `json:"data"`
}

// NewTickEnvelope wraps a decoded packet for publishing
func NewTickEnvelope(t tick.Tick, receivedAt time.Time) (TickEnvelope, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return TickEnvelope{}, fmt.Errorf("failed to marshal %s tick: %w", t.Kind(), err)
	}
	return TickEnvelope{
		Kind:       t.Kind().String(),
		Key:        t.Head().Key(),
		ReceivedAt: receivedAt,
		Data:       data,
	}, nil
}

// LatestCandleCache represents the latest in-flight candle
type LatestCandleCache struct {
	Segment     string        `json:"segment"`
	SecurityID  string        `json:"security_id"`
	Candle      candle.Candle `json:"candle"`
	LastUpdated time.Time     `json:"last_updated"`
	IsComplete  bool          `json:"is_complete"` // true if candle is finalized
}

// CandleCache holds the closed candles of one trading day
type CandleCache struct {
	Segment      string          `json:"segment"`
	SecurityID   string          `json:"security_id"`
	Date         string          `json:"date"` // YYYYMMDD format
	Candles      []candle.Candle `json:"candles"`
	LastUpdated  time.Time       `json:"last_updated"`
	TotalCandles int             `json:"total_candles"`
}

// RedisAdapter handles Redis operations for tick fan-out and candle caching
type RedisAdapter struct {
	client    *redis.Client
	logger    *zap.Logger
	location  *time.Location
	latestTTL time.Duration
}

// NewRedisAdapter creates a new Redis adapter and checks the connection
func NewRedisAdapter(ctx context.Context, redisURL string, latestTTL time.Duration, location *time.Location, logger *zap.Logger) (*RedisAdapter, error) {
	var rdb *redis.Client

	if redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		rdb = redis.NewClient(opt)
	} else {
		rdb = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	if location == nil {
		location = time.UTC
	}

	adapter := &RedisAdapter{
		client:    rdb,
		logger:    logger.With(zap.String("component", "redis")),
		location:  location,
		latestTTL: latestTTL,
	}

	if err := adapter.Ping(ctx); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	adapter.logger.Info("Redis adapter initialized")
	return adapter, nil
}

// Ping tests the Redis connection
func (ra *RedisAdapter) Ping(ctx context.Context) error {
	return ra.client.Ping(ctx).Err()
}

// PublishTick fans the packet out on its channel and caches it as the latest
// value in one round trip
func (ra *RedisAdapter) PublishTick(ctx context.Context, seg, securityID string, env TickEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal tick envelope: %w", err)
	}

	pipe := ra.client.Pipeline()
	pipe.Publish(ctx, TickChannel(seg, securityID), data)
	pipe.Set(ctx, LatestTickKey(seg, securityID), data, ra.latestTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish tick: %w", err)
	}
	return nil
}

// GetLatestTick returns the last published packet, nil on a cache miss
func (ra *RedisAdapter) GetLatestTick(ctx context.Context, seg, securityID string) (*TickEnvelope, error) {
	data, err := ra.client.Get(ctx, LatestTickKey(seg, securityID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest tick: %w", err)
	}

	var env TickEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal latest tick: %w", err)
	}
	return &env, nil
}

// SubscribeToTicks subscribes to the tick channels of the given instruments
func (ra *RedisAdapter) SubscribeToTicks(ctx context.Context, keys ...[2]string) (*redis.PubSub, error) {
	channels := make([]string, 0, len(keys))
	for _, k := range keys {
		channels = append(channels, TickChannel(k[0], k[1]))
	}
	pubsub := ra.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to ticks: %w", err)
	}
	return pubsub, nil
}

// PublishCandleUpdate publishes a candle update to Redis pub/sub and refreshes
// the latest candle cache
func (ra *RedisAdapter) PublishCandleUpdate(ctx context.Context, update candle.CandleUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal candle update: %w", err)
	}

	c := update.Candle
	if err := ra.client.Publish(ctx, CandleChannel(c.Segment, c.SecurityID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish candle update: %w", err)
	}
	return ra.StoreLatestCandle(ctx, c, update.Type == candle.UpdateTypeClose)
}

// StoreLatestCandle stores the latest in-flight or closed candle
func (ra *RedisAdapter) StoreLatestCandle(ctx context.Context, c candle.Candle, isComplete bool) error {
	cache := LatestCandleCache{
		Segment:     c.Segment,
		SecurityID:  c.SecurityID,
		Candle:      c,
		LastUpdated: time.Now().In(ra.location),
		IsComplete:  isComplete,
	}

	data, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("failed to marshal latest candle: %w", err)
	}

	if err := ra.client.Set(ctx, LatestCandleKey(c.Segment, c.SecurityID), data, latestCandleTTL).Err(); err != nil {
		return fmt.Errorf("failed to store latest candle: %w", err)
	}
	return nil
}

// GetLatestCandle retrieves the latest candle, nil on a cache miss
func (ra *RedisAdapter) GetLatestCandle(ctx context.Context, seg, securityID string) (*LatestCandleCache, error) {
	data, err := ra.client.Get(ctx, LatestCandleKey(seg, securityID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get latest candle: %w", err)
	}

	var cache LatestCandleCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("failed to unmarshal latest candle: %w", err)
	}
	return &cache, nil
}

// AppendToIntradaySeries appends a closed candle to its day series
func (ra *RedisAdapter) AppendToIntradaySeries(ctx context.Context, c candle.Candle) error {
	day := c.MinuteTS.In(ra.location)
	cache, err := ra.GetDayCandles(ctx, c.Segment, c.SecurityID, day)
	if err != nil {
		return fmt.Errorf("failed to get existing day candles: %w", err)
	}
	if cache == nil {
		cache = &CandleCache{
			Segment:    c.Segment,
			SecurityID: c.SecurityID,
			Date:       day.Format("20060102"),
		}
	}

	cache.Candles = MergeCandle(cache.Candles, c)
	cache.TotalCandles = len(cache.Candles)
	cache.LastUpdated = time.Now().In(ra.location)

	data, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("failed to marshal updated cache: %w", err)
	}
	if err := ra.client.Set(ctx, DayCandlesKey(c.Segment, c.SecurityID, day), data, dayCandlesTTL).Err(); err != nil {
		return fmt.Errorf("failed to store updated cache: %w", err)
	}
	return nil
}

// GetDayCandles retrieves the day series, nil on a cache miss
func (ra *RedisAdapter) GetDayCandles(ctx context.Context, seg, securityID string, day time.Time) (*CandleCache, error) {
	data, err := ra.client.Get(ctx, DayCandlesKey(seg, securityID, day.In(ra.location))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get day candles: %w", err)
	}

	var cache CandleCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("failed to unmarshal candle cache: %w", err)
	}
	return &cache, nil
}

// MergeCandle replaces the candle of the same minute or inserts c in time order
func MergeCandle(series []candle.Candle, c candle.Candle) []candle.Candle {
	for i, existing := range series {
		if existing.MinuteTS.Equal(c.MinuteTS) {
			series[i] = c
			return series
		}
	}

	series = append(series, c)
	for i := len(series) - 1; i > 0; i-- {
		if series[i].MinuteTS.Before(series[i-1].MinuteTS) {
			series[i], series[i-1] = series[i-1], series[i]
		} else {
			break
		}
	}
	return series
}

// GetCacheStats returns Redis cache statistics
func (ra *RedisAdapter) GetCacheStats(ctx context.Context) (map[string]interface{}, error) {
	count := func(pattern string) (int, error) {
		n := 0
		iter := ra.client.Scan(ctx, 0, pattern, 500).Iterator()
		for iter.Next(ctx) {
			n++
		}
		return n, iter.Err()
	}

	ticks, err := count("tick_latest:*")
	if err != nil {
		return nil, fmt.Errorf("failed to count tick keys: %w", err)
	}
	candles, err := count("candle_latest:*")
	if err != nil {
		return nil, fmt.Errorf("failed to count candle keys: %w", err)
	}

	return map[string]interface{}{
		"latest_tick_keys":   ticks,
		"latest_candle_keys": candles,
		"connection_status":  "connected",
	}, nil
}

// Close closes the Redis connection
func (ra *RedisAdapter) Close() error {
	if err := ra.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis connection: %w", err)
	}
	ra.logger.Info("Redis adapter closed")
	return nil
}
