package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang-market-feed/internal/candle"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// migrations creates the candle table and its indexes
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS candles (
		segment VARCHAR(16) NOT NULL,
		security_id VARCHAR(20) NOT NULL,
		minute_ts TIMESTAMPTZ NOT NULL,
		open_price DOUBLE PRECISION NOT NULL,
		high_price DOUBLE PRECISION NOT NULL,
		low_price DOUBLE PRECISION NOT NULL,
		close_price DOUBLE PRECISION NOT NULL,
		volume BIGINT NOT NULL DEFAULT 0,
		source VARCHAR(20) NOT NULL DEFAULT 'realtime',
		created_at TIMESTAMPTZ DEFAULT NOW(),
		updated_at TIMESTAMPTZ DEFAULT NOW(),
		PRIMARY KEY (minute_ts, segment, security_id)
	);`,

	`CREATE INDEX IF NOT EXISTS idx_candles_instrument
		ON candles (segment, security_id, minute_ts DESC);`,

	`CREATE INDEX IF NOT EXISTS idx_candles_source
		ON candles (source, minute_ts DESC);`,
}

const upsertCandleSQL = `
	INSERT INTO candles (
		segment, security_id, minute_ts, open_price, high_price,
		low_price, close_price, volume, source, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	ON CONFLICT (minute_ts, segment, security_id)
	DO UPDATE SET
		open_price = EXCLUDED.open_price,
		high_price = EXCLUDED.high_price,
		low_price = EXCLUDED.low_price,
		close_price = EXCLUDED.close_price,
		volume = EXCLUDED.volume,
		source = EXCLUDED.source,
		updated_at = NOW();`

const selectCandlesSQL = `
	SELECT segment, security_id, minute_ts, open_price, high_price,
		   low_price, close_price, volume, source
	FROM candles`

// TimescaleDBAdapter handles TimescaleDB operations for candle persistence
type TimescaleDBAdapter struct {
	db       *sql.DB
	logger   *zap.Logger
	location *time.Location
}

// NewTimescaleDBAdapter opens the database, checks it and runs migrations
func NewTimescaleDBAdapter(ctx context.Context, connectionString string, maxOpen, maxIdle int, location *time.Location, logger *zap.Logger) (*TimescaleDBAdapter, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open TimescaleDB connection: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}

	adapter, err := newTimescaleDBAdapter(db, location, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := adapter.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping TimescaleDB: %w", err)
	}
	if err := adapter.runMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	adapter.logger.Info("TimescaleDB adapter initialized")
	return adapter, nil
}

func newTimescaleDBAdapter(db *sql.DB, location *time.Location, logger *zap.Logger) (*TimescaleDBAdapter, error) {
	if db == nil {
		return nil, errors.New("nil database handle")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if location == nil {
		location = time.UTC
	}
	return &TimescaleDBAdapter{
		db:       db,
		logger:   logger.With(zap.String("component", "timescaledb")),
		location: location,
	}, nil
}

func (tdb *TimescaleDBAdapter) runMigrations(ctx context.Context) error {
	for i, migration := range migrations {
		if _, err := tdb.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute migration %d: %w", i+1, err)
		}
	}

	// hypertable conversion needs the timescaledb extension; plain postgres keeps a regular table
	if _, err := tdb.db.ExecContext(ctx,
		`SELECT create_hypertable('candles', 'minute_ts', if_not_exists => TRUE);`); err != nil {
		tdb.logger.Warn("Candles table left as a plain table", zap.Error(err))
	}

	tdb.logger.Info("TimescaleDB migrations completed")
	return nil
}

// StoreCandle upserts a single candle
func (tdb *TimescaleDBAdapter) StoreCandle(ctx context.Context, c candle.Candle) error {
	_, err := tdb.db.ExecContext(ctx, upsertCandleSQL, candleArgs(c)...)
	if err != nil {
		return fmt.Errorf("failed to store candle %s: %w", c.Key(), err)
	}
	return nil
}

// StoreCandlesBatch upserts candles in a single transaction
func (tdb *TimescaleDBAdapter) StoreCandlesBatch(ctx context.Context, candles []candle.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := tdb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertCandleSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, candleArgs(c)...); err != nil {
			return fmt.Errorf("failed to execute batch insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch transaction: %w", err)
	}

	tdb.logger.Debug("Stored candle batch", zap.Int("count", len(candles)))
	return nil
}

// GetCandles retrieves candles of one instrument within [from, to]
func (tdb *TimescaleDBAdapter) GetCandles(ctx context.Context, seg, securityID string, from, to time.Time) ([]candle.Candle, error) {
	rows, err := tdb.db.QueryContext(ctx, selectCandlesSQL+`
		WHERE segment = $1 AND security_id = $2
			AND minute_ts >= $3 AND minute_ts <= $4
		ORDER BY minute_ts ASC;`, seg, securityID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []candle.Candle
	for rows.Next() {
		c, err := tdb.scanCandle(rows)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate candles: %w", err)
	}
	return candles, nil
}

// GetLatestCandle retrieves the most recent candle, nil when there is none
func (tdb *TimescaleDBAdapter) GetLatestCandle(ctx context.Context, seg, securityID string) (*candle.Candle, error) {
	row := tdb.db.QueryRowContext(ctx, selectCandlesSQL+`
		WHERE segment = $1 AND security_id = $2
		ORDER BY minute_ts DESC
		LIMIT 1;`, seg, securityID)

	c, err := tdb.scanCandle(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (tdb *TimescaleDBAdapter) scanCandle(s scanner) (candle.Candle, error) {
	var c candle.Candle
	var minuteTS time.Time
	err := s.Scan(
		&c.Segment, &c.SecurityID, &minuteTS,
		&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Source,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan candle: %w", err)
	}
	c.MinuteTS = minuteTS.In(tdb.location)
	return c, nil
}

// GetCandleStats returns statistics about stored candles
func (tdb *TimescaleDBAdapter) GetCandleStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var total int64
	if err := tdb.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM candles").Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to get total candles: %w", err)
	}
	stats["total_candles"] = total

	rows, err := tdb.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM candles GROUP BY source;`)
	if err != nil {
		return nil, fmt.Errorf("failed to get source stats: %w", err)
	}
	defer rows.Close()

	bySource := make(map[string]int64)
	for rows.Next() {
		var source string
		var count int64
		if err := rows.Scan(&source, &count); err != nil {
			return nil, fmt.Errorf("failed to scan source stats: %w", err)
		}
		bySource[source] = count
	}
	stats["candles_by_source"] = bySource
	stats["connection_status"] = "connected"
	return stats, nil
}

// DeleteOldCandles deletes candles older than the specified duration
func (tdb *TimescaleDBAdapter) DeleteOldCandles(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := tdb.db.ExecContext(ctx, `DELETE FROM candles WHERE minute_ts < $1;`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old candles: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	tdb.logger.Info("Deleted old candles", zap.Int64("count", n), zap.Duration("older_than", olderThan))
	return n, nil
}

// Ping tests the database connection
func (tdb *TimescaleDBAdapter) Ping(ctx context.Context) error {
	return tdb.db.PingContext(ctx)
}

// Close closes the TimescaleDB connection
func (tdb *TimescaleDBAdapter) Close() error {
	if err := tdb.db.Close(); err != nil {
		return fmt.Errorf("failed to close TimescaleDB connection: %w", err)
	}
	tdb.logger.Info("TimescaleDB adapter closed")
	return nil
}

func candleArgs(c candle.Candle) []any {
	return []any{
		c.Segment,
		c.SecurityID,
		c.MinuteTS,
		c.Open,
		c.High,
		c.Low,
		c.Close,
		c.Volume,
		c.Source,
	}
}
