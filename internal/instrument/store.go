// Package instrument keeps the instrument master and the persistent watchlist
// in SQLite, with in-memory maps for lookups on the tick path.
package instrument

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang-market-feed/internal/segment"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Instrument is one row of the instrument master
type Instrument struct {
	Segment    string `json:"segment"`
	SecurityID string `json:"security_id"`
	Symbol     string `json:"symbol"`
	Name       string `json:"name,omitempty"`
	LotSize    int    `json:"lot_size"`
	Status     string `json:"status"`
	Watched    bool   `json:"watched"`
}

// Key returns the canonical "SEGMENT:SECURITY_ID" key
func (i Instrument) Key() string { return i.Segment + ":" + i.SecurityID }

// Store handles SQLite-based instrument data management
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	mutex       sync.RWMutex
	lastUpdated time.Time
	// In-memory maps for instant lookups
	keyToSymbol map[string]string     // SEG:ID -> symbol
	symbolToKey map[string]Instrument // symbol -> preferred instrument
}

// Open opens (or creates) the instrument database
func Open(ctx context.Context, dbPath string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		db:          db,
		logger:      logger.With(zap.String("component", "instruments")),
		keyToSymbol: make(map[string]string),
		symbolToKey: make(map[string]Instrument),
	}

	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if err := s.loadIntoMemory(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("Instrument store initialized", zap.String("path", dbPath))
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS instruments (
		segment TEXT NOT NULL,
		security_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		name TEXT DEFAULT '',
		lot_size INTEGER DEFAULT 1,
		status TEXT DEFAULT 'ACTIVE',
		watched INTEGER DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (segment, security_id)
	);

	CREATE INDEX IF NOT EXISTS idx_instruments_symbol ON instruments(symbol);
	CREATE INDEX IF NOT EXISTS idx_instruments_watched ON instruments(watched);
	`)
	return err
}

// Upsert inserts or refreshes instruments. The watched flag of existing rows is kept.
func (s *Store) Upsert(ctx context.Context, list []Instrument) (int, error) {
	if len(list) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO instruments (segment, security_id, symbol, name, lot_size, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (segment, security_id) DO UPDATE SET
			symbol = excluded.symbol,
			name = excluded.name,
			lot_size = excluded.lot_size,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	count := 0
	for _, in := range list {
		if in.SecurityID == "" || in.Symbol == "" {
			continue
		}
		status := in.Status
		if status == "" {
			status = "ACTIVE"
		}
		lot := in.LotSize
		if lot <= 0 {
			lot = 1
		}
		seg := segment.ToRequestString(in.Segment)
		if _, known := segment.Code(seg); !known {
			s.logger.Debug("Skipping instrument with unknown segment", zap.String("segment", in.Segment), zap.String("security_id", in.SecurityID))
			continue
		}
		if _, err := stmt.ExecContext(ctx, seg, in.SecurityID, strings.ToUpper(in.Symbol), in.Name, lot, status); err != nil {
			return count, fmt.Errorf("failed to upsert %s:%s: %w", seg, in.SecurityID, err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if err := s.loadIntoMemory(ctx); err != nil {
		return count, err
	}
	s.logger.Info("Instruments stored", zap.Int("count", count))
	return count, nil
}

// ImportJSON loads a JSON array of instruments into the store
func (s *Store) ImportJSON(ctx context.Context, r io.Reader) (int, error) {
	var list []Instrument
	if err := json.NewDecoder(r).Decode(&list); err != nil {
		return 0, fmt.Errorf("failed to decode instrument list: %w", err)
	}
	return s.Upsert(ctx, list)
}

// ImportFile loads a JSON instrument list from disk
func (s *Store) ImportFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open instrument file: %w", err)
	}
	defer f.Close()
	return s.ImportJSON(ctx, f)
}

// FetchInstruments downloads a JSON instrument list and imports it
func (s *Store) FetchInstruments(ctx context.Context, url string) (int, error) {
	s.logger.Info("Fetching instrument list", zap.String("url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build instrument request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch instruments: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("instrument list returned %s", resp.Status)
	}
	return s.ImportJSON(ctx, resp.Body)
}

// SetWatched flags instruments (by SEG:ID key) as part of the persistent watchlist
func (s *Store) SetWatched(ctx context.Context, keys []string, watched bool) error {
	flag := 0
	if watched {
		flag = 1
	}
	for _, key := range keys {
		seg, id, ok := strings.Cut(key, ":")
		if !ok {
			return fmt.Errorf("invalid instrument key %q", key)
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE instruments SET watched = ?, updated_at = CURRENT_TIMESTAMP WHERE segment = ? AND security_id = ?`,
			flag, segment.ToRequestString(seg), id); err != nil {
			return fmt.Errorf("failed to update watch flag for %s: %w", key, err)
		}
	}
	return nil
}

// Watchlist returns every watched instrument
func (s *Store) Watchlist(ctx context.Context) ([]Instrument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT segment, security_id, symbol, name, lot_size, status, watched
		FROM instruments WHERE watched = 1 AND status = 'ACTIVE'
		ORDER BY segment, security_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query watchlist: %w", err)
	}
	defer rows.Close()

	var list []Instrument
	for rows.Next() {
		var in Instrument
		if err := rows.Scan(&in.Segment, &in.SecurityID, &in.Symbol, &in.Name, &in.LotSize, &in.Status, &in.Watched); err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		list = append(list, in)
	}
	return list, rows.Err()
}

// Lookup resolves a trading symbol, preferring NSE equity over other segments
func (s *Store) Lookup(symbol string) (Instrument, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	in, ok := s.symbolToKey[strings.ToUpper(strings.TrimSpace(symbol))]
	return in, ok
}

// SymbolFor returns the trading symbol of an instrument
func (s *Store) SymbolFor(seg, securityID string) (string, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	sym, ok := s.keyToSymbol[seg+":"+securityID]
	return sym, ok
}

// symbolPreference ranks segments when one symbol trades on several
var symbolPreference = map[string]int{
	segment.NSEEquity: 0,
	segment.BSEEquity: 1,
	segment.IndexI:    2,
}

func preferenceOf(seg string) int {
	if p, ok := symbolPreference[seg]; ok {
		return p
	}
	return len(symbolPreference)
}

func (s *Store) loadIntoMemory(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT segment, security_id, symbol, name, lot_size, status, watched FROM instruments WHERE status = 'ACTIVE'`)
	if err != nil {
		return fmt.Errorf("failed to load instruments: %w", err)
	}
	defer rows.Close()

	keyToSymbol := make(map[string]string)
	symbolToKey := make(map[string]Instrument)
	for rows.Next() {
		var in Instrument
		if err := rows.Scan(&in.Segment, &in.SecurityID, &in.Symbol, &in.Name, &in.LotSize, &in.Status, &in.Watched); err != nil {
			return fmt.Errorf("failed to scan instrument: %w", err)
		}
		keyToSymbol[in.Key()] = in.Symbol
		if cur, ok := symbolToKey[in.Symbol]; !ok || preferenceOf(in.Segment) < preferenceOf(cur.Segment) {
			symbolToKey[in.Symbol] = in
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate instruments: %w", err)
	}

	s.mutex.Lock()
	s.keyToSymbol = keyToSymbol
	s.symbolToKey = symbolToKey
	s.lastUpdated = time.Now()
	s.mutex.Unlock()

	s.logger.Debug("Loaded instrument mappings", zap.Int("count", len(keyToSymbol)))
	return nil
}

// Stats returns store statistics
func (s *Store) Stats() map[string]interface{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return map[string]interface{}{
		"instruments":  len(s.keyToSymbol),
		"symbols":      len(s.symbolToKey),
		"last_updated": s.lastUpdated,
	}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
