package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"golang-market-feed/internal/candle"
	"golang-market-feed/internal/segment"
	"golang-market-feed/internal/storage"

	"go.uber.org/zap"
)

// DayCache serves the closed candles of one trading day (Redis)
type DayCache interface {
	GetDayCandles(ctx context.Context, seg, securityID string, day time.Time) (*storage.CandleCache, error)
}

// CandleHistory serves persisted candles (TimescaleDB)
type CandleHistory interface {
	GetCandles(ctx context.Context, seg, securityID string, from, to time.Time) ([]candle.Candle, error)
}

// IntradayAPI handles the intraday candle endpoint
type IntradayAPI struct {
	cache    DayCache
	history  CandleHistory
	symbols  SymbolLookup
	session  candle.Config
	logger   *zap.Logger
	now      func() time.Time
	deadline time.Duration
}

// IntradayResponse represents the intraday API response
type IntradayResponse struct {
	Success      bool            `json:"success"`
	Segment      string          `json:"segment"`
	SecurityID   string          `json:"security_id"`
	Symbol       string          `json:"symbol,omitempty"`
	Date         string          `json:"date"`
	MarketOpen   string          `json:"market_open"`
	MarketClose  string          `json:"market_close"`
	TotalCandles int             `json:"total_candles"`
	DataSource   string          `json:"data_source"`
	Candles      []candle.Candle `json:"candles"`
	Metadata     Metadata        `json:"metadata"`
	Timestamp    int64           `json:"timestamp"`
}

// Metadata contains additional information about the data
type Metadata struct {
	CacheHit         bool  `json:"cache_hit"`
	SyntheticCount   int   `json:"synthetic_count"`
	RealtimeCount    int   `json:"realtime_count"`
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

// NewIntradayAPI creates the handler. cache and history may each be nil.
func NewIntradayAPI(cache DayCache, history CandleHistory, symbols SymbolLookup, session candle.Config, logger *zap.Logger) *IntradayAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	if session.Location == nil {
		session.Location = time.UTC
	}
	return &IntradayAPI{
		cache:    cache,
		history:  history,
		symbols:  symbols,
		session:  session,
		logger:   logger.With(zap.String("component", "intraday")),
		now:      time.Now,
		deadline: 5 * time.Second,
	}
}

// HandleIntradayRequest handles GET /candles?segment=NSE_EQ&security_id=1333[&date=YYYY-MM-DD]
// or GET /candles?symbol=RELIANCE
func (api *IntradayAPI) HandleIntradayRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendErrorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	startTime := time.Now()
	query := r.URL.Query()

	seg := segment.ToRequestString(query.Get("segment"))
	securityID := strings.TrimSpace(query.Get("security_id"))
	symbol := strings.ToUpper(strings.TrimSpace(query.Get("symbol")))

	if symbol != "" && securityID == "" {
		if api.symbols == nil {
			sendErrorResponse(w, "symbol lookup is not available", http.StatusBadRequest)
			return
		}
		found, ok := api.symbols.Lookup(symbol)
		if !ok {
			sendErrorResponse(w, "unknown symbol "+symbol, http.StatusNotFound)
			return
		}
		seg, securityID = found.Segment, found.SecurityID
	}
	if seg == "" || securityID == "" {
		sendErrorResponse(w, "expected segment and security_id, or symbol", http.StatusBadRequest)
		return
	}

	day := api.now().In(api.session.Location)
	if dateStr := query.Get("date"); dateStr != "" {
		var err error
		day, err = time.ParseInLocation("2006-01-02", dateStr, api.session.Location)
		if err != nil {
			sendErrorResponse(w, "invalid date format, use YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), api.deadline)
	defer cancel()

	response, err := api.load(ctx, seg, securityID, day)
	if err != nil {
		api.logger.Warn("Failed to load candles", zap.String("segment", seg), zap.String("security_id", securityID), zap.Error(err))
		sendErrorResponse(w, "failed to load candles", http.StatusInternalServerError)
		return
	}
	response.Symbol = symbol
	response.Metadata.ProcessingTimeMs = time.Since(startTime).Milliseconds()

	writeJSON(w, http.StatusOK, response)
}

// load tries the day cache first and falls back to persisted history
func (api *IntradayAPI) load(ctx context.Context, seg, securityID string, day time.Time) (*IntradayResponse, error) {
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, api.session.Location)
	open := midnight.Add(api.session.MarketOpen)
	closeAt := midnight.Add(api.session.MarketClose)

	response := &IntradayResponse{
		Success:     true,
		Segment:     seg,
		SecurityID:  securityID,
		Date:        midnight.Format("2006-01-02"),
		MarketOpen:  open.Format(time.RFC3339),
		MarketClose: closeAt.Format(time.RFC3339),
		DataSource:  "none",
		Candles:     []candle.Candle{},
		Timestamp:   api.now().UnixMilli(),
	}

	if api.cache != nil {
		cached, err := api.cache.GetDayCandles(ctx, seg, securityID, midnight)
		if err != nil {
			api.logger.Debug("Day cache lookup failed", zap.Error(err))
		} else if cached != nil && len(cached.Candles) > 0 {
			response.Candles = cached.Candles
			response.DataSource = "redis_cache"
			response.Metadata.CacheHit = true
		}
	}

	if !response.Metadata.CacheHit && api.history != nil {
		candles, err := api.history.GetCandles(ctx, seg, securityID, open, closeAt)
		if err != nil {
			return nil, err
		}
		if len(candles) > 0 {
			response.Candles = candles
			response.DataSource = "timescaledb"
		}
	}

	api.calculateMetadata(response)
	return response, nil
}

func (api *IntradayAPI) calculateMetadata(response *IntradayResponse) {
	response.TotalCandles = len(response.Candles)
	for _, c := range response.Candles {
		switch c.Source {
		case candle.SourceSynthetic:
			response.Metadata.SyntheticCount++
		default:
			response.Metadata.RealtimeCount++
		}
	}
}

// sendErrorResponse sends a standardized error response
func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, map[string]interface{}{
		"success":   false,
		"error":     message,
		"timestamp": time.Now().UnixMilli(),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
