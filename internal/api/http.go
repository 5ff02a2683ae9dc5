package api

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang-market-feed/internal/feed"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// FeedStatus is the view of the upstream client the status endpoints need
type FeedStatus interface {
	Connected() bool
	Subscriptions() []feed.Instrument
	PendingCommands() int
}

// Pinger is a dependency checked by /health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the relay, candle and status endpoints
type Server struct {
	feed     FeedStatus
	relay    *Relay
	intraday *IntradayAPI
	logger   *zap.Logger

	mu      sync.RWMutex
	pingers map[string]Pinger
	stats   map[string]func() map[string]interface{}

	startedAt time.Time
}

// NewServer wires the handlers. relay and intraday may be nil.
func NewServer(status FeedStatus, relay *Relay, intraday *IntradayAPI, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		feed:      status,
		relay:     relay,
		intraday:  intraday,
		logger:    logger.With(zap.String("component", "http")),
		pingers:   make(map[string]Pinger),
		stats:     make(map[string]func() map[string]interface{}),
		startedAt: time.Now(),
	}
}

// AddHealthCheck registers a dependency for /health
func (s *Server) AddHealthCheck(name string, p Pinger) {
	s.mu.Lock()
	s.pingers[name] = p
	s.mu.Unlock()
}

// AddStats registers a statistics provider for /stats
func (s *Server) AddStats(name string, fn func() map[string]interface{}) {
	s.mu.Lock()
	s.stats[name] = fn
	s.mu.Unlock()
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/subscriptions", s.HandleSubscriptions)
	mux.HandleFunc("/stats", s.HandleStats)
	mux.Handle("/metrics", promhttp.Handler())
	if s.intraday != nil {
		mux.HandleFunc("/candles", s.intraday.HandleIntradayRequest)
	}
	if s.relay != nil {
		mux.HandleFunc("/live-stream", s.relay.HandleWebSocket)
	}
	return mux
}

// HandleHealth reports the feed connection and every registered dependency
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	components := map[string]string{}

	if s.feed != nil {
		if s.feed.Connected() {
			components["feed"] = "connected"
		} else {
			components["feed"] = "disconnected"
			status = "degraded"
		}
	}

	s.mu.RLock()
	pingers := make(map[string]Pinger, len(s.pingers))
	for name, p := range s.pingers {
		pingers[name] = p
	}
	s.mu.RUnlock()

	for name, p := range pingers {
		if err := p.Ping(ctx); err != nil {
			components[name] = "unhealthy"
			status = "degraded"
			s.logger.Warn("Health check failed", zap.String("component", name), zap.Error(err))
		} else {
			components[name] = "healthy"
		}
	}

	statusCode := http.StatusOK
	if status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]interface{}{
		"status":     status,
		"components": components,
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		"timestamp":  time.Now().UnixMilli(),
	})
}

// HandleSubscriptions lists upstream subscriptions and relay interest
func (s *Server) HandleSubscriptions(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"success": true}

	if s.feed != nil {
		subs := s.feed.Subscriptions()
		keys := make([]string, 0, len(subs))
		for _, in := range subs {
			keys = append(keys, in.Key())
		}
		sort.Strings(keys)
		body["subscribed"] = keys
		body["total"] = len(keys)
		body["pending_commands"] = s.feed.PendingCommands()
	}
	if s.relay != nil {
		body["relay_interest"] = s.relay.Interest()
	}
	body["timestamp"] = time.Now().UnixMilli()

	writeJSON(w, http.StatusOK, body)
}

// HandleStats returns every registered statistics provider
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	stats := make(map[string]interface{}, len(s.stats)+1)
	for name, fn := range s.stats {
		stats[name] = fn()
	}
	s.mu.RUnlock()

	if s.relay != nil {
		stats["relay"] = s.relay.GetStats()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"stats":     stats,
		"timestamp": time.Now().UnixMilli(),
	})
}
