package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang-market-feed/internal/candle"
	"golang-market-feed/internal/feed"
	"golang-market-feed/internal/instrument"
	"golang-market-feed/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	defaultQueue   = 256
)

// Upstream is the feed the relay subscribes on behalf of its clients
type Upstream interface {
	SubscribeMany(list []feed.Instrument)
	UnsubscribeMany(list []feed.Instrument)
}

// SymbolLookup resolves trading symbols to instruments
type SymbolLookup interface {
	Lookup(symbol string) (instrument.Instrument, bool)
}

// RelayRequest is a message from a downstream client
type RelayRequest struct {
	Type        string            `json:"type"` // subscribe, unsubscribe, ping, get_subscriptions
	Instruments []feed.Instrument `json:"instruments,omitempty"`
	Symbols     []string          `json:"symbols,omitempty"`
}

// RelayResponse is a control message sent to a downstream client
type RelayResponse struct {
	Type      string      `json:"type"`
	Status    string      `json:"status,omitempty"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	ClientID  string      `json:"client_id,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// MarketDataMessage is a tick or candle pushed to subscribed clients
type MarketDataMessage struct {
	Type      string      `json:"type"` // tick, candle:update, candle:close
	Key       string      `json:"key"`
	Symbol    string      `json:"symbol,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// RelayClient is one downstream WebSocket connection
type RelayClient struct {
	ID        string
	conn      *websocket.Conn
	send      chan []byte
	keys      map[string]bool // guarded by Relay.mu
	createdAt time.Time
	remoteIP  string
}

// Relay fans decoded ticks out to downstream WebSocket clients and keeps the
// upstream subscription set equal to the union of their interests
type Relay struct {
	upgrader websocket.Upgrader
	upstream Upstream
	symbols  SymbolLookup
	logger   *zap.Logger

	mu          sync.RWMutex
	clients     map[string]*RelayClient
	refs        map[string]int // key -> interested clients, plus one when pinned
	pinned      map[string]bool
	instruments map[string]feed.Instrument

	queueSize int
	dropped   atomic.Int64
}

// NewRelay creates a relay. symbols may be nil when only explicit instruments
// are accepted. queueSize bounds the outgoing messages buffered per client.
func NewRelay(upstream Upstream, symbols SymbolLookup, queueSize int, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = defaultQueue
	}
	return &Relay{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		upstream:    upstream,
		symbols:     symbols,
		logger:      logger.With(zap.String("component", "relay")),
		clients:     make(map[string]*RelayClient),
		refs:        make(map[string]int),
		pinned:      make(map[string]bool),
		instruments: make(map[string]feed.Instrument),
		queueSize:   queueSize,
	}
}

// Pin records instruments the service subscribes upstream on its own. A
// pinned key holds a permanent reference, so downstream clients coming and
// going never subscribe or unsubscribe it upstream.
func (r *Relay) Pin(list []feed.Instrument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range list {
		key := in.Key()
		if r.pinned[key] {
			continue
		}
		r.pinned[key] = true
		r.refs[key]++
		r.instruments[key] = in
	}
}

// HandleWebSocket serves /live-stream
func (r *Relay) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &RelayClient{
		ID:        uuid.NewString(),
		conn:      conn,
		send:      make(chan []byte, r.queueSize),
		keys:      make(map[string]bool),
		createdAt: time.Now(),
		remoteIP:  req.RemoteAddr,
	}

	r.mu.Lock()
	r.clients[client.ID] = client
	r.mu.Unlock()

	r.logger.Info("Relay client connected", zap.String("client_id", client.ID), zap.String("remote", client.remoteIP))

	go r.writePump(client)

	r.reply(client, RelayResponse{
		Type:     "welcome",
		Status:   "connected",
		ClientID: client.ID,
		Data: map[string]interface{}{
			"instructions": map[string]string{
				"subscribe":   `{"type":"subscribe","instruments":[{"ExchangeSegment":"NSE_EQ","SecurityId":"1333"}],"symbols":["RELIANCE"]}`,
				"unsubscribe": `{"type":"unsubscribe","symbols":["RELIANCE"]}`,
				"ping":        `{"type":"ping"}`,
			},
		},
	})

	r.readPump(client)
	r.cleanupClient(client)
}

// readPump handles incoming client messages until the connection fails
func (r *Relay) readPump(client *RelayClient) {
	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Debug("Relay client read error", zap.String("client_id", client.ID), zap.Error(err))
			}
			return
		}
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		r.handleMessage(client, message)
	}
}

// writePump is the only writer of client.conn
func (r *Relay) writePump(client *RelayClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				r.logger.Debug("Relay write failed", zap.String("client_id", client.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *Relay) handleMessage(client *RelayClient, raw []byte) {
	var request RelayRequest
	if err := json.Unmarshal(raw, &request); err != nil {
		r.sendError(client, "invalid JSON request")
		return
	}

	switch strings.ToLower(request.Type) {
	case "subscribe":
		r.handleSubscribe(client, request)
	case "unsubscribe":
		r.handleUnsubscribe(client, request)
	case "ping":
		r.reply(client, RelayResponse{Type: "pong", Status: "alive", ClientID: client.ID})
	case "get_subscriptions":
		r.reply(client, RelayResponse{
			Type:     "subscriptions",
			Status:   "success",
			ClientID: client.ID,
			Data:     map[string]interface{}{"keys": r.ClientKeys(client.ID)},
		})
	default:
		r.sendError(client, fmt.Sprintf("unknown request type: %q", request.Type))
	}
}

// resolve turns explicit instruments and symbols into instruments, returning
// the entries it could not resolve
func (r *Relay) resolve(request RelayRequest) ([]feed.Instrument, []string) {
	var (
		resolved []feed.Instrument
		failed   []string
	)
	for _, in := range request.Instruments {
		in = feed.NewInstrument(in.ExchangeSegment, in.SecurityID)
		if in.ExchangeSegment == "" || in.SecurityID == "" {
			failed = append(failed, in.Key())
			continue
		}
		resolved = append(resolved, in)
	}
	for _, symbol := range request.Symbols {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			continue
		}
		if r.symbols == nil {
			failed = append(failed, symbol)
			continue
		}
		found, ok := r.symbols.Lookup(symbol)
		if !ok {
			failed = append(failed, symbol)
			continue
		}
		resolved = append(resolved, feed.NewInstrument(found.Segment, found.SecurityID))
	}
	return resolved, failed
}

func (r *Relay) handleSubscribe(client *RelayClient, request RelayRequest) {
	list, failed := r.resolve(request)
	if len(list) == 0 && len(failed) == 0 {
		r.sendError(client, "no instruments provided for subscription")
		return
	}

	var added, upstream []feed.Instrument
	r.mu.Lock()
	for _, in := range list {
		key := in.Key()
		if client.keys[key] {
			continue
		}
		client.keys[key] = true
		added = append(added, in)
		r.refs[key]++
		if r.refs[key] == 1 {
			r.instruments[key] = in
			upstream = append(upstream, in)
		}
	}
	total := len(client.keys)
	r.mu.Unlock()

	if len(upstream) > 0 && r.upstream != nil {
		r.upstream.SubscribeMany(upstream)
	}

	r.reply(client, RelayResponse{
		Type:     "subscription_response",
		Status:   "success",
		ClientID: client.ID,
		Data: map[string]interface{}{
			"action":           "subscribe",
			"subscribed":       keysOf(added),
			"failed":           failed,
			"total_subscribed": total,
		},
	})
	r.logger.Debug("Relay client subscribed",
		zap.String("client_id", client.ID),
		zap.Int("added", len(added)),
		zap.Int("upstream", len(upstream)))
}

func (r *Relay) handleUnsubscribe(client *RelayClient, request RelayRequest) {
	list, failed := r.resolve(request)

	keys := make([]string, 0, len(list))
	for _, in := range list {
		keys = append(keys, in.Key())
	}
	removed := r.release(client, keys)

	r.mu.RLock()
	total := len(client.keys)
	r.mu.RUnlock()

	r.reply(client, RelayResponse{
		Type:     "subscription_response",
		Status:   "success",
		ClientID: client.ID,
		Data: map[string]interface{}{
			"action":           "unsubscribe",
			"unsubscribed":     removed,
			"failed":           failed,
			"total_subscribed": total,
		},
	})
}

// release drops the client's interest in keys and unsubscribes upstream
// whatever nobody wants any more
func (r *Relay) release(client *RelayClient, keys []string) []string {
	var (
		removed  []string
		upstream []feed.Instrument
	)

	r.mu.Lock()
	for _, key := range keys {
		if !client.keys[key] {
			continue
		}
		delete(client.keys, key)
		removed = append(removed, key)
		r.refs[key]--
		if r.refs[key] <= 0 {
			upstream = append(upstream, r.instruments[key])
			delete(r.refs, key)
			delete(r.instruments, key)
		}
	}
	r.mu.Unlock()

	if len(upstream) > 0 && r.upstream != nil {
		r.upstream.UnsubscribeMany(upstream)
	}
	return removed
}

// cleanupClient removes the client, its interests and stops its writer
func (r *Relay) cleanupClient(client *RelayClient) {
	r.mu.RLock()
	keys := make([]string, 0, len(client.keys))
	for key := range client.keys {
		keys = append(keys, key)
	}
	r.mu.RUnlock()

	r.release(client, keys)

	r.mu.Lock()
	if _, ok := r.clients[client.ID]; ok {
		delete(r.clients, client.ID)
		close(client.send)
	}
	r.mu.Unlock()

	r.logger.Info("Relay client disconnected",
		zap.String("client_id", client.ID),
		zap.Duration("connected_for", time.Since(client.createdAt)))
}

// BroadcastTick pushes a tick envelope to every client subscribed to its key
func (r *Relay) BroadcastTick(env storage.TickEnvelope) {
	r.broadcast(env.Key, MarketDataMessage{
		Type:      "tick",
		Key:       env.Key,
		Symbol:    env.Symbol,
		Data:      env,
		Timestamp: time.Now().UnixMilli(),
	})
}

// BroadcastCandle pushes a candle event to every client subscribed to its instrument
func (r *Relay) BroadcastCandle(update candle.CandleUpdate) {
	key := update.Candle.Key()
	r.broadcast(key, MarketDataMessage{
		Type:      "candle:" + update.Type,
		Key:       key,
		Data:      update.Candle,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (r *Relay) broadcast(key string, message MarketDataMessage) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.refs[key] == 0 {
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		r.logger.Warn("Failed to marshal relay message", zap.String("key", key), zap.Error(err))
		return
	}

	for _, client := range r.clients {
		if !client.keys[key] {
			continue
		}
		select {
		case client.send <- data:
		default:
			if n := r.dropped.Add(1); n <= 10 || n%1000 == 0 {
				r.logger.Warn("Relay client too slow, dropping message",
					zap.String("client_id", client.ID),
					zap.Int64("dropped", n))
			}
		}
	}
}

func (r *Relay) reply(client *RelayClient, response RelayResponse) {
	response.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(response)
	if err != nil {
		r.logger.Warn("Failed to marshal relay response", zap.Error(err))
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.clients[client.ID]; !ok {
		return
	}
	select {
	case client.send <- data:
	default:
		r.dropped.Add(1)
	}
}

func (r *Relay) sendError(client *RelayClient, message string) {
	r.reply(client, RelayResponse{Type: "error", Status: "error", Message: message, ClientID: client.ID})
}

// ClientKeys returns the sorted keys a client is subscribed to
func (r *Relay) ClientKeys(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[clientID]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(client.keys))
	for key := range client.keys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Interest returns the number of clients interested in each key
func (r *Relay) Interest() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.refs))
	for key, n := range r.refs {
		out[key] = n
	}
	return out
}

// GetConnectedClients returns the number of connected clients
func (r *Relay) GetConnectedClients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// GetStats returns relay statistics
func (r *Relay) GetStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, client := range r.clients {
		total += len(client.keys)
	}
	return map[string]interface{}{
		"connected_clients":    len(r.clients),
		"total_subscriptions":  total,
		"upstream_instruments": len(r.refs),
		"pinned_instruments":   len(r.pinned),
		"dropped_messages":     r.dropped.Load(),
	}
}

// Close disconnects every client
func (r *Relay) Close() {
	r.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(r.clients))
	for _, client := range r.clients {
		conns = append(conns, client.conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func keysOf(list []feed.Instrument) []string {
	keys := make([]string, 0, len(list))
	for _, in := range list {
		keys = append(keys, in.Key())
	}
	return keys
}
