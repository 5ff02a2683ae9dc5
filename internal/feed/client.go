package feed

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang-market-feed/internal/segment"
	"golang-market-feed/internal/tick"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrMissingToken    = errors.New("feed: access token is required")
	ErrMissingClientID = errors.New("feed: client id is required")
)

// Config carries the credentials and tuning of a Client
type Config struct {
	Token    string
	ClientID string
	Version  int
	Mode     Mode
	URL      string

	FlushInterval     time.Duration
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	CoolOff           time.Duration
	Jitter            float64
	MessagesPerSecond float64
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
}

// Event names the kinds of notifications a Client emits
type Event int

const (
	EventTick Event = iota
	EventOpen
	EventClose
	EventError
)

func (e Event) String() string {
	switch e {
	case EventTick:
		return "tick"
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// CloseInfo describes why a session or the client closed
type CloseInfo struct {
	Code   int
	Reason string
}

type (
	TickHandler  func(tick.Tick)
	OpenHandler  func()
	CloseHandler func(CloseInfo)
	ErrorHandler func(error)
)

// Option customises a Client
type Option func(*Client)

// WithLogger sets the client logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRegistry registers the client somewhere other than DefaultRegistry
func WithRegistry(r *Registry) Option {
	return func(c *Client) { c.registry = r }
}

// WithoutExitHook leaves signal handling to the caller
func WithoutExitHook() Option {
	return func(c *Client) { c.exitHook = false }
}

// Client is the public face of one feed connection
type Client struct {
	cfg      Config
	logger   *zap.Logger
	registry *Registry
	decoder  *tick.Decoder
	tracker  *Tracker
	bus      *CommandBus
	exitHook bool

	mu      sync.Mutex
	conn    *Connection
	started bool

	hmu     sync.Mutex
	onTick  []TickHandler
	onOpen  []OpenHandler
	onClose []CloseHandler
	onError []ErrorHandler
}

// NewClient validates credentials and returns an unstarted client
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Token == "" {
		return nil, ErrMissingToken
	}
	if cfg.ClientID == "" {
		return nil, ErrMissingClientID
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeTicker
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("feed: unknown mode %q", cfg.Mode)
	}
	if cfg.Version <= 0 {
		cfg.Version = DefaultVersion
	}

	c := &Client{
		cfg:      cfg,
		logger:   zap.NewNop(),
		tracker:  NewTracker(),
		bus:      NewCommandBus(),
		exitHook: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = DefaultRegistry()
	}
	c.logger = c.logger.With(zap.String("client_id", cfg.ClientID))
	c.decoder = tick.NewDecoder(c.logger)
	return c, nil
}

// Start connects and keeps the session alive. It is a no-op when already started.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	url, err := BuildURL(c.cfg.URL, c.cfg.Token, c.cfg.ClientID, c.cfg.Version, c.cfg.Mode)
	if err != nil {
		return err
	}

	conn := NewConnection(ConnectionConfig{
		URL:               url,
		Mode:              c.cfg.Mode,
		ClientID:          c.cfg.ClientID,
		FlushInterval:     c.cfg.FlushInterval,
		BaseBackoff:       c.cfg.BaseBackoff,
		MaxBackoff:        c.cfg.MaxBackoff,
		CoolOff:           c.cfg.CoolOff,
		Jitter:            c.cfg.Jitter,
		MessagesPerSecond: c.cfg.MessagesPerSecond,
		HandshakeTimeout:  c.cfg.HandshakeTimeout,
		ReadTimeout:       c.cfg.ReadTimeout,
	}, c.tracker, c.bus, Hooks{
		OnBinary: c.handleBinary,
		OnOpen:   c.emitOpen,
		OnClose:  func(code int, reason string) { c.emitClose(CloseInfo{Code: code, Reason: reason}) },
		OnError:  c.emitError,
	}, c.logger)

	c.conn = conn
	c.started = true
	conn.Start()

	c.registry.Register(c)
	if c.exitHook {
		c.registry.InstallExitHook()
	}
	c.logger.Info("Feed client started", zap.String("mode", string(c.cfg.Mode)))
	return nil
}

// Stop closes the connection without notifying the server
func (c *Client) Stop() { c.shutdown(false) }

// Disconnect asks the server to end the session, then stops
func (c *Client) Disconnect() { c.shutdown(true) }

func (c *Client) shutdown(graceful bool) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if graceful {
		conn.Disconnect()
	} else {
		conn.Stop()
	}
	c.registry.Unregister(c)

	c.logger.Info("Feed client stopped", zap.Bool("graceful", graceful))
	c.emitClose(CloseInfo{Code: websocket.CloseNormalClosure, Reason: "client stopped"})
}

// Connected reports whether the client is started and its socket is open
func (c *Client) Connected() bool {
	c.mu.Lock()
	conn := c.conn
	started := c.started
	c.mu.Unlock()
	return started && conn != nil && conn.Connected()
}

// SubscribeOne queues a subscription. segment may be a name or a numeric code.
func (c *Client) SubscribeOne(seg any, securityID string) {
	c.bus.Sub([]Instrument{NewInstrument(seg, securityID)})
}

func (c *Client) SubscribeMany(list []Instrument) {
	c.bus.Sub(normalize(list))
}

func (c *Client) UnsubscribeOne(seg any, securityID string) {
	c.bus.Unsub([]Instrument{NewInstrument(seg, securityID)})
}

func (c *Client) UnsubscribeMany(list []Instrument) {
	c.bus.Unsub(normalize(list))
}

// Subscriptions returns the instruments currently marked subscribed
func (c *Client) Subscriptions() []Instrument {
	return c.tracker.Snapshot()
}

// PendingCommands is the number of queued, not yet flushed commands
func (c *Client) PendingCommands() int {
	return c.bus.Len()
}

// NewInstrument builds an instrument with a canonical segment name
func NewInstrument(seg any, securityID string) Instrument {
	return Instrument{
		ExchangeSegment: segment.ToRequestString(seg),
		SecurityID:      securityID,
	}
}

func normalize(list []Instrument) []Instrument {
	out := make([]Instrument, 0, len(list))
	for _, in := range list {
		out = append(out, NewInstrument(in.ExchangeSegment, in.SecurityID))
	}
	return out
}

func (c *Client) OnTick(h TickHandler) {
	c.hmu.Lock()
	c.onTick = append(c.onTick, h)
	c.hmu.Unlock()
}

func (c *Client) OnOpen(h OpenHandler) {
	c.hmu.Lock()
	c.onOpen = append(c.onOpen, h)
	c.hmu.Unlock()
}

func (c *Client) OnClose(h CloseHandler) {
	c.hmu.Lock()
	c.onClose = append(c.onClose, h)
	c.hmu.Unlock()
}

func (c *Client) OnError(h ErrorHandler) {
	c.hmu.Lock()
	c.onError = append(c.onError, h)
	c.hmu.Unlock()
}

func (c *Client) handleBinary(data []byte) {
	t := c.decoder.Decode(data)
	if t == nil {
		framesDropped.Inc()
		return
	}

	switch p := t.(type) {
	case tick.Unknown:
		framesDropped.Inc()
		return
	case tick.Disconnect:
		framesReceived.WithLabelValues(p.Kind().String()).Inc()
		c.logger.Warn("Feed server sent disconnect",
			zap.Int16("code", p.ReasonCode),
			zap.String("reason", p.Reason))
		return
	}

	framesReceived.WithLabelValues(t.Kind().String()).Inc()
	c.emitTick(t)
}

func (c *Client) emitTick(t tick.Tick) {
	c.hmu.Lock()
	handlers := append([]TickHandler(nil), c.onTick...)
	c.hmu.Unlock()

	for _, h := range handlers {
		c.safeCall(EventTick, func() { h(t) })
	}
}

func (c *Client) emitOpen() {
	c.hmu.Lock()
	handlers := append([]OpenHandler(nil), c.onOpen...)
	c.hmu.Unlock()

	for _, h := range handlers {
		c.safeCall(EventOpen, h)
	}
}

func (c *Client) emitClose(info CloseInfo) {
	c.hmu.Lock()
	handlers := append([]CloseHandler(nil), c.onClose...)
	c.hmu.Unlock()

	for _, h := range handlers {
		c.safeCall(EventClose, func() { h(info) })
	}
}

func (c *Client) emitError(err error) {
	c.hmu.Lock()
	handlers := append([]ErrorHandler(nil), c.onError...)
	c.hmu.Unlock()

	for _, h := range handlers {
		c.safeCall(EventError, func() { h(err) })
	}
}

// safeCall runs one listener; a panic is logged and swallowed
func (c *Client) safeCall(ev Event, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Event listener panicked",
				zap.String("event", ev.String()),
				zap.Any("panic", r))
		}
	}()
	fn()
}
