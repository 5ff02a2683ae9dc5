package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultFlushInterval    = 250 * time.Millisecond
	DefaultBaseBackoff      = 2 * time.Second
	DefaultMaxBackoff       = 90 * time.Second
	DefaultCoolOff          = 60 * time.Second
	DefaultJitter           = 0.2
	DefaultHandshakeTimeout = 10 * time.Second

	writeWait = 10 * time.Second
)

var errStaleSocket = errors.New("socket is no longer the current session")

// State of a Connection
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type outcome int

const (
	outcomeClean outcome = iota
	outcomeFailed
	outcomeRateLimited
	outcomeStopped
)

func (o outcome) String() string {
	switch o {
	case outcomeClean:
		return "clean"
	case outcomeFailed:
		return "failed"
	case outcomeRateLimited:
		return "rate_limited"
	}
	return "stopped"
}

// ConnectionConfig tunes one Connection. Zero values take the defaults above.
type ConnectionConfig struct {
	URL               string
	Mode              Mode
	ClientID          string // metrics label only
	FlushInterval     time.Duration
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	CoolOff           time.Duration
	Jitter            float64
	MessagesPerSecond float64 // 0 means unlimited
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration // 0 disables the read deadline
}

func (c *ConnectionConfig) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeTicker
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.CoolOff <= 0 {
		c.CoolOff = DefaultCoolOff
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
}

// Hooks are the owner callbacks of a Connection. Any of them may be nil.
// OnOpen runs after the subscription replay and before queued commands are flushed.
type Hooks struct {
	OnBinary func(data []byte)
	OnOpen   func()
	OnClose  func(code int, reason string)
	OnError  func(err error)
}

// Connection owns at most one live feed session at a time and keeps
// reconnecting until Stop or Disconnect.
type Connection struct {
	cfg     ConnectionConfig
	hooks   Hooks
	tracker *Tracker
	bus     *CommandBus
	logger  *zap.Logger

	dialer  *websocket.Dialer
	limiter *rate.Limiter
	backoff *Backoff
	sleep   func(ctx context.Context, d time.Duration) bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	started  bool
	stopping bool
	coolOff  time.Duration

	writeMu sync.Mutex
}

// NewConnection wires a connection to the shared tracker and bus
func NewConnection(cfg ConnectionConfig, tracker *Tracker, bus *CommandBus, hooks Hooks, logger *zap.Logger) *Connection {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.MessagesPerSecond > 0 {
		burst := int(cfg.MessagesPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), burst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		cfg:     cfg,
		hooks:   hooks,
		tracker: tracker,
		bus:     bus,
		logger:  logger.With(zap.String("component", "feed_connection")),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		limiter: limiter,
		backoff: NewBackoff(cfg.BaseBackoff, cfg.MaxBackoff, cfg.Jitter),
		sleep:   sleepCtx,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start launches the reconnect loop. Calling it again, or after Stop, is a no-op.
func (c *Connection) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopping {
		return
	}
	c.started = true
	go c.run()
}

// Stop ends the loop and closes the socket without a close handshake
func (c *Connection) Stop() { c.shutdown(false) }

// Disconnect sends the disconnect request best-effort, then stops
func (c *Connection) Disconnect() { c.shutdown(true) }

func (c *Connection) shutdown(graceful bool) {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	started := c.started
	ws := c.conn
	c.mu.Unlock()

	if graceful && ws != nil {
		if err := c.send(ws, DisconnectMessage()); err != nil {
			c.logger.Debug("Disconnect request not sent", zap.Error(err))
		}
	}

	c.cancel()
	if ws != nil {
		ws.Close()
	}
	if !started {
		c.setState(StateStopped)
		close(c.done)
	}
}

// Done is closed once the reconnect loop has exited
func (c *Connection) Done() <-chan struct{} { return c.done }

// Connected reports whether a session is open right now
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen && c.conn != nil
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) run() {
	defer close(c.done)
	defer c.setState(StateStopped)

	c.logger.Info("Feed connection loop started",
		zap.String("url", redactURL(c.cfg.URL)),
		zap.String("mode", string(c.cfg.Mode)))

	for {
		if c.ctx.Err() != nil {
			return
		}

		if d := c.takeCoolOff(); d > 0 {
			c.logger.Warn("Rate limited by feed, cooling off", zap.Duration("cool_off", d))
			reconnectDelay.Observe(d.Seconds())
			if !c.sleep(c.ctx, d) {
				return
			}
		}

		result := c.session()
		sessionsTotal.WithLabelValues(result.String()).Inc()

		switch result {
		case outcomeStopped:
			c.logger.Info("Feed connection loop stopped")
			return
		case outcomeRateLimited:
			c.mu.Lock()
			c.coolOff = c.cfg.CoolOff
			c.mu.Unlock()
		case outcomeClean:
			c.backoff.Reset()
		case outcomeFailed:
			d := c.backoff.Jittered(c.backoff.Next())
			c.logger.Info("Reconnecting after backoff", zap.Duration("delay", d))
			reconnectDelay.Observe(d.Seconds())
			if !c.sleep(c.ctx, d) {
				return
			}
		}
	}
}

func (c *Connection) takeCoolOff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.coolOff
	c.coolOff = 0
	return d
}

// session runs one physical connection from dial to close
func (c *Connection) session() outcome {
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
	ws, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, nil)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if c.ctx.Err() != nil {
			return outcomeStopped
		}
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			c.logger.Warn("Feed handshake rejected with 429")
			c.emitError(fmt.Errorf("feed handshake rate limited: %w", err))
			return outcomeRateLimited
		}
		c.logger.Warn("Feed dial failed", zap.Error(err))
		c.emitError(fmt.Errorf("feed dial: %w", err))
		return outcomeFailed
	}

	if !c.attach(ws) {
		ws.Close()
		return outcomeStopped
	}
	defer c.detach(ws)

	c.logger.Info("Feed connected")
	c.replay(ws)
	if c.hooks.OnOpen != nil {
		c.hooks.OnOpen()
	}

	flushCtx, stopFlush := context.WithCancel(c.ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.flushLoop(flushCtx, ws)
	}()

	result, code, reason := c.readLoop(ws)

	stopFlush()
	wg.Wait()

	if c.ctx.Err() != nil {
		return outcomeStopped
	}

	c.setState(StateClosing)
	c.logger.Info("Feed closed",
		zap.Int("code", code),
		zap.String("reason", reason),
		zap.String("outcome", result.String()))
	if c.hooks.OnClose != nil {
		c.hooks.OnClose(code, reason)
	}
	return result
}

func (c *Connection) attach(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return false
	}
	c.conn = ws
	c.state = StateOpen
	return true
}

func (c *Connection) detach(ws *websocket.Conn) {
	c.mu.Lock()
	if c.conn == ws {
		c.conn = nil
	}
	c.mu.Unlock()
	ws.Close()
}

func (c *Connection) isCurrent(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == ws
}

func (c *Connection) readLoop(ws *websocket.Conn) (outcome, int, string) {
	if c.cfg.ReadTimeout > 0 {
		ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		ws.SetPingHandler(func(data string) error {
			ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
			err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		})
	}

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				switch {
				case strings.Contains(ce.Text, "429"):
					return outcomeRateLimited, ce.Code, ce.Text
				case ce.Code == websocket.CloseNormalClosure:
					return outcomeClean, ce.Code, ce.Text
				default:
					return outcomeFailed, ce.Code, ce.Text
				}
			}
			if c.ctx.Err() == nil {
				c.logger.Warn("Feed read failed", zap.Error(err))
				c.emitError(fmt.Errorf("feed read: %w", err))
			}
			return outcomeFailed, websocket.CloseAbnormalClosure, err.Error()
		}

		if msgType != websocket.BinaryMessage {
			framesDropped.Inc()
			c.logger.Debug("Ignoring text frame", zap.Int("size", len(data)))
			continue
		}
		if c.hooks.OnBinary != nil {
			c.hooks.OnBinary(data)
		}
	}
}

// replay resubscribes the whole tracked set on a fresh session
func (c *Connection) replay(ws *websocket.Conn) {
	snapshot := c.tracker.Snapshot()
	if len(snapshot) == 0 {
		return
	}

	code := c.cfg.Mode.SubscribeCode()
	for _, chunk := range Chunk(snapshot, MaxInstrumentsPerMessage) {
		if err := c.send(ws, NewControlMessage(code, chunk)); err != nil {
			c.logger.Warn("Subscription replay interrupted", zap.Error(err))
			return
		}
		controlMessages.WithLabelValues(OpSub.String()).Inc()
	}
	c.logger.Info("Replayed subscriptions", zap.Int("count", len(snapshot)))
}

func (c *Connection) flushLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flush(ws)
		}
	}
}

// flush applies queued commands: subscribes before unsubscribes
func (c *Connection) flush(ws *websocket.Conn) {
	cmds := c.bus.Drain()
	if len(cmds) == 0 {
		return
	}

	var subs, unsubs []Instrument
	for _, cmd := range cmds {
		if cmd.Op == OpUnsub {
			unsubs = append(unsubs, cmd.Instruments...)
		} else {
			subs = append(subs, cmd.Instruments...)
		}
	}

	if want := c.tracker.WantSub(subs); len(want) > 0 {
		c.sendDelta(ws, OpSub, want)
	}
	if want := c.tracker.WantUnsub(unsubs); len(want) > 0 {
		c.sendDelta(ws, OpUnsub, want)
	}
	subscribedInstruments.WithLabelValues(c.cfg.ClientID).Set(float64(c.tracker.Len()))
}

func (c *Connection) sendDelta(ws *websocket.Conn, op Op, list []Instrument) {
	code := c.cfg.Mode.SubscribeCode()
	if op == OpUnsub {
		code = c.cfg.Mode.UnsubscribeCode()
	}

	chunks := Chunk(list, MaxInstrumentsPerMessage)
	for i, chunk := range chunks {
		if err := c.send(ws, NewControlMessage(code, chunk)); err != nil {
			var rest []Instrument
			for _, left := range chunks[i:] {
				rest = append(rest, left...)
			}
			if op == OpUnsub {
				c.bus.Unsub(rest)
			} else {
				c.bus.Sub(rest)
			}
			c.logger.Warn("Control frame not sent, re-queued",
				zap.String("op", op.String()),
				zap.Int("requeued", len(rest)),
				zap.Error(err))
			return
		}

		if op == OpUnsub {
			c.tracker.MarkUnsubscribed(chunk)
		} else {
			c.tracker.MarkSubscribed(chunk)
		}
		controlMessages.WithLabelValues(op.String()).Inc()
		c.logger.Debug("Sent control frame",
			zap.String("op", op.String()),
			zap.Int("count", len(chunk)))
	}
}

// send writes one control frame if ws is still the live session
func (c *Connection) send(ws *websocket.Conn, msg ControlMessage) error {
	if err := c.limiter.Wait(c.ctx); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.isCurrent(ws) {
		return errStaleSocket
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(msg)
}

func (c *Connection) emitError(err error) {
	if c.hooks.OnError != nil {
		c.hooks.OnError(err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return ctx.Err() == nil
	}
}
