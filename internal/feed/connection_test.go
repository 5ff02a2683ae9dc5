package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sessionPlan scripts what the fake server does with one accepted session
type sessionPlan struct {
	status int    // non-zero rejects the handshake with this HTTP status
	code   int    // close frame code, 0 keeps the session open
	reason string
}

type fakeFeed struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	script   []sessionPlan
	dials    int32
	messages chan ControlMessage
	sessions chan *websocket.Conn
}

func newFakeFeed(t *testing.T, script ...sessionPlan) *fakeFeed {
	f := &fakeFeed{
		t:        t,
		script:   script,
		messages: make(chan ControlMessage, 256),
		sessions: make(chan *websocket.Conn, 16),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeFeed) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeFeed) next() sessionPlan {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.script) == 0 {
		return sessionPlan{}
	}
	plan := f.script[0]
	f.script = f.script[1:]
	return plan
}

func (f *fakeFeed) handle(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&f.dials, 1)
	plan := f.next()
	if plan.status != 0 {
		http.Error(w, "rejected", plan.status)
		return
	}

	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	if plan.code != 0 {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(plan.code, plan.reason), time.Now().Add(time.Second))
		return
	}

	f.sessions <- ws
	for {
		var msg ControlMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		f.messages <- msg
	}
}

func (f *fakeFeed) dialCount() int { return int(atomic.LoadInt32(&f.dials)) }

func (f *fakeFeed) nextMessage(t *testing.T) ControlMessage {
	t.Helper()
	select {
	case msg := <-f.messages:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for control message")
	}
	return ControlMessage{}
}

// sleepRecorder replaces the real sleep so backoff decisions are observable
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	gate   chan struct{} // when set, each sleep waits for a token
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) bool {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false
		}
	}
	return ctx.Err() == nil
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newTestConnection(t *testing.T, f *fakeFeed, hooks Hooks) (*Connection, *Tracker, *CommandBus, *sleepRecorder) {
	t.Helper()
	tracker, bus := NewTracker(), NewCommandBus()
	c := NewConnection(ConnectionConfig{
		URL:           f.url(),
		Mode:          ModeTicker,
		FlushInterval: 10 * time.Millisecond,
		BaseBackoff:   2 * time.Second,
		MaxBackoff:    90 * time.Second,
		CoolOff:       60 * time.Second,
		Jitter:        0,
	}, tracker, bus, hooks, nil)

	rec := &sleepRecorder{}
	c.sleep = rec.sleep
	t.Cleanup(c.Stop)
	return c, tracker, bus, rec
}

func TestConnectionChunksQueuedSubscriptions(t *testing.T) {
	f := newFakeFeed(t)
	c, tracker, bus, _ := newTestConnection(t, f, Hooks{})

	list := make([]Instrument, 250)
	for i := range list {
		list[i] = inst("NSE_EQ", fmt.Sprint(i))
	}
	bus.Sub(list)
	c.Start()

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		msg := f.nextMessage(t)
		assert.Equal(t, 15, msg.RequestCode)
		assert.Equal(t, len(msg.InstrumentList), msg.InstrumentCount)
		assert.LessOrEqual(t, msg.InstrumentCount, 100)
		for _, in := range msg.InstrumentList {
			assert.False(t, seen[in.Key()])
			seen[in.Key()] = true
		}
	}
	assert.Len(t, seen, 250)
	assert.Eventually(t, func() bool { return tracker.Len() == 250 }, time.Second, 10*time.Millisecond)

	select {
	case extra := <-f.messages:
		t.Fatalf("unexpected extra message %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectionSubscribesBeforeUnsubscribes(t *testing.T) {
	f := newFakeFeed(t)
	c, tracker, bus, _ := newTestConnection(t, f, Hooks{})
	tracker.MarkSubscribed([]Instrument{inst("NSE_EQ", "old")})

	// both land in the first flush cycle
	bus.Unsub([]Instrument{inst("NSE_EQ", "old")})
	bus.Sub([]Instrument{inst("NSE_EQ", "new")})
	c.Start()

	replayed := f.nextMessage(t)
	assert.Equal(t, 15, replayed.RequestCode)
	assert.Equal(t, "old", replayed.InstrumentList[0].SecurityID)

	first, second := f.nextMessage(t), f.nextMessage(t)
	assert.Equal(t, 15, first.RequestCode)
	assert.Equal(t, "new", first.InstrumentList[0].SecurityID)
	assert.Equal(t, 16, second.RequestCode)
	assert.Equal(t, "old", second.InstrumentList[0].SecurityID)
}

func TestConnectionReplaysSnapshotBeforeNewCommands(t *testing.T) {
	f := newFakeFeed(t)
	opened := make(chan struct{}, 4)
	c, _, bus, rec := newTestConnection(t, f, Hooks{OnOpen: func() { opened <- struct{}{} }})
	rec.gate = make(chan struct{})

	bus.Sub([]Instrument{inst("NSE_EQ", "1"), inst("NSE_EQ", "2")})
	c.Start()

	first := f.nextMessage(t)
	require.Len(t, first.InstrumentList, 2)

	// drop the session abnormally; the reconnect waits on the gate
	ws := <-f.sessions
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "boom"), time.Now().Add(time.Second))
	ws.Close()

	require.Eventually(t, func() bool { return len(rec.recorded()) == 1 }, 5*time.Second, 10*time.Millisecond)
	bus.Sub([]Instrument{inst("NSE_EQ", "3")})
	rec.gate <- struct{}{}

	replay := f.nextMessage(t)
	assert.Equal(t, 15, replay.RequestCode)
	assert.Equal(t, []Instrument{inst("NSE_EQ", "1"), inst("NSE_EQ", "2")}, replay.InstrumentList)

	delta := f.nextMessage(t)
	assert.Equal(t, []Instrument{inst("NSE_EQ", "3")}, delta.InstrumentList)
	assert.Len(t, opened, 2)
}

func TestConnectionBackoffGrowsAndResetsAfterCleanClose(t *testing.T) {
	abnormal := sessionPlan{code: websocket.CloseInternalServerErr, reason: "boom"}
	f := newFakeFeed(t, abnormal, abnormal, abnormal, sessionPlan{code: websocket.CloseNormalClosure}, abnormal)

	var closes int32
	c, _, _, rec := newTestConnection(t, f, Hooks{OnClose: func(int, string) { atomic.AddInt32(&closes, 1) }})
	c.Start()

	require.Eventually(t, func() bool { return f.dialCount() >= 6 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 2 * time.Second,
	}, rec.recorded())
	assert.Equal(t, int32(5), atomic.LoadInt32(&closes))
	assert.Eventually(t, c.Connected, time.Second, 10*time.Millisecond)
}

func TestConnectionRateLimitCoolOff(t *testing.T) {
	abnormal := sessionPlan{code: websocket.CloseInternalServerErr}
	f := newFakeFeed(t,
		abnormal,
		sessionPlan{code: websocket.ClosePolicyViolation, reason: "429 Too Many Requests"},
		abnormal,
		sessionPlan{status: http.StatusTooManyRequests},
	)
	c, _, _, rec := newTestConnection(t, f, Hooks{})
	c.Start()

	require.Eventually(t, func() bool { return f.dialCount() >= 5 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []time.Duration{
		2 * time.Second,  // first failure
		60 * time.Second, // 429 close reason, backoff untouched
		4 * time.Second,  // backoff resumes where it was
		60 * time.Second, // 429 handshake
	}, rec.recorded())
}

func TestConnectionNoReconnectAfterStop(t *testing.T) {
	f := newFakeFeed(t, sessionPlan{code: websocket.CloseInternalServerErr})
	c, _, _, rec := newTestConnection(t, f, Hooks{})
	rec.gate = make(chan struct{})
	c.Start()

	require.Eventually(t, func() bool { return len(rec.recorded()) == 1 }, 5*time.Second, 10*time.Millisecond)
	c.Stop()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection loop did not exit")
	}
	assert.Equal(t, 1, f.dialCount())
	assert.Equal(t, StateStopped, c.State())
	assert.False(t, c.Connected())
}

func TestConnectionDisconnectSendsRequest(t *testing.T) {
	f := newFakeFeed(t)
	var closes int32
	c, _, _, _ := newTestConnection(t, f, Hooks{OnClose: func(int, string) { atomic.AddInt32(&closes, 1) }})
	c.Start()

	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)
	c.Disconnect()

	msg := f.nextMessage(t)
	assert.Equal(t, RequestDisconnect, msg.RequestCode)
	assert.Empty(t, msg.InstrumentList)

	<-c.Done()
	assert.Equal(t, 1, f.dialCount())
	assert.Equal(t, int32(0), atomic.LoadInt32(&closes))
}

func TestConnectionStopBeforeStart(t *testing.T) {
	f := newFakeFeed(t)
	c, _, _, _ := newTestConnection(t, f, Hooks{})

	c.Stop()
	c.Start()
	<-c.Done()
	assert.Equal(t, 0, f.dialCount())
}

func TestConnectionForwardsBinaryFrames(t *testing.T) {
	f := newFakeFeed(t)
	got := make(chan []byte, 1)
	c, _, _, _ := newTestConnection(t, f, Hooks{OnBinary: func(b []byte) { got <- b }})
	c.Start()

	ws := <-f.sessions
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ignored")))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{2, 16, 0}))

	select {
	case b := <-got:
		assert.Equal(t, []byte{2, 16, 0}, b)
	case <-time.After(5 * time.Second):
		t.Fatal("binary frame not forwarded")
	}
}

func TestConnectionStaleSocketRequeuesCommands(t *testing.T) {
	f := newFakeFeed(t)
	c, tracker, bus, rec := newTestConnection(t, f, Hooks{})
	rec.gate = make(chan struct{})
	c.Start()

	ws := <-f.sessions
	var old *websocket.Conn
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		old = c.conn
		return old != nil
	}, 5*time.Second, 10*time.Millisecond)

	// end the session; the reconnect waits on the gate
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "boom"), time.Now().Add(time.Second))
	ws.Close()
	require.Eventually(t, func() bool { return len(rec.recorded()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, c.isCurrent(old))

	list := []Instrument{inst("NSE_EQ", "1"), inst("NSE_EQ", "2")}
	assert.ErrorIs(t, c.send(old, NewControlMessage(15, list)), errStaleSocket)

	bus.Sub(list)
	c.flush(old)

	assert.Equal(t, 0, tracker.Len())
	require.Equal(t, 1, bus.Len())
	select {
	case msg := <-f.messages:
		t.Fatalf("stale socket was written: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}

	rec.gate <- struct{}{}

	msg := f.nextMessage(t)
	assert.Equal(t, 15, msg.RequestCode)
	assert.Equal(t, list, msg.InstrumentList)
	assert.Eventually(t, func() bool { return tracker.Len() == 2 }, time.Second, 10*time.Millisecond)
}

func TestConnectionSlowOpenListenerDoesNotDelayReplay(t *testing.T) {
	f := newFakeFeed(t)
	release := make(chan struct{})
	opened := make(chan struct{}, 1)
	c, tracker, _, _ := newTestConnection(t, f, Hooks{OnOpen: func() {
		opened <- struct{}{}
		<-release
	}})
	defer close(release)

	tracker.MarkSubscribed([]Instrument{inst("NSE_EQ", "1333")})
	c.Start()

	// the replay is on the wire while the listener is still blocked
	replay := f.nextMessage(t)
	assert.Equal(t, 15, replay.RequestCode)
	assert.Equal(t, []Instrument{inst("NSE_EQ", "1333")}, replay.InstrumentList)

	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("open listener never ran")
	}
}
