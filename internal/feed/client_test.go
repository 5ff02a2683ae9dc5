package feed

import (
	"encoding/binary"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"golang-market-feed/internal/tick"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tickerFrame(securityID int32, ltp float32) []byte {
	buf := make([]byte, 16)
	buf[0] = tick.CodeTicker
	binary.LittleEndian.PutUint16(buf[1:3], 16)
	buf[3] = 1
	binary.LittleEndian.PutUint32(buf[4:8], uint32(securityID))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(ltp))
	binary.LittleEndian.PutUint32(buf[12:16], 1700000000)
	return buf
}

func newTestClient(t *testing.T, cfg Config) (*Client, *Registry) {
	t.Helper()
	if cfg.Token == "" {
		cfg.Token = "token"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "1000000001"
	}
	reg := NewRegistry(nil)
	c, err := NewClient(cfg, WithRegistry(reg), WithoutExitHook())
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c, reg
}

func TestNewClientValidatesCredentials(t *testing.T) {
	_, err := NewClient(Config{ClientID: "1"})
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = NewClient(Config{Token: "t"})
	assert.ErrorIs(t, err, ErrMissingClientID)

	_, err = NewClient(Config{Token: "t", ClientID: "1", Mode: "depth"})
	assert.Error(t, err)
}

func TestSubscribeNormalisesBeforeStart(t *testing.T) {
	c, _ := newTestClient(t, Config{})

	c.SubscribeOne(1, "1333")
	c.SubscribeMany([]Instrument{{ExchangeSegment: "nse-fno", SecurityID: "52175"}, {ExchangeSegment: "0", SecurityID: "13"}})
	c.UnsubscribeOne("bse_eq", "500325")

	assert.Equal(t, 3, c.PendingCommands())
	cmds := c.bus.Drain()
	require.Len(t, cmds, 3)
	assert.Equal(t, []Instrument{inst("NSE_EQ", "1333")}, cmds[0].Instruments)
	assert.Equal(t, []Instrument{inst("NSE_FNO", "52175"), inst("IDX_I", "13")}, cmds[1].Instruments)
	assert.Equal(t, OpUnsub, cmds[2].Op)
	assert.Equal(t, inst("BSE_EQ", "500325"), cmds[2].Instruments[0])
}

func TestListenerPanicDoesNotStopOthers(t *testing.T) {
	c, _ := newTestClient(t, Config{})

	var second int32
	var order []int
	c.OnTick(func(tick.Tick) {
		order = append(order, 1)
		panic("listener bug")
	})
	c.OnTick(func(tk tick.Tick) {
		order = append(order, 2)
		atomic.AddInt32(&second, 1)
		assert.Equal(t, "NSE_EQ:1333", tk.Head().Key())
	})

	assert.NotPanics(t, func() { c.handleBinary(tickerFrame(1333, 10.5)) })
	assert.Equal(t, int32(1), atomic.LoadInt32(&second))
	assert.Equal(t, []int{1, 2}, order)
}

func TestListenerRegisteringDuringEmission(t *testing.T) {
	c, _ := newTestClient(t, Config{})

	var calls int32
	c.OnOpen(func() {
		atomic.AddInt32(&calls, 1)
		c.OnOpen(func() { atomic.AddInt32(&calls, 100) })
	})

	c.emitOpen()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	c.emitOpen()
	assert.Equal(t, int32(102), atomic.LoadInt32(&calls))
}

func TestHandleBinaryFiltersFrames(t *testing.T) {
	c, _ := newTestClient(t, Config{})

	var got int32
	c.OnTick(func(tick.Tick) { atomic.AddInt32(&got, 1) })

	disconnect := make([]byte, 10)
	disconnect[0] = tick.CodeDisconnect
	binary.LittleEndian.PutUint16(disconnect[1:3], 10)
	binary.LittleEndian.PutUint16(disconnect[8:10], 805)

	unknown := make([]byte, 8)
	unknown[0] = 99
	binary.LittleEndian.PutUint16(unknown[1:3], 8)

	c.handleBinary(disconnect)
	c.handleBinary(unknown)
	c.handleBinary([]byte{1, 2})
	assert.Equal(t, int32(0), atomic.LoadInt32(&got))
}

func TestClientLifecycle(t *testing.T) {
	f := newFakeFeed(t)
	c, reg := newTestClient(t, Config{URL: f.url(), FlushInterval: 10 * time.Millisecond})

	opened := make(chan struct{}, 1)
	closed := make(chan CloseInfo, 2)
	ticks := make(chan tick.Tick, 1)
	c.OnOpen(func() { opened <- struct{}{} })
	c.OnClose(func(info CloseInfo) { closed <- info })
	c.OnTick(func(tk tick.Tick) { ticks <- tk })

	assert.False(t, c.Connected())
	c.SubscribeOne("NSE_EQ", "1333")

	require.NoError(t, c.Start())
	require.NoError(t, c.Start())
	assert.Equal(t, 1, reg.Len())

	<-opened
	ws := <-f.sessions
	msg := f.nextMessage(t)
	assert.Equal(t, ModeTicker.SubscribeCode(), msg.RequestCode)
	assert.Eventually(t, func() bool { return len(c.Subscriptions()) == 1 }, time.Second, 10*time.Millisecond)
	assert.True(t, c.Connected())

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, tickerFrame(1333, 123.45)))
	select {
	case tk := <-ticks:
		ticker, ok := tk.(tick.Ticker)
		require.True(t, ok)
		assert.Equal(t, 123.45, ticker.LTP)
	case <-time.After(5 * time.Second):
		t.Fatal("tick not delivered")
	}

	c.Stop()
	c.Stop()
	assert.False(t, c.Connected())
	assert.Equal(t, 0, reg.Len())
	require.Len(t, closed, 1)
	assert.Equal(t, websocket.CloseNormalClosure, (<-closed).Code)
	assert.Equal(t, 1, f.dialCount())
}

func TestClientDisconnectSendsRequest(t *testing.T) {
	f := newFakeFeed(t)
	c, reg := newTestClient(t, Config{URL: f.url(), Mode: ModeFull})

	require.NoError(t, c.Start())
	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)

	c.Disconnect()
	msg := f.nextMessage(t)
	assert.Equal(t, RequestDisconnect, msg.RequestCode)
	assert.Equal(t, 0, reg.Len())
}
