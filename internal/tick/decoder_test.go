package tick

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type frame struct {
	buf []byte
}

func newFrame(code byte, seg byte, securityID int32, size int) *frame {
	buf := make([]byte, size)
	buf[0] = code
	binary.LittleEndian.PutUint16(buf[1:3], uint16(size))
	buf[3] = seg
	binary.LittleEndian.PutUint32(buf[4:8], uint32(securityID))
	return &frame{buf: buf}
}

func (f *frame) f32(off int, v float32) *frame {
	binary.LittleEndian.PutUint32(f.buf[off:], math.Float32bits(v))
	return f
}

func (f *frame) f64(off int, v float64) *frame {
	binary.LittleEndian.PutUint64(f.buf[off:], math.Float64bits(v))
	return f
}

func (f *frame) i32(off int, v int32) *frame {
	binary.LittleEndian.PutUint32(f.buf[off:], uint32(v))
	return f
}

func (f *frame) u32(off int, v uint32) *frame {
	binary.LittleEndian.PutUint32(f.buf[off:], v)
	return f
}

func (f *frame) i16(off int, v int16) *frame {
	binary.LittleEndian.PutUint16(f.buf[off:], uint16(v))
	return f
}

func TestDecodeTicker(t *testing.T) {
	d := NewDecoder(nil)
	buf := newFrame(CodeTicker, 1, 1333, 16).f32(8, 123.45).i32(12, 1700000000).buf

	got := d.Decode(buf)
	require.NotNil(t, got)

	ticker, ok := got.(Ticker)
	require.True(t, ok)
	assert.Equal(t, KindTicker, ticker.Kind())
	assert.Equal(t, "NSE_EQ", ticker.Segment)
	assert.Equal(t, "1333", ticker.SecurityID)
	assert.Equal(t, 123.45, ticker.LTP)
	assert.Equal(t, int64(1700000000), ticker.LTT)
	assert.Equal(t, "NSE_EQ:1333", ticker.Head().Key())
}

func TestDecodeQuote(t *testing.T) {
	f := newFrame(CodeQuote, 2, 52175, 50).
		f32(8, 101.5).
		i16(12, 25).
		i32(14, 1700000100).
		f32(18, 100.75).
		i32(22, 123456).
		i32(26, 4000).
		i32(30, 5000).
		f32(34, 99).
		f32(38, 98.5).
		f32(42, 102.25).
		f32(46, 97.8)

	got, ok := NewDecoder(nil).Decode(f.buf).(Quote)
	require.True(t, ok)
	assert.Equal(t, "NSE_FNO", got.Segment)
	assert.Equal(t, 101.5, got.LTP)
	assert.Equal(t, int16(25), got.LTQ)
	assert.Equal(t, int64(1700000100), got.LTT)
	assert.Equal(t, 100.75, got.ATP)
	assert.Equal(t, int64(123456), got.Volume)
	assert.Equal(t, int64(4000), got.TotalSellQty)
	assert.Equal(t, int64(5000), got.TotalBuyQty)
	assert.Equal(t, 99.0, got.DayOpen)
	assert.Equal(t, 98.5, got.DayClose)
	assert.Equal(t, 102.25, got.DayHigh)
	assert.Equal(t, 97.8, got.DayLow)
}

func TestDecodeFullSurfacesFirstDepthLevel(t *testing.T) {
	f := newFrame(CodeFull, 2, 35001, 162).
		f32(8, 250.05).
		i32(14, 1700000200).
		i32(22, 900).
		i32(34, 7000).
		i32(38, 7500).
		i32(42, 6500).
		f32(46, 249).
		f32(54, 251)

	for i := 0; i < 5; i++ {
		off := 62 + i*20
		f.i32(off, int32(100+i)).
			i32(off+4, int32(200+i)).
			i16(off+8, int16(3+i)).
			i16(off+10, int16(4+i)).
			f32(off+12, float32(250-i)).
			f32(off+16, float32(251+i))
	}

	got, ok := NewDecoder(nil).Decode(f.buf).(Full)
	require.True(t, ok)
	assert.Equal(t, 250.05, got.LTP)
	assert.Equal(t, int64(7000), got.OI)
	assert.Equal(t, int64(7500), got.HighOI)
	assert.Equal(t, int64(6500), got.LowOI)
	assert.Equal(t, 249.0, got.DayOpen)
	assert.Equal(t, 251.0, got.DayHigh)
	require.Len(t, got.Depth, 5)
	assert.Equal(t, PriceQty{Price: 250, Qty: 100, Orders: 3}, got.Bid)
	assert.Equal(t, PriceQty{Price: 251, Qty: 200, Orders: 4}, got.Ask)
	assert.Equal(t, 246.0, got.Depth[4].BidPrice)
}

func TestDecodeSmallPackets(t *testing.T) {
	d := NewDecoder(nil)

	oi, ok := d.Decode(newFrame(CodeOI, 2, 1, 12).i32(8, 4242).buf).(OpenInterest)
	require.True(t, ok)
	assert.Equal(t, int64(4242), oi.OI)

	pc, ok := d.Decode(newFrame(CodePrevClose, 1, 1, 16).f32(8, 88.1).i32(12, 77).buf).(PrevClose)
	require.True(t, ok)
	assert.Equal(t, 88.1, pc.PrevClose)
	assert.Equal(t, int64(77), pc.PrevOI)

	dc, ok := d.Decode(newFrame(CodeDisconnect, 1, 0, 10).i16(8, 807).buf).(Disconnect)
	require.True(t, ok)
	assert.Equal(t, int16(807), dc.ReasonCode)
	assert.Equal(t, "access token expired", dc.Reason)
}

func TestDecodeDepthUpdates(t *testing.T) {
	f := newFrame(CodeDepthAsk, 1, 11536, 8+3*16)
	for i := 0; i < 3; i++ {
		off := 8 + i*16
		f.f64(off, 3500.05+float64(i)).u32(off+8, uint32(10*(i+1))).u32(off+12, uint32(i+1))
	}

	got, ok := NewDecoder(nil).Decode(f.buf).(DepthUpdate)
	require.True(t, ok)
	assert.Equal(t, KindDepthAsk, got.Kind())
	require.Len(t, got.Levels, 3)
	assert.Equal(t, PriceQty{Price: 3500.05, Qty: 10, Orders: 1}, got.Top)

	bid, ok := NewDecoder(nil).Decode(newFrame(CodeDepthBid, 1, 11536, 8).buf).(DepthUpdate)
	require.True(t, ok)
	assert.Equal(t, KindDepthBid, bid.Kind())
	assert.Empty(t, bid.Levels)
}

func TestDecodeRawPassthrough(t *testing.T) {
	f := newFrame(CodeMarketStatus, 0, 0, 12)
	copy(f.buf[8:], []byte{1, 2, 3, 4})

	got, ok := NewDecoder(nil).Decode(f.buf).(Raw)
	require.True(t, ok)
	assert.Equal(t, KindMarketStatus, got.Kind())
	assert.Equal(t, []byte{1, 2, 3, 4}, got.Body)

	idx, ok := NewDecoder(nil).Decode(newFrame(CodeIndex, 0, 13, 8).buf).(Raw)
	require.True(t, ok)
	assert.Equal(t, KindIndex, idx.Kind())
	assert.Equal(t, "IDX_I", idx.Segment)
}

func TestDecodeUnknownCode(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	d := NewDecoder(zap.New(core))

	got := d.Decode(newFrame(99, 1, 5, 8).buf)
	require.NotNil(t, got)
	assert.Equal(t, KindUnknown, got.Kind())
	assert.Equal(t, 1, logs.FilterMessage("Unknown feed response code").Len())
}

func TestDecodeTruncatedFramesAreDropped(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	d := NewDecoder(zap.New(core))

	full := newFrame(CodeFull, 2, 1, 162).buf
	cases := map[string][]byte{
		"empty":           nil,
		"short header":    {2, 16, 0},
		"ticker body":     newFrame(CodeTicker, 1, 1, 12).buf,
		"quote body":      newFrame(CodeQuote, 1, 1, 40).buf,
		"full body":       full[:100],
		"disconnect body": newFrame(CodeDisconnect, 1, 1, 9).buf,
	}
	for name, buf := range cases {
		assert.Nil(t, d.Decode(buf), name)
	}

	// declared length larger than the buffer
	lying := newFrame(CodeTicker, 1, 1, 16).buf
	binary.LittleEndian.PutUint16(lying[1:3], 64)
	assert.Nil(t, d.Decode(lying))

	assert.Equal(t, len(cases)+1, logs.FilterMessage("Dropping malformed frame").Len())
}

func TestDecodeRandomBuffersNeverPanic(t *testing.T) {
	d := NewDecoder(nil)
	rnd := rand.New(rand.NewSource(7))
	codes := []byte{CodeIndex, CodeTicker, CodeQuote, CodeOI, CodePrevClose, CodeMarketStatus, CodeFull, CodeDepthBid, CodeDisconnect, CodeDepthAsk, 3, 200}

	for i := 0; i < 2000; i++ {
		buf := make([]byte, rnd.Intn(200))
		rnd.Read(buf)
		if len(buf) > 0 {
			buf[0] = codes[rnd.Intn(len(codes))]
		}
		assert.NotPanics(t, func() { d.Decode(buf) })
	}
}

func TestKindNames(t *testing.T) {
	assert.Equal(t, "ticker", KindTicker.String())
	assert.Equal(t, "depth_ask", KindDepthAsk.String())
	assert.Equal(t, "kind(99)", Kind(99).String())

	text, err := KindFull.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "full", string(text))
}
