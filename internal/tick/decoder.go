package tick

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"

	"golang-market-feed/internal/segment"

	"go.uber.org/zap"
)

const (
	// HeaderSize is the fixed prefix of every frame
	HeaderSize = 8

	tickerSize     = 16
	quoteSize      = 50
	oiSize         = 12
	prevCloseSize  = 16
	fullSize       = 162
	disconnectSize = 10

	depthLevels     = 5
	depthLevelSize  = 20
	bookLevelSize   = 16
	maxBookLevels   = 20
	fullDepthOffset = 62
)

var errTruncated = errors.New("truncated frame")

// Decoder turns binary feed frames into ticks. It holds no per-frame state
// and is safe for concurrent use.
type Decoder struct {
	logger *zap.Logger
}

// NewDecoder creates a decoder logging drops at debug level
func NewDecoder(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{logger: logger}
}

// Decode parses one frame. It returns nil when the frame has to be dropped;
// it never panics on malformed input. Unrecognised feed codes produce an
// Unknown tick.
func (d *Decoder) Decode(buf []byte) (t Tick) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Debug("Dropping frame after decode panic",
				zap.Any("panic", r), zap.Int("size", len(buf)))
			t = nil
		}
	}()

	t, err := decode(buf)
	if err != nil {
		d.logger.Debug("Dropping malformed frame",
			zap.Error(err), zap.Int("size", len(buf)))
		return nil
	}
	if t.Kind() == KindUnknown {
		d.logger.Debug("Unknown feed response code",
			zap.Uint8("code", t.Head().Code), zap.String("key", t.Head().Key()))
	}
	return t
}

func decode(buf []byte) (Tick, error) {
	h, err := parseHeader(buf)
	if err != nil {
		return nil, err
	}

	switch h.Code {
	case CodeTicker:
		return parseTicker(h, buf)
	case CodeQuote:
		return parseQuote(h, buf)
	case CodeFull:
		return parseFull(h, buf)
	case CodeOI:
		return parseOI(h, buf)
	case CodePrevClose:
		return parsePrevClose(h, buf)
	case CodeDepthBid:
		return parseDepth(h, buf, SideBid)
	case CodeDepthAsk:
		return parseDepth(h, buf, SideAsk)
	case CodeDisconnect:
		return parseDisconnect(h, buf)
	case CodeMarketStatus:
		return Raw{Header: h, RawKind: KindMarketStatus, Body: body(buf)}, nil
	case CodeIndex:
		return Raw{Header: h, RawKind: KindIndex, Body: body(buf)}, nil
	default:
		return Unknown{Header: h}, nil
	}
}

func parseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, header needs %d", errTruncated, len(buf), HeaderSize)
	}
	h := Header{
		Code:        buf[0],
		Length:      binary.LittleEndian.Uint16(buf[1:3]),
		SegmentCode: buf[3],
		SecurityID:  strconv.FormatInt(int64(int32(binary.LittleEndian.Uint32(buf[4:8]))), 10),
	}
	h.Segment = segment.FromCode(h.SegmentCode)
	if int(h.Length) > len(buf) {
		return Header{}, fmt.Errorf("%w: declared %d bytes, got %d", errTruncated, h.Length, len(buf))
	}
	return h, nil
}

func need(buf []byte, size int, what string) error {
	if len(buf) < size {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", errTruncated, what, size, len(buf))
	}
	return nil
}

func parseTicker(h Header, buf []byte) (Tick, error) {
	if err := need(buf, tickerSize, "ticker"); err != nil {
		return nil, err
	}
	return Ticker{
		Header: h,
		LTP:    f32(buf[8:12]),
		LTT:    int64(i32(buf[12:16])),
	}, nil
}

func parseQuote(h Header, buf []byte) (Tick, error) {
	if err := need(buf, quoteSize, "quote"); err != nil {
		return nil, err
	}
	return Quote{
		Header:       h,
		LTP:          f32(buf[8:12]),
		LTQ:          i16(buf[12:14]),
		LTT:          int64(i32(buf[14:18])),
		ATP:          f32(buf[18:22]),
		Volume:       int64(i32(buf[22:26])),
		TotalSellQty: int64(i32(buf[26:30])),
		TotalBuyQty:  int64(i32(buf[30:34])),
		DayOpen:      f32(buf[34:38]),
		DayClose:     f32(buf[38:42]),
		DayHigh:      f32(buf[42:46]),
		DayLow:       f32(buf[46:50]),
	}, nil
}

func parseFull(h Header, buf []byte) (Tick, error) {
	if err := need(buf, fullSize, "full"); err != nil {
		return nil, err
	}
	full := Full{
		Header:       h,
		LTP:          f32(buf[8:12]),
		LTQ:          i16(buf[12:14]),
		LTT:          int64(i32(buf[14:18])),
		ATP:          f32(buf[18:22]),
		Volume:       int64(i32(buf[22:26])),
		TotalSellQty: int64(i32(buf[26:30])),
		TotalBuyQty:  int64(i32(buf[30:34])),
		OI:           int64(i32(buf[34:38])),
		HighOI:       int64(i32(buf[38:42])),
		LowOI:        int64(i32(buf[42:46])),
		DayOpen:      f32(buf[46:50]),
		DayClose:     f32(buf[50:54]),
		DayHigh:      f32(buf[54:58]),
		DayLow:       f32(buf[58:62]),
		Depth:        make([]DepthLevel, 0, depthLevels),
	}

	for i := 0; i < depthLevels; i++ {
		off := fullDepthOffset + i*depthLevelSize
		lvl := buf[off : off+depthLevelSize]
		full.Depth = append(full.Depth, DepthLevel{
			BidQty:    i32(lvl[0:4]),
			AskQty:    i32(lvl[4:8]),
			BidOrders: i16(lvl[8:10]),
			AskOrders: i16(lvl[10:12]),
			BidPrice:  f32(lvl[12:16]),
			AskPrice:  f32(lvl[16:20]),
		})
	}

	top := full.Depth[0]
	full.Bid = PriceQty{Price: top.BidPrice, Qty: int64(top.BidQty), Orders: int64(top.BidOrders)}
	full.Ask = PriceQty{Price: top.AskPrice, Qty: int64(top.AskQty), Orders: int64(top.AskOrders)}
	return full, nil
}

func parseOI(h Header, buf []byte) (Tick, error) {
	if err := need(buf, oiSize, "oi"); err != nil {
		return nil, err
	}
	return OpenInterest{Header: h, OI: int64(i32(buf[8:12]))}, nil
}

func parsePrevClose(h Header, buf []byte) (Tick, error) {
	if err := need(buf, prevCloseSize, "prev_close"); err != nil {
		return nil, err
	}
	return PrevClose{
		Header:    h,
		PrevClose: f32(buf[8:12]),
		PrevOI:    int64(i32(buf[12:16])),
	}, nil
}

func parseDepth(h Header, buf []byte, side Side) (Tick, error) {
	n := (len(buf) - HeaderSize) / bookLevelSize
	if n > maxBookLevels {
		n = maxBookLevels
	}

	update := DepthUpdate{Header: h, Side: side, Levels: make([]BookLevel, 0, n)}
	for i := 0; i < n; i++ {
		off := HeaderSize + i*bookLevelSize
		lvl := buf[off : off+bookLevelSize]
		update.Levels = append(update.Levels, BookLevel{
			Price:  math.Float64frombits(binary.LittleEndian.Uint64(lvl[0:8])),
			Qty:    binary.LittleEndian.Uint32(lvl[8:12]),
			Orders: binary.LittleEndian.Uint32(lvl[12:16]),
		})
	}
	if len(update.Levels) > 0 {
		top := update.Levels[0]
		update.Top = PriceQty{Price: top.Price, Qty: int64(top.Qty), Orders: int64(top.Orders)}
	}
	return update, nil
}

func parseDisconnect(h Header, buf []byte) (Tick, error) {
	if err := need(buf, disconnectSize, "disconnect"); err != nil {
		return nil, err
	}
	code := i16(buf[8:10])
	return Disconnect{Header: h, ReasonCode: code, Reason: DisconnectReason(code)}, nil
}

func body(buf []byte) []byte {
	out := make([]byte, len(buf)-HeaderSize)
	copy(out, buf[HeaderSize:])
	return out
}

func i16(b []byte) int16 { return int16(binary.LittleEndian.Uint16(b)) }

func i32(b []byte) int32 { return int32(binary.LittleEndian.Uint32(b)) }

// f32 widens a single precision price to the float64 closest to its
// shortest decimal form, so 123.45f32 reads back as 123.45
func f32(b []byte) float64 {
	v := math.Float32frombits(binary.LittleEndian.Uint32(b))
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return float64(v)
	}
	widened, err := strconv.ParseFloat(strconv.FormatFloat(float64(v), 'f', -1, 32), 64)
	if err != nil {
		return float64(v)
	}
	return widened
}
