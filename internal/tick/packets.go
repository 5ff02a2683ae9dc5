package tick

import "fmt"

// Feed response codes carried in byte 0 of every binary frame
const (
	CodeIndex        byte = 1
	CodeTicker       byte = 2
	CodeQuote        byte = 4
	CodeOI           byte = 5
	CodePrevClose    byte = 6
	CodeMarketStatus byte = 7
	CodeFull         byte = 8
	CodeDepthBid     byte = 41
	CodeDisconnect   byte = 50
	CodeDepthAsk     byte = 51
)

// Kind identifies the decoded variant
type Kind int

const (
	KindUnknown Kind = iota
	KindTicker
	KindQuote
	KindFull
	KindOI
	KindPrevClose
	KindDepthBid
	KindDepthAsk
	KindDisconnect
	KindMarketStatus
	KindIndex
)

var kindNames = map[Kind]string{
	KindUnknown:      "unknown",
	KindTicker:       "ticker",
	KindQuote:        "quote",
	KindFull:         "full",
	KindOI:           "oi",
	KindPrevClose:    "prev_close",
	KindDepthBid:     "depth_bid",
	KindDepthAsk:     "depth_ask",
	KindDisconnect:   "disconnect",
	KindMarketStatus: "market_status",
	KindIndex:        "index",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText renders the kind by name in JSON payloads
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Header is the fixed 8 byte prefix of every frame
type Header struct {
	Code        byte   `json:"code"`
	Length      uint16 `json:"length"`
	SegmentCode byte   `json:"segment_code"`
	Segment     string `json:"segment"`
	SecurityID  string `json:"security_id"`
}

// Head returns the frame header. Promoted into every variant.
func (h Header) Head() Header { return h }

// Key returns the canonical "SEGMENT:SECURITY_ID" key of the instrument
func (h Header) Key() string { return h.Segment + ":" + h.SecurityID }

// Tick is the closed set of decoded frames
type Tick interface {
	Kind() Kind
	Head() Header
}

// DepthLevel is one row of the five level book carried by full packets
type DepthLevel struct {
	BidQty    int32   `json:"bid_qty"`
	AskQty    int32   `json:"ask_qty"`
	BidOrders int16   `json:"bid_orders"`
	AskOrders int16   `json:"ask_orders"`
	BidPrice  float64 `json:"bid_price"`
	AskPrice  float64 `json:"ask_price"`
}

// BookLevel is one price level of an incremental depth update
type BookLevel struct {
	Price  float64 `json:"price"`
	Qty    uint32  `json:"qty"`
	Orders uint32  `json:"orders"`
}

// Quote side of a depth level
type PriceQty struct {
	Price  float64 `json:"price"`
	Qty    int64   `json:"qty"`
	Orders int64   `json:"orders"`
}

type Ticker struct {
	Header
	LTP float64 `json:"ltp"`
	LTT int64   `json:"ts"`
}

func (Ticker) Kind() Kind { return KindTicker }

type Quote struct {
	Header
	LTP          float64 `json:"ltp"`
	LTQ          int16   `json:"ltq"`
	LTT          int64   `json:"ts"`
	ATP          float64 `json:"atp"`
	Volume       int64   `json:"volume"`
	TotalSellQty int64   `json:"total_sell_qty"`
	TotalBuyQty  int64   `json:"total_buy_qty"`
	DayOpen      float64 `json:"day_open"`
	DayClose     float64 `json:"day_close"`
	DayHigh      float64 `json:"day_high"`
	DayLow       float64 `json:"day_low"`
}

func (Quote) Kind() Kind { return KindQuote }

type Full struct {
	Header
	LTP          float64      `json:"ltp"`
	LTQ          int16        `json:"ltq"`
	LTT          int64        `json:"ts"`
	ATP          float64      `json:"atp"`
	Volume       int64        `json:"volume"`
	TotalSellQty int64        `json:"total_sell_qty"`
	TotalBuyQty  int64        `json:"total_buy_qty"`
	OI           int64        `json:"oi"`
	HighOI       int64        `json:"oi_high"`
	LowOI        int64        `json:"oi_low"`
	DayOpen      float64      `json:"day_open"`
	DayClose     float64      `json:"day_close"`
	DayHigh      float64      `json:"day_high"`
	DayLow       float64      `json:"day_low"`
	Bid          PriceQty     `json:"bid"`
	Ask          PriceQty     `json:"ask"`
	Depth        []DepthLevel `json:"-"`
}

func (Full) Kind() Kind { return KindFull }

type OpenInterest struct {
	Header
	OI int64 `json:"oi"`
}

func (OpenInterest) Kind() Kind { return KindOI }

type PrevClose struct {
	Header
	PrevClose float64 `json:"prev_close"`
	PrevOI    int64   `json:"prev_oi"`
}

func (PrevClose) Kind() Kind { return KindPrevClose }

// Side of an incremental depth update
type Side int

const (
	SideBid Side = iota
	SideAsk
)

// DepthUpdate is an incremental book delta for one side
type DepthUpdate struct {
	Header
	Side   Side        `json:"side"`
	Top    PriceQty    `json:"top"`
	Levels []BookLevel `json:"-"`
}

func (d DepthUpdate) Kind() Kind {
	if d.Side == SideAsk {
		return KindDepthAsk
	}
	return KindDepthBid
}

// Disconnect is sent by the server right before it drops the session.
// It is never handed to tick listeners.
type Disconnect struct {
	Header
	ReasonCode int16  `json:"reason_code"`
	Reason     string `json:"reason"`
}

func (Disconnect) Kind() Kind { return KindDisconnect }

// Raw carries frames whose body layout is not parsed (market status, index)
type Raw struct {
	Header
	RawKind Kind   `json:"kind"`
	Body    []byte `json:"body"`
}

func (r Raw) Kind() Kind { return r.RawKind }

// Unknown is produced for feed codes outside the table; callers discard it
type Unknown struct {
	Header
}

func (Unknown) Kind() Kind { return KindUnknown }

var disconnectReasons = map[int16]string{
	805: "connection limit exceeded",
	806: "data APIs not subscribed",
	807: "access token expired",
	808: "authentication failed",
	809: "access token invalid",
	810: "client id invalid",
}

// DisconnectReason explains a server disconnect code
func DisconnectReason(code int16) string {
	if reason, ok := disconnectReasons[code]; ok {
		return reason
	}
	return fmt.Sprintf("unknown disconnect reason %d", code)
}
