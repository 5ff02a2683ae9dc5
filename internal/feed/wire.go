package feed

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultURL is the live market feed endpoint
	DefaultURL = "wss://api-feed.dhan.co"

	// DefaultVersion of the feed protocol
	DefaultVersion = 2

	// MaxInstrumentsPerMessage is the most instruments one control frame may carry
	MaxInstrumentsPerMessage = 100

	// RequestDisconnect asks the server to end the session
	RequestDisconnect = 12

	authTypeToken = "2"
)

// Instrument identifies one subscribable security. Only these two fields go
// on the wire.
type Instrument struct {
	ExchangeSegment string `json:"ExchangeSegment"`
	SecurityID      string `json:"SecurityId"`
}

// Key returns the canonical "SEGMENT:SECURITY_ID" key
func (i Instrument) Key() string { return i.ExchangeSegment + ":" + i.SecurityID }

func (i Instrument) String() string { return i.Key() }

// Mode is the granularity of data requested for every subscription of a connection
type Mode string

const (
	ModeTicker Mode = "ticker"
	ModeQuote  Mode = "quote"
	ModeFull   Mode = "full"
)

var modeCodes = map[Mode][2]int{
	ModeTicker: {15, 16},
	ModeQuote:  {17, 18},
	ModeFull:   {21, 22},
}

// ParseMode accepts ticker, quote or full in any case
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := modeCodes[m]; !ok {
		return "", fmt.Errorf("unknown feed mode %q", s)
	}
	return m, nil
}

// Valid reports whether m is one of the known modes
func (m Mode) Valid() bool {
	_, ok := modeCodes[m]
	return ok
}

// SubscribeCode is the RequestCode used to subscribe in this mode
func (m Mode) SubscribeCode() int { return modeCodes[m][0] }

// UnsubscribeCode is the RequestCode used to unsubscribe in this mode
func (m Mode) UnsubscribeCode() int { return modeCodes[m][1] }

// ControlMessage is the JSON frame sent to the feed server
type ControlMessage struct {
	RequestCode     int          `json:"RequestCode"`
	InstrumentCount int          `json:"InstrumentCount,omitempty"`
	InstrumentList  []Instrument `json:"InstrumentList,omitempty"`
}

// NewControlMessage builds a request carrying the given instruments
func NewControlMessage(code int, list []Instrument) ControlMessage {
	return ControlMessage{
		RequestCode:     code,
		InstrumentCount: len(list),
		InstrumentList:  list,
	}
}

// DisconnectMessage builds the request that ends a session
func DisconnectMessage() ControlMessage {
	return ControlMessage{RequestCode: RequestDisconnect}
}

// Chunk splits list into consecutive slices of at most size entries
func Chunk(list []Instrument, size int) [][]Instrument {
	if size <= 0 {
		size = MaxInstrumentsPerMessage
	}
	chunks := make([][]Instrument, 0, (len(list)+size-1)/size)
	for start := 0; start < len(list); start += size {
		end := start + size
		if end > len(list) {
			end = len(list)
		}
		chunks = append(chunks, list[start:end])
	}
	return chunks
}

// BuildURL adds the credential and mode query parameters to the feed endpoint
func BuildURL(base, token, clientID string, version int, mode Mode) (string, error) {
	if base == "" {
		base = DefaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid feed url %q: %w", base, err)
	}
	if version <= 0 {
		version = DefaultVersion
	}

	q := u.Query()
	q.Set("version", strconv.Itoa(version))
	q.Set("token", token)
	q.Set("clientId", clientID)
	q.Set("authType", authTypeToken)
	q.Set("mode", string(mode))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redactURL hides the access token for logging
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Get("token") != "" {
		q.Set("token", "REDACTED")
	}
	u.RawQuery = q.Encode()
	return u.String()
}
