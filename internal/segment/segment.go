package segment

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Exchange segment names as the feed expects them in subscription requests
const (
	IndexI      = "IDX_I"
	NSEEquity   = "NSE_EQ"
	NSEFNO      = "NSE_FNO"
	NSECurrency = "NSE_CURRENCY"
	BSEEquity   = "BSE_EQ"
	MCXComm     = "MCX_COMM"
	BSECurrency = "BSE_CURRENCY"
	BSEFNO      = "BSE_FNO"
)

// Entry pairs a canonical segment name with its wire code
type Entry struct {
	Name string
	Code byte
}

var byName = map[string]byte{
	IndexI:      0,
	NSEEquity:   1,
	NSEFNO:      2,
	NSECurrency: 3,
	BSEEquity:   4,
	MCXComm:     5,
	BSECurrency: 7,
	BSEFNO:      8,
}

var byCode = func() map[byte]string {
	m := make(map[byte]string, len(byName))
	for name, code := range byName {
		m[code] = name
	}
	return m
}()

// All returns the segment table ordered by code
func All() []Entry {
	entries := make([]Entry, 0, len(byName))
	for name, code := range byName {
		entries = append(entries, Entry{Name: name, Code: code})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Code < entries[j].Code })
	return entries
}

// Code returns the wire code for a canonical segment name
func Code(name string) (byte, bool) {
	code, ok := byName[name]
	return code, ok
}

// FromCode maps a header byte to its segment name. Unknown codes come back
// as their decimal form.
func FromCode(code byte) string {
	if name, ok := byCode[code]; ok {
		return name
	}
	return strconv.Itoa(int(code))
}

// ToRequestString normalises any caller supplied segment (canonical name,
// numeric code, numeric string, loosely cased name) into the canonical name.
// Input that cannot be resolved degrades to its upper-cased string form.
func ToRequestString(value any) string {
	switch v := value.(type) {
	case string:
		return fromString(v)
	case byte:
		return fromInt(int64(v))
	case int:
		return fromInt(int64(v))
	case int8:
		return fromInt(int64(v))
	case int16:
		return fromInt(int64(v))
	case int32:
		return fromInt(int64(v))
	case int64:
		return fromInt(v)
	case uint:
		return fromInt(int64(v))
	case uint16:
		return fromInt(int64(v))
	case uint32:
		return fromInt(int64(v))
	case uint64:
		return fromInt(int64(v))
	case fmt.Stringer:
		return fromString(v.String())
	case nil:
		return ""
	default:
		return strings.ToUpper(fmt.Sprint(v))
	}
}

func fromInt(v int64) string {
	if v >= 0 && v <= 255 {
		if name, ok := byCode[byte(v)]; ok {
			return name
		}
	}
	return strconv.FormatInt(v, 10)
}

func fromString(s string) string {
	if _, ok := byName[s]; ok {
		return s
	}

	trimmed := strings.TrimSpace(s)
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return fromInt(n)
	}

	upper := strings.ToUpper(trimmed)
	upper = strings.NewReplacer("-", "_", " ", "_").Replace(upper)
	return upper
}
