package tick

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quoteTick(id string, ltp float64, volume, ltt int64) Quote {
	return Quote{
		Header: Header{Code: CodeQuote, Segment: "NSE_EQ", SegmentCode: 1, SecurityID: id},
		LTP:    ltp,
		LTT:    ltt,
		Volume: volume,
	}
}

func TestNormalizeVolumeDeltas(t *testing.T) {
	n := NewTickNormalizer(nil)

	first, err := n.Normalize(quoteTick("1333", 100, 5000, 1700000000))
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, int64(0), first.Volume)
	assert.Equal(t, "NSE_EQ", first.Segment)
	assert.Equal(t, "1333", first.SecurityID)
	assert.Equal(t, time.Unix(1700000000, 0), first.Timestamp)

	second, err := n.Normalize(quoteTick("1333", 100.5, 5250, 1700000001))
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, int64(250), second.Volume)

	// cumulative volume reset (new session) yields zero, not a negative delta
	third, err := n.Normalize(quoteTick("1333", 101, 10, 1700000002))
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, int64(0), third.Volume)
}

func TestNormalizeDropsDuplicates(t *testing.T) {
	n := NewTickNormalizer(nil)
	q := quoteTick("500", 42, 100, 1700000000)

	ct, err := n.Normalize(q)
	require.NoError(t, err)
	require.NotNil(t, ct)

	ct, err = n.Normalize(q)
	require.NoError(t, err)
	assert.Nil(t, ct)

	stats := n.GetStats()
	assert.Equal(t, int64(1), stats["duplicate_ticks"])
	assert.Equal(t, int64(1), stats["normalized_ticks"])
}

func TestNormalizeTickerUsesClockWithoutTradeTime(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	n := NewTickNormalizer(nil)
	n.SetClock(func() time.Time { return fixed })

	ct, err := n.Normalize(Ticker{Header: Header{Segment: "NSE_EQ", SecurityID: "7"}, LTP: 12.5})
	require.NoError(t, err)
	require.NotNil(t, ct)
	assert.Equal(t, fixed, ct.Timestamp)
	assert.Equal(t, int64(0), ct.Volume)
}

func TestNormalizeSkipsNonPricePackets(t *testing.T) {
	n := NewTickNormalizer(nil)

	ct, err := n.Normalize(OpenInterest{Header: Header{Segment: "NSE_FNO", SecurityID: "1"}, OI: 10})
	require.NoError(t, err)
	assert.Nil(t, ct)

	_, err = n.Normalize(Ticker{Header: Header{Segment: "NSE_EQ", SecurityID: "1"}, LTP: 0})
	assert.Error(t, err)

	_, err = n.Normalize(Ticker{Header: Header{Segment: "NSE_EQ"}, LTP: 10})
	assert.Error(t, err)
}

func TestProcessBatch(t *testing.T) {
	n := NewTickNormalizer(nil)
	q := quoteTick("1", 10, 100, 1700000000)

	ticks, errs := n.ProcessBatch([]Tick{q, q, quoteTick("1", 0, 100, 1700000001), quoteTick("1", 11, 160, 1700000002)})
	assert.Len(t, errs, 1)
	require.Len(t, ticks, 2)
	assert.Equal(t, int64(60), ticks[1].Volume)

	n.Reset()
	assert.Equal(t, 0, n.GetStats()["tracked_keys"])
}
