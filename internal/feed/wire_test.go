package feed

import (
	"encoding/json"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkCountAndCoverage(t *testing.T) {
	for _, n := range []int{0, 1, 99, 100, 101, 250, 1000} {
		list := make([]Instrument, n)
		for i := range list {
			list[i] = inst("NSE_EQ", fmt.Sprint(i))
		}

		chunks := Chunk(list, MaxInstrumentsPerMessage)
		assert.Len(t, chunks, (n+99)/100, "n=%d", n)

		seen := map[string]bool{}
		for _, c := range chunks {
			assert.LessOrEqual(t, len(c), MaxInstrumentsPerMessage)
			for _, in := range c {
				assert.False(t, seen[in.Key()], "duplicate %s", in.Key())
				seen[in.Key()] = true
			}
		}
		assert.Len(t, seen, n)
	}
}

func TestControlMessageJSON(t *testing.T) {
	raw, err := json.Marshal(NewControlMessage(ModeQuote.SubscribeCode(), []Instrument{inst("NSE_EQ", "1333")}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"RequestCode":17,"InstrumentCount":1,"InstrumentList":[{"ExchangeSegment":"NSE_EQ","SecurityId":"1333"}]}`, string(raw))

	raw, err = json.Marshal(DisconnectMessage())
	require.NoError(t, err)
	assert.JSONEq(t, `{"RequestCode":12}`, string(raw))
}

func TestModeCodes(t *testing.T) {
	assert.Equal(t, 15, ModeTicker.SubscribeCode())
	assert.Equal(t, 16, ModeTicker.UnsubscribeCode())
	assert.Equal(t, 18, ModeQuote.UnsubscribeCode())
	assert.Equal(t, 21, ModeFull.SubscribeCode())
	assert.Equal(t, 22, ModeFull.UnsubscribeCode())

	m, err := ParseMode(" FULL ")
	require.NoError(t, err)
	assert.Equal(t, ModeFull, m)

	_, err = ParseMode("depth")
	assert.Error(t, err)
}

func TestBuildURL(t *testing.T) {
	raw, err := BuildURL("", "tok", "1000000001", 0, ModeTicker)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "wss", u.Scheme)
	assert.Equal(t, "api-feed.dhan.co", u.Host)

	q := u.Query()
	assert.Equal(t, "2", q.Get("version"))
	assert.Equal(t, "tok", q.Get("token"))
	assert.Equal(t, "1000000001", q.Get("clientId"))
	assert.Equal(t, "2", q.Get("authType"))
	assert.Equal(t, "ticker", q.Get("mode"))

	assert.NotContains(t, redactURL(raw), "tok&")
	assert.Contains(t, redactURL(raw), "REDACTED")
}

func TestBackoffGrowthCapAndReset(t *testing.T) {
	b := NewBackoff(2*time.Second, 90*time.Second, 0)

	var got []time.Duration
	for i := 0; i < 8; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 64 * time.Second, 90 * time.Second, 90 * time.Second,
	}, got)

	b.Reset()
	assert.Equal(t, 2*time.Second, b.Next())
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff(2*time.Second, 90*time.Second, 0.2)
	for i := 0; i < 100; i++ {
		d := b.Jittered(10 * time.Second)
		assert.GreaterOrEqual(t, d, 10*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}
}
