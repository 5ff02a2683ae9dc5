package segment

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundTripEveryEntry(t *testing.T) {
	for _, e := range All() {
		assert.Equal(t, e.Name, ToRequestString(int(e.Code)), "int code %d", e.Code)
		assert.Equal(t, e.Name, ToRequestString(e.Code), "byte code %d", e.Code)
		assert.Equal(t, e.Name, ToRequestString(strconv.Itoa(int(e.Code))), "numeric string %d", e.Code)
		assert.Equal(t, e.Name, ToRequestString(e.Name))
		assert.Equal(t, e.Name, FromCode(e.Code))

		code, ok := Code(e.Name)
		assert.True(t, ok)
		assert.Equal(t, e.Code, code)
	}
}

func TestLooseVariants(t *testing.T) {
	cases := map[string]string{
		"nse_eq":   NSEEquity,
		" Nse_Fno": NSEFNO,
		"bse-eq":   BSEEquity,
		"mcx comm": MCXComm,
		"idx_i":    IndexI,
	}
	for in, want := range cases {
		assert.Equal(t, want, ToRequestString(in), in)
	}
}

func TestUnknownInputDegrades(t *testing.T) {
	assert.Equal(t, "NYSE", ToRequestString("nyse"))
	assert.Equal(t, "6", ToRequestString(6))
	assert.Equal(t, "42", ToRequestString("42"))
	assert.Equal(t, "99", FromCode(99))
	assert.Equal(t, "1.5", ToRequestString(1.5))
	assert.Equal(t, "", ToRequestString(nil))
}

func TestAllIsOrdered(t *testing.T) {
	entries := All()
	assert.Len(t, entries, 8)
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].Code, entries[i].Code)
	}
}
