package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawFillKey(t *testing.T) {
	tests := []struct {
		name string
		fill RawFill
		want string
	}{
		{"tid present", RawFill{Tid: 42, Time: 1000, Coin: "BTC", Sz: "1"}, "tid:42"},
		{"tid missing", RawFill{Time: 1000, Coin: "BTC", Sz: "0.5"}, "1000_BTC_0.5"},
		{"tid zero", RawFill{Tid: 0, Time: 7, Coin: "ETH", Sz: "2"}, "7_ETH_2"},
		{"oid without tid", RawFill{Oid: 17, Time: 7, Coin: "ETH", Sz: "2"}, "oid:17"},
		{"tid wins over oid", RawFill{Tid: 3, Oid: 17, Time: 7, Coin: "ETH", Sz: "2"}, "tid:3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fill.Key())
		})
	}
}

func TestRawFillParse(t *testing.T) {
	raw := `{"coin":"BTC","px":"50000.5","sz":"0.25","side":"B","time":1700000000000,
		"fee":"1.25","tid":99,"hash":"0xabc","builderInfo":{"builder":"0xBuilderA"}}`

	var rf RawFill
	require.NoError(t, json.Unmarshal([]byte(raw), &rf))

	f, err := rf.Parse()
	require.NoError(t, err)
	assert.Equal(t, "tid:99", f.ID)
	assert.Equal(t, SideBuy, f.Side)
	assert.True(t, f.Price.Equal(decimal.RequireFromString("50000.5")))
	assert.True(t, f.Size.Equal(decimal.RequireFromString("0.25")))
	assert.True(t, f.Fee.Equal(decimal.RequireFromString("1.25")))
	assert.Equal(t, "0xbuildera", f.Builder)
	assert.False(t, f.Tainted)
}

func TestRawFillParse_BuilderFieldWins(t *testing.T) {
	rf := RawFill{Coin: "ETH", Px: "1", Sz: "1", Side: "A", Time: 1,
		Builder: "0xTOP", BuilderInfo: &BuilderInfo{Builder: "0xnested"}}
	f, err := rf.Parse()
	require.NoError(t, err)
	assert.Equal(t, "0xtop", f.Builder)
	assert.Equal(t, SideSell, f.Side)
	assert.True(t, f.SignedSize().Equal(decimal.NewFromInt(-1)))
}

func TestRawFillParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		fill RawFill
	}{
		{"missing coin", RawFill{Px: "1", Sz: "1", Side: "B", Time: 1}},
		{"missing time", RawFill{Coin: "BTC", Px: "1", Sz: "1", Side: "B"}},
		{"bad side", RawFill{Coin: "BTC", Px: "1", Sz: "1", Side: "X", Time: 1}},
		{"missing size", RawFill{Coin: "BTC", Px: "1", Side: "B", Time: 1}},
		{"bad price", RawFill{Coin: "BTC", Px: "abc", Sz: "1", Side: "B", Time: 1}},
		{"bad fee", RawFill{Coin: "BTC", Px: "1", Sz: "1", Side: "B", Time: 1, Fee: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.fill.Parse()
			assert.Error(t, err)
		})
	}
}

func TestRawFundingParse(t *testing.T) {
	raw := `{"time":1500,"hash":"0x0","delta":{"type":"funding","coin":"BTC","usdc":"-3.5","szi":"1","fundingRate":"0.0001"}}`
	var rf RawFunding
	require.NoError(t, json.Unmarshal([]byte(raw), &rf))

	ev, err := rf.Parse()
	require.NoError(t, err)
	assert.Equal(t, "BTC", ev.Coin)
	assert.Equal(t, int64(1500), ev.Time)
	assert.True(t, ev.Amount.Equal(decimal.RequireFromString("-3.5")))

	_, err = RawFunding{Time: 1, Delta: FundingDelta{Coin: "BTC"}}.Parse()
	assert.Error(t, err)
}

func TestValidAddress(t *testing.T) {
	assert.True(t, ValidAddress("0x0123456789abcdefABCDEF0123456789abcdef01"))
	assert.False(t, ValidAddress("0x123"))
	assert.False(t, ValidAddress("0123456789abcdefABCDEF0123456789abcdef0123"))
	assert.False(t, ValidAddress("0xZZ23456789abcdefABCDEF0123456789abcdef01"))
}

func TestLifecycleIntervalContains(t *testing.T) {
	iv := LifecycleInterval{Coin: "BTC", Start: 1000, End: 2000}
	assert.True(t, iv.Contains(1000))
	assert.True(t, iv.Contains(2000))
	assert.False(t, iv.Contains(2001))
	assert.False(t, iv.Open())

	open := LifecycleInterval{Coin: "BTC", Start: 3000, End: OpenEnded}
	assert.True(t, open.Contains(1 << 60))
	assert.True(t, open.Open())
}
