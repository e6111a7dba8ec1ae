package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlledger/internal/domain"
)

const (
	builderA = "0xBuilderA"
	builderB = "0xBuilderB"
	other    = "0xOther"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

func buy(coin, sz, px string, ts int64) domain.Fill {
	return domain.Fill{ID: coin + "-b", Coin: coin, Side: domain.SideBuy, Size: dec(sz), Price: dec(px), Time: ts, Fee: decimal.Zero}
}

func sell(coin, sz, px string, ts int64) domain.Fill {
	return domain.Fill{ID: coin + "-s", Coin: coin, Side: domain.SideSell, Size: dec(sz), Price: dec(px), Time: ts, Fee: decimal.Zero}
}

func withFee(f domain.Fill, fee string) domain.Fill {
	f.Fee = dec(fee)
	return f
}

func by(f domain.Fill, builder string) domain.Fill {
	f.Builder = domain.NormalizeAddress(builder)
	return f
}

func ptr(v int64) *int64 { return &v }

func run(t *testing.T, fills []domain.Fill, funding []domain.FundingEvent, marks map[string]decimal.Decimal, q Query) *Report {
	t.Helper()
	rec, err := Reconstruct(fills, q.Target)
	require.NoError(t, err)
	report := Aggregate(rec, funding, marks, q)
	assertHistoryMatchesSummary(t, report)
	return report
}

func assertHistoryMatchesSummary(t *testing.T, r *Report) {
	t.Helper()
	if len(r.History) == 0 {
		return
	}
	last := r.History[len(r.History)-1]
	assertDec(t, r.Summary.RealizedPnL.String(), last.RealizedPnL)
	assertDec(t, r.Summary.FeesPaid.String(), last.FeesPaid)
	assertDec(t, r.Summary.FundingPaid.String(), last.FundingPaid)
	assertDec(t, r.Summary.NetPnL().String(), last.NetPnL)
	for i := 1; i < len(r.History); i++ {
		assert.LessOrEqual(t, r.History[i-1].Time, r.History[i].Time)
	}
}

func TestRealizedPnL_PartialCloses(t *testing.T) {
	fills := []domain.Fill{
		withFee(buy("BTC", "1", "50000", 1000), "10"),
		withFee(sell("BTC", "0.5", "55000", 2000), "5"),
		withFee(sell("BTC", "0.5", "40000", 3000), "5"),
	}
	r := run(t, fills, nil, nil, Query{})

	require.Len(t, r.Trades, 3)
	assertDec(t, "0", r.Trades[0].RealizedPnL)
	assertDec(t, "2500", r.Trades[1].RealizedPnL)
	assertDec(t, "-5000", r.Trades[2].RealizedPnL)
	assertDec(t, "-2500", r.Summary.RealizedPnL)
	assertDec(t, "20", r.Summary.FeesPaid)
	assert.Equal(t, 3, r.Summary.TradeCount)
	assert.False(t, r.Summary.Tainted)
	assertDec(t, "0", r.Summary.UnrealizedPnL)
}

func TestUnrealizedPnL_OpenPosition(t *testing.T) {
	fills := []domain.Fill{withFee(buy("BTC", "1", "50000", 1000), "10")}
	marks := map[string]decimal.Decimal{"BTC": dec("60000")}

	r := run(t, fills, nil, marks, Query{})
	assertDec(t, "10000", r.Summary.UnrealizedPnL)
	assertDec(t, "0", r.Summary.RealizedPnL)
}

func TestUnrealizedPnL_ShortAndRounding(t *testing.T) {
	fills := []domain.Fill{
		sell("ETH", "2", "3000", 1000),
		buy("SOL", "3", "1", 1100),
	}
	marks := map[string]decimal.Decimal{"ETH": dec("2900"), "SOL": dec("1.123456789")}

	r := run(t, fills, nil, marks, Query{Coin: "ETH"})
	assertDec(t, "200", r.Summary.UnrealizedPnL)

	r = run(t, fills, nil, marks, Query{Coin: "SOL"})
	assertDec(t, "0.37037037", r.Summary.UnrealizedPnL)
}

func TestWeightedAverageEntry(t *testing.T) {
	fills := []domain.Fill{
		buy("BTC", "1", "100", 1),
		buy("BTC", "3", "200", 2),
	}
	rec, err := Reconstruct(fills, "")
	require.NoError(t, err)

	assertDec(t, "100", rec.Positions[0].AvgEntryPrice)
	assertDec(t, "175", rec.Positions[1].AvgEntryPrice)
	assertDec(t, "4", rec.Positions[1].NetSize)
	assertDec(t, "175", rec.Ending["BTC"].AvgEntryPrice)
}

func TestPartialClosesMatchEquivalentFullClose(t *testing.T) {
	partial := []domain.Fill{
		buy("BTC", "2", "100", 1),
		sell("BTC", "1", "110", 2),
		sell("BTC", "1", "130", 3),
	}
	full := []domain.Fill{
		buy("BTC", "2", "100", 1),
		sell("BTC", "2", "120", 2),
	}
	a := run(t, partial, nil, nil, Query{})
	b := run(t, full, nil, nil, Query{})
	assertDec(t, "40", a.Summary.RealizedPnL)
	assert.True(t, a.Summary.RealizedPnL.Equal(b.Summary.RealizedPnL))
}

func TestReversalKeepsLifecycleOpen(t *testing.T) {
	fills := []domain.Fill{
		buy("BTC", "1", "100", 1),
		sell("BTC", "3", "90", 2),
		buy("BTC", "2", "80", 3),
	}
	rec, err := Reconstruct(fills, "")
	require.NoError(t, err)

	assertDec(t, "-10", rec.Fills[1].RealizedPnL)
	assertDec(t, "-2", rec.Positions[1].NetSize)
	assertDec(t, "90", rec.Positions[1].AvgEntryPrice)
	assertDec(t, "20", rec.Fills[2].RealizedPnL)
	assertDec(t, "0", rec.Positions[2].AvgEntryPrice)

	require.Len(t, rec.Intervals["BTC"], 1)
	assert.Equal(t, domain.LifecycleInterval{Coin: "BTC", Start: 1, End: 3}, rec.Intervals["BTC"][0])
	assert.False(t, rec.Ending["BTC"].Open())
}

func TestLifecycleBoundaries(t *testing.T) {
	fills := []domain.Fill{
		buy("BTC", "1", "100", 1),
		sell("BTC", "1", "110", 2),
		buy("BTC", "0.3", "120", 3),
		buy("BTC", "0.7", "130", 4),
	}
	rec, err := Reconstruct(fills, "")
	require.NoError(t, err)

	ivs := rec.Intervals["BTC"]
	require.Len(t, ivs, 2)
	assert.Equal(t, int64(1), ivs[0].Start)
	assert.Equal(t, int64(2), ivs[0].End)
	assert.Equal(t, int64(3), ivs[1].Start)
	assert.True(t, ivs[1].Open())
	assert.Equal(t, []string{"BTC"}, rec.OpenCoins(""))
	assert.Empty(t, rec.OpenCoins("ETH"))

	closed, err := Reconstruct(append(fills, sell("BTC", "1", "140", 5)), "")
	require.NoError(t, err)
	for _, iv := range closed.Intervals["BTC"] {
		assert.False(t, iv.Open())
	}
}

func TestTaint_ForeignPartialClose(t *testing.T) {
	fills := []domain.Fill{
		by(withFee(buy("ETH", "10", "3000", 1000), "10"), builderA),
		by(withFee(sell("ETH", "5", "3100", 4000), "5"), other),
		by(withFee(sell("ETH", "5", "3200", 5000), "5"), builderA),
	}

	r := run(t, fills, nil, nil, Query{Target: builderA, AttributedOnly: true})
	require.Len(t, r.Trades, 2)
	for _, tr := range r.Trades {
		assert.True(t, tr.Tainted)
		assert.Equal(t, "0xbuildera", tr.Builder)
	}
	assertDec(t, "0", r.Summary.RealizedPnL)
	assertDec(t, "0", r.Summary.FeesPaid)
	assert.Equal(t, 0, r.Summary.TradeCount)
	assert.True(t, r.Summary.Tainted)

	r = run(t, fills, nil, nil, Query{Target: builderA})
	require.Len(t, r.Trades, 3)
	assertDec(t, "1500", r.Summary.RealizedPnL)
	assertDec(t, "20", r.Summary.FeesPaid)
	assert.Equal(t, 3, r.Summary.TradeCount)
	assert.False(t, r.Summary.Tainted)
}

func TestTaint_RetroactiveSnapshots(t *testing.T) {
	fills := []domain.Fill{
		by(buy("BTC", "1", "100", 1), builderA),
		by(buy("BTC", "1", "100", 2), builderA),
		by(sell("BTC", "2", "100", 3), ""),
	}
	rec, err := Reconstruct(fills, builderA)
	require.NoError(t, err)
	for i := range rec.Fills {
		assert.True(t, rec.Fills[i].Tainted, "fill %d", i)
		assert.True(t, rec.Positions[i].Tainted, "position %d", i)
	}
}

func TestTaint_BuilderCaseInsensitive(t *testing.T) {
	f := buy("BTC", "1", "100", 1000)
	f.Builder = "0xABC"
	fills := []domain.Fill{f}

	r := run(t, fills, nil, nil, Query{Target: "0xabc", AttributedOnly: true})
	require.Len(t, r.Trades, 1)
	assert.False(t, r.Trades[0].Tainted)
	assert.False(t, r.Positions[0].Tainted)
	assert.Equal(t, 1, r.Summary.TradeCount)
	assert.False(t, r.Summary.Tainted)
}

func TestTaint_NoTargetNoTaint(t *testing.T) {
	fills := []domain.Fill{
		by(buy("BTC", "1", "100", 1), builderA),
		by(sell("BTC", "1", "100", 2), other),
	}
	rec, err := Reconstruct(fills, "")
	require.NoError(t, err)
	for _, f := range rec.Fills {
		assert.False(t, f.Tainted)
	}
}

func TestTaint_LifecyclesAreIndependent(t *testing.T) {
	fills := []domain.Fill{
		by(buy("BTC", "1", "100", 1), builderA),
		by(sell("BTC", "1", "110", 2), other),
		by(buy("BTC", "1", "100", 3), builderA),
	}
	marks := map[string]decimal.Decimal{"BTC": dec("150")}
	r := run(t, fills, nil, marks, Query{Target: builderA, AttributedOnly: true})

	require.Len(t, r.Trades, 2)
	assert.True(t, r.Trades[0].Tainted)
	assert.False(t, r.Trades[1].Tainted)
	assertDec(t, "50", r.Summary.UnrealizedPnL)
	assert.True(t, r.Summary.Tainted)
}

func TestTaint_OpenLifecycleExcludesUnrealized(t *testing.T) {
	fills := []domain.Fill{
		by(buy("BTC", "1", "100", 1), builderA),
		by(buy("BTC", "1", "200", 2), builderB),
	}
	marks := map[string]decimal.Decimal{"BTC": dec("250")}

	r := run(t, fills, nil, marks, Query{Target: builderA, AttributedOnly: true})
	assertDec(t, "0", r.Summary.UnrealizedPnL)
	assert.True(t, r.Summary.Tainted)

	r = run(t, fills, nil, marks, Query{Target: builderA})
	assertDec(t, "200", r.Summary.UnrealizedPnL)
	assert.False(t, r.Summary.Tainted)
}

func builderFills() []domain.Fill {
	return []domain.Fill{
		by(withFee(buy("BTC", "1.0", "50000.0", 1000), "10"), builderA),
		by(withFee(sell("BTC", "1.0", "55000.0", 2000), "5"), builderA),
		by(withFee(buy("ETH", "10.0", "3000.0", 3000), "10"), builderA),
		by(withFee(sell("ETH", "5.0", "3100.0", 4000), "5"), other),
		by(withFee(sell("ETH", "5.0", "3200.0", 5000), "5"), builderA),
		by(withFee(buy("SOL", "100.0", "100.0", 6000), "1"), builderB),
		by(withFee(sell("SOL", "100.0", "110.0", 7000), "1"), builderB),
	}
}

func TestBuilderAttribution(t *testing.T) {
	t.Run("no filter", func(t *testing.T) {
		r := run(t, builderFills(), nil, nil, Query{})
		assert.Len(t, r.Trades, 7)
	})

	t.Run("builder A", func(t *testing.T) {
		r := run(t, builderFills(), nil, nil, Query{Target: builderA, AttributedOnly: true})
		require.Len(t, r.Trades, 4)
		assert.Equal(t, "BTC", r.Trades[0].Coin)
		assert.Equal(t, "ETH", r.Trades[2].Coin)
		assert.True(t, r.Trades[2].Tainted)
		assertDec(t, "5000", r.Summary.RealizedPnL)
		assertDec(t, "15", r.Summary.FeesPaid)
		assert.Equal(t, 2, r.Summary.TradeCount)
		assert.True(t, r.Summary.Tainted)
	})

	t.Run("builder B", func(t *testing.T) {
		r := run(t, builderFills(), nil, nil, Query{Target: builderB, AttributedOnly: true})
		require.Len(t, r.Trades, 2)
		assert.Equal(t, "SOL", r.Trades[0].Coin)
		assertDec(t, "1000", r.Summary.RealizedPnL)
		assert.False(t, r.Summary.Tainted)
	})

	t.Run("case insensitive target", func(t *testing.T) {
		r := run(t, builderFills(), nil, nil, Query{Target: "0xbuildera", AttributedOnly: true})
		require.Len(t, r.Trades, 4)
		assert.Equal(t, "0xbuildera", r.Trades[0].Builder)

		upper := run(t, builderFills(), nil, nil, Query{Target: "0XBUILDERA", AttributedOnly: true})
		assert.Len(t, upper.Trades, 4)
	})
}

func fundingFills() []domain.Fill {
	return []domain.Fill{
		by(buy("BTC", "1.0", "50000.0", 1000), builderA),
		by(sell("BTC", "1.0", "51000.0", 2000), builderB),
		by(buy("ETH", "1.0", "3000.0", 3000), builderA),
		by(sell("ETH", "1.0", "3100.0", 4000), builderA),
	}
}

func fundingEvents() []domain.FundingEvent {
	return []domain.FundingEvent{
		{Coin: "BTC", Time: 1500, Amount: dec("50.0")},
		{Coin: "ETH", Time: 3500, Amount: dec("20.0")},
		{Coin: "ETH", Time: 5000, Amount: dec("10.0")},
	}
}

func TestFundingTaint(t *testing.T) {
	r := run(t, fundingFills(), fundingEvents(), nil, Query{Target: builderA, AttributedOnly: true})
	assertDec(t, "30", r.Summary.FundingPaid)
	assertDec(t, "100", r.Summary.RealizedPnL)
	assert.True(t, r.Summary.Tainted)

	require.NotEmpty(t, r.History)
	last := r.History[len(r.History)-1]
	assertDec(t, "100", last.RealizedPnL)
	assertDec(t, "130", last.NetPnL)
	assert.Len(t, r.History, 6)

	r = run(t, fundingFills(), fundingEvents(), nil, Query{Target: builderA})
	assertDec(t, "80", r.Summary.FundingPaid)
	assertDec(t, "1100", r.Summary.RealizedPnL)
	assert.False(t, r.Summary.Tainted)
}

func TestFundingAtLifecycleBoundaryIsInside(t *testing.T) {
	fills := []domain.Fill{
		by(buy("BTC", "1", "100", 1000), builderA),
		by(sell("BTC", "1", "100", 2000), other),
	}
	funding := []domain.FundingEvent{
		{Coin: "BTC", Time: 1000, Amount: dec("1")},
		{Coin: "BTC", Time: 2000, Amount: dec("2")},
		{Coin: "BTC", Time: 2001, Amount: dec("4")},
	}
	r := run(t, fills, funding, nil, Query{Target: builderA, AttributedOnly: true})
	assertDec(t, "4", r.Summary.FundingPaid)

	var tainted []bool
	for _, h := range r.History {
		tainted = append(tainted, h.Tainted)
	}
	// trade@1000, funding@1000, funding@2000, funding@2001
	assert.Equal(t, []bool{true, true, true, false}, tainted)
}

func TestWindowAndCoinFilter(t *testing.T) {
	fills := builderFills()

	r := run(t, fills, nil, nil, Query{From: ptr(2000), To: ptr(4000)})
	require.Len(t, r.Trades, 3)
	require.Len(t, r.Positions, 3)
	// the close at 2000 still realizes against the entry at 1000
	assertDec(t, "5000", r.Trades[0].RealizedPnL)
	assertDec(t, "5500", r.Summary.RealizedPnL)

	r = run(t, fills, nil, nil, Query{Coin: "SOL"})
	require.Len(t, r.Trades, 2)
	assertDec(t, "1000", r.Summary.RealizedPnL)
	for _, p := range r.Positions {
		assert.Equal(t, "SOL", p.Coin)
	}
}

func TestPositionsListedRegardlessOfBuilderFilter(t *testing.T) {
	r := run(t, builderFills(), nil, nil, Query{Target: builderA, AttributedOnly: true, Coin: "ETH"})
	assert.Len(t, r.Trades, 2)
	require.Len(t, r.Positions, 3)
	assertDec(t, "5", r.Positions[1].NetSize)
	assert.True(t, r.Positions[1].Tainted)
}

func TestEmptyInput(t *testing.T) {
	r := run(t, nil, nil, nil, Query{AttributedOnly: true, Target: builderA})
	assert.NotNil(t, r.Trades)
	assert.NotNil(t, r.Positions)
	assert.NotNil(t, r.History)
	assert.Empty(t, r.Trades)
	assertDec(t, "0", r.Summary.RealizedPnL)
	assertDec(t, "0", r.Summary.UnrealizedPnL)
	assert.Equal(t, 0, r.Summary.TradeCount)
	assert.False(t, r.Summary.Tainted)
}

func TestInvariantViolations(t *testing.T) {
	tests := []struct {
		name string
		fill domain.Fill
	}{
		{"negative size", sell("BTC", "-1", "100", 1)},
		{"negative price", buy("BTC", "1", "-100", 1)},
		{"no coin", buy("", "1", "100", 1)},
		{"bad side", domain.Fill{Coin: "BTC", Side: "hold", Size: dec("1"), Price: dec("1"), Time: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Reconstruct([]domain.Fill{tt.fill}, "")
			assert.ErrorIs(t, err, ErrInvariant)
		})
	}
}

func TestReconstructSortsByTime(t *testing.T) {
	fills := []domain.Fill{
		sell("BTC", "1", "110", 2),
		buy("ETH", "1", "10", 1),
		buy("BTC", "1", "100", 1),
	}
	rec, err := Reconstruct(fills, "")
	require.NoError(t, err)
	require.Len(t, rec.Fills, 3)
	assert.Equal(t, int64(1), rec.Fills[0].Time)
	assert.Equal(t, int64(2), rec.Fills[2].Time)
	assertDec(t, "10", rec.Fills[2].RealizedPnL)
}

func TestParseFills_CountsSkipped(t *testing.T) {
	raw := []domain.RawFill{
		{Coin: "BTC", Px: "1", Sz: "1", Side: "B", Time: 1, Tid: 1},
		{Coin: "BTC", Px: "", Sz: "1", Side: "B", Time: 2, Tid: 2},
		{Coin: "", Px: "1", Sz: "1", Side: "B", Time: 3, Tid: 3},
	}
	fills, skipped := ParseFills(raw)
	assert.Len(t, fills, 1)
	assert.Equal(t, 2, skipped)

	events, skipped := ParseFunding([]domain.RawFunding{
		{Time: 1, Delta: domain.FundingDelta{Coin: "BTC", USDC: "1"}},
		{Time: 2, Delta: domain.FundingDelta{Coin: "BTC", USDC: "nope"}},
	})
	assert.Len(t, events, 1)
	assert.Equal(t, 1, skipped)
}
