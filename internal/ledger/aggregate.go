package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"hlledger/internal/domain"
)

// unrealizedPlaces is the rounding applied to unrealized PnL.
const unrealizedPlaces = 8

// Query selects what Aggregate reports.
type Query struct {
	// From and To bound the window in ms, both inclusive. Nil means unbounded.
	From *int64
	To   *int64
	Coin string
	// Target is the builder used for attribution.
	Target string
	// AttributedOnly lists only fills from Target and leaves tainted
	// activity out of the sums.
	AttributedOnly bool
}

func (q Query) inWindow(ts int64) bool {
	if q.From != nil && ts < *q.From {
		return false
	}
	if q.To != nil && ts > *q.To {
		return false
	}
	return true
}

func (q Query) inScope(coin string, ts int64) bool {
	return (q.Coin == "" || q.Coin == coin) && q.inWindow(ts)
}

// counts reports whether an event with the given taint is accumulated.
func (q Query) counts(tainted bool) bool {
	return !q.AttributedOnly || !tainted
}

// Report is the result of Aggregate.
type Report struct {
	Trades    []domain.Fill            `json:"trades"`
	Positions []domain.PositionState   `json:"positions"`
	History   []domain.PnLHistoryEntry `json:"history"`
	Summary   domain.PnLSummary        `json:"summary"`
}

type historyEvent struct {
	time    int64
	trade   bool
	pnl     decimal.Decimal
	fee     decimal.Decimal
	funding decimal.Decimal
	tainted bool
}

// Aggregate filters the reconstruction and accumulates its PnL. funding is
// classified against the lifecycle intervals of rec. marks may be nil, in
// which case no unrealized PnL is computed.
func Aggregate(rec *Reconstruction, funding []domain.FundingEvent, marks map[string]decimal.Decimal, q Query) *Report {
	target := domain.NormalizeAddress(q.Target)
	report := &Report{
		Trades:    []domain.Fill{},
		Positions: []domain.PositionState{},
		History:   []domain.PnLHistoryEntry{},
	}

	var events []historyEvent
	for i, f := range rec.Fills {
		if !q.inScope(f.Coin, f.Time) {
			continue
		}
		report.Positions = append(report.Positions, rec.Positions[i])

		if q.AttributedOnly && target != "" && domain.NormalizeAddress(f.Builder) != target {
			continue
		}
		report.Trades = append(report.Trades, f)
		events = append(events, historyEvent{
			time:    f.Time,
			trade:   true,
			pnl:     f.RealizedPnL,
			fee:     f.Fee,
			tainted: f.Tainted,
		})
	}

	for _, ev := range funding {
		if !q.inScope(ev.Coin, ev.Time) {
			continue
		}
		events = append(events, historyEvent{
			time:    ev.Time,
			funding: ev.Amount,
			tainted: rec.TaintedAt(ev.Coin, ev.Time),
		})
	}

	// trades were appended before funding, so a stable sort puts them
	// first on equal timestamps
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].time < events[j].time
	})

	sum := &report.Summary
	sum.RealizedPnL = decimal.Zero
	sum.FeesPaid = decimal.Zero
	sum.FundingPaid = decimal.Zero
	sum.UnrealizedPnL = decimal.Zero

	for _, ev := range events {
		if q.counts(ev.tainted) {
			sum.RealizedPnL = sum.RealizedPnL.Add(ev.pnl)
			sum.FeesPaid = sum.FeesPaid.Add(ev.fee)
			sum.FundingPaid = sum.FundingPaid.Add(ev.funding)
			if ev.trade {
				sum.TradeCount++
			}
		} else {
			sum.Tainted = true
		}
		report.History = append(report.History, domain.PnLHistoryEntry{
			Time:        ev.time,
			RealizedPnL: sum.RealizedPnL,
			FeesPaid:    sum.FeesPaid,
			FundingPaid: sum.FundingPaid,
			NetPnL:      sum.NetPnL(),
			Tainted:     ev.tainted,
		})
	}

	unrealized, excluded := Unrealized(rec, marks, q)
	sum.UnrealizedPnL = unrealized
	if excluded {
		sum.Tainted = true
	}
	return report
}

// Unrealized marks the open positions in scope to marks. The second result
// reports whether a tainted open position was left out.
func Unrealized(rec *Reconstruction, marks map[string]decimal.Decimal, q Query) (decimal.Decimal, bool) {
	total := decimal.Zero
	excluded := false
	if marks == nil {
		return total, false
	}
	for _, coin := range rec.OpenCoins(q.Coin) {
		end := rec.Ending[coin]
		if !q.counts(end.Tainted) {
			excluded = true
			continue
		}
		mark, ok := marks[coin]
		if !ok {
			continue
		}
		total = total.Add(mark.Sub(end.AvgEntryPrice).Mul(end.NetSize))
	}
	return total.Round(unrealizedPlaces), excluded
}
