// Package ledger replays fills into positions, realized PnL and builder
// taint, and aggregates the result over a query window.
package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"hlledger/internal/domain"
)

// ErrInvariant marks input or state that violates the accounting contract.
var ErrInvariant = errors.New("ledger invariant violated")

// Ending is the state of a coin after its last fill.
type Ending struct {
	NetSize       decimal.Decimal
	AvgEntryPrice decimal.Decimal
	// Tainted is the taint of the open lifecycle. Always false when flat.
	Tainted bool
}

// Open reports whether a position remains.
func (e Ending) Open() bool {
	return !e.NetSize.IsZero()
}

// Reconstruction is the replayed history of an account. Positions[i] is the
// state right after Fills[i]. Fills are ordered by time.
type Reconstruction struct {
	Fills     []domain.Fill
	Positions []domain.PositionState
	Intervals map[string][]domain.LifecycleInterval
	Ending    map[string]Ending
}

// OpenCoins returns the coins with a remaining position, limited to coin
// when it is not empty.
func (r *Reconstruction) OpenCoins(coin string) []string {
	var coins []string
	for c, e := range r.Ending {
		if coin != "" && c != coin {
			continue
		}
		if e.Open() {
			coins = append(coins, c)
		}
	}
	sort.Strings(coins)
	return coins
}

// TaintedAt reports whether ts falls inside a tainted lifecycle of coin.
func (r *Reconstruction) TaintedAt(coin string, ts int64) bool {
	for _, iv := range r.Intervals[coin] {
		if iv.Tainted && iv.Contains(ts) {
			return true
		}
	}
	return false
}

// Reconstruct replays fills per coin from a flat state. target is the builder
// the activity should be attributed to; an empty target disables taint.
// Builders are compared case-insensitively.
// Input fills need not be sorted.
func Reconstruct(fills []domain.Fill, target string) (*Reconstruction, error) {
	target = domain.NormalizeAddress(target)

	var coins []string
	byCoin := make(map[string][]domain.Fill)
	for _, f := range fills {
		if err := validate(f); err != nil {
			return nil, err
		}
		if _, ok := byCoin[f.Coin]; !ok {
			coins = append(coins, f.Coin)
		}
		byCoin[f.Coin] = append(byCoin[f.Coin], f)
	}

	rec := &Reconstruction{
		Fills:     make([]domain.Fill, 0, len(fills)),
		Positions: make([]domain.PositionState, 0, len(fills)),
		Intervals: make(map[string][]domain.LifecycleInterval, len(coins)),
		Ending:    make(map[string]Ending, len(coins)),
	}

	for _, coin := range coins {
		series := byCoin[coin]
		sort.SliceStable(series, func(i, j int) bool {
			return series[i].Time < series[j].Time
		})
		r := &replay{coin: coin, target: target}
		if err := r.run(series); err != nil {
			return nil, err
		}
		rec.Fills = append(rec.Fills, r.fills...)
		rec.Positions = append(rec.Positions, r.positions...)
		rec.Intervals[coin] = r.intervals
		rec.Ending[coin] = Ending{NetSize: r.net, AvgEntryPrice: r.avg, Tainted: r.inCycle && r.tainted}
	}

	sortByTime(rec)
	return rec, nil
}

func validate(f domain.Fill) error {
	switch {
	case f.Coin == "":
		return fmt.Errorf("%w: fill %s has no coin", ErrInvariant, f.ID)
	case f.Size.IsNegative():
		return fmt.Errorf("%w: fill %s has negative size %s", ErrInvariant, f.ID, f.Size)
	case f.Price.IsNegative():
		return fmt.Errorf("%w: fill %s has negative price %s", ErrInvariant, f.ID, f.Price)
	case f.Side != domain.SideBuy && f.Side != domain.SideSell:
		return fmt.Errorf("%w: fill %s has side %q", ErrInvariant, f.ID, f.Side)
	}
	return nil
}

// replay is the FLAT/LONG/SHORT state machine for one coin.
type replay struct {
	coin   string
	target string

	net decimal.Decimal
	avg decimal.Decimal

	// current lifecycle
	inCycle  bool
	start    int64
	startIdx int
	tainted  bool

	fills     []domain.Fill
	positions []domain.PositionState
	intervals []domain.LifecycleInterval
}

func (r *replay) run(series []domain.Fill) error {
	for _, f := range series {
		if !r.inCycle {
			r.inCycle = true
			r.start = f.Time
			r.startIdx = len(r.fills)
			r.tainted = false
		}

		f.RealizedPnL = r.apply(f)
		if r.target != "" && domain.NormalizeAddress(f.Builder) != r.target {
			r.tainted = true
		}

		r.fills = append(r.fills, f)
		r.positions = append(r.positions, domain.PositionState{
			Coin:          r.coin,
			Time:          f.Time,
			NetSize:       r.net,
			AvgEntryPrice: r.avg,
		})

		if r.net.IsZero() {
			r.closeLifecycle(f.Time)
			r.inCycle = false
		}
	}

	if r.inCycle {
		if r.net.IsZero() {
			return fmt.Errorf("%w: %s lifecycle left open at zero size", ErrInvariant, r.coin)
		}
		r.closeLifecycle(domain.OpenEnded)
	}
	return nil
}

// apply updates net size and average entry for f and returns its realized PnL.
func (r *replay) apply(f domain.Fill) decimal.Decimal {
	signed := f.SignedSize()
	dir := signed.Sign()
	if f.Size.IsZero() {
		return decimal.Zero
	}

	if r.net.IsZero() || r.net.Sign() == dir {
		held := r.net.Abs()
		size := held.Add(f.Size)
		r.avg = held.Mul(r.avg).Add(f.Size.Mul(f.Price)).Div(size)
		r.net = r.net.Add(signed)
		return decimal.Zero
	}

	before := r.net
	closed := decimal.Min(before.Abs(), f.Size)
	pnl := f.Price.Sub(r.avg).Mul(decimal.NewFromInt(int64(before.Sign()))).Mul(closed)
	r.net = r.net.Add(signed)

	switch {
	case r.net.IsZero():
		r.avg = decimal.Zero
	case r.net.Sign() != before.Sign():
		r.avg = f.Price
	}
	return pnl
}

func (r *replay) closeLifecycle(end int64) {
	if r.tainted {
		for i := r.startIdx; i < len(r.fills); i++ {
			r.fills[i].Tainted = true
			r.positions[i].Tainted = true
		}
	}
	r.intervals = append(r.intervals, domain.LifecycleInterval{
		Coin:    r.coin,
		Start:   r.start,
		End:     end,
		Tainted: r.tainted,
	})
}

// sortByTime orders fills and their positions by time, keeping per-coin
// order on ties.
func sortByTime(rec *Reconstruction) {
	idx := make([]int, len(rec.Fills))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return rec.Fills[idx[a]].Time < rec.Fills[idx[b]].Time
	})

	fills := make([]domain.Fill, len(idx))
	positions := make([]domain.PositionState, len(idx))
	for to, from := range idx {
		fills[to] = rec.Fills[from]
		positions[to] = rec.Positions[from]
	}
	rec.Fills = fills
	rec.Positions = positions
}
