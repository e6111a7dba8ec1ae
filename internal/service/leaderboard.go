package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"hlledger/internal/ledger"
)

// Leaderboard metrics.
const (
	MetricPnL    = "pnl"
	MetricNet    = "net"
	MetricTrades = "trades"
)

// LeaderboardLimit caps the number of ranked addresses.
const LeaderboardLimit = 50

var (
	// ErrInvalidMetric is returned for an unknown leaderboard metric.
	ErrInvalidMetric = errors.New("invalid leaderboard metric")
	// ErrNoStore is returned by operations that need stored fills.
	ErrNoStore = errors.New("no fill store configured")
)

// LeaderboardQuery selects the ranking.
type LeaderboardQuery struct {
	Metric         string
	Target         string
	AttributedOnly bool
}

// LeaderboardEntry is one ranked address.
type LeaderboardEntry struct {
	Rank        int             `json:"rank"`
	Address     string          `json:"user"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	FeesPaid    decimal.Decimal `json:"feesPaid"`
	NetPnL      decimal.Decimal `json:"netPnl"`
	TradeCount  int             `json:"tradeCount"`
	Tainted     bool            `json:"tainted"`
}

// Leaderboard ranks every stored address by metric. It works from stored
// fills only, without funding or marks, and makes no upstream calls.
func (l *Ledger) Leaderboard(ctx context.Context, q LeaderboardQuery) ([]LeaderboardEntry, error) {
	if q.Metric == "" {
		q.Metric = MetricPnL
	}
	key, err := rankKey(q.Metric)
	if err != nil {
		return nil, err
	}
	if l.store == nil {
		return nil, ErrNoStore
	}

	target, err := l.targets.Resolve(ctx, q.Target)
	if err != nil {
		return nil, err
	}
	if q.AttributedOnly && target == "" {
		return nil, ErrNoTarget
	}

	addresses, err := l.store.ListAddresses(ctx)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}

	entries := make([]LeaderboardEntry, 0, len(addresses))
	for _, address := range addresses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := l.store.AllFills(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("load fills for %s: %w", address, err)
		}
		fills, skipped := ledger.ParseFills(raw)
		l.metrics.AddSkipped("fill", skipped)

		rec, err := ledger.Reconstruct(fills, target)
		if err != nil {
			// rank the remaining addresses
			l.logger.Error().Err(err).Str("address", address).Msg("skipping address in leaderboard")
			continue
		}
		report := ledger.Aggregate(rec, nil, nil, ledger.Query{
			Target:         target,
			AttributedOnly: q.AttributedOnly,
		})
		sum := report.Summary
		entries = append(entries, LeaderboardEntry{
			Address:     address,
			RealizedPnL: sum.RealizedPnL,
			FeesPaid:    sum.FeesPaid,
			NetPnL:      sum.RealizedPnL.Sub(sum.FeesPaid),
			TradeCount:  sum.TradeCount,
			Tainted:     sum.Tainted,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if c := key(entries[i]).Cmp(key(entries[j])); c != 0 {
			return c > 0
		}
		return entries[i].Address < entries[j].Address
	})
	if len(entries) > LeaderboardLimit {
		entries = entries[:LeaderboardLimit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

func rankKey(metric string) (func(LeaderboardEntry) decimal.Decimal, error) {
	switch metric {
	case MetricPnL:
		return func(e LeaderboardEntry) decimal.Decimal { return e.RealizedPnL }, nil
	case MetricNet:
		return func(e LeaderboardEntry) decimal.Decimal { return e.NetPnL }, nil
	case MetricTrades:
		return func(e LeaderboardEntry) decimal.Decimal { return decimal.NewFromInt(int64(e.TradeCount)) }, nil
	}
	return nil, fmt.Errorf("%w: %q (want pnl, net or trades)", ErrInvalidMetric, metric)
}
