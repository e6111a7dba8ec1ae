package domain

import (
	"math"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Side represents the trade direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OpenEnded is the end timestamp of a lifecycle that has not closed.
const OpenEnded int64 = math.MaxInt64

// Fill is a single executed trade on one coin, parsed into exact decimals.
// RealizedPnL and Tainted are assigned once, during reconstruction.
type Fill struct {
	ID          string          `json:"id"`
	Coin        string          `json:"coin"`
	Side        Side            `json:"side"`
	Size        decimal.Decimal `json:"sz"`
	Price       decimal.Decimal `json:"px"`
	Time        int64           `json:"time"`
	Fee         decimal.Decimal `json:"fee"`
	Builder     string          `json:"builder,omitempty"`
	Hash        string          `json:"hash,omitempty"`
	TID         int64           `json:"tid,omitempty"`
	RealizedPnL decimal.Decimal `json:"closedPnl"`
	Tainted     bool            `json:"tainted"`
}

// SignedSize returns the size with the sign of the fill direction.
func (f Fill) SignedSize() decimal.Decimal {
	if f.Side == SideSell {
		return f.Size.Neg()
	}
	return f.Size
}

// FundingEvent is a funding payment on one coin. Positive amounts are received.
type FundingEvent struct {
	Coin   string          `json:"coin"`
	Time   int64           `json:"time"`
	Amount decimal.Decimal `json:"amount"`
}

// PositionState is the position on a coin right after a fill.
type PositionState struct {
	Coin          string          `json:"coin"`
	Time          int64           `json:"timeMs"`
	NetSize       decimal.Decimal `json:"netSize"`
	AvgEntryPrice decimal.Decimal `json:"avgEntryPx"`
	Tainted       bool            `json:"tainted"`
}

// LifecycleInterval spans the fills of one coin between two flat states.
// End is OpenEnded while the position is still open.
type LifecycleInterval struct {
	Coin    string `json:"coin"`
	Start   int64  `json:"start"`
	End     int64  `json:"end"`
	Tainted bool   `json:"tainted"`
}

// Contains reports whether ts falls inside the interval, bounds included.
func (l LifecycleInterval) Contains(ts int64) bool {
	return l.Start <= ts && ts <= l.End
}

// Open reports whether the lifecycle is still open.
func (l LifecycleInterval) Open() bool {
	return l.End == OpenEnded
}

// PnLHistoryEntry is one point of the cumulative PnL curve.
type PnLHistoryEntry struct {
	Time        int64           `json:"time"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	FeesPaid    decimal.Decimal `json:"feesPaid"`
	FundingPaid decimal.Decimal `json:"fundingPaid"`
	NetPnL      decimal.Decimal `json:"netPnl"`
	Tainted     bool            `json:"tainted"`
}

// PnLSummary aggregates PnL over a window.
type PnLSummary struct {
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	FeesPaid      decimal.Decimal `json:"feesPaid"`
	FundingPaid   decimal.Decimal `json:"fundingPaid"`
	TradeCount    int             `json:"tradeCount"`
	Tainted       bool            `json:"tainted"`
}

// NetPnL is realized PnL plus funding minus fees.
func (s PnLSummary) NetPnL() decimal.Decimal {
	return s.RealizedPnL.Add(s.FundingPaid).Sub(s.FeesPaid)
}

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidAddress reports whether s is a 0x-prefixed 20-byte hex address.
func ValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// NormalizeAddress lowercases and trims an address for comparison.
func NormalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
