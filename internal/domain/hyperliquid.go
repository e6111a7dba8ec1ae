package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BuilderInfo is the nested builder attribution some fills carry.
type BuilderInfo struct {
	Builder string `json:"builder"`
}

// RawFill is a fill as returned by the Hyperliquid info endpoint.
// Numeric fields stay strings until Parse.
type RawFill struct {
	Coin          string       `json:"coin"`
	Px            string       `json:"px"`
	Sz            string       `json:"sz"`
	Side          string       `json:"side"`
	Time          int64        `json:"time"`
	StartPosition string       `json:"startPosition,omitempty"`
	Dir           string       `json:"dir,omitempty"`
	ClosedPnl     string       `json:"closedPnl,omitempty"`
	Hash          string       `json:"hash,omitempty"`
	Oid           int64        `json:"oid,omitempty"`
	Crossed       bool         `json:"crossed,omitempty"`
	Fee           string       `json:"fee,omitempty"`
	Tid           int64        `json:"tid,omitempty"`
	FeeToken      string       `json:"feeToken,omitempty"`
	Builder       string       `json:"builder,omitempty"`
	BuilderInfo   *BuilderInfo `json:"builderInfo,omitempty"`
}

// Key returns the stable identity of the fill: the transaction id when
// present, then the order id, otherwise a composite of time, coin and size.
func (r RawFill) Key() string {
	if r.Tid > 0 {
		return fmt.Sprintf("tid:%d", r.Tid)
	}
	if r.Oid > 0 {
		return fmt.Sprintf("oid:%d", r.Oid)
	}
	return fmt.Sprintf("%d_%s_%s", r.Time, r.Coin, r.Sz)
}

// BuilderAddress returns the normalized builder attribution, or "".
func (r RawFill) BuilderAddress() string {
	if r.Builder != "" {
		return NormalizeAddress(r.Builder)
	}
	if r.BuilderInfo != nil {
		return NormalizeAddress(r.BuilderInfo.Builder)
	}
	return ""
}

// ParseSide maps upstream side codes to a Side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "B", "Buy", "buy":
		return SideBuy, nil
	case "A", "Sell", "sell":
		return SideSell, nil
	}
	return "", fmt.Errorf("invalid side: %q", s)
}

// Parse converts the wire record into a Fill.
func (r RawFill) Parse() (Fill, error) {
	if r.Coin == "" {
		return Fill{}, fmt.Errorf("missing required field: coin")
	}
	if r.Time <= 0 {
		return Fill{}, fmt.Errorf("missing required field: time")
	}
	side, err := ParseSide(r.Side)
	if err != nil {
		return Fill{}, err
	}
	sz, err := requiredDecimal("sz", r.Sz)
	if err != nil {
		return Fill{}, err
	}
	px, err := requiredDecimal("px", r.Px)
	if err != nil {
		return Fill{}, err
	}
	fee := decimal.Zero
	if r.Fee != "" {
		if fee, err = decimal.NewFromString(r.Fee); err != nil {
			return Fill{}, fmt.Errorf("invalid fee %q: %w", r.Fee, err)
		}
	}

	return Fill{
		ID:      r.Key(),
		Coin:    r.Coin,
		Side:    side,
		Size:    sz,
		Price:   px,
		Time:    r.Time,
		Fee:     fee,
		Builder: r.BuilderAddress(),
		Hash:    r.Hash,
		TID:     r.Tid,
	}, nil
}

// FundingDelta is the payload of a funding ledger update.
type FundingDelta struct {
	Type        string `json:"type"`
	Coin        string `json:"coin"`
	USDC        string `json:"usdc"`
	Szi         string `json:"szi,omitempty"`
	FundingRate string `json:"fundingRate,omitempty"`
}

// RawFunding is a funding record as returned by the Hyperliquid info endpoint.
type RawFunding struct {
	Time  int64        `json:"time"`
	Hash  string       `json:"hash,omitempty"`
	Delta FundingDelta `json:"delta"`
}

// Parse converts the wire record into a FundingEvent.
func (r RawFunding) Parse() (FundingEvent, error) {
	if r.Delta.Coin == "" {
		return FundingEvent{}, fmt.Errorf("missing required field: coin")
	}
	amount, err := requiredDecimal("usdc", r.Delta.USDC)
	if err != nil {
		return FundingEvent{}, err
	}
	return FundingEvent{Coin: r.Delta.Coin, Time: r.Time, Amount: amount}, nil
}

func requiredDecimal(field, v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, fmt.Errorf("missing required field: %s", field)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", field, v, err)
	}
	return d, nil
}
