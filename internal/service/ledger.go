// Package service runs ledger requests end to end: sync, reconstruct,
// enrich with funding and marks, aggregate.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"hlledger/internal/domain"
	"hlledger/internal/fetch"
	"hlledger/internal/ledger"
	"hlledger/internal/observability"
)

var (
	// ErrNoTarget is returned for attributed-only requests when no target
	// builder is configured.
	ErrNoTarget = errors.New("no target builder configured")
	// ErrInvalidAddress is returned for malformed user or builder addresses.
	ErrInvalidAddress = errors.New("invalid address")
)

// FillStore persists raw fills per address.
type FillStore interface {
	LatestTimestamp(ctx context.Context, address string) (int64, error)
	AppendFills(ctx context.Context, address string, fills []domain.RawFill) (int, error)
	AllFills(ctx context.Context, address string) ([]domain.RawFill, error)
	ListAddresses(ctx context.Context) ([]string, error)
}

// SettingsStore holds runtime settings.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Collector fetches fill and funding history.
type Collector interface {
	Since(ctx context.Context, address string, since int64) (*fetch.Collection, error)
	Funding(ctx context.Context, address string, start, end int64) ([]domain.RawFunding, error)
}

// MidSource returns the current mid price per coin.
type MidSource interface {
	MidPrices(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Publisher announces newly stored fills.
type Publisher interface {
	PublishFills(ctx context.Context, address string, fills []domain.RawFill) error
}

// Request is one ledger query.
type Request struct {
	Address        string
	Coin           string
	From           *int64
	To             *int64
	Target         string
	AttributedOnly bool
}

// Diagnostics reports degraded inputs behind a result.
type Diagnostics struct {
	SkippedFills       int  `json:"skippedFills"`
	SkippedFunding     int  `json:"skippedFunding"`
	PartialFetch       bool `json:"partialFetch"`
	FundingUnavailable bool `json:"fundingUnavailable"`
	MarksUnavailable   bool `json:"marksUnavailable"`
	NewFills           int  `json:"newFills"`
}

// Result is a processed request.
type Result struct {
	*ledger.Report
	Target      string      `json:"target"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// Ledger wires the collaborators around the reconstruction core.
type Ledger struct {
	store     FillStore
	collector Collector
	mids      MidSource
	publisher Publisher
	targets   *TargetResolver
	metrics   *observability.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore enables incremental sync against s.
func WithStore(s FillStore) Option {
	return func(l *Ledger) { l.store = s }
}

// WithMids sets the mark price source.
func WithMids(m MidSource) Option {
	return func(l *Ledger) { l.mids = m }
}

// WithPublisher announces new fills after each sync.
func WithPublisher(p Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// WithMetrics records service metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// NewLedger creates the service.
func NewLedger(collector Collector, targets *TargetResolver, opts ...Option) *Ledger {
	l := &Ledger{
		collector: collector,
		targets:   targets,
		logger:    log.With().Str("component", "service").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Targets returns the resolver used at the request boundary.
func (l *Ledger) Targets() *TargetResolver {
	return l.targets
}

// Process syncs the address, replays its full history and aggregates it for
// the request.
func (l *Ledger) Process(ctx context.Context, req Request) (*Result, error) {
	if !domain.ValidAddress(req.Address) {
		return nil, fmt.Errorf("%w: user %q", ErrInvalidAddress, req.Address)
	}
	address := domain.NormalizeAddress(req.Address)

	target, err := l.targets.Resolve(ctx, req.Target)
	if err != nil {
		return nil, err
	}
	if req.AttributedOnly && target == "" {
		return nil, ErrNoTarget
	}

	res := &Result{Target: target}
	diag := &res.Diagnostics

	raw, err := l.sync(ctx, address, diag)
	if err != nil {
		return nil, err
	}

	fills, skipped := ledger.ParseFills(raw)
	diag.SkippedFills = skipped
	l.metrics.AddSkipped("fill", skipped)

	start := time.Now()
	rec, err := ledger.Reconstruct(fills, target)
	if err != nil {
		l.metrics.ObserveReconstruct(start, "error")
		return nil, fmt.Errorf("reconstruct %s: %w", address, err)
	}
	l.metrics.ObserveReconstruct(start, "ok")

	q := ledger.Query{
		From:           req.From,
		To:             req.To,
		Coin:           req.Coin,
		Target:         target,
		AttributedOnly: req.AttributedOnly,
	}
	funding := l.funding(ctx, address, q, diag)
	marks := l.marks(ctx, rec, q, diag)

	res.Report = ledger.Aggregate(rec, funding, marks, q)
	l.logger.Debug().
		Str("address", address).
		Str("target", target).
		Int("fills", len(rec.Fills)).
		Int("trades", len(res.Trades)).
		Msg("processed ledger request")
	return res, nil
}

// sync brings the store up to date and returns the full fill history.
func (l *Ledger) sync(ctx context.Context, address string, diag *Diagnostics) ([]domain.RawFill, error) {
	if l.store == nil {
		coll, err := l.collector.Since(ctx, address, 0)
		if err != nil {
			return nil, fmt.Errorf("collect fills: %w", err)
		}
		diag.PartialFetch = coll.Partial
		return coll.Fills, nil
	}

	latest, err := l.store.LatestTimestamp(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("latest timestamp: %w", err)
	}

	// Start at latest, not after it: fills sharing the last stored
	// millisecond may not all have been seen. Dedupe drops the rest.
	coll, err := l.collector.Since(ctx, address, latest)
	if err != nil {
		return nil, fmt.Errorf("collect fills: %w", err)
	}
	diag.PartialFetch = coll.Partial

	inserted, err := l.store.AppendFills(ctx, address, coll.Fills)
	if err != nil {
		return nil, fmt.Errorf("append fills: %w", err)
	}
	diag.NewFills = inserted
	l.metrics.AddFillsAppended(inserted)

	if inserted > 0 {
		l.announce(ctx, address, newSince(coll.Fills, latest))
	}

	fills, err := l.store.AllFills(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("load fills: %w", err)
	}
	return fills, nil
}

// newSince returns the fills strictly after latest, or all of them for an
// address with nothing stored.
func newSince(fills []domain.RawFill, latest int64) []domain.RawFill {
	if latest == 0 {
		return fills
	}
	var out []domain.RawFill
	for _, f := range fills {
		if f.Time > latest {
			out = append(out, f)
		}
	}
	return out
}

func (l *Ledger) announce(ctx context.Context, address string, fills []domain.RawFill) {
	if l.publisher == nil || len(fills) == 0 {
		return
	}
	if err := l.publisher.PublishFills(ctx, address, fills); err != nil {
		l.logger.Warn().Err(err).Str("address", address).Msg("failed to publish new fills")
	}
}

func (l *Ledger) funding(ctx context.Context, address string, q ledger.Query, diag *Diagnostics) []domain.FundingEvent {
	var start int64
	if q.From != nil {
		start = *q.From
	}
	end := l.now().UnixMilli()
	if q.To != nil {
		end = *q.To
	}
	if end < start {
		return nil
	}

	raw, err := l.collector.Funding(ctx, address, start, end)
	if err != nil {
		l.logger.Warn().Err(err).Str("address", address).Msg("funding unavailable, continuing without it")
		diag.FundingUnavailable = true
		return nil
	}
	events, skipped := ledger.ParseFunding(raw)
	diag.SkippedFunding = skipped
	l.metrics.AddSkipped("funding", skipped)
	return events
}

func (l *Ledger) marks(ctx context.Context, rec *ledger.Reconstruction, q ledger.Query, diag *Diagnostics) map[string]decimal.Decimal {
	if l.mids == nil || len(rec.OpenCoins(q.Coin)) == 0 {
		return nil
	}
	marks, err := l.mids.MidPrices(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("mark prices unavailable, skipping unrealized PnL")
		diag.MarksUnavailable = true
		return nil
	}
	return marks
}
