package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"hlledger/internal/domain"
	"hlledger/internal/observability"
)

// ErrRetriesExhausted is returned when every attempt against the upstream failed.
var ErrRetriesExhausted = errors.New("upstream retries exhausted")

// FillSource returns one page of fills with time >= since, oldest first.
type FillSource interface {
	FillsSince(ctx context.Context, address string, since int64) ([]domain.RawFill, error)
}

// FundingSource returns funding records within [start, end].
type FundingSource interface {
	Funding(ctx context.Context, address string, start, end int64) ([]domain.RawFunding, error)
}

// Source is the upstream the collector reads from.
type Source interface {
	FillSource
	FundingSource
}

// Policy holds the fetch tuning knobs.
type Policy struct {
	MinDelay           time.Duration
	MaxAttempts        int
	RetryWait          time.Duration
	PageSize           int
	Workers            int
	PartitionThreshold time.Duration
	Lookahead          time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
// Partitioning is off because Workers is 1.
func DefaultPolicy() Policy {
	return Policy{
		MinDelay:           50 * time.Millisecond,
		MaxAttempts:        5,
		RetryWait:          5 * time.Second,
		PageSize:           2000,
		Workers:            1,
		PartitionThreshold: 7 * 24 * time.Hour,
		Lookahead:          7 * 24 * time.Hour,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.PageSize <= 0 {
		p.PageSize = d.PageSize
	}
	if p.Workers <= 0 {
		p.Workers = d.Workers
	}
	if p.PartitionThreshold <= 0 {
		p.PartitionThreshold = d.PartitionThreshold
	}
	if p.Lookahead < 0 {
		p.Lookahead = 0
	}
	return p
}

// ChunkFetcher retrieves single pages from the upstream with a minimum delay
// between calls and a bounded number of attempts. A ChunkFetcher belongs to
// one worker; its throttle is not shared with other fetchers.
type ChunkFetcher struct {
	src     FillSource
	limiter *rate.Limiter
	policy  Policy
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewChunkFetcher creates a fetcher over src.
func NewChunkFetcher(src FillSource, policy Policy, metrics *observability.Metrics) *ChunkFetcher {
	policy = policy.withDefaults()
	limit := rate.Inf
	if policy.MinDelay > 0 {
		limit = rate.Every(policy.MinDelay)
	}
	return &ChunkFetcher{
		src:     src,
		limiter: rate.NewLimiter(limit, 1),
		policy:  policy,
		metrics: metrics,
		logger:  log.With().Str("component", "fetch").Logger(),
	}
}

// Fetch returns the page of fills starting at since. When all attempts fail
// the error wraps ErrRetriesExhausted.
func (f *ChunkFetcher) Fetch(ctx context.Context, address string, since int64) ([]domain.RawFill, error) {
	var page []domain.RawFill
	err := f.do(ctx, "fills", func(ctx context.Context) error {
		var err error
		page, err = f.src.FillsSince(ctx, address, since)
		return err
	})
	if err != nil {
		return nil, err
	}
	f.metrics.IncFetchPages()
	return page, nil
}

// do runs call under the throttle, retrying with a fixed wait.
func (f *ChunkFetcher) do(ctx context.Context, request string, call func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= f.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.policy.RetryWait):
			}
		}
		if err := f.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("rate limiter: %w", err)
		}

		start := time.Now()
		err := call(ctx)
		f.metrics.ObserveUpstream(request, start)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		if attempt < f.policy.MaxAttempts {
			f.metrics.IncFetchRetries()
			f.logger.Warn().Err(err).
				Str("request", request).
				Int("attempt", attempt).
				Dur("wait", f.policy.RetryWait).
				Msg("upstream call failed, retrying")
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, f.policy.MaxAttempts, lastErr)
}
