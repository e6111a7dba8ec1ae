package fetch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"hlledger/internal/domain"
	"hlledger/internal/observability"
)

// Collection is the result of a range collection. Partial is set when a
// page could not be fetched and collection stopped early.
type Collection struct {
	Fills   []domain.RawFill
	Partial bool
	Pages   int
}

// Collector drives ChunkFetcher across a time window.
type Collector struct {
	src     Source
	policy  Policy
	fetcher *ChunkFetcher
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewCollector creates a collector over src.
func NewCollector(src Source, policy Policy, metrics *observability.Metrics) *Collector {
	policy = policy.withDefaults()
	return &Collector{
		src:     src,
		policy:  policy,
		fetcher: NewChunkFetcher(src, policy, metrics),
		metrics: metrics,
		logger:  log.With().Str("component", "fetch").Logger(),
		now:     time.Now,
	}
}

// Since collects every fill from since up to now plus the lookahead window.
func (c *Collector) Since(ctx context.Context, address string, since int64) (*Collection, error) {
	end := c.now().Add(c.policy.Lookahead).UnixMilli()
	return c.Collect(ctx, address, since, end)
}

// Collect returns the fills in [start, end], sorted by time and
// deduplicated by fill key.
func (c *Collector) Collect(ctx context.Context, address string, start, end int64) (*Collection, error) {
	if end < start {
		return &Collection{Fills: []domain.RawFill{}}, nil
	}

	// the span that can hold fills stops at now, whatever the lookahead
	horizon := end
	if now := c.now().UnixMilli(); now < horizon {
		horizon = now
	}
	span := time.Duration(horizon-start) * time.Millisecond
	if c.policy.Workers > 1 && span > c.policy.PartitionThreshold {
		return c.collectPartitioned(ctx, address, start, horizon, end)
	}

	seg, err := c.collectRange(ctx, c.fetcher, address, start, end)
	if err != nil {
		return nil, err
	}
	return c.finish([]segmentResult{seg}), nil
}

// Funding returns the funding records for [start, end] under the same retry
// policy as fill pages.
func (c *Collector) Funding(ctx context.Context, address string, start, end int64) ([]domain.RawFunding, error) {
	var records []domain.RawFunding
	err := c.fetcher.do(ctx, "funding", func(ctx context.Context) error {
		var err error
		records, err = c.src.Funding(ctx, address, start, end)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch funding: %w", err)
	}
	return records, nil
}

// MidSource returns the current mid price per coin.
type MidSource interface {
	MidPrices(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Mids wraps src so mid price calls share the throttle and retry policy of
// fill pages.
func (c *Collector) Mids(src MidSource) MidSource {
	return &policyMids{src: src, fetcher: c.fetcher}
}

type policyMids struct {
	src     MidSource
	fetcher *ChunkFetcher
}

func (m *policyMids) MidPrices(ctx context.Context) (map[string]decimal.Decimal, error) {
	var mids map[string]decimal.Decimal
	err := m.fetcher.do(ctx, "mids", func(ctx context.Context) error {
		var err error
		mids, err = m.src.MidPrices(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch mids: %w", err)
	}
	return mids, nil
}

type segmentResult struct {
	fills   []domain.RawFill
	pages   int
	partial bool
}

func (c *Collector) collectRange(ctx context.Context, f *ChunkFetcher, address string, start, end int64) (segmentResult, error) {
	var res segmentResult
	cursor := start

	for {
		page, err := f.Fetch(ctx, address, cursor)
		if err != nil {
			if errors.Is(err, ErrRetriesExhausted) {
				c.logger.Warn().Err(err).
					Str("address", address).
					Int64("cursor", cursor).
					Int("collected", len(res.fills)).
					Msg("giving up on range, returning partial fills")
				res.partial = true
				return res, nil
			}
			return res, fmt.Errorf("fetch page at %d: %w", cursor, err)
		}
		res.pages++

		if len(page) == 0 {
			return res, nil
		}
		for _, fill := range page {
			if fill.Time <= end {
				res.fills = append(res.fills, fill)
			}
		}

		last := page[len(page)-1].Time
		if len(page) < f.policy.PageSize || last > end || last <= cursor {
			return res, nil
		}
		cursor = last + 1
	}
}

// collectPartitioned splits [start, horizon] across workers. The last segment
// runs on to end.
func (c *Collector) collectPartitioned(ctx context.Context, address string, start, horizon, end int64) (*Collection, error) {
	segments := partition(start, horizon, c.policy.Workers)
	segments[len(segments)-1][1] = end
	results := make([]segmentResult, len(segments))

	c.logger.Debug().
		Str("address", address).
		Int("segments", len(segments)).
		Msg("collecting range in parallel")

	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range segments {
		i, seg := i, seg
		g.Go(func() error {
			f := NewChunkFetcher(c.src, c.policy, c.metrics)
			res, err := c.collectRange(gctx, f, address, seg[0], seg[1])
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return c.finish(results), nil
}

func (c *Collector) finish(results []segmentResult) *Collection {
	out := &Collection{}
	var all []domain.RawFill
	for _, r := range results {
		all = append(all, r.fills...)
		out.Pages += r.pages
		out.Partial = out.Partial || r.partial
	}
	out.Fills = MergeFills(all)
	if out.Partial {
		c.metrics.IncFetchPartial()
	}
	return out
}

// partition splits [start, end] into at most n disjoint inclusive segments.
func partition(start, end int64, n int) [][2]int64 {
	total := end - start + 1
	if n < 1 {
		n = 1
	}
	if int64(n) > total {
		n = int(total)
	}
	size := total / int64(n)

	segments := make([][2]int64, 0, n)
	s := start
	for i := 0; i < n; i++ {
		e := s + size - 1
		if i == n-1 {
			e = end
		}
		segments = append(segments, [2]int64{s, e})
		s = e + 1
	}
	return segments
}

// MergeFills sorts fills by time, keeping input order on ties, and drops
// repeated keys. The first occurrence of a key wins.
func MergeFills(fills []domain.RawFill) []domain.RawFill {
	sorted := make([]domain.RawFill, len(fills))
	copy(sorted, fills)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time < sorted[j].Time
	})

	seen := make(map[string]struct{}, len(sorted))
	out := make([]domain.RawFill, 0, len(sorted))
	for _, f := range sorted {
		key := f.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, f)
	}
	return out
}
