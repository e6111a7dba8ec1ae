// Package pricecache shares current mid prices across requests through Redis.
package pricecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Key is the Redis key holding the latest mids snapshot.
const Key = "hlledger:mids"

// MidSource returns the current mid price per coin.
type MidSource interface {
	MidPrices(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Cache serves mids from Redis and falls back to the source on a miss or a
// Redis failure. It satisfies MidSource itself.
type Cache struct {
	client *redis.Client
	source MidSource
	ttl    time.Duration
	logger zerolog.Logger
}

var _ MidSource = (*Cache)(nil)

// New creates a cache in front of source.
func New(client *redis.Client, source MidSource, ttl time.Duration) *Cache {
	return &Cache{
		client: client,
		source: source,
		ttl:    ttl,
		logger: log.With().Str("component", "pricecache").Logger(),
	}
}

// Connect parses a redis:// URL and returns a client.
func Connect(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (c *Cache) MidPrices(ctx context.Context) (map[string]decimal.Decimal, error) {
	mids, err := c.get(ctx)
	switch {
	case err == nil:
		return mids, nil
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn().Err(err).Msg("mid cache read failed, using upstream")
	}

	mids, err = c.source.MidPrices(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.set(ctx, mids); err != nil {
		c.logger.Warn().Err(err).Msg("mid cache write failed")
	}
	return mids, nil
}

func (c *Cache) get(ctx context.Context) (map[string]decimal.Decimal, error) {
	data, err := c.client.Get(ctx, Key).Bytes()
	if err != nil {
		return nil, err
	}
	var mids map[string]decimal.Decimal
	if err := json.Unmarshal(data, &mids); err != nil {
		return nil, fmt.Errorf("decode cached mids: %w", err)
	}
	return mids, nil
}

func (c *Cache) set(ctx context.Context, mids map[string]decimal.Decimal) error {
	data, err := json.Marshal(mids)
	if err != nil {
		return fmt.Errorf("encode mids: %w", err)
	}
	return c.client.Set(ctx, Key, data, c.ttl).Err()
}
