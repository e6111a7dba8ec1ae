package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"hlledger/internal/domain"
)

// Default configuration values.
const (
	DefaultBaseURL = "https://api.hyperliquid.xyz"
	DefaultTimeout = 30 * time.Second

	// PageSize is the maximum number of fills the info endpoint returns per call.
	PageSize = 2000
)

// StatusError is returned when the info endpoint answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// RateLimited reports whether the upstream rejected the call for rate.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Client talks to the Hyperliquid info endpoint. Each method makes exactly
// one request; retry policy belongs to the caller.
type Client struct {
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
}

// ClientOption configures Client.
type ClientOption func(*Client)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// NewClient creates a client for the info endpoint under baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		endpoint: strings.TrimRight(baseURL, "/") + "/info",
		client:   &http.Client{Timeout: DefaultTimeout},
		logger:   log.With().Str("component", "upstream").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type fillsRequest struct {
	Type      string `json:"type"`
	User      string `json:"user"`
	StartTime int64  `json:"startTime"`
}

type fundingRequest struct {
	Type      string `json:"type"`
	User      string `json:"user"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

type midsRequest struct {
	Type string `json:"type"`
}

// FillsSince returns up to PageSize fills for address with time >= since,
// oldest first.
func (c *Client) FillsSince(ctx context.Context, address string, since int64) ([]domain.RawFill, error) {
	var fills []domain.RawFill
	err := c.post(ctx, fillsRequest{Type: "userFillsByTime", User: address, StartTime: since}, &fills)
	if err != nil {
		return nil, fmt.Errorf("user fills by time: %w", err)
	}
	return fills, nil
}

// Funding returns the funding records for address within [start, end].
func (c *Client) Funding(ctx context.Context, address string, start, end int64) ([]domain.RawFunding, error) {
	var records []domain.RawFunding
	err := c.post(ctx, fundingRequest{Type: "userFunding", User: address, StartTime: start, EndTime: end}, &records)
	if err != nil {
		return nil, fmt.Errorf("user funding: %w", err)
	}
	return records, nil
}

// MidPrices returns the current mid price per coin. Unparseable entries are
// left out.
func (c *Client) MidPrices(ctx context.Context) (map[string]decimal.Decimal, error) {
	var raw map[string]string
	if err := c.post(ctx, midsRequest{Type: "allMids"}, &raw); err != nil {
		return nil, fmt.Errorf("all mids: %w", err)
	}
	mids := make(map[string]decimal.Decimal, len(raw))
	for coin, v := range raw {
		px, err := decimal.NewFromString(v)
		if err != nil {
			c.logger.Debug().Str("coin", coin).Str("value", v).Msg("skipping unparseable mid")
			continue
		}
		mids[coin] = px
	}
	return mids, nil
}

func (c *Client) post(ctx context.Context, payload interface{}, result interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
