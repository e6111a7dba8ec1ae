package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hlledger/internal/domain"
)

// Publisher announces newly stored fills on the fills stream.
type Publisher struct {
	js     jetstream.JetStream
	logger zerolog.Logger
}

// NewPublisher creates a publisher and makes sure the stream exists.
func NewPublisher(ctx context.Context, nc *nats.Conn) (*Publisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	if err := EnsureStream(ctx, js); err != nil {
		return nil, err
	}
	return &Publisher{
		js:     js,
		logger: log.With().Str("component", "publisher").Logger(),
	}, nil
}

// PublishFills publishes one event per fill. It stops at the first failure.
func (p *Publisher) PublishFills(ctx context.Context, address string, fills []domain.RawFill) error {
	address = domain.NormalizeAddress(address)
	for _, f := range fills {
		event := FillEvent{Address: address, Fill: f}
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal fill event: %w", err)
		}
		if _, err := p.js.Publish(ctx, event.Subject(), data, jetstream.WithMsgID(address+":"+f.Key())); err != nil {
			return fmt.Errorf("publish fill %s: %w", f.Key(), err)
		}
	}
	p.logger.Debug().Str("address", address).Int("count", len(fills)).Msg("published fills")
	return nil
}
