package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hlledger/internal/domain"
	"hlledger/internal/observability"
)

const (
	// StreamName is the JetStream stream name for fill events.
	StreamName = "HL_FILLS"
	// SubjectPrefix is the NATS subject prefix for fill events.
	SubjectPrefix = "hlledger.fills."
	// SubjectWildcard subscribes to all fill subjects.
	SubjectWildcard = "hlledger.fills.>"
	// ConsumerName is the durable consumer name.
	ConsumerName = "hlledger-fill-consumer"
)

// FillAppender stores fills idempotently.
type FillAppender interface {
	AppendFills(ctx context.Context, address string, fills []domain.RawFill) (int, error)
}

// EnsureStream creates or updates the fills stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectWildcard},
		Storage:  jetstream.FileStorage,
		MaxBytes: 100 * 1024 * 1024, // 100MB
	})
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	return nil
}

// Consumer stores fill events received via NATS JetStream.
type Consumer struct {
	nc      *nats.Conn
	store   FillAppender
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewConsumer creates a new NATS fill consumer.
func NewConsumer(nc *nats.Conn, store FillAppender, metrics *observability.Metrics) *Consumer {
	return &Consumer{
		nc:      nc,
		store:   store,
		metrics: metrics,
		logger:  log.With().Str("component", "ingest").Logger(),
	}
}

// Start begins consuming fill events. Blocks until context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	js, err := jetstream.New(c.nc)
	if err != nil {
		return fmt.Errorf("create jetstream context: %w", err)
	}
	if err := EnsureStream(ctx, js); err != nil {
		return err
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	c.logger.Info().Msg("started consuming fill events from NATS JetStream")

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.dispatch(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	<-ctx.Done()
	cc.Stop()
	c.logger.Info().Msg("stopped consuming fill events")
	return nil
}

// acker is the subset of jetstream.Msg used to settle a message.
type acker interface {
	Subject() string
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

func (c *Consumer) dispatch(ctx context.Context, msg acker) {
	result, err := c.handle(ctx, msg.Subject(), msg.Data())
	c.metrics.IncIngest(result)
	switch result {
	case resultRejected:
		msg.Term()
	case resultFailed:
		c.logger.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to handle fill message")
		// NAK for redelivery on store errors
		msg.Nak()
	default:
		msg.Ack()
	}
}

const (
	resultStored    = "stored"
	resultDuplicate = "duplicate"
	resultRejected  = "rejected"
	resultFailed    = "failed"
)

func (c *Consumer) handle(ctx context.Context, subject string, data []byte) (string, error) {
	var event FillEvent
	if err := json.Unmarshal(data, &event); err != nil {
		c.logger.Warn().Err(err).Str("subject", subject).Msg("failed to unmarshal fill event, rejecting")
		return resultRejected, nil
	}
	if err := event.Validate(); err != nil {
		c.logger.Warn().Err(err).Str("subject", subject).Msg("invalid fill event, rejecting")
		return resultRejected, nil
	}

	address := domain.NormalizeAddress(event.Address)
	inserted, err := c.store.AppendFills(ctx, address, []domain.RawFill{event.Fill})
	if err != nil {
		return resultFailed, fmt.Errorf("append fill: %w", err)
	}
	if inserted == 0 {
		c.logger.Debug().Str("fill", event.Fill.Key()).Msg("duplicate fill, skipped")
		return resultDuplicate, nil
	}

	c.logger.Info().
		Str("address", address).
		Str("fill", event.Fill.Key()).
		Str("coin", event.Fill.Coin).
		Int64("time", event.Fill.Time).
		Msg("ingested fill")
	return resultStored, nil
}

// ConnectNATS connects to NATS, retrying with exponential backoff until it
// succeeds or ctx is done.
func ConnectNATS(ctx context.Context, urls string, credsFile, creds string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("hlledger"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("disconnected from NATS")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	if creds != "" {
		tmpFile, err := os.CreateTemp("", "nats-creds-*.creds")
		if err != nil {
			return nil, fmt.Errorf("create temp credentials file: %w", err)
		}
		if _, err := tmpFile.WriteString(creds); err != nil {
			tmpFile.Close()
			os.Remove(tmpFile.Name())
			return nil, fmt.Errorf("write credentials: %w", err)
		}
		tmpFile.Close()
		opts = append(opts, nats.UserCredentials(tmpFile.Name()))
	} else if credsFile != "" {
		opts = append(opts, nats.UserCredentials(credsFile))
	}

	backoff := 100 * time.Millisecond
	maxBackoff := 30 * time.Second

	for attempt := 1; ; attempt++ {
		nc, err := nats.Connect(urls, opts...)
		if err == nil {
			log.Info().Str("url", nc.ConnectedUrl()).Int("attempt", attempt).Msg("connected to NATS")
			return nc, nil
		}

		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).
			Msg("failed to connect to NATS, retrying...")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect to NATS: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
