package stream

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"hlledger/internal/ingest"
)

// NATSFeed subscribes to the per-address fill subject on core NATS. It sees
// everything published to the fills stream without creating a consumer.
type NATSFeed struct {
	nc *nats.Conn
}

// NewNATSFeed creates a feed on nc.
func NewNATSFeed(nc *nats.Conn) *NATSFeed {
	return &NATSFeed{nc: nc}
}

func (f *NATSFeed) Subscribe(address string, deliver func([]byte)) (func(), error) {
	subject := ingest.SubjectPrefix + address
	ch := make(chan *nats.Msg, sendBuffer)
	sub, err := f.nc.ChanSubscribe(subject, ch)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg := <-ch:
				deliver(msg.Data)
			case <-done:
				return
			}
		}
	}()

	return func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("failed to unsubscribe feed")
		}
		close(done)
	}, nil
}
