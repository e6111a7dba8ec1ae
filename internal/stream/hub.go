// Package stream fans fill events out to live subscribers, one actor per
// address.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hlledger/internal/domain"
	"hlledger/internal/ingest"
	"hlledger/internal/observability"
)

// sendBuffer is the per-subscriber queue. A subscriber that falls this far
// behind is dropped.
const sendBuffer = 64

// Feed delivers raw messages for an address until the returned stop
// function is called.
type Feed interface {
	Subscribe(address string, deliver func([]byte)) (stop func(), err error)
}

// Subscription is one live listener on an address.
type Subscription struct {
	ID      string
	Address string

	send  chan []byte
	hub   *Hub
	once  sync.Once
	actor *actor
}

// C returns the message channel. It is closed when the subscription ends,
// including when the hub drops a slow subscriber.
func (s *Subscription) C() <-chan []byte {
	return s.send
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}

// Hub routes messages to per-address actors. Actors start with their first
// subscriber and stop after the last one leaves.
type Hub struct {
	feed    Feed
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu     sync.Mutex
	actors map[string]*actor
	total  int
}

// NewHub creates a hub. feed may be nil, in which case only Broadcast and
// PublishFills deliver messages.
func NewHub(feed Feed, metrics *observability.Metrics) *Hub {
	return &Hub{
		feed:    feed,
		metrics: metrics,
		logger:  log.With().Str("component", "stream").Logger(),
		actors:  make(map[string]*actor),
	}
}

// Subscribe registers a new subscriber for address.
func (h *Hub) Subscribe(address string) (*Subscription, error) {
	address = domain.NormalizeAddress(address)

	h.mu.Lock()
	a, ok := h.actors[address]
	if !ok {
		var err error
		a, err = h.startActor(address)
		if err != nil {
			h.mu.Unlock()
			return nil, err
		}
		h.actors[address] = a
	}
	a.refs++
	h.total++
	h.metrics.SetSubscribers(h.total)
	h.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.NewString(),
		Address: address,
		send:    make(chan []byte, sendBuffer),
		hub:     h,
		actor:   a,
	}
	a.register <- sub
	return sub, nil
}

func (h *Hub) unsubscribe(sub *Subscription) {
	a := sub.actor

	h.mu.Lock()
	a.refs--
	h.total--
	h.metrics.SetSubscribers(h.total)
	last := a.refs == 0
	if last {
		delete(h.actors, sub.Address)
	}
	h.mu.Unlock()

	if last {
		close(a.quit)
		<-a.done
		return
	}
	select {
	case a.unregister <- sub:
	case <-a.done:
	}
}

// Broadcast delivers data to the current subscribers of address, if any.
func (h *Hub) Broadcast(address string, data []byte) {
	h.mu.Lock()
	a, ok := h.actors[domain.NormalizeAddress(address)]
	h.mu.Unlock()
	if !ok {
		return
	}
	a.deliver(data)
}

// PublishFills broadcasts fills locally in the same encoding the NATS feed
// carries. It lets the hub stand in for the NATS publisher.
func (h *Hub) PublishFills(ctx context.Context, address string, fills []domain.RawFill) error {
	address = domain.NormalizeAddress(address)
	for _, f := range fills {
		data, err := json.Marshal(ingest.FillEvent{Address: address, Fill: f})
		if err != nil {
			return fmt.Errorf("marshal fill event: %w", err)
		}
		h.Broadcast(address, data)
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

func (h *Hub) startActor(address string) (*actor, error) {
	a := &actor{
		address:    address,
		register:   make(chan *Subscription),
		unregister: make(chan *Subscription),
		inbox:      make(chan []byte, sendBuffer),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		subs:       make(map[*Subscription]struct{}),
		hub:        h,
	}
	if h.feed != nil {
		stop, err := h.feed.Subscribe(address, a.deliver)
		if err != nil {
			return nil, fmt.Errorf("open feed for %s: %w", address, err)
		}
		a.stopFeed = stop
	}
	go a.run()
	h.logger.Debug().Str("address", address).Msg("started address actor")
	return a, nil
}

// actor owns the subscriber set of one address.
type actor struct {
	address    string
	register   chan *Subscription
	unregister chan *Subscription
	inbox      chan []byte
	quit       chan struct{}
	done       chan struct{}
	stopFeed   func()
	hub        *Hub

	// guarded by Hub.mu
	refs int

	// owned by run
	subs map[*Subscription]struct{}
}

func (a *actor) deliver(data []byte) {
	select {
	case a.inbox <- data:
	case <-a.quit:
	}
}

func (a *actor) run() {
	defer close(a.done)
	for {
		select {
		case sub := <-a.register:
			a.subs[sub] = struct{}{}
		case sub := <-a.unregister:
			a.remove(sub)
		case data := <-a.inbox:
			a.fanOut(data)
		case <-a.quit:
			if a.stopFeed != nil {
				a.stopFeed()
			}
			for sub := range a.subs {
				a.remove(sub)
			}
			a.hub.logger.Debug().Str("address", a.address).Msg("stopped address actor")
			return
		}
	}
}

func (a *actor) fanOut(data []byte) {
	for sub := range a.subs {
		select {
		case sub.send <- data:
		default:
			a.hub.logger.Warn().Str("subscriber", sub.ID).Str("address", a.address).
				Msg("dropping slow subscriber")
			a.hub.metrics.IncStreamDropped()
			a.remove(sub)
		}
	}
}

func (a *actor) remove(sub *Subscription) {
	if _, ok := a.subs[sub]; !ok {
		return
	}
	delete(a.subs, sub)
	close(sub.send)
}
