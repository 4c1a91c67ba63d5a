// Package eventbus fans out core events to subscribers with per-subscriber
// bounded queues and back-pressure eviction, generalizing the teacher's
// WebSocket-only realtime.Hub (register/unregister/broadcast channels,
// slow-client eviction under the broadcast case) into a
// register/unregister/broadcast loop over in-process channel subscribers.
// The package has no WebSocket transport.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/credithub/internal/idgen"
	"github.com/mbd888/credithub/internal/metrics"
)

// Kind enumerates the core event kinds.
type Kind string

const (
	KindTxUpdated        Kind = "tx.updated"
	KindTxFailed         Kind = "tx.failed"
	KindClearingDone     Kind = "clearing.done"
	KindTopologyChanged  Kind = "topology.changed"
	KindRunStatus        Kind = "run_status"
	kindLost             Kind = "lost"
)

// Event is one entry on the bus: a durable seq (allocated by the Store's
// event_seq counter before Publish is called), a timestamp, a kind and an
// opaque payload.
type Event struct {
	Seq     int64     `json:"seq"`
	Ts      time.Time `json:"ts"`
	Kind    Kind      `json:"kind"`
	Payload any       `json:"payload"`
}

// LostPayload is the sentinel payload sent to an evicted subscriber so it
// knows where to resync from.
type LostPayload struct {
	LastSeenSeq int64 `json:"last_seen_seq"`
}

// Subscriber receives events through a bounded channel. Delivery to a
// subscriber never blocks: the bus selects non-blockingly against Events() capacity.
type Subscriber struct {
	ID     string
	events chan Event
	lastSeen int64
	mu     sync.Mutex
}

// Events returns the subscriber's read channel. It is closed when the
// subscriber is evicted or the bus shuts down; a close preceded by a
// `lost` event means the subscriber fell behind and must resync via
// snapshot from LastSeenSeq.
func (s *Subscriber) Events() <-chan Event { return s.events }

// LastSeenSeq returns the highest seq this subscriber has been sent.
func (s *Subscriber) LastSeenSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Bus is the per-process event fan-out, grounded in the teacher's
// realtime.Hub run loop.
type Bus struct {
	queueSize int
	logger    *slog.Logger

	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan Event

	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	done chan struct{}
}

// NewBus creates a Bus with the given per-subscriber queue depth.
func NewBus(queueSize int, logger *slog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		queueSize:   queueSize,
		logger:      logger,
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		broadcast:   make(chan Event, queueSize),
		subscribers: make(map[string]*Subscriber),
		done:        make(chan struct{}),
	}
}

// Run drives the bus loop until ctx is cancelled, mirroring the teacher's
// Hub.Run shape.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			for _, sub := range b.subscribers {
				close(sub.events)
			}
			b.subscribers = make(map[string]*Subscriber)
			b.mu.Unlock()
			metrics.EventBusSubscribers.Set(0)
			return

		case sub := <-b.register:
			b.mu.Lock()
			b.subscribers[sub.ID] = sub
			n := len(b.subscribers)
			b.mu.Unlock()
			metrics.EventBusSubscribers.Set(float64(n))

		case sub := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.subscribers[sub.ID]; ok {
				delete(b.subscribers, sub.ID)
				close(sub.events)
			}
			n := len(b.subscribers)
			b.mu.Unlock()
			metrics.EventBusSubscribers.Set(float64(n))

		case ev := <-b.broadcast:
			metrics.EventBusEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
			b.mu.RLock()
			var slow []*Subscriber
			for _, sub := range b.subscribers {
				select {
				case sub.events <- ev:
					sub.mu.Lock()
					sub.lastSeen = ev.Seq
					sub.mu.Unlock()
				default:
					slow = append(slow, sub)
				}
			}
			b.mu.RUnlock()
			if len(slow) > 0 {
				b.evict(slow, ev.Seq)
			}
		}
	}
}

// evict disconnects slow subscribers, first trying to deliver a `lost`
// sentinel so the caller knows the last seq it can trust before resync.
func (b *Bus) evict(subs []*Subscriber, atSeq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range subs {
		if _, ok := b.subscribers[sub.ID]; !ok {
			continue
		}
		sub.mu.Lock()
		lastSeen := sub.lastSeen
		sub.mu.Unlock()
		select {
		case sub.events <- Event{Seq: atSeq, Ts: time.Now(), Kind: kindLost, Payload: LostPayload{LastSeenSeq: lastSeen}}:
		default:
		}
		delete(b.subscribers, sub.ID)
		close(sub.events)
		metrics.EventBusLostSubscribersTotal.Inc()
		if b.logger != nil {
			b.logger.Warn("evicted slow event subscriber", "subscriber_id", sub.ID, "last_seen_seq", lastSeen)
		}
	}
	metrics.EventBusSubscribers.Set(float64(len(b.subscribers)))
}

// Subscribe registers a new subscriber and returns it. The caller must
// call Unsubscribe when done (or let ctx cancellation via Run close it).
func (b *Bus) Subscribe(lastSeenSeq int64) *Subscriber {
	sub := &Subscriber{
		ID:       idgen.WithPrefix("sub_"),
		events:   make(chan Event, b.queueSize),
		lastSeen: lastSeenSeq,
	}
	b.register <- sub
	return sub
}

// Unsubscribe removes a subscriber from the bus.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.unregister <- sub
}

// Publish enqueues ev for fan-out. ev.Seq must already be allocated via
// the Store's NextEventSeq under the session that produced it, preserving
// the ordering guarantee of §5: events from the same worker are emitted
// in commit order.
func (b *Bus) Publish(ev Event) {
	b.broadcast <- ev
}
