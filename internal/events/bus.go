// Package events carries live resolution events from the DNS pipeline
// to HTTP subscribers.
package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/admitrievsky/freeroute/internal/metrics"
)

// TypeResolve is the only event type currently emitted.
const TypeResolve = "resolve"

const (
	busQueueCap       = 1024
	subscriberBufSize = 16
)

// ResolveEvent is one completed DNS resolution. Immutable once
// published.
type ResolveEvent struct {
	Type     string   `json:"type"`
	Remote   string   `json:"remote"`
	Domain   string   `json:"domain"`
	IPs      []string `json:"ips"`
	ListName *string  `json:"list_name"`
}

// NewResolveEvent builds a resolve event; listName may be nil when no
// list matched.
func NewResolveEvent(remote, domain string, ips []string, listName *string) ResolveEvent {
	return ResolveEvent{
		Type:     TypeResolve,
		Remote:   remote,
		Domain:   domain,
		IPs:      ips,
		ListName: listName,
	}
}

// Bus queues published events and fans them out, JSON-serialized, to
// every subscriber in publish order. Slow subscribers backpressure the
// fan-out loop, never each other's ordering.
type Bus struct {
	queue chan ResolveEvent

	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func NewBus() *Bus {
	return &Bus{
		queue: make(chan ResolveEvent, busQueueCap),
		subs:  make(map[chan []byte]struct{}),
	}
}

// Publish enqueues without waiting. When the queue is saturated the
// event is dropped rather than stalling the DNS pipeline.
func (b *Bus) Publish(ctx context.Context, ev ResolveEvent) {
	select {
	case b.queue <- ev:
	default:
		zerolog.Ctx(ctx).Warn().Str("domain", ev.Domain).Msg("event queue full, dropping event")
	}
}

// Subscribe registers a new subscriber queue.
func (b *Bus) Subscribe() chan []byte {
	ch := make(chan []byte, subscriberBufSize)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	metrics.EventSubscribers.Inc()

	return ch
}

// Unsubscribe removes a subscriber queue synchronously.
func (b *Bus) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()

	metrics.EventSubscribers.Dec()
}

// Run fans out events until the context is cancelled.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.queue:
			data, err := json.Marshal(ev)
			if err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("event serialization failed")

				continue
			}

			for _, ch := range b.subscribers() {
				select {
				case ch <- data:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (b *Bus) subscribers() []chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]chan []byte, 0, len(b.subs))
	for ch := range b.subs {
		out = append(out, ch)
	}

	return out
}
