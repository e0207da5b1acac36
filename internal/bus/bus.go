// Package bus is the in-process event bus between the avatar service and
// its observers.
package bus

import (
	"context"
	"log"
	"sync"
)

// DefaultBufSize is the channel buffer used when none is given.
const DefaultBufSize = 256

// MessageBus fans outbound events out to named subscribers and carries
// inbound requests to the host loop.
type MessageBus struct {
	Inbound  chan InboundRequest
	Outbound chan OutboundEvent

	mu          sync.RWMutex
	subscribers map[string]func(OutboundEvent)
	dropped     int
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = DefaultBufSize
	}
	return &MessageBus{
		Inbound:     make(chan InboundRequest, bufSize),
		Outbound:    make(chan OutboundEvent, bufSize),
		subscribers: make(map[string]func(OutboundEvent)),
	}
}

// SubscribeOutbound registers fn under name, replacing any previous
// subscriber with the same name.
func (b *MessageBus) SubscribeOutbound(name string, fn func(OutboundEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[name] = fn
}

func (b *MessageBus) UnsubscribeOutbound(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, name)
}

// Publish queues an outbound event without blocking. A full buffer drops
// the event and returns false.
func (b *MessageBus) Publish(ev OutboundEvent) bool {
	select {
	case b.Outbound <- ev:
		return true
	default:
		b.mu.Lock()
		b.dropped++
		n := b.dropped
		b.mu.Unlock()
		log.Printf("[bus] warning: outbound buffer full, dropped %s event for %s (%d dropped)", ev.Kind, ev.AgentID, n)
		return false
	}
}

// Dropped returns how many events Publish has dropped.
func (b *MessageBus) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// DispatchOutbound delivers outbound events to every subscriber until ctx
// is done.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.Outbound:
			b.mu.RLock()
			subs := make([]func(OutboundEvent), 0, len(b.subscribers))
			for _, fn := range b.subscribers {
				subs = append(subs, fn)
			}
			b.mu.RUnlock()
			for _, fn := range subs {
				fn(ev)
			}
		}
	}
}
