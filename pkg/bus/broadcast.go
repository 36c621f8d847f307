package bus

import (
	"context"
	"errors"
	"sync"
)

const defaultBufferSize = 100

// ErrBroadcasterClosed is returned by Publish and Subscribe after Close.
var ErrBroadcasterClosed = errors.New("broadcaster closed")

// Broadcaster is live, non-durable fan-out keyed by channel name. Delivery is
// best-effort: nothing is replayed to subscribers that join later.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Subscription is one live listener on a broadcast channel. Messages is
// closed once the subscription ends.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Hub is the in-process Broadcaster.
type Hub struct {
	subscribers map[string]map[uint64]chan []byte
	nextID      uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[uint64]chan []byte),
		done:        make(chan struct{}),
	}
}

func (h *Hub) Publish(ctx context.Context, channel string, payload []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrBroadcasterClosed
	default:
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers[channel] {
		select {
		case ch <- payload:
		default:
			// Drop instead of blocking the publisher on slow subscribers.
		}
	}
	return nil
}

func (h *Hub) Subscribe(_ context.Context, channel string) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		return nil, ErrBroadcasterClosed
	default:
	}

	id := h.nextID
	h.nextID++
	ch := make(chan []byte, defaultBufferSize)
	if h.subscribers[channel] == nil {
		h.subscribers[channel] = make(map[uint64]chan []byte)
	}
	h.subscribers[channel][id] = ch

	return &hubSubscription{hub: h, channel: channel, id: id, ch: ch}, nil
}

// Close ends every subscription.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		for channel, subs := range h.subscribers {
			for id, ch := range subs {
				close(ch)
				delete(subs, id)
			}
			delete(h.subscribers, channel)
		}
		h.mu.Unlock()
	})
	return nil
}

func (h *Hub) remove(channel string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[channel]
	if ch, ok := subs[id]; ok {
		delete(subs, id)
		close(ch)
	}
	if len(subs) == 0 {
		delete(h.subscribers, channel)
	}
}

type hubSubscription struct {
	hub     *Hub
	channel string
	id      uint64
	ch      chan []byte
	once    sync.Once
}

func (s *hubSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *hubSubscription) Close() error {
	s.once.Do(func() {
		s.hub.remove(s.channel, s.id)
	})
	return nil
}
