package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBroadcaster fans out over Redis pub/sub so processes sharing a Redis
// instance see each other's sends live.
type RedisBroadcaster struct {
	client *redis.Client
	prefix string
}

func NewRedisBroadcaster(client *redis.Client, prefix string) *RedisBroadcaster {
	return &RedisBroadcaster{client: client, prefix: prefix + "bc:"}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, b.prefix+channel, payload).Err()
}

// Subscribe returns once Redis has confirmed the subscription, so a publish
// issued after it returns is observed.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, b.prefix+channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		ch:   make(chan []byte, defaultBufferSize),
		stop: make(chan struct{}),
	}
	go sub.forward()
	return sub, nil
}

// Close is a no-op; the client belongs to whoever created it.
func (b *RedisBroadcaster) Close() error {
	return nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	ch   chan []byte
	stop chan struct{}
	once sync.Once
}

func (s *redisSubscription) forward() {
	defer close(s.ch)

	in := s.ps.Channel()
	for {
		select {
		case <-s.stop:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.ch <- []byte(msg.Payload):
			default:
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		err = s.ps.Close()
	})
	return err
}
