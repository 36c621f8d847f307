package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"devopschat/pkg/channel"
	"devopschat/pkg/kv"
	"devopschat/pkg/metrics"
)

const (
	pathBroadcast = "broadcast"
	pathPoll      = "poll"
)

type handlerEntry struct {
	id uint64
	h  Handler
}

// listenerGroup owns the delivery goroutine of one channel.
type listenerGroup struct {
	channel      string
	store        kv.Store
	sub          Subscription
	pollInterval time.Duration
	log          *slog.Logger

	seen *lru.Cache[string, struct{}]

	mu       sync.Mutex
	handlers []handlerEntry
	nextID   uint64

	cancel   context.CancelFunc
	stopOnce sync.Once
	exited   chan struct{}
}

func (mb *MessageBus) startGroup(name string) *listenerGroup {
	ctx, cancel := context.WithCancel(context.Background())

	// Size is positive, so New cannot fail.
	seen, _ := lru.New[string, struct{}](mb.dedupSize)

	g := &listenerGroup{
		channel:      name,
		store:        mb.store,
		pollInterval: mb.pollInterval,
		log:          mb.log.With("channel", name),
		seen:         seen,
		cancel:       cancel,
		exited:       make(chan struct{}),
	}

	sub, err := mb.broadcaster.Subscribe(ctx, name)
	if err != nil {
		g.log.Warn("Broadcast subscribe failed, polling only", "error", err)
	} else {
		g.sub = sub
	}

	metrics.BusListenerGroups.Inc()
	go g.run(ctx)
	return g
}

func (g *listenerGroup) add(h Handler) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextID
	g.nextID++
	g.handlers = append(g.handlers, handlerEntry{id: id, h: h})
	return id
}

// remove drops a handler and reports whether none are left.
func (g *listenerGroup) remove(id uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, entry := range g.handlers {
		if entry.id == id {
			g.handlers = append(g.handlers[:i], g.handlers[i+1:]...)
			break
		}
	}
	return len(g.handlers) == 0
}

func (g *listenerGroup) snapshot() []handlerEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]handlerEntry(nil), g.handlers...)
}

// stop signals the goroutine to exit. It does not wait, so it is safe to call
// from inside a handler.
func (g *listenerGroup) stop() {
	g.stopOnce.Do(func() {
		g.cancel()
		metrics.BusListenerGroups.Dec()
	})
}

func (g *listenerGroup) run(ctx context.Context) {
	defer close(g.exited)

	var live <-chan []byte
	if g.sub != nil {
		live = g.sub.Messages()
		defer func() { _ = g.sub.Close() }()
	}

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-live:
			if !ok {
				live = nil
				continue
			}
			var msg Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				g.log.Debug("Dropping undecodable broadcast", "error", err)
				continue
			}
			g.deliver(ctx, msg, pathBroadcast)
		case <-ticker.C:
			g.poll(ctx)
		}
	}
}

// poll claims every stored message of the channel, oldest first, and
// delivers it.
func (g *listenerGroup) poll(ctx context.Context) {
	keys, err := g.store.ListKeys(ctx, channel.MessagePrefix(g.channel))
	if err != nil {
		if ctx.Err() == nil {
			g.log.Warn("Poll failed", "error", err)
		}
		return
	}
	if len(keys) == 0 {
		return
	}

	pending := make([]backlogEntry, 0, len(keys))
	for _, key := range keys {
		raw, err := g.store.Get(ctx, key)
		if err != nil {
			continue
		}
		entry := backlogEntry{key: key}
		entry.valid = json.Unmarshal(raw, &entry.msg) == nil
		pending = append(pending, entry)
	}
	sortEntries(pending)

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}

		raw, err := kv.Take(ctx, g.store, entry.key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			g.log.Warn("Claim failed", "key", entry.key, "error", err)
			continue
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			g.log.Debug("Discarded undecodable message", "key", entry.key)
			continue
		}
		g.deliver(ctx, msg, pathPoll)
	}
}

func (g *listenerGroup) deliver(ctx context.Context, msg Message, path string) {
	if ctx.Err() != nil {
		return
	}
	if msg.ID != "" {
		if g.seen.Contains(msg.ID) {
			return
		}
		g.seen.Add(msg.ID, struct{}{})
	}

	for _, entry := range g.snapshot() {
		g.invoke(entry.h, msg)
	}
	metrics.BusMessagesDelivered.WithLabelValues(g.channel, path).Inc()
}

func (g *listenerGroup) invoke(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BusHandlerPanics.WithLabelValues(g.channel).Inc()
			g.log.Error("Handler panicked", "id", msg.ID, "panic", r)
		}
	}()
	h(msg)
}
