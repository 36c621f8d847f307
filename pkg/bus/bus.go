// Package bus delivers channel messages through a persisted backlog in a
// kv.Store and a live Broadcaster.
package bus

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"devopschat/pkg/channel"
	"devopschat/pkg/kv"
	"devopschat/pkg/logger"
	"devopschat/pkg/metrics"
)

const (
	DefaultPollInterval = time.Second
	DefaultRetention    = 5 * time.Minute

	defaultDedupSize = 1024
)

// Message is one entry of a channel. Timestamp is unix milliseconds.
type Message struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	From      string          `json:"from"`
}

// Handler receives delivered messages. Handlers of one channel are called
// serially from the channel's listener goroutine.
type Handler func(Message)

// Options tunes a MessageBus. Zero values select the defaults.
type Options struct {
	Sender       string
	PollInterval time.Duration
	Retention    time.Duration
	DedupSize    int
	Logger       *slog.Logger
}

// MessageBus is per-channel publish/subscribe over a store and a broadcaster.
type MessageBus struct {
	store       kv.Store
	registry    *channel.Registry
	broadcaster Broadcaster

	sender       string
	pollInterval time.Duration
	retention    time.Duration
	dedupSize    int
	log          *slog.Logger
	now          func() time.Time

	// sendMu keeps the evict-then-write sequence of one process consistent.
	sendMu sync.Mutex

	groups    map[string]*listenerGroup
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
}

func NewMessageBus(store kv.Store, registry *channel.Registry, broadcaster Broadcaster, opts Options) *MessageBus {
	if broadcaster == nil {
		broadcaster = NewHub()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = defaultDedupSize
	}
	if opts.Sender == "" {
		opts.Sender = "localhost"
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	return &MessageBus{
		store:        store,
		registry:     registry,
		broadcaster:  broadcaster,
		sender:       opts.Sender,
		pollInterval: opts.PollInterval,
		retention:    opts.Retention,
		dedupSize:    opts.DedupSize,
		log:          logger.Component(opts.Logger, "bus"),
		now:          time.Now,
		groups:       make(map[string]*listenerGroup),
		done:         make(chan struct{}),
	}
}

// Registry exposes the channel registry the bus writes through.
func (mb *MessageBus) Registry() *channel.Registry {
	return mb.registry
}

// Sender is the name stamped on messages this bus sends.
func (mb *MessageBus) Sender() string {
	return mb.sender
}

// Send stores data as a new message on name and broadcasts it. The channel is
// created with defaults when missing. Once a channel holds maxMessages
// entries, the oldest are evicted so the backlog never exceeds maxMessages.
func (mb *MessageBus) Send(ctx context.Context, name string, data any) (string, error) {
	id, err := mb.send(ctx, name, data)
	if err != nil {
		mb.log.Error("Send failed", "channel", name, "error", err)
		return "", err
	}
	return id, nil
}

func (mb *MessageBus) send(ctx context.Context, name string, data any) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode message data: %w", err)
	}

	mb.sendMu.Lock()
	defer mb.sendMu.Unlock()

	cfg, err := mb.registry.Ensure(ctx, name)
	if err != nil {
		return "", err
	}

	msg := Message{
		ID:        ulid.Make().String(),
		Channel:   name,
		Data:      payload,
		Timestamp: mb.now().UnixMilli(),
		From:      mb.sender,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	if cfg.MaxMessages > 0 {
		if err := mb.evict(ctx, name, cfg.MaxMessages-1); err != nil {
			return "", err
		}
	}

	if err := mb.store.Set(ctx, channel.MessageKey(name, msg.ID), raw); err != nil {
		return "", fmt.Errorf("store message: %w", err)
	}
	metrics.BusMessagesSent.WithLabelValues(name).Inc()

	if err := mb.registry.Touch(ctx, name); err != nil {
		return "", err
	}

	if _, err := mb.CleanupOldMessages(ctx, name); err != nil {
		mb.log.Warn("Sweep failed", "channel", name, "error", err)
	}

	if err := mb.broadcaster.Publish(ctx, name, raw); err != nil {
		mb.log.Warn("Broadcast failed", "channel", name, "error", err)
	}

	mb.log.Debug("Message sent", "channel", name, "id", msg.ID)
	return msg.ID, nil
}

// evict deletes the oldest stored messages until at most keep remain.
func (mb *MessageBus) evict(ctx context.Context, name string, keep int) error {
	backlog, err := mb.backlog(ctx, name)
	if err != nil {
		return err
	}
	if len(backlog) <= keep {
		return nil
	}

	excess := backlog[:len(backlog)-max(keep, 0)]
	for _, entry := range excess {
		if err := mb.store.Delete(ctx, entry.key); err != nil {
			return fmt.Errorf("evict %s: %w", entry.key, err)
		}
	}
	metrics.BusMessagesEvicted.WithLabelValues(name).Add(float64(len(excess)))
	mb.log.Debug("Evicted messages", "channel", name, "count", len(excess))
	return nil
}

// CleanupOldMessages deletes messages older than the bus retention window
// (5 minutes unless configured). Entries that fail to decode are deleted too.
func (mb *MessageBus) CleanupOldMessages(ctx context.Context, name string) (int, error) {
	backlog, err := mb.backlog(ctx, name)
	if err != nil {
		return 0, err
	}

	cutoff := mb.now().Add(-mb.retention).UnixMilli()
	removed := 0
	for _, entry := range backlog {
		if entry.valid && entry.msg.Timestamp >= cutoff {
			continue
		}
		if err := mb.store.Delete(ctx, entry.key); err != nil {
			return removed, fmt.Errorf("sweep %s: %w", entry.key, err)
		}
		removed++
	}

	if removed > 0 {
		metrics.BusMessagesSwept.WithLabelValues(name).Add(float64(removed))
		mb.log.Debug("Swept old messages", "channel", name, "count", removed)
	}
	return removed, nil
}

// Messages returns the stored backlog of name, oldest first.
func (mb *MessageBus) Messages(ctx context.Context, name string) ([]Message, error) {
	backlog, err := mb.backlog(ctx, name)
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(backlog))
	for _, entry := range backlog {
		if entry.valid {
			messages = append(messages, entry.msg)
		}
	}
	return messages, nil
}

// DeleteChannel removes the channel record, its stored messages and its live
// listener group.
func (mb *MessageBus) DeleteChannel(ctx context.Context, name string) error {
	if err := mb.registry.Delete(ctx, name); err != nil {
		return err
	}

	mb.mu.Lock()
	group := mb.groups[name]
	delete(mb.groups, name)
	mb.mu.Unlock()

	if group != nil {
		group.stop()
	}
	return nil
}

// OnMessage registers h for messages on name and returns its unsubscribe
// func. The first handler of a channel starts the listener group; removing
// the last one stops it. Unsubscribe may be called more than once.
func (mb *MessageBus) OnMessage(name string, h Handler) func() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	select {
	case <-mb.done:
		return func() {}
	default:
	}

	group := mb.groups[name]
	if group == nil {
		group = mb.startGroup(name)
		mb.groups[name] = group
	}
	id := group.add(h)

	var once sync.Once
	return func() {
		once.Do(func() {
			mb.mu.Lock()
			empty := group.remove(id)
			if empty && mb.groups[name] == group {
				delete(mb.groups, name)
			}
			mb.mu.Unlock()

			if empty {
				group.stop()
			}
		})
	}
}

// Listening reports whether name has a live listener group.
func (mb *MessageBus) Listening(name string) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	_, ok := mb.groups[name]
	return ok
}

// Close stops every listener group and waits for their goroutines.
func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		groups := make([]*listenerGroup, 0, len(mb.groups))
		for name, group := range mb.groups {
			groups = append(groups, group)
			delete(mb.groups, name)
		}
		mb.mu.Unlock()

		for _, group := range groups {
			group.stop()
			<-group.exited
		}
	})
}

type backlogEntry struct {
	key   string
	msg   Message
	valid bool
}

// backlog loads the stored messages of name ordered by (timestamp, id).
// Undecodable entries sort first with valid=false.
func (mb *MessageBus) backlog(ctx context.Context, name string) ([]backlogEntry, error) {
	if err := channel.ValidateName(name); err != nil {
		return nil, err
	}

	keys, err := mb.store.ListKeys(ctx, channel.MessagePrefix(name))
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", name, err)
	}

	entries := make([]backlogEntry, 0, len(keys))
	for _, key := range keys {
		raw, err := mb.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
		entry := backlogEntry{key: key}
		if json.Unmarshal(raw, &entry.msg) == nil {
			entry.valid = true
		}
		entries = append(entries, entry)
	}

	sortEntries(entries)
	return entries, nil
}

func sortEntries(entries []backlogEntry) {
	slices.SortFunc(entries, compareEntries)
}

func compareEntries(a, b backlogEntry) int {
	if a.valid != b.valid {
		if !a.valid {
			return -1
		}
		return 1
	}
	return cmp.Or(
		cmp.Compare(a.msg.Timestamp, b.msg.Timestamp),
		cmp.Compare(a.msg.ID, b.msg.ID),
		cmp.Compare(a.key, b.key),
	)
}
