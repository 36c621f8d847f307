package bus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"devopschat/pkg/channel"
	"devopschat/pkg/kv"
)

const testPoll = 20 * time.Millisecond

func newTestBus(t *testing.T) (*MessageBus, kv.Store) {
	t.Helper()
	store := kv.NewMemoryStore()
	mb := NewMessageBus(store, channel.NewRegistry(store, nil), NewHub(), Options{
		Sender:       "test-host",
		PollInterval: testPoll,
	})
	t.Cleanup(mb.Close)
	return mb, store
}

func payloads(t *testing.T, messages []Message) []string {
	t.Helper()
	out := make([]string, 0, len(messages))
	for _, msg := range messages {
		var s string
		require.NoError(t, json.Unmarshal(msg.Data, &s))
		out = append(out, s)
	}
	return out
}

func TestSendEvictsOldest(t *testing.T) {
	mb, _ := newTestBus(t)
	ctx := context.Background()

	_, err := mb.Registry().Create(ctx, "global", channel.WithMaxMessages(2))
	require.NoError(t, err)

	for _, data := range []string{"A", "B", "C"} {
		id, err := mb.Send(ctx, "global", data)
		require.NoError(t, err)
		require.NotEmpty(t, id)
	}

	messages, err := mb.Messages(ctx, "global")
	require.NoError(t, err)
	require.Equal(t, []string{"B", "C"}, payloads(t, messages))
}

func TestRetentionIsExactlyMaxMessages(t *testing.T) {
	mb, _ := newTestBus(t)
	ctx := context.Background()

	_, err := mb.Registry().Create(ctx, "deploys", channel.WithMaxMessages(5))
	require.NoError(t, err)

	var ids []string
	for i := range 12 {
		id, err := mb.Send(ctx, "deploys", i)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	messages, err := mb.Messages(ctx, "deploys")
	require.NoError(t, err)
	require.Len(t, messages, 5)
	for i, msg := range messages {
		require.Equal(t, ids[7+i], msg.ID)
	}
}

func TestSendAutoCreatesChannel(t *testing.T) {
	mb, _ := newTestBus(t)
	ctx := context.Background()

	id, err := mb.Send(ctx, "fresh", map[string]any{"k": "v"})
	require.NoError(t, err)

	cfg, err := mb.Registry().Get(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, channel.DefaultMaxMessages, cfg.MaxMessages)

	messages, err := mb.Messages(ctx, "fresh")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, id, messages[0].ID)
	require.Equal(t, "test-host", messages[0].From)
	require.Equal(t, "fresh", messages[0].Channel)
	require.JSONEq(t, `{"k":"v"}`, string(messages[0].Data))
}

func TestSendRejectsInvalidChannel(t *testing.T) {
	mb, _ := newTestBus(t)

	id, err := mb.Send(context.Background(), "bad:name", "x")
	require.ErrorIs(t, err, channel.ErrInvalidName)
	require.Empty(t, id)
}

func TestOnMessageDeliversExactlyOnce(t *testing.T) {
	mb, store := newTestBus(t)
	ctx := context.Background()

	var (
		mu  sync.Mutex
		got []string
	)
	unsubscribe := mb.OnMessage("global", func(msg Message) {
		mu.Lock()
		got = append(got, msg.ID)
		mu.Unlock()
	})
	defer unsubscribe()

	id, err := mb.Send(ctx, "global", "hello")
	require.NoError(t, err)

	// Wait for the poller to claim the stored copy as well.
	require.Eventually(t, func() bool {
		keys, err := store.ListKeys(ctx, channel.MessagePrefix("global"))
		return err == nil && len(keys) == 0
	}, 2*time.Second, testPoll)
	time.Sleep(3 * testPoll)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{id}, got)
}

func TestOnMessageDeliversStoredBacklog(t *testing.T) {
	mb, _ := newTestBus(t)
	ctx := context.Background()

	first, err := mb.Send(ctx, "navigation", "first")
	require.NoError(t, err)
	second, err := mb.Send(ctx, "navigation", "second")
	require.NoError(t, err)

	received := make(chan string, 4)
	unsubscribe := mb.OnMessage("navigation", func(msg Message) {
		received <- msg.ID
	})
	defer unsubscribe()

	for _, want := range []string{first, second} {
		select {
		case id := <-received:
			require.Equal(t, want, id)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for backlog delivery")
		}
	}
}

func TestHandlerPanicDoesNotStopOthers(t *testing.T) {
	mb, _ := newTestBus(t)

	var calls atomic.Int32
	unsubA := mb.OnMessage("global", func(Message) {
		panic("boom")
	})
	defer unsubA()
	unsubB := mb.OnMessage("global", func(Message) {
		calls.Add(1)
	})
	defer unsubB()

	_, err := mb.Send(context.Background(), "global", "one")
	require.NoError(t, err)
	_, err = mb.Send(context.Background(), "global", "two")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestUnsubscribeTearsDownGroup(t *testing.T) {
	mb, _ := newTestBus(t)

	unsubA := mb.OnMessage("global", func(Message) {})
	unsubB := mb.OnMessage("global", func(Message) {})
	require.True(t, mb.Listening("global"))

	unsubA()
	unsubA()
	require.True(t, mb.Listening("global"))

	unsubB()
	require.False(t, mb.Listening("global"))

	// A fresh subscription after teardown starts a new group.
	unsubC := mb.OnMessage("global", func(Message) {})
	require.True(t, mb.Listening("global"))
	unsubC()
}

func TestUnsubscribeFromInsideHandler(t *testing.T) {
	mb, _ := newTestBus(t)

	var (
		calls atomic.Int32
		unsub func()
		ready = make(chan struct{})
	)
	unsub = mb.OnMessage("global", func(Message) {
		<-ready
		calls.Add(1)
		unsub()
	})
	close(ready)

	_, err := mb.Send(context.Background(), "global", "only")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !mb.Listening("global") }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

func TestDeleteChannelRemovesEverything(t *testing.T) {
	mb, store := newTestBus(t)
	ctx := context.Background()

	_, err := mb.Registry().Create(ctx, "global", channel.WithMaxMessages(10))
	require.NoError(t, err)
	_, err = mb.Send(ctx, "global", "A")
	require.NoError(t, err)

	var calls atomic.Int32
	unsub := mb.OnMessage("global", func(Message) { calls.Add(1) })
	defer unsub()

	require.NoError(t, mb.DeleteChannel(ctx, "global"))
	require.False(t, mb.Listening("global"))

	keys, err := store.ListKeys(ctx, "channel:")
	require.NoError(t, err)
	require.Empty(t, keys)

	list, err := mb.Registry().List(ctx)
	require.NoError(t, err)
	require.Empty(t, list)

	require.ErrorIs(t, mb.DeleteChannel(ctx, "global"), channel.ErrNotFound)
}

func TestCleanupOldMessages(t *testing.T) {
	mb, store := newTestBus(t)
	ctx := context.Background()

	clock := time.UnixMilli(1_700_000_000_000)
	mb.now = func() time.Time { return clock }

	// navigation has a one-minute ttl; the sweep still keeps five minutes.
	_, err := mb.Registry().EnsureDefaults(ctx)
	require.NoError(t, err)

	_, err = mb.Send(ctx, "navigation", "old")
	require.NoError(t, err)

	clock = clock.Add(2 * time.Minute)
	removed, err := mb.CleanupOldMessages(ctx, "navigation")
	require.NoError(t, err)
	require.Zero(t, removed)

	clock = clock.Add(time.Minute)
	keep, err := mb.Send(ctx, "navigation", "recent")
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, channel.MessageKey("navigation", "garbage"), []byte("not json")))

	messages, err := mb.Messages(ctx, "navigation")
	require.NoError(t, err)
	require.Equal(t, []string{"old", "recent"}, payloads(t, messages))

	clock = clock.Add(2*time.Minute + 30*time.Second)
	removed, err = mb.CleanupOldMessages(ctx, "navigation")
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	messages, err = mb.Messages(ctx, "navigation")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, keep, messages[0].ID)
}

func TestSendSweepsEveryChannel(t *testing.T) {
	mb, _ := newTestBus(t)
	ctx := context.Background()

	clock := time.UnixMilli(1_700_000_000_000)
	mb.now = func() time.Time { return clock }

	_, err := mb.Registry().Create(ctx, "quiet", channel.WithAutoCleanup(false), channel.WithTTL(time.Hour))
	require.NoError(t, err)

	_, err = mb.Send(ctx, "quiet", "stale")
	require.NoError(t, err)

	clock = clock.Add(6 * time.Minute)
	_, err = mb.Send(ctx, "quiet", "fresh")
	require.NoError(t, err)

	messages, err := mb.Messages(ctx, "quiet")
	require.NoError(t, err)
	require.Equal(t, []string{"fresh"}, payloads(t, messages))
}

func TestCleanupUsesConfiguredRetention(t *testing.T) {
	store := kv.NewMemoryStore()
	mb := NewMessageBus(store, channel.NewRegistry(store, nil), NewHub(), Options{
		Sender:       "test-host",
		PollInterval: testPoll,
		Retention:    time.Minute,
	})
	t.Cleanup(mb.Close)
	ctx := context.Background()

	clock := time.UnixMilli(1_700_000_000_000)
	mb.now = func() time.Time { return clock }

	raw, err := json.Marshal(Message{ID: "x", Channel: "orphan", Data: json.RawMessage(`1`), Timestamp: clock.UnixMilli()})
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, channel.MessageKey("orphan", "x"), raw))

	clock = clock.Add(30 * time.Second)
	removed, err := mb.CleanupOldMessages(ctx, "orphan")
	require.NoError(t, err)
	require.Zero(t, removed)

	clock = clock.Add(time.Minute)
	removed, err = mb.CleanupOldMessages(ctx, "orphan")
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestCloseStopsEverything(t *testing.T) {
	mb, _ := newTestBus(t)

	mb.OnMessage("a", func(Message) {})
	mb.OnMessage("b", func(Message) {})

	mb.Close()
	mb.Close()

	require.False(t, mb.Listening("a"))
	require.False(t, mb.Listening("b"))

	unsub := mb.OnMessage("c", func(Message) {})
	unsub()
	require.False(t, mb.Listening("c"))
}

func TestRedisBroadcastAcrossBuses(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return client
	}

	senderStore := kv.NewRedisStoreFromClient(newClient(), "t:")
	receiverStore := kv.NewRedisStoreFromClient(newClient(), "t:")

	// A long poll interval leaves the live path as the only timely one.
	sender := NewMessageBus(senderStore, channel.NewRegistry(senderStore, nil),
		NewRedisBroadcaster(newClient(), "t:"), Options{Sender: "a", PollInterval: time.Hour})
	receiver := NewMessageBus(receiverStore, channel.NewRegistry(receiverStore, nil),
		NewRedisBroadcaster(newClient(), "t:"), Options{Sender: "b", PollInterval: time.Hour})
	t.Cleanup(sender.Close)
	t.Cleanup(receiver.Close)

	received := make(chan Message, 1)
	unsub := receiver.OnMessage("data_sync", func(msg Message) { received <- msg })
	defer unsub()

	id, err := sender.Send(context.Background(), "data_sync", "payload")
	require.NoError(t, err)

	select {
	case msg := <-received:
		require.Equal(t, id, msg.ID)
		require.Equal(t, "a", msg.From)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for redis broadcast")
	}
}

func TestHubDropsClosedSubscriptions(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, hub.Publish(ctx, "x", []byte("1")))
	require.Equal(t, []byte("1"), <-sub.Messages())

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	_, open := <-sub.Messages()
	require.False(t, open)

	require.NoError(t, hub.Close())
	require.ErrorIs(t, hub.Publish(ctx, "x", []byte("2")), ErrBroadcasterClosed)
	_, err = hub.Subscribe(ctx, "x")
	require.ErrorIs(t, err, ErrBroadcasterClosed)
}
