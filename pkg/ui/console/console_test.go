package console

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"devopschat/pkg/agent"
	"devopschat/pkg/bus"
	"devopschat/pkg/channel"
	"devopschat/pkg/kv"
	"devopschat/pkg/rpc"
)

const (
	consoleOrigin = "devopschat://console"
	agentOrigin   = "https://shop.example"
)

func newTestConsole(t *testing.T) (*Console, *bus.MessageBus) {
	t.Helper()

	store := kv.NewMemoryStore()
	mb := bus.NewMessageBus(store, channel.NewRegistry(store, nil), bus.NewHub(), bus.Options{
		Sender:       "ops-laptop",
		PollInterval: 20 * time.Millisecond,
	})
	t.Cleanup(mb.Close)

	c, err := New(Options{
		Bus:     mb,
		Dial:    pipeDialer(t),
		Timeout: 2 * time.Second,
		Sender:  "ops",
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, mb
}

// pipeDialer serves a real agent on the far end of an in-process pipe and
// announces it under the session "shop".
func pipeDialer(t *testing.T) Dialer {
	return func(_ context.Context, _ string, l rpc.Listener) (rpc.Window, error) {
		page, err := agent.NewPage(`<html><head><title>Shop</title></head><body><h1>Cart</h1></body></html>`, agentOrigin+"/cart")
		if err != nil {
			return nil, err
		}
		a := agent.New(page, agent.Options{Session: "shop"})
		responder, err := rpc.NewResponder(a.Operations(), rpc.ResponderOptions{TrustedOrigins: []string{consoleOrigin}})
		if err != nil {
			return nil, err
		}

		consoleSide, agentSide := rpc.NewPipe(consoleOrigin, agentOrigin)
		consoleSide.Listen(l)
		agentSide.Listen(responder.HandleMessage)
		t.Cleanup(func() {
			responder.Wait()
			agentSide.Drain()
			consoleSide.Drain()
		})

		if err := consoleSide.PostMessage(rpc.NewHello(a.Hello(agentOrigin)), rpc.AnyOrigin); err != nil {
			return nil, err
		}
		return agentSide, nil
	}
}

func texts(lines []Line) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, line.Text)
	}
	return out
}

func last(lines []Line) Line {
	if len(lines) == 0 {
		return Line{}
	}
	return lines[len(lines)-1]
}

func nextLine(t *testing.T, c *Console) Line {
	t.Helper()
	select {
	case line := <-c.Lines():
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("no asynchronous line arrived")
		return Line{}
	}
}

func TestCallsWithoutSessionFail(t *testing.T) {
	c, _ := newTestConsole(t)
	ctx := context.Background()

	for _, input := range []string{"/ping", "/dom", "/js return 1", "/info"} {
		line := last(c.Execute(ctx, input))
		require.Equal(t, KindError, line.Kind, input)
		require.Equal(t, "[FEIL] no active session. Use /connect <name> <ws-url>", line.Text, input)
	}
}

func TestConnectAndDriveAgent(t *testing.T) {
	c, _ := newTestConsole(t)
	ctx := context.Background()

	line := last(c.Execute(ctx, "/connect shop ws://shop.example/rpc"))
	require.Equal(t, "Session saved: shop → ws://shop.example/rpc", line.Text)
	require.Equal(t, "shop", c.Session())

	announced := nextLine(t, c)
	require.Equal(t, "Connected: shop ← "+agentOrigin+" ($ ready)", announced.Text)

	lines := c.Execute(ctx, "/dom h1")
	require.Equal(t, []string{"> /dom h1", "[DOM shop h1]", "<h1>Cart</h1>"}, texts(lines))

	lines = c.Execute(ctx, "/js return document.title")
	require.Equal(t, "[JS OK @ shop] Shop", last(lines).Text)

	lines = c.Execute(ctx, "/js throw new Error('boom')")
	require.Equal(t, KindError, last(lines).Kind)
	require.Equal(t, "[FEIL] Error: boom", last(lines).Text)

	lines = c.Execute(ctx, "/ping")
	require.Equal(t, "[PING shop]", lines[1].Text)
	require.Contains(t, last(lines).Text, `"ok": true`)

	lines = c.Execute(ctx, "/info")
	require.Contains(t, last(lines).Text, `"title": "Shop"`)
}

func TestSessionCommands(t *testing.T) {
	c, _ := newTestConsole(t)
	ctx := context.Background()

	require.Equal(t, "No sessions. Connect with /connect <name> <ws-url>", last(c.Execute(ctx, "/sessions")).Text)

	c.Execute(ctx, "/connect shop ws://shop.example/rpc")
	nextLine(t, c)

	require.Equal(t, "[FEIL] unknown session: nope", last(c.Execute(ctx, "/use nope")).Text)
	require.Equal(t, "[FEIL] usage: /connect <name> <ws-url>", last(c.Execute(ctx, "/connect onlyname")).Text)

	require.Equal(t, "Session renamed: shop → store", last(c.Execute(ctx, "/rename shop store")).Text)
	require.Equal(t, "store", c.Session())

	lines := c.Execute(ctx, "/sessions")
	require.Equal(t, []string{"> /sessions", "Sessions:", "1. store * (" + agentOrigin + ", connected)"}, texts(lines))

	require.Equal(t, "[JS OK @ store] 2", last(c.Execute(ctx, "/js return 1 + 1")).Text)
}

func TestChannelCommands(t *testing.T) {
	c, mb := newTestConsole(t)
	ctx := context.Background()

	require.Equal(t, "Switched to channel: global.", last(c.Start()).Text)

	line := last(c.Execute(ctx, `/create ops -d "Ops room" -m 5 -p false`))
	require.Equal(t, "Channel 'ops' created.", line.Text)
	cfg, err := mb.Registry().Get(ctx, "ops")
	require.NoError(t, err)
	require.Equal(t, "Ops room", cfg.Description)
	require.Equal(t, 5, cfg.MaxMessages)
	require.False(t, cfg.Persistent)

	require.Equal(t, KindError, last(c.Execute(ctx, "/create ops -m lots")).Kind)
	require.Equal(t, KindError, last(c.Execute(ctx, "/create ops -x 1")).Kind)

	require.Equal(t, "Switched to channel: ops.", last(c.Execute(ctx, "/join ops")).Text)
	require.Equal(t, "Already in channel ops.", last(c.Execute(ctx, "/join ops")).Text)
	require.False(t, mb.Listening("global"))

	require.Empty(t, c.Execute(ctx, "deploy done"))
	msg := nextLine(t, c)
	require.Equal(t, KindMessage, msg.Kind)
	require.Equal(t, "[#ops] ops: deploy done", msg.Text)

	listed := false
	for _, text := range texts(c.Execute(ctx, "/list")) {
		listed = listed || (strings.HasPrefix(text, "ops (") && strings.HasSuffix(text, "messages) - Ops room"))
	}
	require.True(t, listed)

	require.Equal(t, "Channel 'ops' deleted.", last(c.Execute(ctx, "/delete ops")).Text)
	require.Equal(t, "Switched to channel: global.", nextLine(t, c).Text)
	require.Equal(t, "global", c.Channel())

	line = last(c.Execute(ctx, "/delete ops"))
	require.Equal(t, KindError, line.Kind)
	require.True(t, strings.HasPrefix(line.Text, "[FEIL] could not delete channel 'ops'"))
}

func TestUnknownCommand(t *testing.T) {
	c, _ := newTestConsole(t)

	line := last(c.Execute(context.Background(), "/frobnicate now"))
	require.Equal(t, "[FEIL] unknown command: /frobnicate (try /help)", line.Text)
	require.Nil(t, c.Execute(context.Background(), "   "))
}

func TestTokenize(t *testing.T) {
	got := tokenize(`ops -d "Ops room" -m 5`)
	want := []string{"ops", "-d", "Ops room", "-m", "5"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("tokenize = %q, want %q", got, want)
	}
}

func TestParseFlags(t *testing.T) {
	params, flags, err := parseFlags([]string{"ops", "-m", "5", "extra"}, map[string]bool{"-m": true})
	if err != nil {
		t.Fatalf("parseFlags error: %v", err)
	}
	if len(params) != 2 || params[0] != "ops" || params[1] != "extra" {
		t.Fatalf("params = %q", params)
	}
	if flags["-m"] != "5" {
		t.Fatalf("flags = %v", flags)
	}

	if _, _, err := parseFlags([]string{"ops", "-m"}, map[string]bool{"-m": true}); err == nil {
		t.Fatal("expected error for flag without value")
	}
}
