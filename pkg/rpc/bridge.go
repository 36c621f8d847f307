package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"devopschat/pkg/logger"
	"devopschat/pkg/metrics"
)

const DefaultCallTimeout = 12 * time.Second

// Endpoint is a named remote window the bridge can call.
type Endpoint struct {
	Name         string
	Window       Window
	Origin       string
	Capabilities map[string]bool
}

// BridgeOptions tunes a Bridge. Zero values select the defaults.
type BridgeOptions struct {
	Timeout time.Duration
	Logger  *slog.Logger
	// OnHello runs after an agent announcement registered or refreshed an
	// endpoint.
	OnHello func(Endpoint)
}

type pendingCall struct {
	method Method
	reply  chan Envelope
}

// Bridge is the caller side: a registry of endpoints plus the table of calls
// waiting for replies.
type Bridge struct {
	timeout time.Duration
	log     *slog.Logger
	onHello func(Endpoint)

	mu        sync.Mutex
	endpoints map[string]Endpoint
	pending   map[uint64]*pendingCall
	nextID    uint64

	closed    chan struct{}
	closeOnce sync.Once
}

func NewBridge(opts BridgeOptions) *Bridge {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Bridge{
		timeout:   opts.Timeout,
		log:       logger.Component(opts.Logger, "rpc.bridge"),
		onHello:   opts.OnHello,
		endpoints: make(map[string]Endpoint),
		pending:   make(map[uint64]*pendingCall),
		closed:    make(chan struct{}),
	}
}

// SetEndpoint registers ep under name, replacing any previous record.
// Calls already in flight keep the window they were posted to.
func (b *Bridge) SetEndpoint(name string, ep Endpoint) {
	ep.Name = name
	b.mu.Lock()
	b.endpoints[name] = ep
	b.mu.Unlock()

	b.log.Debug("Endpoint set", "session", name, "origin", ep.Origin)
}

func (b *Bridge) Endpoint(name string) (Endpoint, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ep, ok := b.endpoints[name]
	return ep, ok
}

func (b *Bridge) ClearEndpoint(name string) {
	b.mu.Lock()
	delete(b.endpoints, name)
	b.mu.Unlock()
}

// RenameEndpoint moves the record at oldName to newName.
func (b *Bridge) RenameEndpoint(oldName, newName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ep, ok := b.endpoints[oldName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnreachable, oldName)
	}
	delete(b.endpoints, oldName)
	ep.Name = newName
	b.endpoints[newName] = ep
	return nil
}

// Endpoints returns the registered names in sorted order.
func (b *Bridge) Endpoints() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Sorted(maps.Keys(b.endpoints))
}

// Pending is the number of calls waiting for a reply.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Call invokes method on the endpoint registered as name and waits for its
// reply. params may be nil, a json.RawMessage or any JSON-encodable value.
//
// Errors: ErrUnreachable before anything is posted, ErrTimeout after the
// bridge deadline, ctx.Err() on cancellation, ErrClosed after Close and
// *RemoteError when the agent replied with a failure.
func (b *Bridge) Call(ctx context.Context, name string, method Method, params any) (json.RawMessage, error) {
	start := time.Now()
	payload, err := b.call(ctx, name, method, params)

	outcome := Outcome(err)
	metrics.RPCCallsTotal.WithLabelValues(string(method), outcome).Inc()
	if outcome != OutcomeUnreachable {
		metrics.RPCCallDuration.WithLabelValues(string(method)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		b.log.Debug("Call failed", "session", name, "method", method, "outcome", outcome, "error", err)
	}
	return payload, err
}

func (b *Bridge) call(ctx context.Context, name string, method Method, params any) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-b.closed:
		return nil, ErrClosed
	default:
	}

	ep, ok := b.Endpoint(name)
	if !ok || ep.Window == nil || ep.Window.Closed() {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, name)
	}

	rawParams, err := encodeParams(params)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	pc := &pendingCall{method: method, reply: make(chan Envelope, 1)}
	b.pending[id] = pc
	b.mu.Unlock()
	metrics.RPCPendingCalls.Inc()

	target := ep.Origin
	if target == "" {
		target = AnyOrigin
	}
	if err := ep.Window.PostMessage(NewCall(id, method, rawParams), target); err != nil {
		b.release(id)
		return nil, fmt.Errorf("post %s to %s: %w", method, name, err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	var failure error
	select {
	case env := <-pc.reply:
		return settle(method, env)
	case <-timer.C:
		failure = fmt.Errorf("%w: %s on %s after %s", ErrTimeout, method, name, b.timeout)
	case <-ctx.Done():
		failure = ctx.Err()
	case <-b.closed:
		failure = ErrClosed
	}

	if b.release(id) {
		return nil, failure
	}
	// Dispatch removed the entry first, so its reply is already buffered.
	return settle(method, <-pc.reply)
}

func settle(method Method, env Envelope) (json.RawMessage, error) {
	if !env.Succeeded() {
		return nil, &RemoteError{Method: method, Message: env.Error}
	}
	return env.Payload, nil
}

// release removes a pending entry and reports whether it was still there.
func (b *Bridge) release(id uint64) bool {
	b.mu.Lock()
	_, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()

	if ok {
		metrics.RPCPendingCalls.Dec()
	}
	return ok
}

// Dispatch completes the pending call matching a result envelope. Late
// replies and other kinds are ignored. It reports whether a call completed.
func (b *Bridge) Dispatch(env Envelope) bool {
	if env.Kind != KindResult {
		return false
	}

	b.mu.Lock()
	pc, ok := b.pending[env.ID]
	delete(b.pending, env.ID)
	b.mu.Unlock()

	if !ok {
		b.log.Debug("Dropping reply without pending call", "id", env.ID)
		return false
	}
	metrics.RPCPendingCalls.Dec()
	pc.reply <- env
	return true
}

// HandleMessage is the console-side listener for every inbound message.
func (b *Bridge) HandleMessage(ev MessageEvent) {
	env, err := Decode(ev.Data)
	if err != nil {
		b.log.Debug("Dropping message", "origin", ev.Origin, "error", err)
		return
	}

	switch env.Kind {
	case KindResult:
		b.Dispatch(env)
	case KindHello:
		b.registerHello(ev, env)
	}
}

// registerHello upserts the announcing endpoint. An endpoint whose window is
// still open keeps it; otherwise the event source becomes the window.
func (b *Bridge) registerHello(ev MessageEvent, env Envelope) {
	origin := ev.Origin
	if origin == "" {
		origin = env.Origin
	}

	capabilities := make(map[string]bool, len(env.Capabilities)+1)
	maps.Copy(capabilities, env.Capabilities)
	capabilities["jquery"] = env.JQuery

	b.mu.Lock()
	ep, exists := b.endpoints[env.Session]
	if !exists || ep.Window == nil || ep.Window.Closed() {
		ep.Window = ev.Source
	}
	ep.Name = env.Session
	ep.Origin = origin
	ep.Capabilities = capabilities
	b.endpoints[env.Session] = ep
	b.mu.Unlock()

	b.log.Info("Agent announced", "session", env.Session, "href", env.Href, "origin", origin)
	if b.onHello != nil {
		b.onHello(ep)
	}
}

// Close fails every waiting call and every later call with ErrClosed.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		return raw, nil
	}
}
