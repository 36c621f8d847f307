package rpc

import (
	"encoding/json"
	"sync"
)

// AnyOrigin is the wildcard target origin.
const AnyOrigin = "*"

// Window is a handle to a remote peer that accepts envelopes.
type Window interface {
	// PostMessage sends env when targetOrigin is AnyOrigin or matches the
	// peer's origin. A mismatch drops the message without error.
	PostMessage(env Envelope, targetOrigin string) error
	Closed() bool
	// Origin is the peer's origin, or "" when unknown.
	Origin() string
}

// MessageEvent is one inbound message. Source is the handle for replying to
// the sender and Origin is the sender's origin.
type MessageEvent struct {
	Data   []byte
	Origin string
	Source Window
}

// Listener receives every message posted to a window.
type Listener func(MessageEvent)

// OriginMatches applies the postMessage target-origin rule.
func OriginMatches(target, origin string) bool {
	return target == AnyOrigin || target == origin
}

// PipeWindow is an in-process Window. NewPipe returns the two ends.
type PipeWindow struct {
	origin string
	peer   *PipeWindow

	mu       sync.RWMutex
	listener Listener
	closed   bool
	inflight sync.WaitGroup
}

// NewPipe connects a window at originA with a window at originB. Code on side
// A posts through b and replies arrive on the listener registered with
// a.Listen, and the other way round.
func NewPipe(originA, originB string) (a, b *PipeWindow) {
	a = &PipeWindow{origin: originA}
	b = &PipeWindow{origin: originB}
	a.peer = b
	b.peer = a
	return a, b
}

// Listen sets the listener for messages delivered to this window.
func (w *PipeWindow) Listen(l Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listener = l
}

func (w *PipeWindow) PostMessage(env Envelope, targetOrigin string) error {
	if w.Closed() {
		return ErrClosed
	}
	if !OriginMatches(targetOrigin, w.origin) {
		return nil
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	w.mu.RLock()
	listener := w.listener
	w.mu.RUnlock()
	if listener == nil {
		return nil
	}

	ev := MessageEvent{Data: data, Origin: w.peer.origin, Source: w.peer}
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		listener(ev)
	}()
	return nil
}

func (w *PipeWindow) Closed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.closed
}

func (w *PipeWindow) Origin() string {
	return w.origin
}

// Close marks this window closed. Posts to it fail with ErrClosed.
func (w *PipeWindow) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

// Drain waits for listener calls already started by PostMessage.
func (w *PipeWindow) Drain() {
	w.inflight.Wait()
}
