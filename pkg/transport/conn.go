// Package transport carries rpc envelopes over WebSocket connections.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"devopschat/pkg/logger"
	"devopschat/pkg/rpc"
)

const (
	writeWait     = 10 * time.Second
	readWait      = 60 * time.Second
	pingPeriod    = readWait * 9 / 10
	maxFrameBytes = 4 << 20

	// NullOrigin is reported for peers that send no Origin header.
	NullOrigin = "null"
)

// Conn is a WebSocket peer seen as an rpc.Window. Every text frame carries one
// JSON envelope.
type Conn struct {
	ws     *websocket.Conn
	origin string
	log    *slog.Logger

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, origin string, log *slog.Logger) *Conn {
	ws.SetReadLimit(maxFrameBytes)
	return &Conn{
		ws:     ws,
		origin: origin,
		log:    logger.Component(log, "transport").With("peer", origin),
		done:   make(chan struct{}),
	}
}

// PostMessage writes env when targetOrigin matches the peer.
func (c *Conn) PostMessage(env rpc.Envelope, targetOrigin string) error {
	if c.Closed() {
		return rpc.ErrClosed
	}
	if !rpc.OriginMatches(targetOrigin, c.origin) {
		c.log.Debug("Dropping frame for other origin", "target", targetOrigin)
		return nil
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.Close()
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Origin is the peer origin: the Origin header on accepted connections and
// the server origin on dialed ones.
func (c *Conn) Origin() string {
	return c.origin
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and releases the socket. It is safe to call more
// than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// Serve reads frames and hands each to l until the peer goes away, ctx is done
// or Close is called. A clean shutdown returns nil.
func (c *Conn) Serve(ctx context.Context, l rpc.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	defer c.Close()

	_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readWait))
	})
	go c.keepAlive()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.Closed() || ctx.Err() != nil || isClosure(err) {
				c.log.Debug("Connection closed")
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readWait))

		l(rpc.MessageEvent{Data: data, Origin: c.origin, Source: c})
	}
}

func (c *Conn) keepAlive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug("Ping failed", "error", err)
				_ = c.Close()
				return
			}
		}
	}
}

func isClosure(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
