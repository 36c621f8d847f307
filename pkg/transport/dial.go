package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/gorilla/websocket"
)

// Dial connects to an agent's WebSocket endpoint announcing origin as the
// caller origin. The returned Conn is not read until Serve is called.
func Dial(ctx context.Context, rawURL, origin string, log *slog.Logger) (*Conn, error) {
	peer, err := ServerOrigin(rawURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	return newConn(ws, peer, log), nil
}

// ServerOrigin maps a ws:// or wss:// URL to the http(s) origin of the server.
func ServerOrigin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	var scheme string
	switch u.Scheme {
	case "ws", "http":
		scheme = "http"
	case "wss", "https":
		scheme = "https"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return scheme + "://" + u.Host, nil
}

// NewUpgrader accepts requests without an Origin header, from the request's
// own host, or from an origin in allowed. A "*" entry allows every origin.
func NewUpgrader(allowed []string) *websocket.Upgrader {
	allowAll := slices.Contains(allowed, "*")
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 32 << 10,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll || slices.Contains(allowed, origin) {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		},
	}
}

// Accept upgrades an HTTP request to a Conn whose origin is the caller's
// Origin header.
func Accept(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, log *slog.Logger) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = NullOrigin
	}
	return newConn(ws, origin, log), nil
}
