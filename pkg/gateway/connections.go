package gateway

import (
	"log/slog"
	"sync"

	"devopschat/pkg/metrics"
	"devopschat/pkg/transport"
)

// connManager owns the live WebSocket connections of the gateway.
type connManager struct {
	log *slog.Logger

	mu     sync.Mutex
	conns  map[*transport.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func newConnManager(log *slog.Logger) *connManager {
	return &connManager{
		log:   log,
		conns: make(map[*transport.Conn]struct{}),
	}
}

// add tracks conn. It returns false once the manager is closed; the caller
// must then drop the connection.
func (m *connManager) add(conn *transport.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.conns[conn] = struct{}{}
	m.wg.Add(1)
	metrics.GatewayConnections.Inc()
	return true
}

func (m *connManager) remove(conn *transport.Conn) {
	m.mu.Lock()
	_, ok := m.conns[conn]
	delete(m.conns, conn)
	m.mu.Unlock()

	if ok {
		metrics.GatewayConnections.Dec()
		m.wg.Done()
	}
}

func (m *connManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close closes every connection and waits for their handlers to return.
func (m *connManager) Close() {
	m.mu.Lock()
	m.closed = true
	conns := make([]*transport.Conn, 0, len(m.conns))
	for conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			m.log.Debug("Closing connection failed", "peer", conn.Origin(), "error", err)
		}
	}
	m.wg.Wait()
}
