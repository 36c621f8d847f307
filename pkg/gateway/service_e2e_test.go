package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"devopschat/pkg/config"
	"devopschat/pkg/rpc"
	"devopschat/pkg/transport"
)

const consoleOrigin = "devopschat://console"

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Gateway.AllowedOrigins = []string{consoleOrigin}
	cfg.Agent.TrustedOrigins = []string{consoleOrigin}
	cfg.Agent.CallTimeoutSeconds = 2
	return cfg
}

// dialConsole connects a bridge to the gateway at url and waits for the hello.
func dialConsole(t *testing.T, url string) *rpc.Bridge {
	t.Helper()

	announced := make(chan rpc.Endpoint, 1)
	bridge := rpc.NewBridge(rpc.BridgeOptions{
		Timeout: 3 * time.Second,
		OnHello: func(ep rpc.Endpoint) { announced <- ep },
	})

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := transport.Dial(ctx, url, consoleOrigin, nil)
	require.NoError(t, err)
	go func() { _ = conn.Serve(ctx, bridge.HandleMessage) }()
	t.Cleanup(func() {
		cancel()
		bridge.Close()
	})

	select {
	case ep := <-announced:
		require.Equal(t, "shop", ep.Name)
		require.True(t, ep.Capabilities["jquery"])
	case <-time.After(3 * time.Second):
		t.Fatal("gateway never sent hello")
	}
	return bridge
}

func TestGatewayServesRPC(t *testing.T) {
	svc := newTestService(t, testConfig())
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	bridge := dialConsole(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/rpc")
	ctx := context.Background()

	raw, err := bridge.Call(ctx, "shop", rpc.MethodGetDom, map[string]string{"selector": "#title"})
	require.NoError(t, err)
	var dom struct {
		HTML string `json:"html"`
	}
	require.NoError(t, json.Unmarshal(raw, &dom))
	require.Equal(t, `<h1 id="title">Cart</h1>`, dom.HTML)

	raw, err = bridge.Call(ctx, "shop", rpc.MethodManipulateDOM, map[string]string{"selector": "#title", "action": "text", "value": "Paid"})
	require.NoError(t, err)
	require.JSONEq(t, `{"result":"Set text to: Paid"}`, string(raw))

	raw, err = bridge.Call(ctx, "shop", rpc.MethodRunJS, map[string]string{"code": "return document.querySelector('#title').textContent"})
	require.NoError(t, err)
	require.JSONEq(t, `{"result":"Paid"}`, string(raw))

	require.Eventually(t, func() bool { return svc.conns.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestGatewayStatusEndpoints(t *testing.T) {
	svc := newTestService(t, testConfig())
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", status.Status)
	require.Equal(t, "shop", status.Session)
	require.Equal(t, "https://shop.example/cart", status.PageURL)

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "devopschat_http_requests_total")
}

func TestGatewayRejectsForeignOrigin(t *testing.T) {
	svc := newTestService(t, testConfig())
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	_, err := transport.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/rpc", "https://attacker.example", nil)
	require.Error(t, err)
	require.Zero(t, svc.conns.count())
}

func TestGatewayShutsDownOnCancel(t *testing.T) {
	svc := newTestService(t, testConfig())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, listener) }()

	dialConsole(t, "ws://"+listener.Addr().String()+"/rpc")
	require.Eventually(t, func() bool { return svc.conns.count() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}
	require.Zero(t, svc.conns.count())
	require.False(t, svc.isReady())
}
