package gateway

import (
	"testing"

	"devopschat/pkg/agent"
	"devopschat/pkg/config"
)

func newTestService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()

	page, err := agent.NewPage(`<html><head><title>Shop</title></head><body><h1 id="title">Cart</h1></body></html>`, "https://shop.example/cart")
	if err != nil {
		t.Fatalf("NewPage error: %v", err)
	}
	svc, err := NewService(cfg, agent.New(page, agent.Options{Session: "shop"}), nil)
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	return svc
}

func TestIsReady(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, config.Default())
	if !svc.isReady() {
		t.Fatal("expected ready with a loaded page")
	}

	svc.draining = true
	if svc.isReady() {
		t.Fatal("expected not ready while draining")
	}
}

func TestNewServiceRequiresSession(t *testing.T) {
	t.Parallel()

	page, err := agent.NewPage("", "")
	if err != nil {
		t.Fatalf("NewPage error: %v", err)
	}
	if _, err := NewService(config.Default(), agent.New(page, agent.Options{}), nil); err == nil {
		t.Fatal("expected error for agent without session")
	}
	if _, err := NewService(nil, agent.New(page, agent.Options{Session: "x"}), nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestAddr(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Gateway.Host = ""
	cfg.Gateway.Port = 0
	if got := newTestService(t, cfg).Addr(); got != "127.0.0.1:18790" {
		t.Fatalf("Addr() = %q, want default", got)
	}

	cfg.Gateway.Host = "::1"
	cfg.Gateway.Port = 9000
	if got := newTestService(t, cfg).Addr(); got != "[::1]:9000" {
		t.Fatalf("Addr() = %q, want [::1]:9000", got)
	}
}
