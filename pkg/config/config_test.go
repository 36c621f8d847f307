package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigFromEnvPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
	  "agent": {"session": "shop", "trusted_origins": ["devopschat://console"]},
	  "bridge": {"call_timeout_seconds": 3, "endpoints": [{"name": "shop", "url": "ws://127.0.0.1:18790/rpc"}]},
	  "bus": {"poll_interval_millis": 250},
	  "store": {"driver": "sqlite", "sqlite_path": "/tmp/devopschat.db"},
	  "gateway": {"host": "0.0.0.0", "port": 18791},
	  "logging": {"format": "json", "level": "debug", "add_source": true}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("DEVOPSCHAT_CONFIG", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.Logging.Format != "json" {
		t.Fatalf("logging.format = %q, want %q", cfg.Logging.Format, "json")
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging.level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if !cfg.Logging.AddSource {
		t.Fatal("logging.add_source = false, want true")
	}
	if cfg.Agent.Session != "shop" {
		t.Fatalf("agent.session = %q, want %q", cfg.Agent.Session, "shop")
	}
	if got := cfg.Bridge.CallTimeout(); got != 3*time.Second {
		t.Fatalf("bridge call timeout = %v, want 3s", got)
	}
	if len(cfg.Bridge.Endpoints) != 1 || cfg.Bridge.Endpoints[0].Name != "shop" {
		t.Fatalf("bridge.endpoints = %+v, want one endpoint named shop", cfg.Bridge.Endpoints)
	}
	if got := cfg.Bus.PollInterval(); got != 250*time.Millisecond {
		t.Fatalf("bus poll interval = %v, want 250ms", got)
	}
	if got := cfg.Bus.Retention(); got != 5*time.Minute {
		t.Fatalf("bus retention = %v, want default 5m", got)
	}
	if cfg.Store.Driver != StoreSQLite {
		t.Fatalf("store.driver = %q, want %q", cfg.Store.Driver, StoreSQLite)
	}
	if cfg.Gateway.Port != 18791 {
		t.Fatalf("gateway.port = %d, want 18791", cfg.Gateway.Port)
	}
}

func TestLoadConfigInvalidEnvPath(t *testing.T) {
	t.Setenv("DEVOPSCHAT_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for missing config path")
	}
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	t.Setenv("DEVOPSCHAT_CONFIG", "")
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if got := cfg.Bridge.CallTimeout(); got != 12*time.Second {
		t.Fatalf("bridge call timeout = %v, want 12s", got)
	}
	if got := cfg.Bus.PollInterval(); got != time.Second {
		t.Fatalf("bus poll interval = %v, want 1s", got)
	}
	if cfg.Store.Driver != StoreMemory {
		t.Fatalf("store.driver = %q, want %q", cfg.Store.Driver, StoreMemory)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DEVOPSCHAT_CONFIG", "")
	t.Chdir(t.TempDir())
	t.Setenv("DEVOPSCHAT_REDIS_URL", "redis://127.0.0.1:6379/2")
	t.Setenv("DEVOPSCHAT_TRUSTED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("DEVOPSCHAT_STORE_DRIVER", "redis")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.Store.RedisURL != "redis://127.0.0.1:6379/2" {
		t.Fatalf("store.redis_url = %q", cfg.Store.RedisURL)
	}
	if cfg.Store.Driver != StoreRedis {
		t.Fatalf("store.driver = %q, want %q", cfg.Store.Driver, StoreRedis)
	}
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.Agent.TrustedOrigins) != len(want) {
		t.Fatalf("trusted origins = %v, want %v", cfg.Agent.TrustedOrigins, want)
	}
	for i := range want {
		if cfg.Agent.TrustedOrigins[i] != want[i] {
			t.Fatalf("trusted origins = %v, want %v", cfg.Agent.TrustedOrigins, want)
		}
	}
}
