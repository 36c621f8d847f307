// Package kv is the persisted key-value layer behind channel configs and
// queued channel messages.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"devopschat/pkg/config"
)

// ErrNotFound is returned by Get and Take when the key has no value.
var ErrNotFound = errors.New("kv: key not found")

// Store is a flat namespace of string keys holding opaque values.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// ListKeys returns every key starting with prefix, in no particular order.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Taker is implemented by stores that can read and remove a key atomically.
// Exactly one concurrent caller observes the value.
type Taker interface {
	Take(ctx context.Context, key string) ([]byte, error)
}

// Take claims key from s, using the atomic path when the store offers one.
// Without it the claim is a get followed by a delete.
func Take(ctx context.Context, s Store, key string) ([]byte, error) {
	if taker, ok := s.(Taker); ok {
		return taker.Take(ctx, key)
	}

	value, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.Delete(ctx, key); err != nil {
		return nil, err
	}
	return value, nil
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = config.StoreMemory
	}

	var (
		store Store
		err   error
	)
	switch driver {
	case config.StoreMemory:
		store = NewMemoryStore()
	case config.StoreRedis:
		store, err = NewRedisStore(ctx, cfg.RedisURL, cfg.Prefix)
	case config.StoreSQLite:
		store, err = NewSQLiteStore(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}

	if log != nil {
		log.Debug("Store opened", "driver", driver)
	}
	return store, nil
}
