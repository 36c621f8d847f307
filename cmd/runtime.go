package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"devopschat/pkg/bus"
	"devopschat/pkg/channel"
	"devopschat/pkg/config"
	"devopschat/pkg/kv"
	"devopschat/pkg/logger"
)

const consoleLogFile = "devopschat-console.log"

// loadRuntime reads the configuration and installs the configured logger as
// the slog default. Full-screen commands move terminal logging to a file in
// the temp dir. The returned func closes the log output.
func loadRuntime(component string, fullScreen bool) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if fullScreen && logger.WritesToTerminal(cfg.Logging) {
		cfg.Logging.Output = filepath.Join(os.TempDir(), consoleLogFile)
	}

	appLogger, closer, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)

	return cfg, logger.Component(appLogger, component), func() { _ = closer.Close() }, nil
}

// busRuntime is the store, registry and bus shared by the console and the
// channel commands.
type busRuntime struct {
	store       kv.Store
	broadcaster bus.Broadcaster
	registry    *channel.Registry
	bus         *bus.MessageBus
}

func openBus(ctx context.Context, cfg *config.Config, log *slog.Logger) (*busRuntime, error) {
	if log == nil {
		log = logger.Nop()
	}

	store, err := kv.Open(ctx, cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	broadcaster, err := newBroadcaster(cfg, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := channel.NewRegistry(store, log)
	mb := bus.NewMessageBus(store, registry, broadcaster, bus.Options{
		Sender:       cfg.Bus.Sender,
		PollInterval: cfg.Bus.PollInterval(),
		Retention:    cfg.Bus.Retention(),
		Logger:       log,
	})

	if cfg.Bus.DefaultChannels {
		created, err := registry.EnsureDefaults(ctx)
		if err != nil {
			mb.Close()
			_ = broadcaster.Close()
			_ = store.Close()
			return nil, fmt.Errorf("create default channels: %w", err)
		}
		if len(created) > 0 {
			log.Info("Created default channels", "channels", created)
		}
	}

	return &busRuntime{store: store, broadcaster: broadcaster, registry: registry, bus: mb}, nil
}

// newBroadcaster picks the live fan-out. Redis pub/sub reaches consoles in
// other processes and needs the redis store; the in-process hub is the default.
func newBroadcaster(cfg *config.Config, store kv.Store) (bus.Broadcaster, error) {
	if cfg.Bus.Broadcast != config.StoreRedis {
		return bus.NewHub(), nil
	}

	redisStore, ok := store.(*kv.RedisStore)
	if !ok {
		return nil, fmt.Errorf("bus.broadcast %q requires store.driver %q", cfg.Bus.Broadcast, config.StoreRedis)
	}
	return bus.NewRedisBroadcaster(redisStore.Client(), cfg.Store.Prefix), nil
}

func (r *busRuntime) Close() {
	r.bus.Close()
	_ = r.broadcaster.Close()
	_ = r.store.Close()
}
