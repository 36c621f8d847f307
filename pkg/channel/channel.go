// Package channel keeps named channel configuration and presence metadata in a
// kv.Store. Message delivery lives in the bus package.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"devopschat/pkg/kv"
	"devopschat/pkg/logger"
)

const (
	configPrefix  = "channel:config:"
	messagePrefix = "channel:msg:"

	DefaultMaxMessages = 100
	DefaultTTL         = 5 * time.Minute

	activeWindow      = time.Minute
	maxUserAgentChars = 100
)

var (
	ErrNotFound    = errors.New("channel not found")
	ErrInvalidName = errors.New("invalid channel name")

	namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
)

// Config is the stored channel record. Times are unix milliseconds and ttl is
// in milliseconds, matching the persisted JSON shape.
type Config struct {
	Name         string       `json:"name"`
	Persistent   bool         `json:"persistent"`
	MaxMessages  int          `json:"maxMessages"`
	TTL          int64        `json:"ttl"`
	AutoCleanup  bool         `json:"autoCleanup"`
	Description  string       `json:"description"`
	Subscribers  []Subscriber `json:"subscribers"`
	Created      int64        `json:"created"`
	LastActivity int64        `json:"lastActivity"`
}

// Subscriber is presence metadata for one page listening on a channel.
type Subscriber struct {
	ID         string `json:"id"`
	Hostname   string `json:"hostname"`
	Pathname   string `json:"pathname"`
	UserAgent  string `json:"userAgent"`
	Subscribed int64  `json:"subscribed"`
	Signature  string `json:"signature,omitempty"`
}

// SubscriberInfo identifies the subscribing page.
type SubscriberInfo struct {
	Hostname  string
	Pathname  string
	UserAgent string
	Signature string
}

// Summary is a Config annotated with its live backlog.
type Summary struct {
	Config
	MessageCount int `json:"messageCount"`
}

// Info adds activity status to a Summary.
type Info struct {
	Summary
	IsActive bool `json:"isActive"`
}

// Option overrides one default when creating a channel.
type Option func(*Config)

func WithDescription(description string) Option {
	return func(c *Config) { c.Description = description }
}

func WithMaxMessages(n int) Option {
	return func(c *Config) { c.MaxMessages = n }
}

func WithTTL(ttl time.Duration) Option {
	return func(c *Config) { c.TTL = ttl.Milliseconds() }
}

func WithPersistent(persistent bool) Option {
	return func(c *Config) { c.Persistent = persistent }
}

func WithAutoCleanup(autoCleanup bool) Option {
	return func(c *Config) { c.AutoCleanup = autoCleanup }
}

// ConfigKey is the store key of a channel's record.
func ConfigKey(name string) string {
	return configPrefix + name
}

// MessagePrefix is the key prefix shared by every message of a channel.
func MessagePrefix(name string) string {
	return messagePrefix + name + ":"
}

// MessageKey is the store key of one message.
func MessageKey(name, id string) string {
	return MessagePrefix(name) + id
}

// ValidateName reports ErrInvalidName for names that could collide with
// another channel's key prefix.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Registry is CRUD over channel records.
type Registry struct {
	store kv.Store
	log   *slog.Logger
	now   func() time.Time
}

func NewRegistry(store kv.Store, log *slog.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		store: store,
		log:   logger.Component(log, "channel.registry"),
		now:   time.Now,
	}
}

// Create writes a channel record with opts merged over the defaults. An
// existing record with the same name is replaced.
func (r *Registry) Create(ctx context.Context, name string, opts ...Option) (Config, error) {
	if err := ValidateName(name); err != nil {
		return Config{}, err
	}

	now := r.now().UnixMilli()
	cfg := Config{
		Persistent:  true,
		MaxMessages: DefaultMaxMessages,
		TTL:         DefaultTTL.Milliseconds(),
		AutoCleanup: true,
		Subscribers: []Subscriber{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.Name = name
	cfg.Created = now
	cfg.LastActivity = now

	if err := r.put(ctx, cfg); err != nil {
		return Config{}, err
	}

	r.log.Debug("Channel created", "channel", name, "max_messages", cfg.MaxMessages, "ttl_ms", cfg.TTL)
	return cfg, nil
}

func (r *Registry) Get(ctx context.Context, name string) (Config, error) {
	if err := ValidateName(name); err != nil {
		return Config{}, err
	}

	raw, err := r.store.Get(ctx, ConfigKey(name))
	if errors.Is(err, kv.ErrNotFound) {
		return Config{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Config{}, fmt.Errorf("load channel %s: %w", name, err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode channel %s: %w", name, err)
	}
	cfg.Name = name
	return cfg, nil
}

// Ensure returns the channel record, creating it with defaults when absent.
func (r *Registry) Ensure(ctx context.Context, name string) (Config, error) {
	cfg, err := r.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return r.Create(ctx, name)
	}
	return cfg, err
}

func (r *Registry) Exists(ctx context.Context, name string) (bool, error) {
	_, err := r.Get(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidName):
		return false, nil
	default:
		return false, err
	}
}

// Delete removes the record and every stored message of the channel. It
// returns ErrNotFound when no record exists.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	_, err := r.store.Get(ctx, ConfigKey(name))
	if errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("load channel %s: %w", name, err)
	}

	if err := r.store.Delete(ctx, ConfigKey(name)); err != nil {
		return fmt.Errorf("delete channel %s: %w", name, err)
	}

	keys, err := r.store.ListKeys(ctx, MessagePrefix(name))
	if err != nil {
		return fmt.Errorf("list messages of %s: %w", name, err)
	}
	for _, key := range keys {
		if err := r.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete message %s: %w", key, err)
		}
	}

	r.log.Debug("Channel deleted", "channel", name, "messages", len(keys))
	return nil
}

// List returns every channel sorted by name, each with its backlog size.
func (r *Registry) List(ctx context.Context) ([]Summary, error) {
	keys, err := r.store.ListKeys(ctx, configPrefix)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}

	summaries := make([]Summary, 0, len(keys))
	for _, key := range keys {
		name := strings.TrimPrefix(key, configPrefix)
		cfg, err := r.Get(ctx, name)
		if err != nil {
			r.log.Warn("Skipping unreadable channel", "channel", name, "error", err)
			continue
		}
		count, err := r.MessageCount(ctx, name)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, Summary{Config: cfg, MessageCount: count})
	}

	slices.SortFunc(summaries, func(a, b Summary) int {
		return strings.Compare(a.Name, b.Name)
	})
	return summaries, nil
}

// MessageCount is the number of stored messages of a channel.
func (r *Registry) MessageCount(ctx context.Context, name string) (int, error) {
	keys, err := r.store.ListKeys(ctx, MessagePrefix(name))
	if err != nil {
		return 0, fmt.Errorf("count messages of %s: %w", name, err)
	}
	return len(keys), nil
}

// Info reports the record, its backlog size and whether it saw activity in
// the last minute.
func (r *Registry) Info(ctx context.Context, name string) (Info, error) {
	cfg, err := r.Get(ctx, name)
	if err != nil {
		return Info{}, err
	}
	count, err := r.MessageCount(ctx, name)
	if err != nil {
		return Info{}, err
	}

	idle := r.now().Sub(time.UnixMilli(cfg.LastActivity))
	return Info{
		Summary:  Summary{Config: cfg, MessageCount: count},
		IsActive: idle < activeWindow,
	}, nil
}

// Touch stamps lastActivity with the current time.
func (r *Registry) Touch(ctx context.Context, name string) error {
	return r.update(ctx, name, func(cfg *Config) {})
}

// Subscribe records presence for the page described by info and returns the
// new subscriber id. A previous entry for the same hostname and pathname is
// replaced. The channel is created when missing.
func (r *Registry) Subscribe(ctx context.Context, name string, info SubscriberInfo) (string, error) {
	if _, err := r.Ensure(ctx, name); err != nil {
		return "", err
	}

	sub := Subscriber{
		ID:         uuid.NewString(),
		Hostname:   info.Hostname,
		Pathname:   info.Pathname,
		UserAgent:  truncateRunes(info.UserAgent, maxUserAgentChars),
		Subscribed: r.now().UnixMilli(),
		Signature:  info.Signature,
	}

	err := r.update(ctx, name, func(cfg *Config) {
		cfg.Subscribers = slices.DeleteFunc(cfg.Subscribers, func(s Subscriber) bool {
			return s.Hostname == sub.Hostname && s.Pathname == sub.Pathname
		})
		cfg.Subscribers = append(cfg.Subscribers, sub)
	})
	if err != nil {
		return "", err
	}

	r.log.Debug("Subscribed", "channel", name, "subscriber", sub.ID, "hostname", sub.Hostname)
	return sub.ID, nil
}

// Unsubscribe drops a subscriber entry. It reports false when the channel does
// not exist.
func (r *Registry) Unsubscribe(ctx context.Context, name, id string) (bool, error) {
	err := r.update(ctx, name, func(cfg *Config) {
		cfg.Subscribers = slices.DeleteFunc(cfg.Subscribers, func(s Subscriber) bool {
			return s.ID == id
		})
	})
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidName) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DefaultChannel describes one of the channels every installation starts with.
type DefaultChannel struct {
	Name        string
	Description string
	MaxMessages int
	TTL         time.Duration
}

// Defaults are the standard channels created by EnsureDefaults.
var Defaults = []DefaultChannel{
	{Name: "global", Description: "Global communication between scripts", MaxMessages: 50, TTL: 5 * time.Minute},
	{Name: "navigation", Description: "Navigation related messages", MaxMessages: 20, TTL: time.Minute},
	{Name: "data_sync", Description: "Data synchronisation between scripts", MaxMessages: 100, TTL: 10 * time.Minute},
	{Name: "user_action", Description: "User actions and events", MaxMessages: 30, TTL: 2 * time.Minute},
}

// EnsureDefaults creates the standard channels that are missing and leaves
// existing ones untouched. It returns the names it created.
func (r *Registry) EnsureDefaults(ctx context.Context) ([]string, error) {
	var created []string
	for _, def := range Defaults {
		exists, err := r.Exists(ctx, def.Name)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}
		_, err = r.Create(ctx, def.Name,
			WithDescription(def.Description),
			WithMaxMessages(def.MaxMessages),
			WithTTL(def.TTL),
		)
		if err != nil {
			return created, err
		}
		created = append(created, def.Name)
	}
	return created, nil
}

func (r *Registry) update(ctx context.Context, name string, mutate func(*Config)) error {
	cfg, err := r.Get(ctx, name)
	if err != nil {
		return err
	}
	mutate(&cfg)
	cfg.LastActivity = r.now().UnixMilli()
	return r.put(ctx, cfg)
}

func (r *Registry) put(ctx context.Context, cfg Config) error {
	if cfg.Subscribers == nil {
		cfg.Subscribers = []Subscriber{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode channel %s: %w", cfg.Name, err)
	}
	if err := r.store.Set(ctx, ConfigKey(cfg.Name), raw); err != nil {
		return fmt.Errorf("store channel %s: %w", cfg.Name, err)
	}
	return nil
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
