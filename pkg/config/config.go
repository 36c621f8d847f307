package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix         = "DEVOPSCHAT"
	envConfigPath     = "DEVOPSCHAT_CONFIG"
	envRedisURL       = "DEVOPSCHAT_REDIS_URL"
	envTrustedOrigins = "DEVOPSCHAT_TRUSTED_ORIGINS"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Config is the root runtime configuration loaded from config.json or config.yaml.
type Config struct {
	Agent   AgentConfig   `mapstructure:"agent"`
	Bridge  BridgeConfig  `mapstructure:"bridge"`
	Bus     BusConfig     `mapstructure:"bus"`
	Store   StoreConfig   `mapstructure:"store"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `mapstructure:"format"`
	Level     string `mapstructure:"level"`
	AddSource bool   `mapstructure:"add_source"`
	Output    string `mapstructure:"output"`
}

// AgentConfig describes the page an agent serves and who may run code against it.
type AgentConfig struct {
	Session            string   `mapstructure:"session"`
	PageURL            string   `mapstructure:"page_url"`
	PageFile           string   `mapstructure:"page_file"`
	TrustedOrigins     []string `mapstructure:"trusted_origins"`
	CallTimeoutSeconds int      `mapstructure:"call_timeout_seconds"`
}

// BridgeConfig configures the caller side of the RPC bridge.
type BridgeConfig struct {
	CallTimeoutSeconds int              `mapstructure:"call_timeout_seconds"`
	Origin             string           `mapstructure:"origin"`
	Endpoints          []EndpointConfig `mapstructure:"endpoints"`
}

// EndpointConfig is one agent the console connects to on start.
type EndpointConfig struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// BusConfig configures channel delivery.
type BusConfig struct {
	Sender             string `mapstructure:"sender"`
	Broadcast          string `mapstructure:"broadcast"`
	PollIntervalMillis int    `mapstructure:"poll_interval_millis"`
	RetentionSeconds   int    `mapstructure:"retention_seconds"`
	DefaultChannels    bool   `mapstructure:"default_channels"`
}

// StoreConfig selects the persisted key-value backend.
type StoreConfig struct {
	Driver     string `mapstructure:"driver"`
	RedisURL   string `mapstructure:"redis_url"`
	SQLitePath string `mapstructure:"sqlite_path"`
	Prefix     string `mapstructure:"prefix"`
}

// GatewayConfig configures the agent HTTP/WebSocket bind settings.
type GatewayConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// CallTimeout returns the bridge call deadline.
func (c BridgeConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// CallTimeout returns the per-operation deadline on the agent side.
func (c AgentConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// PollInterval returns the persisted-store polling period.
func (c BusConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// Retention returns the fallback message retention window.
func (c BusConfig) Retention() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

// LoadConfig resolves the config file, unmarshals it, and applies environment overrides.
// A missing config file is not an error: defaults and environment still apply.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// Default returns the configuration used when no file or environment is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}

	v.SetDefault("agent.session", "")
	v.SetDefault("agent.page_url", "")
	v.SetDefault("agent.page_file", "")
	v.SetDefault("agent.trusted_origins", []string{})
	v.SetDefault("agent.call_timeout_seconds", 10)

	v.SetDefault("bridge.call_timeout_seconds", 12)
	v.SetDefault("bridge.origin", "devopschat://console")
	v.SetDefault("bridge.endpoints", []EndpointConfig{})

	v.SetDefault("bus.sender", hostname)
	v.SetDefault("bus.broadcast", StoreMemory)
	v.SetDefault("bus.poll_interval_millis", 1000)
	v.SetDefault("bus.retention_seconds", 300)
	v.SetDefault("bus.default_channels", true)

	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.sqlite_path", "")
	v.SetDefault("store.prefix", "devopschat:")

	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.port", 18790)
	v.SetDefault("gateway.allowed_origins", []string{})

	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.output", "stderr")
}

// applyEnvOverrides injects the short-form env settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if redisURL := strings.TrimSpace(os.Getenv(envRedisURL)); redisURL != "" {
		cfg.Store.RedisURL = redisURL
	}

	if rawOrigins := strings.TrimSpace(os.Getenv(envTrustedOrigins)); rawOrigins != "" {
		cfg.Agent.TrustedOrigins = parseCSV(rawOrigins)
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is DEVOPSCHAT_CONFIG first, then cwd-local fallback paths.
// An empty path with a nil error means no file was found.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config.yaml"),
		filepath.Join(cwd, "config", "config.json"),
		filepath.Join(cwd, "config", "config.yaml"),
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
	}

	return "", nil
}
