// Package logger builds the process slog.Logger from LoggingConfig.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	charmLog "github.com/charmbracelet/log"

	"devopschat/pkg/config"
)

const (
	OutputStderr  = "stderr"
	OutputStdout  = "stdout"
	OutputDiscard = "discard"

	defaultFormat = "text"
	defaultLevel  = "info"

	envLogFormat    = "DEVOPSCHAT_LOG_FORMAT"
	envLogLevel     = "DEVOPSCHAT_LOG_LEVEL"
	envLogAddSource = "DEVOPSCHAT_LOG_ADD_SOURCE"
	envLogOutput    = "DEVOPSCHAT_LOG_OUTPUT"
)

// settings is LoggingConfig after environment overrides and validation.
type settings struct {
	format    string
	level     slog.Level
	addSource bool
	output    string
}

// New builds the process logger. Output is stderr, stdout, discard or a file
// path; the returned Closer releases the file and is a no-op otherwise.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	s, err := resolve(cfg)
	if err != nil {
		return nil, nil, err
	}

	writer, closer, err := openOutput(s.output)
	if err != nil {
		return nil, nil, err
	}
	return build(s, writer), closer, nil
}

// Nop returns a logger that drops everything. Used as the fallback when a
// component is constructed without one.
func Nop() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Component returns log scoped to a component name, tolerating a nil logger.
func Component(log *slog.Logger, name string) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return log.With("component", name)
}

// WritesToTerminal reports whether cfg sends log lines to stdout or stderr.
func WritesToTerminal(cfg config.LoggingConfig) bool {
	switch outputTarget(cfg.Output) {
	case OutputStderr, OutputStdout:
		return true
	default:
		return false
	}
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	s, err := resolve(cfg)
	if err != nil {
		return nil, err
	}
	return build(s, writer), nil
}

func build(s settings, writer io.Writer) *slog.Logger {
	if s.format == "json" {
		return slog.New(&entryHandler{
			level:     s.level,
			addSource: s.addSource,
			writer:    writer,
			mu:        &sync.Mutex{},
		})
	}

	formatter := charmLog.TextFormatter
	if s.format == "logfmt" {
		formatter = charmLog.LogfmtFormatter
	}
	return slog.New(charmLog.NewWithOptions(writer, charmLog.Options{
		Level:           charmLevel(s.level),
		ReportTimestamp: true,
		ReportCaller:    s.addSource,
		Formatter:       formatter,
		Prefix:          "devopschat",
	}))
}

func resolve(cfg config.LoggingConfig) (settings, error) {
	format := strings.ToLower(envOr(envLogFormat, cfg.Format))
	if format == "" {
		format = defaultFormat
	}
	switch format {
	case "json", "text", "logfmt":
	default:
		return settings{}, fmt.Errorf("unsupported log format %q", format)
	}

	level, err := parseLevel(envOr(envLogLevel, cfg.Level))
	if err != nil {
		return settings{}, err
	}

	addSource := cfg.AddSource
	if env := strings.TrimSpace(os.Getenv(envLogAddSource)); env != "" {
		addSource = parseBool(env)
	}

	return settings{
		format:    format,
		level:     level,
		addSource: addSource,
		output:    outputTarget(cfg.Output),
	}, nil
}

// envOr returns the trimmed environment value of key, or fallback when unset.
func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return strings.TrimSpace(fallback)
}

func outputTarget(configured string) string {
	target := envOr(envLogOutput, configured)
	switch strings.ToLower(target) {
	case "", OutputStderr:
		return OutputStderr
	case OutputStdout:
		return OutputStdout
	case OutputDiscard:
		return OutputDiscard
	default:
		return target
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openOutput(target string) (io.Writer, io.Closer, error) {
	switch target {
	case OutputStderr:
		return os.Stderr, nopCloser{}, nil
	case OutputStdout:
		return os.Stdout, nopCloser{}, nil
	case OutputDiscard:
		return io.Discard, nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return file, file, nil
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

func parseLevel(input string) (slog.Level, error) {
	levelText := strings.ToLower(strings.TrimSpace(input))
	if levelText == "" {
		levelText = defaultLevel
	}

	switch levelText {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", levelText)
	}
}

func parseBool(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
