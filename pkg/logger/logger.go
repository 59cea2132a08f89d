package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// LogLevel represents the logging verbosity level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// DebugCategory represents specific debug categories for targeted debugging
type DebugCategory string

const (
	DebugCapture      DebugCategory = "capture"
	DebugRetry        DebugCategory = "retry"
	DebugBandwidth    DebugCategory = "bandwidth"
	DebugOrchestrator DebugCategory = "orchestrator"
	DebugAll          DebugCategory = "all"
)

// Config holds logger configuration
type Config struct {
	Level           LogLevel
	Format          OutputFormat
	OutputFile      string
	EnabledCategories map[DebugCategory]bool
	mu              sync.RWMutex
}

// OutputFormat determines the log output format
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Global logger instance
var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger wraps slog.Logger with category-based debugging
type Logger struct {
	*slog.Logger
	config *Config
	file   *os.File
}

// NewConfig creates a new logger configuration with defaults
func NewConfig() *Config {
	return &Config{
		Level:             LevelInfo,
		Format:            FormatText,
		OutputFile:        "",
		EnabledCategories: make(map[DebugCategory]bool),
	}
}

// ParseLevel converts a string to LogLevel
func ParseLevel(level string) (LogLevel, error) {
	switch level {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

// ParseFormat converts a string to OutputFormat
func ParseFormat(format string) (OutputFormat, error) {
	switch format {
	case "json", "JSON":
		return FormatJSON, nil
	case "text", "TEXT":
		return FormatText, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or text)", format)
	}
}

// ToSlogLevel converts LogLevel to slog.Level
func (l LogLevel) ToSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a new Logger instance with the given configuration
func New(cfg *Config) (*Logger, error) {
	var writer io.Writer = os.Stdout
	var file *os.File

	// Setup output file if specified
	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.OutputFile, err)
		}
		writer = f
		file = f
	}

	// Create handler based on format
	var handler slog.Handler
	handlerOpts := &slog.HandlerOptions{
		Level: cfg.Level.ToSlogLevel(),
	}

	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(writer, handlerOpts)
	case FormatText:
		handler = slog.NewTextHandler(writer, handlerOpts)
	default:
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	logger := &Logger{
		Logger: slog.New(handler),
		config: cfg,
		file:   file,
	}

	return logger, nil
}

// Wrap builds a Logger around an already-constructed slog.Logger and
// category config, for callers that assemble their own handler/writer (or
// tests) instead of going through New. A nil cfg behaves like NewConfig().
func Wrap(l *slog.Logger, cfg *Config) *Logger {
	if cfg == nil {
		cfg = NewConfig()
	}
	return &Logger{Logger: l, config: cfg}
}

// EnableCategory enables a specific debug category
func (c *Config) EnableCategory(category DebugCategory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if category == DebugAll {
		// Enable all categories
		c.EnabledCategories[DebugCapture] = true
		c.EnabledCategories[DebugRetry] = true
		c.EnabledCategories[DebugBandwidth] = true
		c.EnabledCategories[DebugOrchestrator] = true
	} else {
		c.EnabledCategories[category] = true
	}
}

// IsCategoryEnabled checks if a debug category is enabled
func (c *Config) IsCategoryEnabled(category DebugCategory) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EnabledCategories[category]
}

// IsDebugEnabled checks if any debug category is enabled
func (c *Config) IsDebugEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.EnabledCategories) > 0
}

// Close closes the log file if one was opened
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Category-specific logging methods

// DebugCapture logs Capture Pipeline stage details if capture debugging is enabled
func (l *Logger) DebugCapture(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugCapture) {
		args = append([]any{"category", "capture"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugRetry logs Retry Engine strategy details if retry debugging is enabled
func (l *Logger) DebugRetry(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugRetry) {
		args = append([]any{"category", "retry"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugBandwidth logs Bandwidth Controller admission/throttle decisions if
// bandwidth debugging is enabled
func (l *Logger) DebugBandwidth(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugBandwidth) {
		args = append([]any{"category", "bandwidth"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugOrchestrator logs Batch Orchestrator sub-batch scheduling details if
// orchestrator debugging is enabled
func (l *Logger) DebugOrchestrator(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugOrchestrator) {
		args = append([]any{"category", "orchestrator"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugFrame logs one captured frame's brightness sample if capture
// debugging is enabled.
func (l *Logger) DebugFrame(serial string, brightPercent float64, dark bool) {
	if l.config.IsCategoryEnabled(DebugCapture) {
		l.Debug("frame sampled",
			"category", "capture",
			"serial", serial,
			"bright_percent", brightPercent,
			"dark", dark)
	}
}

// DebugParameterMutation logs one Retry Engine parameter mutation if retry
// debugging is enabled.
func (l *Logger) DebugParameterMutation(serial, field string, oldValue, newValue any) {
	if l.config.IsCategoryEnabled(DebugRetry) {
		l.Debug("parameter mutated",
			"category", "retry",
			"serial", serial,
			"field", field,
			"old_value", oldValue,
			"new_value", newValue)
	}
}

// WithContext adds context values to logger
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{
		Logger: l.Logger,
		config: l.config,
		file:   l.file,
	}
}

// With returns a new Logger with the given attributes
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		config: l.config,
		file:   l.file,
	}
}

// SetDefault sets the global default logger
func SetDefault(logger *Logger) {
	defaultLogger = logger
	slog.SetDefault(logger.Logger)
}

// Default returns the default logger, creating one if necessary
func Default() *Logger {
	once.Do(func() {
		cfg := NewConfig()
		logger, err := New(cfg)
		if err != nil {
			// Fallback to basic logger
			logger = &Logger{
				Logger: slog.Default(),
				config: cfg,
			}
		}
		defaultLogger = logger
	})
	return defaultLogger
}

// Package-level convenience functions

// Debug logs at Debug level using the default logger
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

// Info logs at Info level using the default logger
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Warn logs at Warn level using the default logger
func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

// Error logs at Error level using the default logger
func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
