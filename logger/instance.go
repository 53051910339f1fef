package logger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu            sync.RWMutex
	defaultLogger *Logger
)

// Initialize default logger instance: console only until InitFromConfig runs
func init() {
	l, err := New(DefaultConfig())
	if err != nil {
		panic(fmt.Sprintf("failed to initialize default logger: %v", err))
	}
	defaultLogger = l
}

// InitFromConfig initializes the logger from configuration
func InitFromConfig(level, filePath string, maxSize, maxBackups int, console bool) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	l, err := New(LoggerConfig{
		Level:      logLevel,
		FilePath:   filePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Console:    console,
	})
	if err != nil {
		return err
	}

	mu.Lock()
	old := defaultLogger
	defaultLogger = l
	mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// ParseLogLevel parses log level string
func ParseLogLevel(level string) (zerolog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "", "INFO":
		return zerolog.InfoLevel, nil
	case "WARN", "WARNING":
		return zerolog.WarnLevel, nil
	case "ERROR":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

func current() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// WithComponent returns a structured logger tagged with the component name
func WithComponent(component string) zerolog.Logger {
	return current().zl.With().Str("component", component).Logger()
}

// Debug logs debug level messages
func Debug(format string, args ...interface{}) {
	current().Debug(format, args...)
}

// Info logs info level messages
func Info(format string, args ...interface{}) {
	current().Info(format, args...)
}

// Warn logs warning level messages
func Warn(format string, args ...interface{}) {
	current().Warn(format, args...)
}

// Error logs error level messages
func Error(format string, args ...interface{}) {
	current().Error(format, args...)
}

// Close closes the logger
func Close() error {
	return current().Close()
}
