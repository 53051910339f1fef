package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig represents the configuration for the logger
type LoggerConfig struct {
	// Log level: debug, info, warn, error
	Level zerolog.Level
	// Log file path, empty disables file output
	FilePath string
	// Maximum log file size in MB
	MaxSize int
	// Maximum number of rotated files kept
	MaxBackups int
	// Whether to log to console
	Console bool
	// Emit JSON on the console instead of the human readable format
	JSON bool
}

// DefaultConfig returns default logger configuration
func DefaultConfig() LoggerConfig {
	return LoggerConfig{
		Level:      zerolog.InfoLevel,
		MaxSize:    10, // 10MB
		MaxBackups: 5,
		Console:    true,
	}
}

// Logger wraps a zerolog logger together with the rotating file it writes to
type Logger struct {
	zl   zerolog.Logger
	file *rotatingFile
}

// New creates a new logger
func New(config LoggerConfig) (*Logger, error) {
	writers := make([]io.Writer, 0, 2)

	if config.Console {
		if config.JSON {
			writers = append(writers, os.Stdout)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05.000"})
		}
	}

	var file *rotatingFile
	if config.FilePath != "" {
		var err error
		file, err = openRotatingFile(config.FilePath, int64(config.MaxSize)*1024*1024, config.MaxBackups)
		if err != nil {
			return nil, err
		}
		writers = append(writers, file)
	}

	var output io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		output = writers[0]
	default:
		output = zerolog.MultiLevelWriter(writers...)
	}

	zl := zerolog.New(output).Level(config.Level).With().Timestamp().Logger()

	return &Logger{zl: zl, file: file}, nil
}

// Zerolog exposes the underlying zerolog logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level zerolog.Level) {
	l.zl = l.zl.Level(level)
}

// Debug logs debug level messages
func (l *Logger) Debug(format string, args ...interface{}) {
	l.zl.Debug().Msgf(format, args...)
}

// Info logs info level messages
func (l *Logger) Info(format string, args ...interface{}) {
	l.zl.Info().Msgf(format, args...)
}

// Warn logs warning level messages
func (l *Logger) Warn(format string, args ...interface{}) {
	l.zl.Warn().Msgf(format, args...)
}

// Error logs error level messages
func (l *Logger) Error(format string, args ...interface{}) {
	l.zl.Error().Msgf(format, args...)
}

// Close closes the log file, if any
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// rotatingFile is a size based rotating log file
type rotatingFile struct {
	mu          sync.Mutex
	file        *os.File
	path        string
	maxSize     int64 // Unit: bytes
	maxBackups  int
	currentSize int64
}

func openRotatingFile(path string, maxSize int64, maxBackups int) (*rotatingFile, error) {
	// Ensure log directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to get log file info: %w", err)
	}

	return &rotatingFile{
		file:        file,
		path:        path,
		maxSize:     maxSize,
		maxBackups:  maxBackups,
		currentSize: info.Size(),
	}, nil
}

// Write implements io.Writer
func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}

	n, err := r.file.Write(p)
	r.currentSize += int64(n)
	if err != nil {
		return n, err
	}

	if r.maxSize > 0 && r.currentSize >= r.maxSize {
		r.rotate()
	}
	return n, nil
}

// rotate moves the current file aside and opens a fresh one. Caller holds r.mu.
func (r *rotatingFile) rotate() {
	r.file.Close()

	// Generate new log filename (with timestamp)
	timestamp := time.Now().Format("20060102-150405.000")
	dir := filepath.Dir(r.path)
	base := filepath.Base(r.path)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	backupPath := filepath.Join(dir, fmt.Sprintf("%s.%s%s", name, timestamp, ext))

	if err := os.Rename(r.path, backupPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to rotate log file: %v\n", err)
	}

	r.cleanOldLogs()

	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create new log file: %v\n", err)
		r.file = nil
		return
	}

	r.file = file
	r.currentSize = 0
}

// cleanOldLogs cleans up old log files beyond maxBackups
func (r *rotatingFile) cleanOldLogs() {
	dir := filepath.Dir(r.path)
	base := filepath.Base(r.path)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]

	matches, err := filepath.Glob(filepath.Join(dir, name+".*"+ext))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to find old log files: %v\n", err)
		return
	}

	if len(matches) <= r.maxBackups {
		return
	}

	type fileInfo struct {
		path string
		time time.Time
	}
	files := make([]fileInfo, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		files = append(files, fileInfo{match, info.ModTime()})
	}

	// Oldest first
	sort.Slice(files, func(i, j int) bool {
		if files[i].time.Equal(files[j].time) {
			return files[i].path < files[j].path
		}
		return files[i].time.Before(files[j].time)
	})

	for i := 0; i < len(files)-r.maxBackups; i++ {
		os.Remove(files[i].path)
	}
}

// Close implements io.Closer
func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
