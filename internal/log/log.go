// Package log provides structured logging for prefork.
// Entries carry a level, a category and key=value fields, are written to
// stderr (or a file) and the newest are kept in memory for the status API.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a level name to a Level. Unknown names return LevelInfo
// and false.
func ParseLevel(name string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug, true
	case "info", "":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	default:
		return LevelInfo, false
	}
}

// Category groups related log messages.
type Category string

const (
	CatPool    Category = "pool"    // Coordinator and worker lifecycle
	CatWorker  Category = "worker"  // Request handling inside a worker
	CatChannel Category = "channel" // Notification transport
	CatDistrib Category = "distrib" // Connection distribution
	CatConfig  Category = "config"  // Configuration loading
	CatStatus  Category = "status"  // Status API
)

// DefaultBufferSize is the number of recent entries kept for the status API.
const DefaultBufferSize = 256

// Logger provides structured logging.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	writer   io.Writer
	recent   *recentLog
	prefix   string
	enabled  bool
	minLevel Level
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = &Logger{
		writer:   os.Stderr,
		recent:   newRecentLog(DefaultBufferSize),
		enabled:  true,
		minLevel: LevelInfo,
	}
)

// Init replaces the global logger. An empty path logs to stderr.
// prefix is prepended to every message (e.g. "worker-1").
// Returns a cleanup function to close the log file.
func Init(path, prefix string, level Level, bufferSize int) (func(), error) {
	l := &Logger{
		writer:   os.Stderr,
		recent:   newRecentLog(bufferSize),
		prefix:   prefix,
		enabled:  true,
		minLevel: level,
	}
	if path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: operator-supplied log path
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = f
		l.writer = f
	}

	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()

	return func() {
		if l.file != nil {
			_ = l.file.Close()
		}
	}, nil
}

// SetOutput redirects the global logger. Used by tests.
func SetOutput(w io.Writer) {
	l := current()
	l.mu.Lock()
	l.writer = w
	l.mu.Unlock()
}

// SetEnabled toggles logging on/off.
func SetEnabled(enabled bool) {
	l := current()
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

// SetMinLevel sets the minimum log level.
func SetMinLevel(level Level) {
	l := current()
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	log(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	log(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	log(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	log(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	log(LevelError, cat, msg, fields...)
}

func current() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

func log(level Level, cat Category, msg string, fields ...any) {
	l := current()

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || level < l.minLevel {
		return
	}

	// Format: 2025-12-06T10:45:00 [INFO] [pool] worker-1 message key=value
	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02T15:04:05"))
	fmt.Fprintf(&b, " [%s] [%s] ", level, cat)
	if l.prefix != "" {
		b.WriteString(l.prefix)
		b.WriteByte(' ')
	}
	b.WriteString(msg)

	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Fprintf(&b, " %v=%v", fields[i], fields[i+1])
	}
	// Orphan key with no value
	if len(fields)%2 != 0 {
		fmt.Fprintf(&b, " %v=<missing>", fields[len(fields)-1])
	}
	b.WriteByte('\n')
	entry := b.String()

	if l.writer != nil {
		_, _ = io.WriteString(l.writer, entry)
	}
	if l.recent != nil {
		l.recent.add(entry)
	}
}

// GetRecentLogs returns up to count of the newest kept entries, oldest first.
func GetRecentLogs(count int) []string {
	l := current()
	if l.recent == nil {
		return nil
	}
	return l.recent.tail(count)
}

// ClearBuffer drops the kept entries.
func ClearBuffer() {
	l := current()
	if l.recent == nil {
		return
	}
	l.recent.reset()
}
