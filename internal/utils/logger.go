// Package utils provides logging and small shared helpers for the bridge.
package utils

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	colorReset   = "\033[0m"
	colorBright  = "\033[1m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorGray    = "\033[90m"
)

// LogLevel identifies the severity of a log entry.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "INFO"
	LogLevelSuccess LogLevel = "SUCCESS"
	LogLevelWarn    LogLevel = "WARN"
	LogLevelError   LogLevel = "ERROR"
	LogLevelDebug   LogLevel = "DEBUG"
)

// LogEntry is one structured log record kept in the in-memory history.
type LogEntry struct {
	Timestamp string   `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Message   string   `json:"message"`
}

// LogListener receives log entries as they are emitted.
type LogListener func(entry LogEntry)

// Logger writes coloured log lines to stdout and keeps a bounded history.
type Logger struct {
	mu             sync.RWMutex
	isDebugEnabled bool
	history        []LogEntry
	maxHistory     int
	listeners      []LogListener
}

// NewLogger creates a Logger with an empty history.
func NewLogger() *Logger {
	return &Logger{
		history:    make([]LogEntry, 0),
		maxHistory: 1000,
	}
}

// SetDebug toggles debug output.
func (l *Logger) SetDebug(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isDebugEnabled = enabled
}

// IsDebugEnabled reports whether debug output is on.
func (l *Logger) IsDebugEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isDebugEnabled
}

// AddListener registers a listener for future log entries.
func (l *Logger) AddListener(listener LogListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

// GetHistory returns a copy of the retained log history.
func (l *Logger) GetHistory() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]LogEntry, len(l.history))
	copy(result, l.history)
	return result
}

func (l *Logger) print(level LogLevel, color string, message string, args ...interface{}) {
	timestampStr := time.Now().UTC().Format(time.RFC3339Nano)
	timestamp := fmt.Sprintf("%s[%s]%s", colorGray, timestampStr, colorReset)
	levelTag := fmt.Sprintf("%s[%s]%s", color, level, colorReset)

	formatted := fmt.Sprintf(message, args...)
	fmt.Fprintf(os.Stdout, "%s %s %s\n", timestamp, levelTag, formatted)

	entry := LogEntry{Timestamp: timestampStr, Level: level, Message: formatted}

	l.mu.Lock()
	l.history = append(l.history, entry)
	if len(l.history) > l.maxHistory {
		l.history = l.history[1:]
	}
	listeners := make([]LogListener, len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.Unlock()

	// Listeners run outside the lock so they may log themselves.
	for _, listener := range listeners {
		listener(entry)
	}
}

// Info logs a standard message.
func (l *Logger) Info(message string, args ...interface{}) {
	l.print(LogLevelInfo, colorBlue, message, args...)
}

// Success logs a success message.
func (l *Logger) Success(message string, args ...interface{}) {
	l.print(LogLevelSuccess, colorGreen, message, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(message string, args ...interface{}) {
	l.print(LogLevelWarn, colorYellow, message, args...)
}

// Error logs an error.
func (l *Logger) Error(message string, args ...interface{}) {
	l.print(LogLevelError, colorRed, message, args...)
}

// Debug logs a message only when debug mode is enabled.
func (l *Logger) Debug(message string, args ...interface{}) {
	if l.IsDebugEnabled() {
		l.print(LogLevelDebug, colorMagenta, message, args...)
	}
}

// Header prints a bright section header to stdout.
func (l *Logger) Header(title string) {
	fmt.Printf("\n%s%s=== %s ===%s\n\n", colorBright, colorCyan, title, colorReset)
}

var (
	globalLogger     *Logger
	globalLoggerOnce sync.Once
)

// GetLogger returns the process-wide logger.
func GetLogger() *Logger {
	globalLoggerOnce.Do(func() {
		globalLogger = NewLogger()
	})
	return globalLogger
}

// Info logs a standard message on the global logger.
func Info(message string, args ...interface{}) { GetLogger().Info(message, args...) }

// Success logs a success message on the global logger.
func Success(message string, args ...interface{}) { GetLogger().Success(message, args...) }

// Warn logs a warning on the global logger.
func Warn(message string, args ...interface{}) { GetLogger().Warn(message, args...) }

// Error logs an error on the global logger.
func Error(message string, args ...interface{}) { GetLogger().Error(message, args...) }

// Debug logs a debug message on the global logger.
func Debug(message string, args ...interface{}) { GetLogger().Debug(message, args...) }

// SetDebug toggles debug mode on the global logger.
func SetDebug(enabled bool) { GetLogger().SetDebug(enabled) }

// IsDebug reports whether the global logger has debug mode on.
func IsDebug() bool { return GetLogger().IsDebugEnabled() }
