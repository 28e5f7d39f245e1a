// Package logging provides structured logging for the Koalax offline agent.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Format selects the handler used to render entries.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseLevel converts a user supplied level name. Unknown names map to LevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger wraps a slog.Logger with the map based helpers used across the agent.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

var (
	// global logger instance
	global *Logger
	once   sync.Once
	mu     sync.Mutex
)

// New builds a logger writing to out. Text output goes through tint and is
// colored only when out is a terminal.
func New(out io.Writer, minLevel LogLevel, format Format) *Logger {
	lv := &slog.LevelVar{}
	lv.Set(minLevel.slogLevel())

	var h slog.Handler
	switch format {
	case FormatJSON:
		h = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lv})
	default:
		h = tint.NewHandler(out, &tint.Options{
			Level:      lv,
			TimeFormat: "15:04:05.000",
			NoColor:    !isTerminal(out),
		})
	}
	return &Logger{Logger: slog.New(h), level: lv}
}

func isTerminal(out io.Writer) bool {
	f, ok := out.(interface{ Fd() uintptr })
	return ok && isatty.IsTerminal(f.Fd())
}

// Init initializes the global logger and installs it as the slog default.
// Only the first call has an effect.
func Init(out io.Writer, minLevel LogLevel, format Format) {
	once.Do(func() {
		l := New(out, minLevel, format)
		mu.Lock()
		global = l
		mu.Unlock()
		slog.SetDefault(l.Logger)
	})
}

// Get returns the global logger instance.
func Get() *Logger {
	mu.Lock()
	l := global
	mu.Unlock()
	if l == nil {
		Init(colorable.NewColorable(os.Stderr), LevelInfo, FormatText)
		mu.Lock()
		l = global
		mu.Unlock()
	}
	return l
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Set(level.slogLevel())
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.Logger.Debug(message, attrs(nil, "", context)...)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.Logger.Info(message, attrs(nil, "", context)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.Logger.Warn(message, attrs(nil, "", context)...)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.Logger.Error(message, attrs(err, "", context)...)
}

// ErrorWithCode logs an error tagged with an application error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	l.Logger.Error(message, attrs(err, code, context)...)
}

// attrs flattens the context maps into sorted key/value pairs.
func attrs(err error, code string, context []map[string]interface{}) []any {
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]any, 0, 2*len(keys)+4)
	if code != "" {
		out = append(out, "code", code)
	}
	if err != nil {
		out = append(out, "err", err)
	}
	for _, k := range keys {
		out = append(out, k, merged[k])
	}
	return out
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
