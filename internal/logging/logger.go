// Package logging provides simple level-gated logging for the scrub
// engine.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Logger wraps stdlib log with level support plus a chain of structured
// fields attached via WithDevice/WithQueue/WithRequest/WithError.
type Logger struct {
	logger  *log.Logger
	level   LogLevel
	mu      *sync.Mutex
	format  string
	noColor bool
	fields  []field
}

type field struct {
	key string
	val any
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logging configuration. Format selects "text" (default) or
// "json" line encoding; Sync is accepted for interface compatibility with
// callers that previously configured a synchronous writer and is a no-op
// here since Logger already serializes writes under a mutex; NoColor is
// likewise accepted but has no effect since the text formatter never
// emits color codes.
type Config struct {
	Level   LogLevel
	Output  io.Writer
	Format  string
	Sync    bool
	NoColor bool
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
		Format: "text",
	}
}

// NewLogger creates a new logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	format := config.Format
	if format == "" {
		format = "text"
	}
	return &Logger{
		logger:  log.New(output, "", log.LstdFlags),
		level:   config.Level,
		mu:      &sync.Mutex{},
		format:  format,
		noColor: config.NoColor,
	}
}

// with returns a child logger carrying an additional structured field.
// The child shares the parent's underlying *log.Logger and mutex so
// output from any logger in the chain is serialized together.
func (l *Logger) with(key string, val any) *Logger {
	fields := make([]field, len(l.fields), len(l.fields)+1)
	copy(fields, l.fields)
	fields = append(fields, field{key, val})
	return &Logger{
		logger: l.logger, level: l.level, mu: l.mu,
		format: l.format, noColor: l.noColor, fields: fields,
	}
}

// WithDevice returns a child logger that tags every message with the
// given device id.
func (l *Logger) WithDevice(devID uint64) *Logger {
	return l.with("device_id", devID)
}

// WithQueue returns a child logger that tags every message with the
// given queue id.
func (l *Logger) WithQueue(queueID int) *Logger {
	return l.with("queue_id", queueID)
}

// WithRequest returns a child logger that tags every message with a
// request tag and operation name.
func (l *Logger) WithRequest(tag int, op string) *Logger {
	return l.with("op", op).with("tag", tag)
}

// WithError returns a child logger that tags every message with err's
// message.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with("error", err.Error())
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// formatArgs converts key-value pairs to a string
func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var result string
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if result != "" {
				result += " "
			}
			result += fmt.Sprintf("%v=%v", args[i], args[i+1])
		}
	}
	if result != "" {
		return " " + result
	}
	return ""
}

func (l *Logger) log(level LogLevel, prefix, msg string, args ...any) {
	if level < l.level {
		return
	}
	all := make([]any, 0, len(l.fields)*2+len(args))
	for _, f := range l.fields {
		all = append(all, f.key, f.val)
	}
	all = append(all, args...)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.format == "json" {
		rec := map[string]any{"level": levelName(level), "msg": msg}
		for i := 0; i+1 < len(all); i += 2 {
			rec[fmt.Sprintf("%v", all[i])] = all[i+1]
		}
		if b, err := jsonAPI.Marshal(rec); err == nil {
			l.logger.Print(string(b))
			return
		}
	}
	l.logger.Printf("%s %s%s", prefix, msg, formatArgs(all))
}

func levelName(level LogLevel) string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, "[INFO]", msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, "[WARN]", msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, "[ERROR]", msg, args...)
}

// Printf-style logging
func (l *Logger) Debugf(format string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...any) {
	l.log(LevelInfo, "[INFO]", fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	l.log(LevelWarn, "[WARN]", fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.log(LevelError, "[ERROR]", fmt.Sprintf(format, args...))
}

// Printf for compatibility
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Global convenience functions
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
