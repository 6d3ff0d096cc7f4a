package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"sync"
)

// Logger defines a minimal, printf-style logging contract.
//
// Packages depend on this interface instead of a concrete logger so tests can
// inject a no-op or capturing implementation.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

type slogLogger struct {
	logger *slog.Logger
}

func (l *slogLogger) Debug(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Info(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Warn(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Error(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

var (
	defaultMu     sync.RWMutex
	defaultOutput io.Writer = os.Stderr
	defaultLevel            = slog.LevelInfo
	defaultFormat           = "text"
)

// Configure sets the process-wide defaults used by NewComponentLogger.
// level is one of debug/info/warn/error; format is json or text.
func Configure(output io.Writer, level, format string) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if output != nil {
		defaultOutput = output
	}
	switch strings.ToLower(level) {
	case "debug":
		defaultLevel = slog.LevelDebug
	case "warn":
		defaultLevel = slog.LevelWarn
	case "error":
		defaultLevel = slog.LevelError
	default:
		defaultLevel = slog.LevelInfo
	}
	if format != "" {
		defaultFormat = strings.ToLower(format)
	}
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	defaultMu.RLock()
	output, level, format := defaultOutput, defaultLevel, defaultFormat
	defaultMu.RUnlock()

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return &slogLogger{logger: logger}
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
