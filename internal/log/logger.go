// Package log provides structured logging for jnivm using zap.
package log

import (
	"strconv"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceFunc receives one event per native call table hit.
type TraceFunc func(pc uint64, category, name, detail string)

// Logger wraps zap.Logger with runtime-specific helpers.
type Logger struct {
	*zap.Logger
	onTrace TraceFunc
}

var (
	// L is the global logger instance. It is a no-op until Init runs.
	L    = NewNop()
	once sync.Once
)

// Init replaces the global logger. Only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a console logger in debug mode and a warn-level JSON logger otherwise.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return &Logger{Logger: logger}
}

// NewNop creates a logger that discards everything.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Wrap adopts an existing zap logger, e.g. one built on zaptest/observer.
func Wrap(z *zap.Logger) *Logger {
	if z == nil {
		return NewNop()
	}
	return &Logger{Logger: z}
}

// SetOnTrace sets the callback invoked by Trace.
func (l *Logger) SetOnTrace(fn TraceFunc) {
	l.onTrace = fn
}

// Trace reports a native call table hit to the trace callback and logs it at debug level.
func (l *Logger) Trace(pc uint64, category, name, detail string) {
	if l.onTrace != nil {
		l.onTrace(pc, category, name, detail)
	}
	l.Debug("call",
		zap.String("cat", category),
		Fn(name),
		zap.String("detail", detail),
		Addr(pc),
	)
}

// With returns a child logger carrying fields. The trace callback is shared.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...), onTrace: l.onTrace}
}

// Named returns a child logger with a name segment appended.
func (l *Logger) Named(name string) *Logger {
	return &Logger{Logger: l.Logger.Named(name), onTrace: l.onTrace}
}

// Hex formats v as 0x-prefixed lowercase hex.
func Hex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

// Field helpers.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Ptr creates a named pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}

// Class creates a class name field.
func Class(name string) zap.Field {
	return zap.String("class", name)
}

// Member creates a method or field name field.
func Member(name string) zap.Field {
	return zap.String("member", name)
}

// Sig creates a type descriptor field.
func Sig(sig string) zap.Field {
	return zap.String("sig", sig)
}

// Handle creates a reference handle field.
func Handle(h uint64) zap.Field {
	return zap.String("ref", Hex(h))
}
