// Package telemetry provides the structured logger every engine component
// takes as a dependency. It mirrors the call shape of the teacher's
// creastat/infra/telemetry package (WithModule, leveled Trace/Debug/Info/
// Warn/Error, Field constructors) but is backed directly by zerolog rather
// than a private collaborator module.
package telemetry

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Field is a single structured log attribute.
type Field struct {
	key string
	val any
}

// String builds a string field.
func String(key, value string) Field { return Field{key: key, val: value} }

// Int builds an int field.
func Int(key string, value int) Field { return Field{key: key, val: value} }

// Int64 builds an int64 field.
func Int64(key string, value int64) Field { return Field{key: key, val: value} }

// Float64 builds a float64 field.
func Float64(key string, value float64) Field { return Field{key: key, val: value} }

// Bool builds a bool field.
func Bool(key string, value bool) Field { return Field{key: key, val: value} }

// Duration builds a duration field, rendered in milliseconds.
func Duration(key string, value float64) Field { return Field{key: key, val: value} }

// Err builds an error field under the conventional "error" key.
func Err(err error) Field {
	if err == nil {
		return Field{key: "error", val: nil}
	}
	return Field{key: "error", val: err.Error()}
}

// Any builds a field from an arbitrary value.
func Any(key string, value any) Field { return Field{key: key, val: value} }

// Logger is the structured logger passed to every engine component.
// The zero value is not usable; construct one with New or Nop.
type Logger struct {
	z      zerolog.Logger
	module string
}

// New creates a Logger writing to w at the given level ("trace", "debug",
// "info", "warn", "error", or "" for info).
func New(w io.Writer, level string) Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	z := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return Logger{z: z}
}

// Nop returns a Logger that discards everything. Engine components accept
// a nil *Logger-shaped zero Logger the same way the teacher's stages treat
// an unset telemetry.Logger as silent.
func Nop() Logger {
	return Logger{z: zerolog.Nop()}
}

// WithModule returns a derived logger tagging every entry with the given
// module name, the same derivation the teacher's stages use before logging
// (`logger := s.config.Logger.WithModule(s.Name())`).
func (l Logger) WithModule(module string) Logger {
	return Logger{z: l.z.With().Str("module", module).Logger(), module: module}
}

// WithFields returns a derived logger carrying the given fields on every
// subsequent entry.
func (l Logger) WithFields(fields ...Field) Logger {
	ctx := l.z.With()
	ctx = applyFields(ctx, fields)
	return Logger{z: ctx.Logger(), module: l.module}
}

func applyFields(ctx zerolog.Context, fields []Field) zerolog.Context {
	for _, f := range fields {
		switch v := f.val.(type) {
		case string:
			ctx = ctx.Str(f.key, v)
		case int:
			ctx = ctx.Int(f.key, v)
		case int64:
			ctx = ctx.Int64(f.key, v)
		case float64:
			ctx = ctx.Float64(f.key, v)
		case bool:
			ctx = ctx.Bool(f.key, v)
		case nil:
			// skip nil error fields
		default:
			ctx = ctx.Interface(f.key, v)
		}
	}
	return ctx
}

func (l Logger) event(ev *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		switch v := f.val.(type) {
		case string:
			ev = ev.Str(f.key, v)
		case int:
			ev = ev.Int(f.key, v)
		case int64:
			ev = ev.Int64(f.key, v)
		case float64:
			ev = ev.Float64(f.key, v)
		case bool:
			ev = ev.Bool(f.key, v)
		case nil:
		default:
			ev = ev.Interface(f.key, v)
		}
	}
	ev.Msg(msg)
}

// Trace writes a trace-level entry.
func (l Logger) Trace(msg string, fields ...Field) { l.event(l.z.Trace(), msg, fields) }

// Debug writes a debug-level entry.
func (l Logger) Debug(msg string, fields ...Field) { l.event(l.z.Debug(), msg, fields) }

// Info writes an info-level entry.
func (l Logger) Info(msg string, fields ...Field) { l.event(l.z.Info(), msg, fields) }

// Warn writes a warn-level entry.
func (l Logger) Warn(msg string, fields ...Field) { l.event(l.z.Warn(), msg, fields) }

// Error writes an error-level entry.
func (l Logger) Error(msg string, fields ...Field) { l.event(l.z.Error(), msg, fields) }
