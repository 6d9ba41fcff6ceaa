package logx

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field adds one key to an event. A later field with the same key wins in
// the console output; JSON sinks keep both.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field {
	return func(e *zerolog.Event) { e.Int64(k, v) }
}
func Uint64(k string, v uint64) Field {
	return func(e *zerolog.Event) { e.Uint64(k, v) }
}
func Float64(k string, v float64) Field {
	return func(e *zerolog.Event) { e.Float64(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Stringer renders v lazily, only when the event is actually written.
func Stringer(k string, v fmt.Stringer) Field {
	return func(e *zerolog.Event) { e.Stringer(k, v) }
}

// Err is a no-op for a nil error.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// UserID and ConvID keep the two identifiers every nudge log line carries
// under one spelling.
func UserID(id int64) Field { return Int64("user_id", id) }
func ConvID(id int64) Field { return Int64("conv_id", id) }

// Logger is a small structured logger over zerolog. A Logger obtained from
// a Service follows its Apply swaps. The zero value discards everything.
type Logger struct {
	src    func() zerolog.Logger
	fields []Field
}

func nopSource() zerolog.Logger { return zerolog.Nop() }

// Nop returns a logger that never writes anything.
func Nop() Logger { return Logger{src: nopSource} }

// NewConsole builds a standalone console logger for use before a Service exists.
func NewConsole(level string) Logger {
	zerolog.TimeFieldFormat = consoleTimeFormat
	zerolog.ErrorFieldName = "err"
	zl := zerolog.New(newConsoleWriter(os.Stdout)).Level(parseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
	return Logger{src: func() zerolog.Logger { return zl }}
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	if l.src == nil {
		return zerolog.Nop()
	}
	return l.src()
}

func (l Logger) Enabled(level Level) bool { return level >= l.root().GetLevel() }

// With returns a child logger carrying fields on every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append(make([]Field, 0, len(l.fields)+len(fields)), l.fields...), fields...)
	return l
}

func (l Logger) Debug(msg string, fields ...Field) { l.write(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(zerolog.ErrorLevel, msg, fields) }

func (l Logger) write(level zerolog.Level, msg string, fields []Field) {
	zl := l.root()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// Skip write and the exported level method.
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, group := range [2][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// parseLevel accepts zerolog level names in any case, plus "warning".
// Anything else yields def.
func parseLevel(s string, def zerolog.Level) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	if s == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}
