package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const (
	timeFormat = "2006-01-02T15:04:05.000Z07:00"
	errKey     = "err"
)

// Logger is a structured logger. The zero value is a no-op.
type Logger struct {
	src    source
	fields []Field
}

// source yields the zerolog logger to write through. A Service is a source
// whose answer changes on Apply.
type source interface {
	current() zerolog.Logger
}

type fixed struct{ zl zerolog.Logger }

func (f fixed) current() zerolog.Logger { return f.zl }

// Nop returns a logger that never writes anything.
func Nop() Logger { return Logger{src: fixed{zerolog.Nop()}} }

// NewConsole returns a standalone console logger, for CLI commands.
func NewConsole(level string) Logger {
	return Logger{src: fixed{build(level, LevelInfo, consoleWriter(Stderr()))}}
}

// NewWriter returns a JSON logger writing to w. Default level is DEBUG.
func NewWriter(w io.Writer, level string) Logger {
	return Logger{src: fixed{build(level, LevelDebug, w)}}
}

func build(level string, def Level, w io.Writer) zerolog.Logger {
	return zerolog.New(w).Level(ParseLevel(level, def)).With().Timestamp().Logger()
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.fields) == 0 }

func (l Logger) zl() zerolog.Logger {
	if l.src == nil {
		return zerolog.Nop()
	}
	return l.src.current()
}

// Enabled reports whether a line at level would be written.
func (l Logger) Enabled(level Level) bool {
	zl := l.zl()
	return level >= zl.GetLevel() && level >= zerolog.GlobalLevel()
}

// With returns a logger that adds fields to every line.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := l
	out.fields = make([]Field, 0, len(l.fields)+len(fields))
	out.fields = append(append(out.fields, l.fields...), fields...)
	return out
}

func (l Logger) Trace(msg string, fields ...Field) { l.write(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.write(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field) { l.write(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field) { l.write(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(LevelError, msg, fields) }

// Log writes at an explicit level. Adapters use it so the caller field
// still points at the adapter's call site.
func (l Logger) Log(level Level, msg string, fields ...Field) { l.write(level, msg, fields) }

// callerDepth skips write and the exported level method.
const callerDepth = 2

func (l Logger) write(level Level, msg string, fields []Field) {
	zl := l.zl()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(callerDepth); ok {
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

// ParseLevel maps a config string (any case, "WARNING" accepted) to a
// level; unknown or empty strings yield def.
func ParseLevel(s string, def Level) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	switch s {
	case "trace", "debug", "info", "warn", "error":
		lvl, err := zerolog.ParseLevel(s)
		if err == nil {
			return lvl
		}
	}
	return def
}
