package whatsapp

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"

	logx "wadispatch/pkg/logx"
)

// waLogger routes whatsmeow's printf-style logging into logx.
type waLogger struct {
	log    logx.Logger
	module string
	min    logx.Level
}

// NewLogger returns a whatsmeow logger. Lines below min are dropped; the
// library logs a lot at debug level.
func NewLogger(log logx.Logger, module string, min logx.Level) waLog.Logger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return waLogger{log: log, module: module, min: min}
}

func (l waLogger) emit(level logx.Level, msg string, args []any) {
	if level < l.min || !l.log.Enabled(level) {
		return
	}
	l.log.Log(level, fmt.Sprintf(msg, args...), logx.String("wa", l.module))
}

func (l waLogger) Debugf(msg string, args ...any) { l.emit(logx.LevelDebug, msg, args) }
func (l waLogger) Infof(msg string, args ...any)  { l.emit(logx.LevelInfo, msg, args) }
func (l waLogger) Warnf(msg string, args ...any)  { l.emit(logx.LevelWarn, msg, args) }
func (l waLogger) Errorf(msg string, args ...any) { l.emit(logx.LevelError, msg, args) }

func (l waLogger) Sub(module string) waLog.Logger {
	return waLogger{log: l.log, module: l.module + "/" + module, min: l.min}
}
