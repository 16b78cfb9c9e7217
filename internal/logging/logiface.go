package logging

import (
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// logifaceLogger adapts the package's Logger interface onto a
// github.com/joeycumines/logiface logger backed by
// github.com/joeycumines/stumpy, the pairing the teacher's logiface-stumpy
// module demonstrates. This is the logger wired into the production
// replica node; WriterLogger and NoOpLogger above remain for tests and
// environments that don't want the dependency.
type logifaceLogger struct {
	l *logiface.Logger[*stumpy.Event]
}

// NewStumpyLogger returns a Logger backed by stumpy's JSON writer, writing
// entries to the writer configured via opts (defaults to os.Stderr if none
// given). The minimum level is controlled by opts; by default everything
// at LevelDebug and above is enabled, and IsEnabled mirrors the underlying
// logiface logger's configured level.
func NewStumpyLogger(opts ...stumpy.Option) Logger {
	return &logifaceLogger{
		l: stumpy.L.New(stumpy.L.WithStumpy(opts...)),
	}
}

func (lg *logifaceLogger) IsEnabled(level LogLevel) bool {
	return lg.l.Level() >= toLogifaceLevel(level)
}

func (lg *logifaceLogger) Log(entry Entry) {
	b := lg.l.Build(toLogifaceLevel(entry.Level))
	if b == nil {
		return
	}
	if entry.NodeName != "" {
		b = b.Str(`node`, entry.NodeName)
	}
	if entry.VLSN != 0 {
		b = b.Int64(`vlsn`, entry.VLSN)
	}
	if entry.LSN != "" {
		b = b.Str(`lsn`, entry.LSN)
	}
	if entry.Component != "" {
		b = b.Str(`component`, entry.Component)
	}
	for k, v := range entry.Context {
		b = b.Any(k, v)
	}
	if entry.Err != nil {
		b = b.Err(entry.Err)
	}
	b.Log(entry.Message)
}

func toLogifaceLevel(level LogLevel) logiface.Level {
	switch level {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelInfo:
		return logiface.LevelInformational
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}
