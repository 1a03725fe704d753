// Package mlog provides logging with levels, implemented on top of log/slog.
//
// Log levels can be configured per package (e.g. smtpclient, webapi), with the
// empty string as default. Levels below Debug exist for protocol traces:
// LevelTrace logs SMTP protocol transcripts, LevelTraceauth also lines
// containing credentials.
package mlog

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

// Levels for protocol traces, more detailed than slog.LevelDebug.
const (
	LevelTrace     slog.Level = -8
	LevelTraceauth slog.Level = -12
)

// Levels maps configuration strings to levels.
var Levels = map[string]slog.Level{
	"error":     slog.LevelError,
	"warn":      slog.LevelWarn,
	"info":      slog.LevelInfo,
	"debug":     slog.LevelDebug,
	"trace":     LevelTrace,
	"traceauth": LevelTraceauth,
}

// Holds a map[string]slog.Level, keyed by package ("pkg" field), with the
// empty string as fallback.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": slog.LevelInfo})
}

// SetConfig atomically replaces the log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

// Log adds convenience methods to an slog.Logger, including variants that log
// an error as a field.
type Log struct {
	*slog.Logger
	pkg string
}

// New returns a Log that adds field "pkg" to each logged line and filters by
// the level configured for pkg. If elog is nil, a text handler to stderr is
// used.
func New(pkg string, elog *slog.Logger) Log {
	if elog == nil {
		elog = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: admitAll{}}))
	}
	return Log{elog.With(slog.String("pkg", pkg)), pkg}
}

// admitAll is an slog.Leveler that lets every record through the handler;
// Log.enabled does the real per-package filtering.
type admitAll struct{}

func (admitAll) Level() slog.Level { return LevelTraceauth }

func (l Log) enabled(level slog.Level) bool {
	c := config.Load().(map[string]slog.Level)
	min, ok := c[l.pkg]
	if !ok {
		min = c[""]
	}
	return level >= min
}

func (l Log) logx(level slog.Level, msg string, err error, attrs ...slog.Attr) {
	if !l.enabled(level) {
		return
	}
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.logx(slog.LevelError, msg, nil, attrs...) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.logx(slog.LevelError, msg, err, attrs...)
}

// Fatalx logs at error level and exits the process.
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.logx(slog.LevelError, msg, err, attrs...)
	os.Exit(1)
}

func (l Log) Warn(msg string, attrs ...slog.Attr) { l.logx(slog.LevelWarn, msg, nil, attrs...) }
func (l Log) Warnx(msg string, err error, attrs ...slog.Attr) {
	l.logx(slog.LevelWarn, msg, err, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) { l.logx(slog.LevelInfo, msg, nil, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.logx(slog.LevelInfo, msg, err, attrs...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.logx(slog.LevelDebug, msg, nil, attrs...) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.logx(slog.LevelDebug, msg, err, attrs...)
}

// Trace logs a protocol line. Lines carrying credentials must be logged with
// level LevelTraceauth so they are only written when explicitly enabled.
func (l Log) Trace(level slog.Level, prefix, line string) {
	if !l.enabled(level) {
		return
	}
	l.logx(level, "trace", nil, slog.String("dir", prefix), slog.String("line", line))
}
