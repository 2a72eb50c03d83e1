// Package log defines standard logging for orconn.
package log

import (
	"io"
	"os"

	"github.com/inconshreveable/log15"
	"github.com/inconshreveable/log15/term"
)

// Logger is the logging interface used throughout orconn.
type Logger interface {
	With(ctx ...interface{}) Logger

	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Notice(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
}

// Level is a logging severity.
type Level int

// Supported levels.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelNotice
	LevelWarn
	LevelError
)

// Log logs msg at the given level.
func Log(l Logger, lvl Level, msg string) {
	switch lvl {
	case LevelDebug:
		l.Debug(msg)
	case LevelInfo:
		l.Info(msg)
	case LevelNotice:
		l.Notice(msg)
	case LevelWarn:
		l.Warn(msg)
	default:
		l.Error(msg)
	}
}

type log15Adaptor struct {
	log15.Logger
}

func (l log15Adaptor) With(ctx ...interface{}) Logger {
	return log15Adaptor{
		Logger: l.New(ctx...),
	}
}

func (l log15Adaptor) Notice(msg string, ctx ...interface{}) {
	l.Info(msg, ctx...)
}

// NewLog15 wraps a log15 logger.
func NewLog15(l log15.Logger) Logger {
	return log15Adaptor{
		Logger: l,
	}
}

// NewDebug builds a logger writing everything to stderr.
func NewDebug() Logger {
	return NewLog15(log15.New())
}

// NewDiscard builds a logger that drops all records.
func NewDiscard() Logger {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())
	return NewLog15(l)
}

// NewTerminal builds a logger writing records at lvl and above to w. Output
// is colored when w is a terminal and logfmt otherwise.
func NewTerminal(w io.Writer, lvl Level) Logger {
	l := log15.New()
	l.SetHandler(TerminalHandler(w, lvl))
	return NewLog15(l)
}

// TerminalHandler is the handler behind NewTerminal.
func TerminalHandler(w io.Writer, lvl Level) log15.Handler {
	format := log15.LogfmtFormat()
	if f, ok := w.(*os.File); ok && term.IsTty(f.Fd()) {
		format = log15.TerminalFormat()
	}
	return log15.LvlFilterHandler(toLog15(lvl), log15.StreamHandler(w, format))
}

func toLog15(lvl Level) log15.Lvl {
	switch lvl {
	case LevelDebug:
		return log15.LvlDebug
	case LevelInfo, LevelNotice:
		return log15.LvlInfo
	case LevelWarn:
		return log15.LvlWarn
	default:
		return log15.LvlError
	}
}
