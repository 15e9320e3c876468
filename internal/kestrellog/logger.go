package kestrellog

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Logger is the core's diagnostic logger. It has the property that it
// still functions if nil (all methods are no-ops), so a *Server with no
// configured logger never needs a nil check at the call site. It writes
// through its own standard library *log.Logger to standard error, and
// colorizes warnings/errors only when standard error is a terminal.
type Logger struct {
	prefix string
	level  atomic.Uint32
	std    *log.Logger
}

// NewLogger creates a Logger with the given initial level and prefix.
func NewLogger(level Level, prefix string) *Logger {
	colorable := isatty.IsTerminal(os.Stderr.Fd())
	color.NoColor = !colorable

	l := &Logger{
		prefix: prefix,
		std:    log.New(os.Stderr, "", log.LstdFlags),
	}
	l.level.Store(uint32(level))
	return l
}

// SetLevel adjusts the logger's verbosity.
func (l *Logger) SetLevel(level Level) {
	if l == nil {
		return
	}
	l.level.Store(uint32(level))
}

// Level returns the logger's current verbosity.
func (l *Logger) Level() Level {
	if l == nil {
		return LevelDisabled
	}
	return Level(l.level.Load())
}

func (l *Logger) enabled(level Level) bool {
	return l != nil && l.Level() >= level
}

func (l *Logger) output(prefix, message string) {
	if l.prefix == "" {
		l.std.Println(prefix + message)
	} else {
		l.std.Println(prefix + "[" + l.prefix + "] " + message)
	}
}

// Debugf logs formatted information if the level is at least LevelDebug.
func (l *Logger) Debugf(format string, v ...any) {
	if !l.enabled(LevelDebug) {
		return
	}
	l.output("", fmt.Sprintf(format, v...))
}

// Infof logs formatted information if the level is at least LevelInfo.
func (l *Logger) Infof(format string, v ...any) {
	if !l.enabled(LevelInfo) {
		return
	}
	l.output("", fmt.Sprintf(format, v...))
}

// Warnf logs a formatted warning, colorized yellow, if the level is at
// least LevelWarn.
func (l *Logger) Warnf(format string, v ...any) {
	if !l.enabled(LevelWarn) {
		return
	}
	l.output("", color.YellowString("warning: "+format, v...))
}

// Errorf logs a formatted error, colorized red, if the level is at least
// LevelError.
func (l *Logger) Errorf(format string, v ...any) {
	if !l.enabled(LevelError) {
		return
	}
	l.output("", color.RedString("error: "+format, v...))
}
