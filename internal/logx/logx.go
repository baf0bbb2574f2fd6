// File: internal/logx/logx.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A small level-gated wrapper around the standard logger: plain
// log.Logger, no structured logging dependency.

package logx

import (
	"log"
	"os"
)

// Level orders severity, most severe first.
type Level int

const (
	LevelEmerg Level = iota
	LevelWarning
	LevelNotice
	LevelInfo
)

func (l Level) String() string {
	switch l {
	case LevelEmerg:
		return "EMERG"
	case LevelWarning:
		return "WARNING"
	case LevelNotice:
		return "NOTICE"
	case LevelInfo:
		return "INFO"
	default:
		return "UNKNOWN"
	}
}

// Logger gates messages by level; anything at or above the configured
// level is written through the standard log.Logger.
type Logger struct {
	min Level
	out *log.Logger
}

// New builds a Logger writing to stderr with a sensible prefix.
func New(min Level) *Logger {
	return &Logger{min: min, out: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)}
}

// SetLevel changes the minimum level at runtime, used by the
// `loglevel=<n>` control command.
func (l *Logger) SetLevel(lv Level) { l.min = lv }

func (l *Logger) Level() Level { return l.min }

func (l *Logger) log(lv Level, format string, args ...any) {
	if lv > l.min {
		return
	}
	l.out.Printf("["+lv.String()+"] "+format, args...)
}

func (l *Logger) Emerg(format string, args ...any)   { l.log(LevelEmerg, format, args...) }
func (l *Logger) Warning(format string, args ...any) { l.log(LevelWarning, format, args...) }
func (l *Logger) Notice(format string, args ...any)  { l.log(LevelNotice, format, args...) }
func (l *Logger) Info(format string, args ...any)    { l.log(LevelInfo, format, args...) }
