// Package logging provides the ambient logger used across watchcore's
// platform backends. Loggers are nil-safe: a nil *Logger discards output
// instead of panicking, so backends can be constructed without a logger in
// tests.
package logging

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/fatih/color"
)

func init() {
	log.SetOutput(os.Stdout)
}

// threshold is the process-wide minimum level that will reach the
// underlying log.Logger. It defaults to LevelWarn so that routine watch
// arm/disarm chatter stays quiet unless a caller opts in.
var threshold int32 = int32(LevelWarn)

// SetLevel adjusts the process-wide logging threshold.
func SetLevel(level Level) {
	atomic.StoreInt32(&threshold, int32(level))
}

func enabled(level Level) bool {
	return int32(level) <= atomic.LoadInt32(&threshold)
}

// Logger is a hierarchical, prefix-tagged wrapper around the standard
// library logger. It is safe for concurrent use.
type Logger struct {
	prefix string
}

// RootLogger is the logger from which all backend subloggers derive.
var RootLogger = &Logger{}

// Sublogger returns a new Logger whose prefix is this logger's prefix
// joined with name. Calling Sublogger on a nil Logger returns nil.
func (l *Logger) Sublogger(name string) *Logger {
	if l == nil {
		return nil
	}
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{prefix: prefix}
}

func (l *Logger) output(line string) {
	if l.prefix != "" {
		line = fmt.Sprintf("[%s] %s", l.prefix, line)
	}
	log.Output(4, line)
}

// Info logs execution information at LevelInfo.
func (l *Logger) Info(v ...interface{}) {
	if l != nil && enabled(LevelInfo) {
		l.output(fmt.Sprint(v...))
	}
}

// Infof logs formatted execution information at LevelInfo.
func (l *Logger) Infof(format string, v ...interface{}) {
	if l != nil && enabled(LevelInfo) {
		l.output(fmt.Sprintf(format, v...))
	}
}

// Debug logs advanced execution information at LevelDebug.
func (l *Logger) Debug(v ...interface{}) {
	if l != nil && enabled(LevelDebug) {
		l.output(fmt.Sprint(v...))
	}
}

// Debugf logs formatted advanced execution information at LevelDebug.
func (l *Logger) Debugf(format string, v ...interface{}) {
	if l != nil && enabled(LevelDebug) {
		l.output(fmt.Sprintf(format, v...))
	}
}

// Warn logs a non-fatal error at LevelWarn, colorized yellow.
func (l *Logger) Warn(err error) {
	if l != nil && enabled(LevelWarn) {
		l.output(color.YellowString("warning: %v", err))
	}
}

// Error logs a fatal error at LevelError, colorized red.
func (l *Logger) Error(err error) {
	if l != nil && enabled(LevelError) {
		l.output(color.RedString("error: %v", err))
	}
}
