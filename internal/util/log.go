package util

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// ---------------------------------------------------------------------------
// Leveled helpers
// ---------------------------------------------------------------------------

// All output goes through pterm's default logger (stderr). Arguments are
// only formatted when the level is enabled.

func logf(level pterm.LogLevel, format string, args ...any) {
	if !pterm.DefaultLogger.CanPrint(level) {
		return
	}
	emit(level, fmt.Sprintf(format, args...))
}

func emit(level pterm.LogLevel, msg string) {
	switch level {
	case pterm.LogLevelDebug, pterm.LogLevelTrace:
		pterm.DefaultLogger.Debug(msg)
	case pterm.LogLevelWarn:
		pterm.DefaultLogger.Warn(msg)
	case pterm.LogLevelError:
		pterm.DefaultLogger.Error(msg)
	default:
		pterm.DefaultLogger.Info(msg)
	}
}

func LogDebug(format string, args ...any)   { logf(pterm.LogLevelDebug, format, args...) }
func LogInfo(format string, args ...any)    { logf(pterm.LogLevelInfo, format, args...) }
func LogSuccess(format string, args ...any) { logf(pterm.LogLevelInfo, format, args...) }
func LogWarning(format string, args ...any) { logf(pterm.LogLevelWarn, format, args...) }
func LogError(format string, args ...any)   { logf(pterm.LogLevelError, format, args...) }

// EnableDebug configures the logger to show debug messages, including the
// ones forwarded from the pion stack.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// ---------------------------------------------------------------------------
// pion adapter
// ---------------------------------------------------------------------------

// PionLoggerFactory routes pion's scoped loggers into the same logger so
// engine output shares the format of our own messages. pion's info output
// (every candidate, every state change) is demoted to debug.
type PionLoggerFactory struct{}

var _ logging.LoggerFactory = PionLoggerFactory{}

func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{scope: scope}
}

type pionLogger struct {
	scope string
}

func (l *pionLogger) line(msg string) string {
	return "[" + l.scope + "] " + msg
}

func (l *pionLogger) log(level pterm.LogLevel, msg string) {
	if pterm.DefaultLogger.CanPrint(level) {
		emit(level, l.line(msg))
	}
}

func (l *pionLogger) logf(level pterm.LogLevel, format string, args ...any) {
	if pterm.DefaultLogger.CanPrint(level) {
		emit(level, l.line(fmt.Sprintf(format, args...)))
	}
}

func (l *pionLogger) Trace(msg string)                  { l.log(pterm.LogLevelDebug, msg) }
func (l *pionLogger) Tracef(format string, args ...any) { l.logf(pterm.LogLevelDebug, format, args...) }
func (l *pionLogger) Debug(msg string)                  { l.log(pterm.LogLevelDebug, msg) }
func (l *pionLogger) Debugf(format string, args ...any) { l.logf(pterm.LogLevelDebug, format, args...) }
func (l *pionLogger) Info(msg string)                   { l.log(pterm.LogLevelDebug, msg) }
func (l *pionLogger) Infof(format string, args ...any)  { l.logf(pterm.LogLevelDebug, format, args...) }
func (l *pionLogger) Warn(msg string)                   { l.log(pterm.LogLevelWarn, msg) }
func (l *pionLogger) Warnf(format string, args ...any)  { l.logf(pterm.LogLevelWarn, format, args...) }
func (l *pionLogger) Error(msg string)                  { l.log(pterm.LogLevelError, msg) }
func (l *pionLogger) Errorf(format string, args ...any) { l.logf(pterm.LogLevelError, format, args...) }
