package peer

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// NewLoggerFactory bridges pion's leveled logging onto slog so the WebRTC
// stack logs through the same handler as the rest of the process.
func NewLoggerFactory(log *slog.Logger) logging.LoggerFactory {
	if log == nil {
		log = slog.Default()
	}
	return &loggerFactory{log: log}
}

type loggerFactory struct {
	log *slog.Logger
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{log: f.log.With("scope", scope)}
}

type leveledLogger struct {
	log *slog.Logger
}

// Trace maps to debug; slog has no finer level and pion's trace output is
// far too chatty for anything above it.
func (l *leveledLogger) Trace(msg string) { l.log.Debug(msg) }
func (l *leveledLogger) Tracef(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *leveledLogger) Debug(msg string) { l.log.Debug(msg) }
func (l *leveledLogger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *leveledLogger) Info(msg string) { l.log.Info(msg) }
func (l *leveledLogger) Infof(format string, args ...any) {
	l.log.Info(fmt.Sprintf(format, args...))
}

func (l *leveledLogger) Warn(msg string) { l.log.Warn(msg) }
func (l *leveledLogger) Warnf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *leveledLogger) Error(msg string) { l.log.Error(msg) }
func (l *leveledLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...))
}
