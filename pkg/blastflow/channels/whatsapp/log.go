package whatsapp

import (
	"context"
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogLogger bridges whatsmeow's printf-style logger onto slog.
type slogLogger struct {
	logger *slog.Logger
	module string
	min    slog.Level
}

// newLogger returns a waLog.Logger writing to logger, dropping records below min.
func newLogger(logger *slog.Logger, module string, min slog.Level) waLog.Logger {
	return &slogLogger{logger: logger, module: module, min: min}
}

func (l *slogLogger) log(level slog.Level, msg string, args []any) {
	if level < l.min {
		return
	}
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	l.logger.Log(ctx, level, fmt.Sprintf(msg, args...), "module", l.module)
}

func (l *slogLogger) Debugf(msg string, args ...any) { l.log(slog.LevelDebug, msg, args) }
func (l *slogLogger) Infof(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args) }
func (l *slogLogger) Warnf(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args) }
func (l *slogLogger) Errorf(msg string, args ...any) { l.log(slog.LevelError, msg, args) }

func (l *slogLogger) Sub(module string) waLog.Logger {
	return &slogLogger{logger: l.logger, module: l.module + "/" + module, min: l.min}
}
