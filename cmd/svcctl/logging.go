package main

import (
	"context"
	"io"

	"github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-service-command"
)

// glogLogger adapts a go-logger logger to command.Logger.
type glogLogger struct {
	logger glog.Logger
}

func (l glogLogger) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l glogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l glogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l glogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l glogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l glogLogger) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l glogLogger) WithContext(ctx context.Context) command.Logger {
	return glogLogger{logger: l.logger.WithContext(ctx)}
}

func (l glogLogger) WithFields(fields map[string]any) command.Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogLogger{logger: fl.WithFields(fields)}
	}
	return l
}

// newLogger builds the stderr logger. json output goes through go-logger,
// text output through the plain fmt logger.
func newLogger(out io.Writer, format string, verbose bool) command.Logger {
	fields := map[string]any{"app": "svcctl"}

	if format == "json" {
		level := "warn"
		if verbose {
			level = "trace"
		}
		base := glog.NewLogger(
			glog.WithWriter(out),
			glog.WithLoggerTypeJSON(),
			glog.WithLevel(level),
		)
		return command.WithLoggerFields(glogLogger{logger: base}, fields)
	}

	threshold := command.LevelWarn
	if verbose {
		threshold = command.LevelTrace
	}
	return command.NewFmtLogger(out).WithMinLevel(threshold).WithFields(fields)
}
