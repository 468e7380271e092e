package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	log *slog.Logger
}

var _ cron.Logger = cronLogger{}

func newCronLogger(log *slog.Logger) cronLogger {
	if log == nil {
		log = slog.Default()
	}
	return cronLogger{log: log.With("component", "cron")}
}

// Info is noisy (every wake-up and run), so it goes to debug.
func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
