// Package logging sets up logrus and forwards warnings and errors to Sentry.
package logging

import (
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// FlushTimeout bounds how long the last events may take to leave on exit.
const FlushTimeout = 2 * time.Second

// Setup configures the standard logger. With a DSN, Sentry is initialized
// and hooked in.
func Setup(debug bool, dsn, environment, release string) error {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
	if debug {
		log.SetLevel(log.DebugLevel)
	}
	if dsn == "" {
		log.Debug("Sentry not configured")
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     "duet@" + release,
		Debug:       debug,
	})
	if err != nil {
		return errors.Wrap(err, "sentry")
	}
	log.AddHook(NewHook(sentry.CurrentHub()))
	log.Infof("Sentry initialized (environment: %s)", environment)
	return nil
}

// Flush waits for queued Sentry events.
func Flush() {
	sentry.Flush(FlushTimeout)
}

// Hook sends errors to Sentry as events and keeps warnings as breadcrumbs,
// so an error arrives with the warnings that led to it.
type Hook struct {
	hub *sentry.Hub
}

func NewHook(hub *sentry.Hub) *Hook {
	return &Hook{hub: hub}
}

func (h *Hook) Levels() []log.Level {
	return []log.Level{log.PanicLevel, log.FatalLevel, log.ErrorLevel, log.WarnLevel}
}

func (h *Hook) Fire(entry *log.Entry) error {
	if entry.Level == log.WarnLevel {
		h.hub.AddBreadcrumb(&sentry.Breadcrumb{
			Category:  category(entry),
			Message:   entry.Message,
			Level:     sentry.LevelWarning,
			Timestamp: entry.Time,
		}, nil)
		return nil
	}

	h.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		if entry.Level <= log.FatalLevel {
			scope.SetLevel(sentry.LevelFatal)
		}
		extras := make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if k == log.ErrorKey {
				continue
			}
			extras[k] = v
		}
		scope.SetExtras(extras)
		scope.SetTag("function", category(entry))
		if err, ok := entry.Data[log.ErrorKey].(error); ok {
			h.hub.CaptureException(errors.WithMessage(err, entry.Message))
			return
		}
		h.hub.CaptureMessage(entry.Message)
	})
	return nil
}

func category(entry *log.Entry) string {
	if f, ok := entry.Data["function"].(string); ok {
		return f
	}
	return "log"
}
