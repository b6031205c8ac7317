package logging

import (
	"io"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHook(t *testing.T) {
	var events []*sentry.Event
	client, err := sentry.NewClient(sentry.ClientOptions{
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			events = append(events, event)
			return nil
		},
	})
	require.NoError(t, err)
	hub := sentry.NewHub(client, sentry.NewScope())

	logger := log.New()
	logger.SetOutput(io.Discard)
	logger.AddHook(NewHook(hub))

	logger.WithFields(log.Fields{"function": "Scheduler.Apply"}).Info("ignored")
	logger.WithFields(log.Fields{"function": "Scheduler.Apply"}).Warn("Generator is lagging")
	assert.Empty(t, events)

	logger.WithFields(log.Fields{
		"function": "Session.Stop",
		"session":  "abc",
	}).WithError(errors.New("disk full")).Error("could not save")
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, sentry.LevelError, e.Level)
	assert.Equal(t, "Session.Stop", e.Tags["function"])
	assert.Equal(t, "abc", e.Extra["session"])
	require.Len(t, e.Breadcrumbs, 1)
	assert.Equal(t, "Generator is lagging", e.Breadcrumbs[0].Message)
	require.NotEmpty(t, e.Exception)

	logger.Error("plain")
	require.Len(t, events, 2)
	assert.Equal(t, "plain", events[1].Message)
}

func TestSetupWithoutDSN(t *testing.T) {
	require.NoError(t, Setup(true, "", "test", "dev"))
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	require.NoError(t, Setup(false, "", "test", "dev"))
	assert.Equal(t, log.InfoLevel, log.GetLevel())
}
