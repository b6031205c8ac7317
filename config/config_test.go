package config

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero bpm", func(c *Config) { c.BPM = 0 }},
		{"negative bpm", func(c *Config) { c.BPM = -60 }},
		{"zero numerator", func(c *Config) { c.TimeSignature.Numerator = 0 }},
		{"zero denominator", func(c *Config) { c.TimeSignature.Denominator = 0 }},
		{"zero resolution", func(c *Config) { c.Resolution = 0 }},
		{"negative silence", func(c *Config) { c.SilenceBeats = -1 }},
		{"zero lookahead", func(c *Config) { c.LookaheadBeats = 0 }},
		{"commitahead past lookahead", func(c *Config) { c.CommitaheadBeats = 4 }},
		{"zero temperature", func(c *Config) { c.Temperature = 0 }},
		{"bad control", func(c *Config) { c.TemperatureControl = 128 }},
		{"bad instrument", func(c *Config) { c.ChordInstrument = 200 }},
		{"bad velocity", func(c *Config) { c.DefaultVelocity = 0 }},
		{"zero subdivision", func(c *Config) { c.MetronomeSubdivision = 0 }},
		{"zero tick rate", func(c *Config) { c.TickHertz = 0 }},
		{"zero timeout", func(c *Config) { c.GenerationTimeout = 0 }},
		{"empty model", func(c *Config) { c.ModelID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestSettersRejectAndKeepPrevious(t *testing.T) {
	c := Default()

	err := c.SetTempo(-1, TimeSignature{4, 4})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Equal(t, 120.0, c.BPM)

	require.NoError(t, c.SetTempo(90, TimeSignature{3, 4}))
	assert.Equal(t, 90.0, c.BPM)
	assert.Equal(t, 3, c.TimeSignature.Numerator)

	require.Error(t, c.SetWindows(1, 2))
	assert.Equal(t, 4.0, c.LookaheadBeats)
	require.NoError(t, c.SetWindows(8, 2))
	assert.Equal(t, 2.0, c.CommitaheadBeats)

	require.Error(t, c.SetTemperature(0))
	require.NoError(t, c.SetTemperature(1.5))
	assert.Equal(t, 1.5, c.Temperature)

	require.Error(t, c.SetInstruments(-1, 3))
	require.NoError(t, c.SetInstruments(1, 3))
	assert.Equal(t, 3, c.MelodyInstrument)

	require.Error(t, c.SetModel(""))
	require.Error(t, c.SetMetronome(true, 0))
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DUET_BPM", "96")
	t.Setenv("DUET_LOOKAHEAD_BEATS", "8")
	t.Setenv("DUET_GENERATION_TIMEOUT", "500ms")
	t.Setenv("DUET_METRONOME", "false")
	t.Setenv("DUET_RESOLUTION", "not-a-number")

	c := Load()
	assert.Equal(t, 96.0, c.BPM)
	assert.Equal(t, 8.0, c.LookaheadBeats)
	assert.Equal(t, 500*time.Millisecond, c.GenerationTimeout)
	assert.False(t, c.Metronome)
	assert.Equal(t, 4, c.Resolution)
	require.NoError(t, c.Validate())
}
