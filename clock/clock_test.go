package clock

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/duet/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fourFour = config.TimeSignature{Numerator: 4, Denominator: 4}

func TestNewRejectsBadConfig(t *testing.T) {
	origin := time.Unix(0, 0)
	for _, tc := range []struct {
		bpm float64
		sig config.TimeSignature
		res int
	}{
		{0, fourFour, 4},
		{-10, fourFour, 4},
		{120, config.TimeSignature{Numerator: 0, Denominator: 4}, 4},
		{120, config.TimeSignature{Numerator: 4, Denominator: 0}, 4},
		{120, fourFour, 0},
	} {
		_, err := New(tc.bpm, tc.sig, tc.res, origin)
		require.Error(t, err)
		assert.True(t, errors.Is(err, config.ErrInvalidConfig))
	}
}

func TestAdvance(t *testing.T) {
	origin := time.Unix(100, 0)
	c, err := New(120, fourFour, 4, origin)
	require.NoError(t, err)

	pos := c.Advance(origin.Add(2500 * time.Millisecond))
	assert.InDelta(t, 5.0, pos.Beat, 1e-9)
	assert.Equal(t, int64(20), pos.Frame)
	assert.Equal(t, int64(1), pos.Bar)
	assert.InDelta(t, 1.0, pos.BeatInBar, 1e-9)

	assert.Equal(t, 125*time.Millisecond, c.FrameDuration())
	assert.Equal(t, int64(16), BeatsToFrames(4, 4))
	assert.Equal(t, int64(2), BeatsToFrames(0.5, 4))
	assert.Equal(t, int64(3), BeatsToFrames(1.0/3, 8))
	assert.Equal(t, 0.25, FramesToBeats(1, 4))
}

func TestSetTempoKeepsBeatsContinuous(t *testing.T) {
	origin := time.Unix(0, 0)
	c, err := New(120, fourFour, 4, origin)
	require.NoError(t, err)

	change := origin.Add(3 * time.Second)
	before := c.Advance(change).Beat
	require.NoError(t, c.SetTempo(60, config.TimeSignature{Numerator: 3, Denominator: 4}, change))
	after := c.Advance(change).Beat
	assert.InDelta(t, before, after, 1e-9)

	// one second at 60 bpm is one more beat
	assert.InDelta(t, 7.0, c.Advance(change.Add(time.Second)).Beat, 1e-9)
	assert.Equal(t, 250*time.Millisecond, c.FrameDuration())

	err = c.SetTempo(0, fourFour, change)
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
	assert.Equal(t, 60.0, c.BPM())
}

func TestNearestFrameAndTimeOfFrame(t *testing.T) {
	origin := time.Unix(0, 0)
	c, err := New(120, fourFour, 4, origin)
	require.NoError(t, err)

	assert.Equal(t, int64(0), c.NearestFrame(origin.Add(-time.Second)))
	assert.Equal(t, int64(3), c.NearestFrame(origin.Add(390*time.Millisecond)))
	assert.Equal(t, int64(4), c.NearestFrame(origin.Add(440*time.Millisecond)))
	assert.Equal(t, origin.Add(500*time.Millisecond), c.TimeOfFrame(4))
}
