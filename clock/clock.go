// Package clock converts wall-clock time into a position on the beat grid.
package clock

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/duet/config"
)

// Position is where the session is on the grid at a given instant.
type Position struct {
	// Beat is the elapsed beats since the session origin
	Beat float64
	// Frame is the frame currently sounding, floor(Beat*resolution)
	Frame int64
	// Bar counts whole bars
	Bar int64
	// BeatInBar is the position inside the current bar
	BeatInBar float64
}

// Clock maps time to beats. After a tempo change the origin is rebased so
// that the elapsed beats stay continuous.
type Clock struct {
	mu         sync.RWMutex
	bpm        float64
	sig        config.TimeSignature
	resolution int
	origin     time.Time
	originBeat float64
}

// New makes a clock whose beat zero is at origin.
func New(bpm float64, sig config.TimeSignature, resolution int, origin time.Time) (*Clock, error) {
	if err := validate(bpm, sig); err != nil {
		return nil, err
	}
	if resolution <= 0 {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "resolution must be positive, got %d", resolution)
	}
	return &Clock{
		bpm:        bpm,
		sig:        sig,
		resolution: resolution,
		origin:     origin,
	}, nil
}

func validate(bpm float64, sig config.TimeSignature) error {
	if bpm <= 0 {
		return errors.Wrapf(config.ErrInvalidConfig, "bpm must be positive, got %v", bpm)
	}
	if sig.Numerator <= 0 || sig.Denominator <= 0 {
		return errors.Wrapf(config.ErrInvalidConfig, "time signature must be positive, got %d/%d", sig.Numerator, sig.Denominator)
	}
	return nil
}

// Advance returns the position at now.
func (c *Clock) Advance(now time.Time) Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	beat := c.beatAt(now)
	perBar := float64(c.sig.Numerator)
	bar := math.Floor(beat / perBar)
	return Position{
		Beat:      beat,
		Frame:     int64(math.Floor(beat * float64(c.resolution))),
		Bar:       int64(bar),
		BeatInBar: beat - bar*perBar,
	}
}

// SetTempo changes bpm and meter at now without a jump in elapsed beats.
func (c *Clock) SetTempo(bpm float64, sig config.TimeSignature, now time.Time) error {
	if err := validate(bpm, sig); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.originBeat = c.beatAt(now)
	c.origin = now
	c.bpm = bpm
	c.sig = sig
	return nil
}

func (c *Clock) beatAt(t time.Time) float64 {
	return c.originBeat + t.Sub(c.origin).Seconds()*c.bpm/60
}

// NearestFrame quantizes t to the closest frame, never before frame zero.
func (c *Clock) NearestFrame(t time.Time) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f := int64(math.Round(c.beatAt(t) * float64(c.resolution)))
	if f < 0 {
		return 0
	}
	return f
}

// TimeOfFrame is the instant a frame starts at the current tempo.
func (c *Clock) TimeOfFrame(frame int64) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	beat := float64(frame) / float64(c.resolution)
	secs := (beat - c.originBeat) * 60 / c.bpm
	return c.origin.Add(time.Duration(secs * float64(time.Second)))
}

// BeatsToFrames rounds a beat count to whole frames at resolution frames
// per beat.
func BeatsToFrames(beats float64, resolution int) int64 {
	return int64(math.Round(beats * float64(resolution)))
}

// FramesToBeats is the inverse of BeatsToFrames.
func FramesToBeats(frames int64, resolution int) float64 {
	return float64(frames) / float64(resolution)
}

// FrameDuration is the length of one frame at the current tempo.
func (c *Clock) FrameDuration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return FrameDuration(c.bpm, c.resolution)
}

// FrameDuration is the length of one frame at bpm with resolution frames per beat.
func FrameDuration(bpm float64, resolution int) time.Duration {
	return time.Duration(60 / bpm / float64(resolution) * float64(time.Second))
}

func (c *Clock) BPM() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bpm
}

func (c *Clock) TimeSignature() config.TimeSignature {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sig
}

func (c *Clock) Resolution() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolution
}
