package player

import (
	"context"
	"time"

	"github.com/schollz/duet/buffer"
	"github.com/schollz/duet/music"
	log "github.com/sirupsen/logrus"
)

// InputKind tells notes from control changes.
type InputKind int

const (
	InputNote InputKind = iota
	InputControl
)

// InputEvent is a normalised MIDI message with the time it was received.
type InputEvent struct {
	Kind     InputKind
	Time     time.Time
	Channel  int
	Pitch    int
	Velocity int
	On       bool
	// Control and Value are set for control changes
	Control int
	Value   int
}

// Input is a MIDI source. Listen delivers events to queue until ctx is done
// or the device goes away, in which case it returns an error.
type Input interface {
	Listen(ctx context.Context, queue chan<- InputEvent) error
	Close() error
}

const (
	minTemperature = 0.1
	midTemperature = 1.0
	maxTemperature = 2.0
)

// TemperatureFromControl maps a 7 bit control value onto the temperature:
// 0 is the minimum, 63 and 64 the middle, 127 the maximum.
func TemperatureFromControl(value int) float64 {
	switch {
	case value > 64:
		return midTemperature + float64(value-64)*(maxTemperature-midTemperature)/63
	case value < 63:
		return minTemperature + float64(value)*(midTemperature-minTemperature)/63
	}
	return midTemperature
}

// capture merges one input event into the buffer. Notes land on their
// nearest frame, or right after the boundary when that frame was already
// played. Called from Step with the session locked.
func (s *Session) capture(ev InputEvent) {
	logger := log.WithFields(log.Fields{
		"function": "Session.capture",
	})
	if ev.Kind == InputControl {
		if s.cfg.TemperatureControl < 0 || ev.Control != s.cfg.TemperatureControl {
			return
		}
		t := TemperatureFromControl(ev.Value)
		if err := s.setTemperature(t); err != nil {
			logger.Warn(err.Error())
			return
		}
		logger.Debugf("temperature %2.2f", t)
		return
	}

	frame := s.clock.NearestFrame(ev.Time)
	if b := s.buf.Boundary(); frame <= b {
		frame = b + 1
		s.deferred++
	}
	kind := music.EventNoteOff
	if ev.On && ev.Velocity > 0 {
		kind = music.EventNoteOn
		s.disp.HumanVelocity(frame, ev.Pitch, ev.Velocity)
	} else if s.pressedOn(frame, ev.Pitch) {
		// a tap shorter than a frame still lasts one frame
		frame++
	}
	token := s.codec.Encode(music.Event{Kind: kind, Pitch: ev.Pitch, Velocity: ev.Velocity})
	if err := s.buf.WriteHuman(frame, []music.Token{token}); err != nil {
		logger.Warnf("dropping note %d: %s", ev.Pitch, err.Error())
		return
	}
	if s.sched.HumanWrote(frame) {
		logger.Debugf("note on frame %d changed the context, regenerating", frame)
	}
}

// pressedOn reports whether the performer struck pitch on frame.
func (s *Session) pressedOn(frame int64, pitch int) bool {
	on := s.codec.Encode(music.Event{Kind: music.EventNoteOn, Pitch: pitch, Velocity: 1})
	for _, f := range s.buf.Read(buffer.Range{Start: frame, End: frame + 1}) {
		if f.Source != buffer.SourceHuman {
			continue
		}
		for _, t := range f.Tokens {
			if t == on {
				return true
			}
		}
	}
	return false
}
