package player

import (
	"time"

	"github.com/schollz/duet/buffer"
	"github.com/schollz/duet/music"
	log "github.com/sirupsen/logrus"
)

// Output is where the session plays. Calls come from the tick loop only.
type Output interface {
	NoteOn(instrument, pitch, velocity int, at time.Time) error
	NoteOff(instrument, pitch int, at time.Time) error
	Click(accent bool, at time.Time) error
	Close() error
}

type voice struct {
	pitch int
	human bool
}

type sounding struct {
	instrument int
	// sent is false for human notes that were not echoed
	sent  bool
	start int64
}

type frameNote struct {
	frame int64
	pitch int
}

// Dispatcher plays committed frames, each exactly once and in order, and
// records what was played.
type Dispatcher struct {
	ChordInstrument  int
	MelodyInstrument int
	Velocity         int
	// EchoHuman also plays the human notes
	EchoHuman bool
	// MaxHoldFrames releases generated notes held longer than this, 0 holds
	// them until their release or Flush
	MaxHoldFrames int64

	codec music.Codec
	out   Output

	lastDispatched int64
	sounding       map[voice]sounding
	velocities     map[frameNote]int
	record         *music.Music

	dispatched int
	silent     int
}

// NewDispatcher plays frames of codec on out.
func NewDispatcher(codec music.Codec, out Output) *Dispatcher {
	return &Dispatcher{
		Velocity:       80,
		codec:          codec,
		out:            out,
		lastDispatched: -1,
		sounding:       make(map[voice]sounding),
		velocities:     make(map[frameNote]int),
		record:         music.New(),
	}
}

// LastDispatched is the index of the last frame played, -1 before the first.
func (d *Dispatcher) LastDispatched() int64 {
	return d.lastDispatched
}

// Record holds every note that was dispatched.
func (d *Dispatcher) Record() *music.Music {
	return d.record
}

// HumanVelocity remembers the velocity of a performed note until its frame
// is dispatched; the codec does not carry it.
func (d *Dispatcher) HumanVelocity(frame int64, pitch, velocity int) {
	d.velocities[frameNote{frame, pitch}] = velocity
}

// Dispatch plays the frames that were not played yet. timeOf gives the
// scheduled time of a frame. It returns how many frames were played.
func (d *Dispatcher) Dispatch(frames []buffer.Frame, timeOf func(int64) time.Time) (n int) {
	logger := log.WithFields(log.Fields{
		"function": "Dispatcher.Dispatch",
	})
	for _, f := range frames {
		if f.Index <= d.lastDispatched {
			continue
		}
		if f.Index != d.lastDispatched+1 {
			logger.Warnf("frames %d to %d were never committed", d.lastDispatched+1, f.Index-1)
		}
		d.lastDispatched = f.Index
		d.dispatched++
		n++
		at := timeOf(f.Index)
		d.releaseHeld(f.Index, at)
		if !f.Filled() {
			d.silent++
			continue
		}
		d.play(f, at)
	}
	return
}

func (d *Dispatcher) play(f buffer.Frame, at time.Time) {
	logger := log.WithFields(log.Fields{
		"function": "Dispatcher.play",
	})
	human := f.Source == buffer.SourceHuman
	events := music.DecodeFrame(d.codec, f.Tokens)
	ons := 0
	for _, e := range events {
		if e.Kind == music.EventNoteOn {
			ons++
		}
	}
	instrument := d.MelodyInstrument
	if ons >= 2 {
		instrument = d.ChordInstrument
	}
	send := !human || d.EchoHuman

	for _, e := range events {
		v := voice{pitch: e.Pitch, human: human}
		switch e.Kind {
		case music.EventNoteOff:
			d.release(v, f.Index, at)
		case music.EventNoteOn:
			if _, ok := d.sounding[v]; ok {
				// struck again while still held
				d.release(v, f.Index, at)
			}
			velocity := d.Velocity
			if human {
				if vel, ok := d.velocities[frameNote{f.Index, e.Pitch}]; ok {
					velocity = vel
					delete(d.velocities, frameNote{f.Index, e.Pitch})
				}
			}
			if send {
				if err := d.out.NoteOn(instrument, e.Pitch, velocity, at); err != nil {
					logger.Warnf("note on %d: %s", e.Pitch, err.Error())
				}
			}
			d.sounding[v] = sounding{instrument: instrument, sent: send, start: f.Index}
			d.record.AddNote(music.Note{
				On:         true,
				Pitch:      e.Pitch,
				Velocity:   velocity,
				Frame:      f.Index,
				Instrument: instrument,
				Human:      human,
			})
		}
	}
}

// release stops a voice on the instrument that started it.
func (d *Dispatcher) release(v voice, frame int64, at time.Time) {
	s, ok := d.sounding[v]
	if !ok {
		return
	}
	delete(d.sounding, v)
	if s.sent {
		if err := d.out.NoteOff(s.instrument, v.pitch, at); err != nil {
			log.WithFields(log.Fields{
				"function": "Dispatcher.release",
			}).Warnf("note off %d: %s", v.pitch, err.Error())
		}
	}
	d.record.AddNote(music.Note{
		Pitch:      v.pitch,
		Frame:      frame,
		Instrument: s.instrument,
		Human:      v.human,
	})
}

func (d *Dispatcher) releaseHeld(frame int64, at time.Time) {
	if d.MaxHoldFrames <= 0 {
		return
	}
	for v, s := range d.sounding {
		if !v.human && frame-s.start >= d.MaxHoldFrames {
			d.release(v, frame, at)
		}
	}
}

// Flush releases everything still sounding and returns how many notes it
// stopped.
func (d *Dispatcher) Flush(at time.Time) (n int) {
	for v, s := range d.sounding {
		if s.sent {
			n++
		}
		d.release(v, d.lastDispatched+1, at)
	}
	return
}

// Sounding is the number of notes currently held on the output.
func (d *Dispatcher) Sounding() (n int) {
	for _, s := range d.sounding {
		if s.sent {
			n++
		}
	}
	return
}
