package music

import (
	"bytes"
	"io"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/jsonstore"
	log "github.com/sirupsen/logrus"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

// TicksPerFrame is the SMF resolution of one frame.
const TicksPerFrame = 120

// DrumChannel is the General MIDI percussion channel.
const DrumChannel = 9

// Channel spreads programs over the melodic channels, leaving out the drum
// channel and channel 0 which the performer usually plays on.
func Channel(instrument int) uint8 {
	ch := uint8(1 + instrument%14)
	if ch >= DrumChannel {
		ch++
	}
	return ch
}

// SequencedNote is a note with a start and an end, in frames.
type SequencedNote struct {
	Pitch      int   `json:"pitch"`
	Velocity   int   `json:"velocity"`
	Start      int64 `json:"start"`
	End        int64 `json:"end"`
	Instrument int   `json:"instrument"`
	Human      bool  `json:"human"`
}

// Sequence is the portable artifact of a session.
type Sequence struct {
	ID          string          `json:"id"`
	BPM         float64         `json:"bpm"`
	Numerator   int             `json:"numerator"`
	Denominator int             `json:"denominator"`
	Resolution  int             `json:"resolution"`
	TotalFrames int64           `json:"total_frames"`
	Notes       []SequencedNote `json:"notes"`
}

// FrameDuration is the length of one frame.
func (s *Sequence) FrameDuration() time.Duration {
	return time.Duration(60 / s.BPM / float64(s.Resolution) * float64(time.Second))
}

// TotalTime is TotalFrames frames long.
func (s *Sequence) TotalTime() time.Duration {
	return time.Duration(s.TotalFrames) * s.FrameDuration()
}

// TotalTicks is the SMF length of the sequence.
func (s *Sequence) TotalTicks() uint32 {
	return uint32(s.TotalFrames) * TicksPerFrame
}

// Filter returns a copy without the human or the generated notes.
func (s *Sequence) Filter(human bool) *Sequence {
	out := *s
	out.Notes = nil
	for _, n := range s.Notes {
		if n.Human == human {
			out.Notes = append(out.Notes, n)
		}
	}
	return &out
}

type tickEvent struct {
	at  uint32
	off bool
	msg midi.Message
}

// SMF renders the sequence as a standard MIDI file: a tempo track, a track
// for the performer and one for the accompaniment. Every track ends exactly
// at TotalTicks.
func (s *Sequence) SMF() (*smf.SMF, error) {
	sm := smf.New()
	sm.TimeFormat = smf.MetricTicks(TicksPerFrame * s.Resolution)
	end := s.TotalTicks()

	var track0 smf.Track
	track0.Add(0, smf.MetaMeter(uint8(s.Numerator), uint8(s.Denominator)))
	track0.Add(0, smf.MetaTempo(s.BPM))
	track0.Close(end)
	if err := sm.Add(track0); err != nil {
		return nil, errors.Wrap(err, "adding tempo track")
	}

	for _, human := range []bool{true, false} {
		name := "accompaniment"
		if human {
			name = "performer"
		}
		var events []tickEvent
		programs := map[int]bool{}
		for _, n := range s.Filter(human).Notes {
			var ch uint8
			if !human {
				ch = Channel(n.Instrument)
			}
			if !programs[n.Instrument] {
				programs[n.Instrument] = true
				events = append(events, tickEvent{at: 0, msg: midi.ProgramChange(ch, uint8(n.Instrument))})
			}
			events = append(events,
				tickEvent{at: uint32(n.Start) * TicksPerFrame, msg: midi.NoteOn(ch, uint8(n.Pitch), uint8(n.Velocity))},
				tickEvent{at: uint32(n.End) * TicksPerFrame, off: true, msg: midi.NoteOff(ch, uint8(n.Pitch))},
			)
		}
		sort.SliceStable(events, func(i, j int) bool {
			if events[i].at == events[j].at {
				return events[i].off && !events[j].off
			}
			return events[i].at < events[j].at
		})

		var track smf.Track
		track.Add(0, smf.MetaTrackSequenceName(name))
		var last uint32
		for _, ev := range events {
			track.Add(ev.at-last, ev.msg)
			last = ev.at
		}
		track.Close(end - last)
		if err := sm.Add(track); err != nil {
			return nil, errors.Wrapf(err, "adding %s track", name)
		}
	}
	return sm, nil
}

// WriteSMF writes the standard MIDI file to w.
func (s *Sequence) WriteSMF(w io.Writer) error {
	sm, err := s.SMF()
	if err != nil {
		return err
	}
	_, err = sm.WriteTo(w)
	return errors.Wrap(err, "writing midi")
}

// SaveSMF writes the standard MIDI file to filename.
func (s *Sequence) SaveSMF(filename string) error {
	var buf bytes.Buffer
	if err := s.WriteSMF(&buf); err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(filename, buf.Bytes(), 0644), "saving midi")
}

// SaveJSON stores the sequence in a jsonstore file so that it can be used to
// prime a later session.
func (s *Sequence) SaveJSON(filename string) (err error) {
	logger := log.WithFields(log.Fields{
		"function": "Sequence.SaveJSON",
	})
	ks := new(jsonstore.JSONStore)
	if err = ks.Set("sequence", s); err != nil {
		return errors.Wrap(err, "storing sequence")
	}
	if err = jsonstore.Save(ks, filename); err != nil {
		return errors.Wrapf(err, "saving %s", filename)
	}
	logger.Infof("Saved %d notes to %s", len(s.Notes), filename)
	return
}

// OpenJSON loads a sequence written by SaveJSON.
func OpenJSON(filename string) (*Sequence, error) {
	ks, err := jsonstore.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", filename)
	}
	s := new(Sequence)
	if err = ks.Get("sequence", s); err != nil {
		return nil, errors.Wrapf(err, "reading sequence from %s", filename)
	}
	return s, nil
}

// Frames renders the sequence back into one token list per frame, for use as
// predictor context or training data.
func (s *Sequence) Frames(c Codec) [][]Token {
	frames := make([][]Token, s.TotalFrames)
	for _, n := range s.Notes {
		if n.Start >= 0 && n.Start < s.TotalFrames {
			frames[n.Start] = append(frames[n.Start], c.Encode(Event{Kind: EventNoteOn, Pitch: n.Pitch, Velocity: n.Velocity}))
		}
		if n.End >= 0 && n.End < s.TotalFrames {
			frames[n.End] = append(frames[n.End], c.Encode(Event{Kind: EventNoteOff, Pitch: n.Pitch}))
		}
	}
	for i := range frames {
		frames[i] = MergeTokens(frames[i], nil)
	}
	return frames
}
