package piano

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rakyll/portmidi"
	"github.com/schollz/duet/player"
	log "github.com/sirupsen/logrus"
	"gitlab.com/gomidi/midi/v2"
)

// ErrDisconnected is returned by Listen when the input keeps failing.
var ErrDisconnected = errors.New("midi input disconnected")

const (
	pollInterval = 2 * time.Millisecond
	// maxReadErrors in a row mean the device is gone
	maxReadErrors = 50
)

// Listen polls the input stream and queues every note and control change.
// It returns nil when ctx is done and ErrDisconnected when the device stops
// answering.
func (p *Piano) Listen(ctx context.Context, queue chan<- player.InputEvent) error {
	logger := log.WithFields(log.Fields{
		"function": "Piano.Listen",
	})
	if p.inputStream == nil {
		return errors.New("no input stream")
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		events, err := p.inputStream.Read(1024)
		if err != nil {
			failures++
			if failures >= maxReadErrors {
				return errors.Wrap(ErrDisconnected, err.Error())
			}
			continue
		}
		failures = 0
		now := time.Now()
		for _, e := range events {
			ev, ok := Convert(message(e), eventTime(p.epoch, e.Timestamp, now))
			if !ok {
				continue
			}
			logger.Tracef("%+v", ev)
			select {
			case queue <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// eventTime is the wall time portmidi stamped an event with. Missing or
// future stamps fall back to now.
func eventTime(epoch time.Time, ts portmidi.Timestamp, now time.Time) time.Time {
	if ts <= 0 || epoch.IsZero() {
		return now
	}
	at := epoch.Add(time.Duration(ts) * time.Millisecond)
	if at.After(now) {
		return now
	}
	return at
}

func message(e portmidi.Event) midi.Message {
	return midi.Message([]byte{byte(e.Status), byte(e.Data1), byte(e.Data2)})
}

// Convert turns a raw MIDI message into an input event. Anything that is
// not a note or a control change is skipped.
func Convert(msg midi.Message, at time.Time) (ev player.InputEvent, ok bool) {
	var ch, key, vel, cc, val uint8
	switch {
	case msg.GetNoteStart(&ch, &key, &vel):
		ev = player.InputEvent{Kind: player.InputNote, Channel: int(ch), Pitch: int(key), Velocity: int(vel), On: true}
	case msg.GetNoteEnd(&ch, &key):
		ev = player.InputEvent{Kind: player.InputNote, Channel: int(ch), Pitch: int(key)}
	case msg.GetControlChange(&ch, &cc, &val):
		ev = player.InputEvent{Kind: player.InputControl, Channel: int(ch), Control: int(cc), Value: int(val)}
	default:
		return
	}
	ev.Time = at
	return ev, true
}
