package piano

import (
	"testing"
	"time"

	"github.com/rakyll/portmidi"
	"github.com/schollz/duet/player"
	"github.com/stretchr/testify/assert"
	"gitlab.com/gomidi/midi/v2"
)

func TestConvert(t *testing.T) {
	at := time.Unix(10, 0)
	tests := []struct {
		name string
		msg  midi.Message
		want player.InputEvent
		ok   bool
	}{
		{"note on", midi.NoteOn(0, 60, 100), player.InputEvent{Kind: player.InputNote, Pitch: 60, Velocity: 100, On: true, Time: at}, true},
		{"note off", midi.NoteOff(2, 61), player.InputEvent{Kind: player.InputNote, Channel: 2, Pitch: 61, Time: at}, true},
		{"note on without velocity", midi.NoteOn(0, 62, 0), player.InputEvent{Kind: player.InputNote, Pitch: 62, Time: at}, true},
		{"control", midi.ControlChange(0, 1, 64), player.InputEvent{Kind: player.InputControl, Control: 1, Value: 64, Time: at}, true},
		{"pitch bend", midi.Pitchbend(0, 100), player.InputEvent{}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Convert(tc.msg, at)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMessageFromPortmidi(t *testing.T) {
	ev, ok := Convert(message(portmidi.Event{Status: 0x91, Data1: 64, Data2: 90}), time.Time{})
	assert.True(t, ok)
	assert.Equal(t, 1, ev.Channel)
	assert.Equal(t, 64, ev.Pitch)
	assert.True(t, ev.On)
}

func TestEventTime(t *testing.T) {
	epoch := time.Unix(100, 0)
	now := epoch.Add(time.Second)
	assert.Equal(t, epoch.Add(990*time.Millisecond), eventTime(epoch, 990, now))
	assert.Equal(t, now, eventTime(epoch, 0, now))
	assert.Equal(t, now, eventTime(epoch, 1500, now))
	assert.Equal(t, now, eventTime(time.Time{}, 990, now))
}
