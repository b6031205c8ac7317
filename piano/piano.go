package piano

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rakyll/portmidi"
	"github.com/schollz/duet/music"
	log "github.com/sirupsen/logrus"
	"gitlab.com/gomidi/midi/v2"
)

const (
	clickAccent = 76
	clickNormal = 77
)

// Device is one MIDI port as portmidi sees it.
type Device struct {
	ID        int
	Interface string
	Name      string
	Input     bool
	Output    bool
}

func (d Device) String() string {
	dir := "output"
	if d.Input {
		dir = "input"
	}
	return fmt.Sprintf("%d) %s %s %s", d.ID, d.Interface, d.Name, dir)
}

// Devices lists the MIDI ports. portmidi is initialized and terminated
// around the call.
func Devices() (devices []Device, err error) {
	if err = portmidi.Initialize(); err != nil {
		return
	}
	defer portmidi.Terminate()
	return listDevices(), nil
}

func listDevices() []Device {
	n := portmidi.CountDevices()
	devices := make([]Device, 0, n)
	for i := 0; i < n; i++ {
		info := portmidi.Info(portmidi.DeviceID(i))
		if info == nil {
			continue
		}
		devices = append(devices, Device{
			ID:        i,
			Interface: info.Interface,
			Name:      info.Name,
			Input:     info.IsInputAvailable,
			Output:    info.IsOutputAvailable,
		})
	}
	return devices
}

// Piano is the MIDI keyboard: the performer plays on its input and the
// accompaniment and the metronome are sent to its output.
type Piano struct {
	InputDevice  portmidi.DeviceID
	OutputDevice portmidi.DeviceID
	outputStream *portmidi.Stream
	inputStream  *portmidi.Stream

	// channels maps programs to the output channel they were assigned
	channels map[int]uint8
	// epoch is the wall time of portmidi timestamp zero
	epoch time.Time

	closeOnce sync.Once
	sync.Mutex
}

// New opens the devices. A negative id picks the system default. When
// input is false no input stream is opened.
func New(in, out int, input bool) (p *Piano, err error) {
	p = new(Piano)
	p.channels = make(map[int]uint8)
	logger := log.WithFields(log.Fields{
		"function": "Piano.New",
	})
	logger.Debug("Initializing portmidi...")
	if err = portmidi.Initialize(); err != nil {
		err = errors.Wrap(err, "initialization failed")
		return
	}
	p.epoch = time.Now().Add(-time.Duration(portmidi.Time()) * time.Millisecond)
	for _, d := range listDevices() {
		logger.Debug(d.String())
	}

	p.InputDevice = portmidi.DefaultInputDeviceID()
	p.OutputDevice = portmidi.DefaultOutputDeviceID()
	if in >= 0 {
		p.InputDevice = portmidi.DeviceID(in)
	}
	if out >= 0 {
		p.OutputDevice = portmidi.DeviceID(out)
	}

	logger.Debug("Opening output stream")
	p.outputStream, err = portmidi.NewOutputStream(p.OutputDevice, 1024, 0)
	if err != nil {
		portmidi.Terminate()
		err = errors.Wrapf(err, "problem getting output stream from device %d", p.OutputDevice)
		return
	}
	if input {
		logger.Debug("Opening input stream")
		p.inputStream, err = portmidi.NewInputStream(p.InputDevice, 1024)
		if err != nil {
			p.outputStream.Close()
			portmidi.Terminate()
			err = errors.Wrapf(err, "problem getting input stream from device %d", p.InputDevice)
			return
		}
		logger.Infof("Using input device %d and output device %d", p.InputDevice, p.OutputDevice)
	} else {
		logger.Infof("Using output device %d", p.OutputDevice)
	}
	return
}

// Close silences the output, shuts the streams and terminates portmidi.
// Only the first call does anything.
func (p *Piano) Close() (err error) {
	p.closeOnce.Do(func() {
		logger := log.WithFields(log.Fields{
			"function": "Piano.Close",
		})
		p.Lock()
		defer p.Unlock()
		logger.Debug("Closing output stream")
		for _, ch := range p.channels {
			p.write(midi.ControlChange(ch, 123, 0))
		}
		if err = p.outputStream.Close(); err != nil {
			logger.Error(err.Error())
		}
		if p.inputStream != nil {
			logger.Debug("Closing input stream")
			if errIn := p.inputStream.Close(); errIn != nil {
				logger.Error(errIn.Error())
				err = errIn
			}
		}
		logger.Debug("Terminating portmidi")
		portmidi.Terminate()
	})
	return
}

func (p *Piano) write(msg midi.Message) error {
	var data [3]int64
	for i := 0; i < len(msg) && i < 3; i++ {
		data[i] = int64(msg[i])
	}
	return p.outputStream.WriteShort(data[0], data[1], data[2])
}

// channel returns the output channel of a program, sending the program
// change the first time it is used.
func (p *Piano) channel(instrument int) (ch uint8, err error) {
	if ch, ok := p.channels[instrument]; ok {
		return ch, nil
	}
	ch = music.Channel(instrument)
	p.channels[instrument] = ch
	err = p.write(midi.ProgramChange(ch, uint8(instrument)))
	return
}

// NoteOn plays a note right away; at is the time it was scheduled for.
func (p *Piano) NoteOn(instrument, pitch, velocity int, at time.Time) error {
	p.Lock()
	defer p.Unlock()
	ch, err := p.channel(instrument)
	if err != nil {
		return errors.Wrapf(err, "program change %d", instrument)
	}
	log.WithFields(log.Fields{
		"p": pitch,
		"v": velocity,
	}).Tracef("on, %s late", time.Since(at))
	return errors.Wrap(p.write(midi.NoteOn(ch, uint8(pitch), uint8(velocity))), "problem turning on")
}

func (p *Piano) NoteOff(instrument, pitch int, at time.Time) error {
	p.Lock()
	defer p.Unlock()
	ch, err := p.channel(instrument)
	if err != nil {
		return errors.Wrapf(err, "program change %d", instrument)
	}
	return errors.Wrap(p.write(midi.NoteOff(ch, uint8(pitch))), "problem turning off")
}

// Click plays a short wood block on the drum channel, which carries the
// metronome.
func (p *Piano) Click(accent bool, at time.Time) error {
	p.Lock()
	defer p.Unlock()
	key, velocity := uint8(clickNormal), uint8(90)
	if accent {
		key, velocity = clickAccent, 127
	}
	if err := p.write(midi.NoteOn(music.DrumChannel, key, velocity)); err != nil {
		return errors.Wrap(err, "click")
	}
	return errors.Wrap(p.write(midi.NoteOff(music.DrumChannel, key)), "click")
}
