package player

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/duet/buffer"
	"github.com/schollz/duet/clock"
	"github.com/schollz/duet/config"
	"github.com/schollz/duet/music"
	"github.com/schollz/duet/scheduler"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNotRunning is returned by Stop when the session is not running.
	ErrNotRunning = errors.New("session is not running")
	// ErrAlreadyStarted is returned by Start on a session that was started
	// before. Sessions are not restarted.
	ErrAlreadyStarted = errors.New("session already started")
)

// State of a live session.
type State int

const (
	Idle State = iota
	WarmingUp
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case WarmingUp:
		return "warming up"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return "idle"
}

// Stats is a snapshot of a session.
type Stats struct {
	State      State
	Boundary   int64
	Dispatched int
	Silent     int
	// Deferred notes arrived after their frame was played
	Deferred  int
	Sounding  int
	Scheduler scheduler.Stats
}

// Session is the live duet: it owns the clock, the buffer, the scheduler
// and the dispatcher, and advances them together once per tick. Everything
// that touches the buffer runs under the session lock.
type Session struct {
	ID string

	cfg   config.Config
	codec music.Codec
	clock *clock.Clock
	buf   *buffer.Buffer
	sched *scheduler.Scheduler
	disp  *Dispatcher
	metro *Metronome

	in    Input
	out   Output
	queue chan InputEvent

	sync.Mutex
	state     State
	started   bool
	ctx       context.Context
	deferred  int
	closeOnce sync.Once
	listening sync.WaitGroup

	now func() time.Time
}

// New checks cfg and binds the predictor. Nothing is started and no device
// is touched until Start. in may be nil for a session without a performer.
func New(cfg config.Config, codec music.Codec, p scheduler.Predictor, in Input, out Output) (s *Session, err error) {
	logger := log.WithFields(log.Fields{
		"function": "Session.New",
	})
	if err = cfg.Validate(); err != nil {
		return
	}
	if codec.Resolution() != cfg.Resolution {
		err = errors.Wrapf(config.ErrInvalidConfig, "codec runs at %d frames per beat, config at %d",
			codec.Resolution(), cfg.Resolution)
		return
	}
	s = &Session{
		ID:    uuid.NewString(),
		cfg:   cfg,
		codec: codec,
		buf:   buffer.New(),
		in:    in,
		out:   out,
		queue: make(chan InputEvent, 1024),
		now:   time.Now,
	}
	s.sched, err = scheduler.New(s.buf, codec, p, settingsFrom(cfg))
	if err != nil {
		return nil, err
	}
	s.disp = NewDispatcher(codec, out)
	s.disp.ChordInstrument = cfg.ChordInstrument
	s.disp.MelodyInstrument = cfg.MelodyInstrument
	s.disp.Velocity = cfg.DefaultVelocity
	s.disp.EchoHuman = cfg.EchoHuman
	s.disp.MaxHoldFrames = int64(2 * cfg.TimeSignature.Numerator * cfg.Resolution)
	s.metro = NewMetronome(out, cfg.Metronome, cfg.MetronomeSubdivision)
	logger.Debugf("session %s with model %q", s.ID, p.Capabilities().ModelID)
	return
}

func settingsFrom(cfg config.Config) scheduler.Settings {
	frames := func(beats float64) int64 {
		return clock.BeatsToFrames(beats, cfg.Resolution)
	}
	return scheduler.Settings{
		SilenceBeats:      cfg.SilenceBeats,
		LookaheadFrames:   frames(cfg.LookaheadBeats),
		CommitaheadFrames: frames(cfg.CommitaheadBeats),
		ContextFrames:     frames(cfg.ContextBeats),
		Temperature:       cfg.Temperature,
		Timeout:           cfg.GenerationTimeout,
	}
}

// Config returns a copy of the active configuration.
func (s *Session) Config() config.Config {
	s.Lock()
	defer s.Unlock()
	return s.cfg
}

func (s *Session) State() State {
	s.Lock()
	defer s.Unlock()
	return s.state
}

// Buffer is the session timeline. Only read from it.
func (s *Session) Buffer() *buffer.Buffer {
	return s.buf
}

// Start puts beat zero at now and begins the warm up. Generation requests
// are cancelled when ctx is done.
func (s *Session) Start(ctx context.Context, now time.Time) (err error) {
	s.Lock()
	defer s.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.clock, err = clock.New(s.cfg.BPM, s.cfg.TimeSignature, s.cfg.Resolution, now)
	if err != nil {
		return
	}
	s.started = true
	s.ctx = ctx
	s.state = WarmingUp
	s.sched.Start(0)
	log.WithFields(log.Fields{
		"function": "Session.Start",
		"session":  s.ID,
	}).Infof("BPM: %2.0f, %d/%d, frame: %s, waiting %2.1f beats",
		s.cfg.BPM, s.cfg.TimeSignature.Numerator, s.cfg.TimeSignature.Denominator,
		s.clock.FrameDuration(), s.cfg.SilenceBeats)
	return
}

// Feed queues an input event for the next tick. It returns false when the
// queue is full.
func (s *Session) Feed(ev InputEvent) bool {
	select {
	case s.queue <- ev:
		return true
	default:
		return false
	}
}

// Step advances the session to now: clock, human input, finished
// generations, new requests, commit boundary, playback, metronome.
func (s *Session) Step(now time.Time) {
	s.Lock()
	defer s.Unlock()
	if s.state != WarmingUp && s.state != Running {
		return
	}
	pos := s.clock.Advance(now)

	// human input first so that it wins over a result arriving on this tick
	for drained := false; !drained; {
		select {
		case ev := <-s.queue:
			s.capture(ev)
		default:
			drained = true
		}
	}

	for merged := false; !merged; {
		select {
		case res := <-s.sched.Results():
			s.sched.Apply(res, pos)
		default:
			merged = true
		}
	}

	s.sched.Tick(s.ctx, pos)
	if s.state == WarmingUp && s.sched.State() == scheduler.Steady {
		s.state = Running
	}

	committed := s.buf.AdvanceCommitBoundary(pos.Frame)
	if committed.Len() > 0 {
		s.disp.Dispatch(s.buf.Read(committed), s.clock.TimeOfFrame)
	}

	s.metro.Tick(pos, now)
}

// Run starts the session and ticks it until ctx is done, then stops it and
// returns the recording. The devices are closed on every way out.
func (s *Session) Run(ctx context.Context) (seq *music.Sequence, err error) {
	logger := log.WithFields(log.Fields{
		"function": "Session.Run",
		"session":  s.ID,
	})
	defer s.closeDevices()
	if err = s.Start(ctx, s.now()); err != nil {
		return
	}
	if s.in != nil {
		s.listening.Add(1)
		go func() {
			defer s.listening.Done()
			s.listen(ctx)
		}()
	}

	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.TickHertz))
	defer ticker.Stop()
	logger.Infof("ticking at %d Hz", s.cfg.TickHertz)
	for {
		select {
		case <-ctx.Done():
			seq, err = s.Stop()
			// the input must be idle before it is closed
			s.listening.Wait()
			return
		case now := <-ticker.C:
			s.Step(now)
		}
	}
}

// listen feeds the queue from the input device. Losing the device only
// pauses capture; generation and playback go on.
func (s *Session) listen(ctx context.Context) {
	err := s.in.Listen(ctx, s.queue)
	if err != nil && ctx.Err() == nil {
		log.WithFields(log.Fields{
			"function": "Session.listen",
		}).Warnf("input lost, capture paused: %s", err.Error())
	}
}

func (s *Session) closeDevices() {
	s.closeOnce.Do(func() {
		logger := log.WithFields(log.Fields{
			"function": "Session.closeDevices",
		})
		if s.in != nil {
			if err := s.in.Close(); err != nil {
				logger.Error(err.Error())
			}
		}
		if s.out != nil {
			if err := s.out.Close(); err != nil {
				logger.Error(err.Error())
			}
		}
	})
}

// Stop cancels generation, plays whatever was committed but not yet played,
// releases every sounding note and returns the recording. When recording is
// enabled it is also written to ExportPath as .mid and .json.
func (s *Session) Stop() (seq *music.Sequence, err error) {
	logger := log.WithFields(log.Fields{
		"function": "Session.Stop",
		"session":  s.ID,
	})
	s.Lock()
	defer s.Unlock()
	if s.state != WarmingUp && s.state != Running {
		return nil, ErrNotRunning
	}
	s.state = Stopping

	s.sched.Close()
	now := s.now()
	pending := buffer.Range{Start: s.disp.LastDispatched() + 1, End: s.buf.Boundary() + 1}
	if pending.Len() > 0 {
		s.disp.Dispatch(s.buf.Read(pending), s.clock.TimeOfFrame)
	}
	released := s.disp.Flush(now)
	logger.Debugf("released %d notes", released)

	seq = s.export()
	s.state = Idle
	logger.Infof("stopped after %d frames, %2.1f beats (%s)", seq.TotalFrames,
		clock.FramesToBeats(seq.TotalFrames, seq.Resolution), seq.TotalTime())
	if !s.cfg.Recording || s.cfg.ExportPath == "" {
		return
	}
	if err = seq.SaveSMF(s.cfg.ExportPath + ".mid"); err != nil {
		return
	}
	if err = seq.SaveJSON(s.cfg.ExportPath + ".json"); err != nil {
		return
	}
	logger.Infof("saved %s.mid and %s.json", s.cfg.ExportPath, s.cfg.ExportPath)
	return
}

// export is the recording up to and including the commit boundary.
func (s *Session) export() *music.Sequence {
	total := s.buf.Boundary() + 1
	return &music.Sequence{
		ID:          s.ID,
		BPM:         s.clock.BPM(),
		Numerator:   s.clock.TimeSignature().Numerator,
		Denominator: s.clock.TimeSignature().Denominator,
		Resolution:  s.cfg.Resolution,
		TotalFrames: total,
		Notes:       s.disp.Record().Sequence(total),
	}
}

func (s *Session) Stats() Stats {
	s.Lock()
	defer s.Unlock()
	return Stats{
		State:      s.state,
		Boundary:   s.buf.Boundary(),
		Dispatched: s.disp.dispatched,
		Silent:     s.disp.silent,
		Deferred:   s.deferred,
		Sounding:   s.disp.Sounding(),
		Scheduler:  s.sched.Stats(),
	}
}

// SetTempo changes the tempo from now on. Beats stay continuous.
func (s *Session) SetTempo(bpm float64, sig config.TimeSignature) error {
	s.Lock()
	defer s.Unlock()
	if err := s.cfg.SetTempo(bpm, sig); err != nil {
		return err
	}
	if s.clock != nil {
		return s.clock.SetTempo(bpm, sig, s.now())
	}
	return nil
}

func (s *Session) SetTemperature(t float64) error {
	s.Lock()
	defer s.Unlock()
	return s.setTemperature(t)
}

func (s *Session) setTemperature(t float64) error {
	if err := s.cfg.SetTemperature(t); err != nil {
		return err
	}
	s.sched.SetSettings(settingsFrom(s.cfg))
	return nil
}

// SetLookahead changes the lookahead and commitahead windows, in beats.
func (s *Session) SetLookahead(lookahead, commitahead float64) error {
	s.Lock()
	defer s.Unlock()
	if err := s.cfg.SetWindows(lookahead, commitahead); err != nil {
		return err
	}
	s.sched.SetSettings(settingsFrom(s.cfg))
	return nil
}

// SetInstruments changes the programs of chords and melody for notes
// started from now on.
func (s *Session) SetInstruments(chord, melody int) error {
	s.Lock()
	defer s.Unlock()
	if err := s.cfg.SetInstruments(chord, melody); err != nil {
		return err
	}
	s.disp.ChordInstrument = chord
	s.disp.MelodyInstrument = melody
	return nil
}

func (s *Session) SetMetronome(enabled bool, subdivision int) error {
	s.Lock()
	defer s.Unlock()
	if err := s.cfg.SetMetronome(enabled, subdivision); err != nil {
		return err
	}
	s.metro.Enabled = enabled
	s.metro.Subdivision = subdivision
	return nil
}

// SwitchModel binds another predictor. A model that does not match the
// codec is refused and the current one keeps playing.
func (s *Session) SwitchModel(p scheduler.Predictor) error {
	s.Lock()
	defer s.Unlock()
	next := s.cfg
	if err := next.SetModel(p.Capabilities().ModelID); err != nil {
		return err
	}
	if err := s.sched.SwitchModel(p); err != nil {
		return err
	}
	s.cfg = next
	return nil
}
