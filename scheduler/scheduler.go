// Package scheduler decides, tick by tick, what to generate and when to
// merge the result into the buffer.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/duet/buffer"
	"github.com/schollz/duet/clock"
	"github.com/schollz/duet/music"
	log "github.com/sirupsen/logrus"
)

// State of the scheduler.
type State int

const (
	Idle State = iota
	WarmingUp
	Steady
)

func (s State) String() string {
	switch s {
	case WarmingUp:
		return "warming up"
	case Steady:
		return "steady"
	}
	return "idle"
}

// RequestState is the lifecycle of a Request.
type RequestState int

const (
	Issued RequestState = iota
	InFlight
	Completed
	Cancelled
	Failed
)

// Request asks the predictor to fill Target given the frames in Context.
type Request struct {
	ID          string
	Context     buffer.Range
	Target      buffer.Range
	Temperature float64
	ModelID     string
	State       RequestState
	IssuedAt    time.Time
	// History is the context as it was read from the buffer
	History [][]music.Token

	cancel context.CancelFunc
}

// Result is what comes back from the predictor. It is only ever applied
// from the tick loop.
type Result struct {
	RequestID string
	Target    buffer.Range
	Frames    [][]music.Token
	Err       error
	Latency   time.Duration
}

// Settings are the scheduling windows, in frames.
type Settings struct {
	SilenceBeats      float64
	LookaheadFrames   int64
	CommitaheadFrames int64
	ContextFrames     int64
	Temperature       float64
	Timeout           time.Duration
}

// Stats counts what happened to requests.
type Stats struct {
	Issued    int
	Completed int
	Cancelled int
	Failed    int
	// Dropped results belonged to a request that was no longer in flight
	Dropped int
	Spliced int
	// FrozenOut frames arrived after they entered the commitahead window
	FrozenOut   int
	LastLatency time.Duration
}

// Scheduler keeps the lookahead window filled. Everything except the
// predictor call runs on the caller's tick loop.
type Scheduler struct {
	buf       *buffer.Buffer
	codec     music.Codec
	predictor Predictor
	settings  Settings

	state     State
	startBeat float64
	inflight  *Request
	results   chan Result
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats

	now func() time.Time
}

// New binds a predictor to a buffer. The predictor must match the codec.
func New(buf *buffer.Buffer, codec music.Codec, p Predictor, settings Settings) (*Scheduler, error) {
	if err := Compatible(p, codec); err != nil {
		return nil, err
	}
	return &Scheduler{
		buf:       buf,
		codec:     codec,
		predictor: p,
		settings:  settings,
		results:   make(chan Result, 8),
		done:      make(chan struct{}),
		now:       time.Now,
	}, nil
}

// Start begins the warm up at beat.
func (s *Scheduler) Start(beat float64) {
	s.state = WarmingUp
	s.startBeat = beat
}

func (s *Scheduler) State() State {
	return s.state
}

// Results delivers finished generations. The tick loop hands them back to
// Apply.
func (s *Scheduler) Results() <-chan Result {
	return s.results
}

// Settings returns the active windows.
func (s *Scheduler) Settings() Settings {
	return s.settings
}

// SetSettings changes the windows from the next tick on.
func (s *Scheduler) SetSettings(settings Settings) {
	s.settings = settings
}

// Predictor is the active model.
func (s *Scheduler) Predictor() Predictor {
	return s.predictor
}

// InFlight returns a copy of the running request, if any.
func (s *Scheduler) InFlight() (Request, bool) {
	if s.inflight == nil {
		return Request{}, false
	}
	return *s.inflight, true
}

func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Scheduler) count(f func(st *Stats)) {
	s.statsMu.Lock()
	f(&s.stats)
	s.statsMu.Unlock()
}

// freezeEdge is the last frame the generator may no longer touch.
func (s *Scheduler) freezeEdge(pos clock.Position) int64 {
	return pos.Frame + s.settings.CommitaheadFrames
}

// Tick issues a request when the filled region ahead of playback is shorter
// than the lookahead and nothing is in flight. It returns the issued request.
func (s *Scheduler) Tick(ctx context.Context, pos clock.Position) *Request {
	logger := log.WithFields(log.Fields{
		"function": "Scheduler.Tick",
	})
	switch s.state {
	case Idle:
		return nil
	case WarmingUp:
		if pos.Beat-s.startBeat < s.settings.SilenceBeats {
			return nil
		}
		logger.Infof("Silence of %2.1f beats elapsed, starting to generate", s.settings.SilenceBeats)
		s.state = Steady
	}
	if s.inflight != nil {
		return nil
	}

	from := s.freezeEdge(pos)
	if b := s.buf.Boundary(); b > from {
		from = b
	}
	filledEnd := s.buf.FilledEnd(from + 1)
	if filledEnd-pos.Frame >= s.settings.LookaheadFrames {
		return nil
	}

	target := buffer.Range{Start: filledEnd, End: filledEnd + s.settings.LookaheadFrames}
	ctxStart := filledEnd - s.settings.ContextFrames
	if ctxStart < 0 {
		ctxStart = 0
	}
	return s.issue(ctx, buffer.Range{Start: ctxStart, End: filledEnd}, target)
}

func (s *Scheduler) issue(ctx context.Context, ctxRange, target buffer.Range) *Request {
	logger := log.WithFields(log.Fields{
		"function": "Scheduler.issue",
	})
	if s.inflight != nil {
		s.Cancel("superseded")
	}

	history := s.buf.Tokens(ctxRange)
	s.buf.MarkPending(target)

	caps := s.predictor.Capabilities()
	cctx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
	req := &Request{
		ID:          uuid.NewString(),
		Context:     ctxRange,
		Target:      target,
		Temperature: s.settings.Temperature,
		ModelID:     caps.ModelID,
		State:       Issued,
		IssuedAt:    s.now(),
		History:     history,
		cancel:      cancel,
	}
	s.inflight = req
	s.count(func(st *Stats) { st.Issued++ })
	logger.WithFields(log.Fields{
		"request": req.ID,
		"model":   req.ModelID,
	}).Debugf("generating [%d, %d) from [%d, %d)", target.Start, target.End, ctxRange.Start, ctxRange.End)

	p := s.predictor
	maxFrames := int(target.Len())
	req.State = InFlight
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		start := s.now()
		frames, err := p.Generate(cctx, history, maxFrames, req.Temperature, req.ModelID)
		if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			err = errors.Wrap(ErrTimeout, err.Error())
		}
		res := Result{
			RequestID: req.ID,
			Target:    target,
			Frames:    frames,
			Err:       err,
			Latency:   s.now().Sub(start),
		}
		select {
		case s.results <- res:
		case <-s.done:
		}
	}()
	return req
}

// Apply merges a finished generation. Results of cancelled or superseded
// requests are dropped. Frames inside the commitahead window, at or below
// the commit boundary, or already played by the human are left untouched.
// It returns the number of frames written.
func (s *Scheduler) Apply(res Result, pos clock.Position) int {
	logger := log.WithFields(log.Fields{
		"function": "Scheduler.Apply",
		"request":  res.RequestID,
	})
	if s.inflight == nil || s.inflight.ID != res.RequestID {
		logger.Debug("Dropping result of a cancelled request")
		s.count(func(st *Stats) { st.Dropped++ })
		return 0
	}
	req := s.inflight
	s.inflight = nil
	req.cancel()
	s.count(func(st *Stats) { st.LastLatency = res.Latency })

	if res.Err != nil {
		req.State = Failed
		s.buf.ClearPending(req.Target)
		s.count(func(st *Stats) { st.Failed++ })
		logger.Warnf("generation failed, retrying next tick: %s", res.Err.Error())
		return 0
	}
	req.State = Completed

	edge := s.freezeEdge(pos)
	if b := s.buf.Boundary(); b > edge {
		edge = b
	}
	vocab := music.Token(s.codec.VocabularySize())
	spliced, frozen := 0, 0
	for i, tokens := range res.Frames {
		if int64(i) >= req.Target.Len() {
			break
		}
		idx := req.Target.Start + int64(i)
		if idx <= edge {
			frozen++
			continue
		}
		valid := make([]music.Token, 0, len(tokens))
		for _, t := range tokens {
			if t >= 0 && t < vocab {
				valid = append(valid, t)
			}
		}
		err := s.buf.Write(buffer.Range{Start: idx, End: idx + 1}, [][]music.Token{valid}, buffer.SourceGenerated)
		if err != nil {
			continue
		}
		spliced++
	}
	s.buf.ClearPending(req.Target)
	s.count(func(st *Stats) {
		st.Completed++
		st.Spliced += spliced
		st.FrozenOut += frozen
	})
	if frozen > 0 {
		logger.Warnf("Generator is lagging by %d frames (%s)", frozen, res.Latency)
	} else {
		logger.Debugf("Spliced %d frames in %s", spliced, res.Latency)
	}
	return spliced
}

// HumanWrote tells the scheduler a performed note landed on frame. A note
// inside the context of the running request makes that context stale, so
// the request is cancelled and reissued on the next tick.
func (s *Scheduler) HumanWrote(frame int64) bool {
	if s.inflight == nil || !s.inflight.Context.Contains(frame) {
		return false
	}
	s.Cancel("human note in context")
	return true
}

// Cancel stops the running request. The predictor is asked to stop through
// its context; whatever it still returns is dropped.
func (s *Scheduler) Cancel(reason string) {
	if s.inflight == nil {
		return
	}
	log.WithFields(log.Fields{
		"function": "Scheduler.Cancel",
		"request":  s.inflight.ID,
	}).Debugf("cancelling: %s", reason)
	s.inflight.cancel()
	s.inflight.State = Cancelled
	s.buf.ClearPending(s.inflight.Target)
	s.inflight = nil
	s.count(func(st *Stats) { st.Cancelled++ })
}

// SwitchModel binds another predictor. On a mismatch the current one stays
// active and the buffer is left alone.
func (s *Scheduler) SwitchModel(p Predictor) error {
	if err := Compatible(p, s.codec); err != nil {
		return err
	}
	s.Cancel("model switch")
	s.predictor = p
	log.WithFields(log.Fields{
		"function": "Scheduler.SwitchModel",
	}).Infof("Switched to model %q", p.Capabilities().ModelID)
	return nil
}

// Close cancels the running request and waits for the predictor goroutines
// to return.
func (s *Scheduler) Close() {
	s.Cancel("closing")
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	s.state = Idle
}
