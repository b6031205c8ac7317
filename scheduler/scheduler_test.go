package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/duet/buffer"
	"github.com/schollz/duet/clock"
	"github.com/schollz/duet/music"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	history   [][]music.Token
	maxFrames int
}

// fakePredictor fills every frame with the same note. When block is set it
// waits for release or for its context.
type fakePredictor struct {
	caps    Capabilities
	token   music.Token
	err     error
	block   bool
	release chan struct{}

	mu    sync.Mutex
	calls []call
}

func newFake(token music.Token) *fakePredictor {
	return &fakePredictor{
		caps:    Capabilities{ModelID: "fake", VocabularySize: 257, Resolution: 4},
		token:   token,
		release: make(chan struct{}),
	}
}

func (f *fakePredictor) Capabilities() Capabilities {
	return f.caps
}

func (f *fakePredictor) Generate(ctx context.Context, history [][]music.Token, maxFrames int, temperature float64, modelID string) ([][]music.Token, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{history: history, maxFrames: maxFrames})
	f.mu.Unlock()
	if f.block {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]music.Token, maxFrames)
	for i := range out {
		out[i] = []music.Token{f.token}
	}
	return out, nil
}

func (f *fakePredictor) lastCall() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func settings() Settings {
	return Settings{
		SilenceBeats:      2,
		LookaheadFrames:   16,
		CommitaheadFrames: 4,
		ContextFrames:     64,
		Temperature:       1,
		Timeout:           time.Second,
	}
}

func at(frame int64) clock.Position {
	return clock.Position{Frame: frame, Beat: float64(frame) / 4}
}

func newScheduler(t *testing.T, p Predictor) (*Scheduler, *buffer.Buffer) {
	buf := buffer.New()
	s, err := New(buf, music.NewPianoRoll(4, 80), p, settings())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, buf
}

func TestWarmUpThenGenerate(t *testing.T) {
	p := newFake(61)
	s, buf := newScheduler(t, p)
	ctx := context.Background()

	assert.Nil(t, s.Tick(ctx, at(0)))
	s.Start(0)
	assert.Equal(t, WarmingUp, s.State())
	assert.Nil(t, s.Tick(ctx, at(4)))
	assert.Equal(t, WarmingUp, s.State())

	req := s.Tick(ctx, at(8))
	require.NotNil(t, req)
	assert.Equal(t, InFlight, req.State)
	assert.Equal(t, Steady, s.State())
	assert.Equal(t, buffer.Range{Start: 13, End: 29}, req.Target)
	assert.Equal(t, buffer.Range{Start: 0, End: 13}, req.Context)
	assert.Equal(t, buffer.SourcePending, sourceAt(buf, 20))

	// one request at a time
	assert.Nil(t, s.Tick(ctx, at(8)))

	res := <-s.Results()
	assert.Equal(t, 16, s.Apply(res, at(8)))
	assert.Equal(t, Completed, req.State)
	assert.Equal(t, int64(29), buf.FilledEnd(13))
	assert.Equal(t, 16, p.lastCall().maxFrames)
	assert.Len(t, p.lastCall().history, 13)

	// lookahead satisfied until playback catches up
	assert.Nil(t, s.Tick(ctx, at(13)))
	require.NotNil(t, s.Tick(ctx, at(14)))
}

func sourceAt(buf *buffer.Buffer, i int64) buffer.Source {
	return buf.Read(buffer.Range{Start: i, End: i + 1})[0].Source
}

func TestLateResultLeavesFrozenFramesEmpty(t *testing.T) {
	p := newFake(61)
	s, buf := newScheduler(t, p)
	s.Start(0)
	req := s.Tick(context.Background(), at(8))
	require.NotNil(t, req)
	res := <-s.Results()

	// playback moved on by more than a beat while generating
	n := s.Apply(res, at(14))
	// frames 13..18 are inside the freeze window of frame 14
	assert.Equal(t, 10, n)
	for _, f := range buf.Read(buffer.Range{Start: 13, End: 19}) {
		assert.False(t, f.Filled(), "frame %d", f.Index)
	}
	for _, f := range buf.Read(buffer.Range{Start: 19, End: 29}) {
		assert.Equal(t, buffer.SourceGenerated, f.Source)
	}
	assert.Equal(t, 6, s.Stats().FrozenOut)
}

func TestHumanNoteInContextCancels(t *testing.T) {
	p := newFake(61)
	p.block = true
	s, buf := newScheduler(t, p)
	s.Start(0)
	ctx := context.Background()

	first := s.Tick(ctx, at(8))
	require.NotNil(t, first)

	// the generator had already put something on frame 9 before
	require.NoError(t, buf.WriteHuman(9, []music.Token{70}))
	assert.True(t, s.HumanWrote(9))
	_, running := s.InFlight()
	assert.False(t, running)

	assert.Equal(t, Cancelled, first.State)

	second := s.Tick(ctx, at(8))
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, []music.Token{70}, second.History[9])

	close(p.release)
	applied := 0
	for i := 0; i < 2; i++ {
		applied += s.Apply(<-s.Results(), at(8))
	}
	assert.Equal(t, 16, applied)
	st := s.Stats()
	assert.Equal(t, 1, st.Cancelled)
	assert.Equal(t, 1, st.Dropped)
	assert.Equal(t, 1, st.Completed)
}

func TestHumanNoteOutsideContextKeepsRequest(t *testing.T) {
	p := newFake(61)
	p.block = true
	s, buf := newScheduler(t, p)
	s.Start(0)

	req := s.Tick(context.Background(), at(8))
	require.NotNil(t, req)
	// same frame as the pending result: the human note wins
	require.NoError(t, buf.WriteHuman(20, []music.Token{70}))
	assert.False(t, s.HumanWrote(20))

	close(p.release)
	assert.Equal(t, 15, s.Apply(<-s.Results(), at(8)))
	f := buf.Read(buffer.Range{Start: 20, End: 21})[0]
	assert.Equal(t, buffer.SourceHuman, f.Source)
	assert.Equal(t, []music.Token{70}, f.Tokens)
}

func TestFailureIsRetried(t *testing.T) {
	p := newFake(61)
	p.err = errors.Wrap(ErrInvalidContext, "bad")
	s, buf := newScheduler(t, p)
	s.Start(0)
	ctx := context.Background()

	require.NotNil(t, s.Tick(ctx, at(8)))
	assert.Equal(t, 0, s.Apply(<-s.Results(), at(8)))
	assert.Equal(t, buffer.SourceEmpty, sourceAt(buf, 20))
	assert.Equal(t, 1, s.Stats().Failed)

	p.err = nil
	require.NotNil(t, s.Tick(ctx, at(9)))
	assert.Equal(t, 16, s.Apply(<-s.Results(), at(9)))
}

func TestTimeout(t *testing.T) {
	p := newFake(61)
	p.block = true
	buf := buffer.New()
	st := settings()
	st.Timeout = 10 * time.Millisecond
	s, err := New(buf, music.NewPianoRoll(4, 80), p, st)
	require.NoError(t, err)
	defer s.Close()
	s.Start(0)

	require.NotNil(t, s.Tick(context.Background(), at(8)))
	res := <-s.Results()
	assert.True(t, errors.Is(res.Err, ErrTimeout))
	assert.Equal(t, 0, s.Apply(res, at(8)))
}

func TestSwitchModel(t *testing.T) {
	p := newFake(61)
	s, buf := newScheduler(t, p)
	require.NoError(t, buf.Write(buffer.Range{Start: 0, End: 2}, [][]music.Token{{61}, {62}}, buffer.SourceGenerated))
	before := buf.Read(buffer.Range{Start: 0, End: 2})

	wrong := newFake(61)
	wrong.caps.VocabularySize = 512
	err := s.SwitchModel(wrong)
	assert.True(t, errors.Is(err, ErrIncompatibleModel))
	assert.Equal(t, p, s.Predictor())
	assert.Equal(t, before, buf.Read(buffer.Range{Start: 0, End: 2}))

	slow := newFake(61)
	slow.caps.Resolution = 8
	assert.True(t, errors.Is(s.SwitchModel(slow), ErrIncompatibleModel))

	other := newFake(62)
	other.caps.ModelID = "other"
	require.NoError(t, s.SwitchModel(other))
	assert.Equal(t, other, s.Predictor())

	_, err = New(buffer.New(), music.NewPianoRoll(4, 80), wrong, settings())
	assert.True(t, errors.Is(err, ErrIncompatibleModel))
}

func TestInvalidTokensAreFiltered(t *testing.T) {
	p := newFake(999)
	s, buf := newScheduler(t, p)
	s.Start(0)
	require.NotNil(t, s.Tick(context.Background(), at(8)))
	s.Apply(<-s.Results(), at(8))
	f := buf.Read(buffer.Range{Start: 13, End: 14})[0]
	assert.Equal(t, buffer.SourceGenerated, f.Source)
	assert.Equal(t, []music.Token{music.Rest}, f.Tokens)
}
