// Package buffer holds the frame timeline of a session: an append-only,
// gap-free sequence of frames with a commit boundary that only moves forward.
package buffer

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/schollz/duet/music"
)

var (
	// ErrRangeAlreadyCommitted means a write touched a frame at or below the
	// commit boundary, or a frame a human already played. Do not retry it.
	ErrRangeAlreadyCommitted = errors.New("range already committed")
	ErrTokenMismatch         = errors.New("token count does not match range")
	ErrInvalidRange          = errors.New("invalid range")
)

// Source is the provenance of a frame.
type Source int

const (
	SourceEmpty Source = iota
	SourcePending
	SourceHuman
	SourceGenerated
)

func (s Source) String() string {
	switch s {
	case SourcePending:
		return "pending"
	case SourceHuman:
		return "human"
	case SourceGenerated:
		return "generated"
	}
	return "empty"
}

// Range is a half-open interval of frame indices.
type Range struct {
	Start int64
	End   int64
}

func (r Range) Len() int64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r Range) Contains(i int64) bool {
	return i >= r.Start && i < r.End
}

// Frame is one slot of the timeline.
type Frame struct {
	Index  int64
	Tokens []music.Token
	Source Source
	// Committed frames never accept generated content again. Human frames
	// are committed as soon as they are written.
	Committed bool
}

// Filled reports whether the frame has content, silence included.
func (f Frame) Filled() bool {
	return f.Source == SourceHuman || f.Source == SourceGenerated
}

// Buffer is written from the session's tick loop only; the lock makes reads
// from other goroutines safe.
type Buffer struct {
	frames   []Frame
	boundary int64
	sync.RWMutex
}

// New returns an empty buffer, nothing committed.
func New() *Buffer {
	return &Buffer{boundary: -1}
}

// Len is the number of frames created so far.
func (b *Buffer) Len() int64 {
	b.RLock()
	defer b.RUnlock()
	return int64(len(b.frames))
}

// Boundary is the highest immutable frame index, -1 when nothing is.
func (b *Buffer) Boundary() int64 {
	b.RLock()
	defer b.RUnlock()
	return b.boundary
}

// ensure creates empty frames so that the buffer covers [0, end).
func (b *Buffer) ensure(end int64) {
	for i := int64(len(b.frames)); i < end; i++ {
		b.frames = append(b.frames, Frame{Index: i})
	}
}

func (b *Buffer) checkRange(r Range) error {
	if r.Start < 0 || r.End <= r.Start {
		return errors.Wrapf(ErrInvalidRange, "[%d, %d)", r.Start, r.End)
	}
	return nil
}

// Write stores tokens for every frame of r. Human writes go through
// WriteHuman frame by frame; anything else fails as a whole if one frame of
// r is committed.
func (b *Buffer) Write(r Range, tokens [][]music.Token, source Source) error {
	if err := b.checkRange(r); err != nil {
		return err
	}
	if int64(len(tokens)) != r.Len() {
		return errors.Wrapf(ErrTokenMismatch, "%d tokens for %d frames", len(tokens), r.Len())
	}
	if source == SourceHuman {
		for i := r.Start; i < r.End; i++ {
			if err := b.WriteHuman(i, tokens[i-r.Start]); err != nil {
				return err
			}
		}
		return nil
	}

	b.Lock()
	defer b.Unlock()
	if r.Start <= b.boundary {
		return errors.Wrapf(ErrRangeAlreadyCommitted, "frame %d <= boundary %d", r.Start, b.boundary)
	}
	for i := r.Start; i < r.End && i < int64(len(b.frames)); i++ {
		if b.frames[i].Committed {
			return errors.Wrapf(ErrRangeAlreadyCommitted, "frame %d is %s", i, b.frames[i].Source)
		}
	}
	b.ensure(r.End)
	for i := r.Start; i < r.End; i++ {
		f := &b.frames[i]
		f.Source = source
		if source == SourceEmpty || source == SourcePending {
			f.Tokens = nil
			continue
		}
		f.Tokens = music.MergeTokens(tokens[i-r.Start], nil)
	}
	return nil
}

// WriteHuman stores a performed event. It replaces generated or pending
// content, merges with earlier human content on the same frame, and commits
// the frame for the generator. Frames at or below the boundary are final.
func (b *Buffer) WriteHuman(index int64, tokens []music.Token) error {
	b.Lock()
	defer b.Unlock()
	if index <= b.boundary {
		return errors.Wrapf(ErrRangeAlreadyCommitted, "frame %d <= boundary %d", index, b.boundary)
	}
	b.ensure(index + 1)
	f := &b.frames[index]
	if f.Source == SourceHuman {
		f.Tokens = music.MergeTokens(f.Tokens, tokens)
	} else {
		f.Tokens = music.MergeTokens(nil, tokens)
	}
	f.Source = SourceHuman
	f.Committed = true
	return nil
}

// MarkPending flags the open frames of r as waiting for generation.
func (b *Buffer) MarkPending(r Range) {
	b.Lock()
	defer b.Unlock()
	if r.Len() == 0 {
		return
	}
	b.ensure(r.End)
	for i := max64(r.Start, b.boundary+1); i < r.End; i++ {
		f := &b.frames[i]
		if f.Source == SourceEmpty && !f.Committed {
			f.Source = SourcePending
		}
	}
}

// ClearPending turns pending frames of r back into empty ones.
func (b *Buffer) ClearPending(r Range) {
	b.Lock()
	defer b.Unlock()
	for i := max64(r.Start, 0); i < r.End && i < int64(len(b.frames)); i++ {
		if b.frames[i].Source == SourcePending {
			b.frames[i].Source = SourceEmpty
		}
	}
}

// AdvanceCommitBoundary moves the boundary to to and returns the frames that
// just became final. Moving it backwards is a no-op.
func (b *Buffer) AdvanceCommitBoundary(to int64) Range {
	b.Lock()
	defer b.Unlock()
	if to <= b.boundary {
		return Range{Start: b.boundary + 1, End: b.boundary + 1}
	}
	b.ensure(to + 1)
	for i := b.boundary + 1; i <= to; i++ {
		f := &b.frames[i]
		if f.Source == SourcePending {
			f.Source = SourceEmpty
		}
		f.Committed = true
	}
	r := Range{Start: b.boundary + 1, End: to + 1}
	b.boundary = to
	return r
}

// Read returns copies of the frames of r that exist.
func (b *Buffer) Read(r Range) []Frame {
	b.RLock()
	defer b.RUnlock()
	start := max64(r.Start, 0)
	end := r.End
	if end > int64(len(b.frames)) {
		end = int64(len(b.frames))
	}
	if end <= start {
		return nil
	}
	out := make([]Frame, 0, end-start)
	for _, f := range b.frames[start:end] {
		f.Tokens = append([]music.Token(nil), f.Tokens...)
		out = append(out, f)
	}
	return out
}

// Tokens returns one token list per frame of r, rests for empty frames and
// for frames that do not exist yet. It is what the predictor sees.
func (b *Buffer) Tokens(r Range) [][]music.Token {
	b.RLock()
	defer b.RUnlock()
	out := make([][]music.Token, 0, r.Len())
	for i := r.Start; i < r.End; i++ {
		if i < 0 || i >= int64(len(b.frames)) || !b.frames[i].Filled() {
			out = append(out, []music.Token{music.Rest})
			continue
		}
		out = append(out, append([]music.Token(nil), b.frames[i].Tokens...))
	}
	return out
}

// FilledEnd returns the first index at or after from that has no content.
func (b *Buffer) FilledEnd(from int64) int64 {
	b.RLock()
	defer b.RUnlock()
	i := max64(from, 0)
	for ; i < int64(len(b.frames)); i++ {
		if !b.frames[i].Filled() {
			break
		}
	}
	return i
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
