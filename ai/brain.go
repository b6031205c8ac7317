package ai

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/duet/music"
	"github.com/schollz/duet/scheduler"
	"github.com/schollz/gobrain"
	log "github.com/sirupsen/logrus"
)

const pitches = 128

// Brain is a feed forward network that maps the notes sounding in one frame
// to the notes sounding in the next. It keeps training on the live context
// of every request.
type Brain struct {
	// Hidden is the number of hidden nodes
	Hidden int

	// Iterations is how many training passes run per request
	Iterations int

	LearningRate float64
	Momentum     float64

	// MaxVoices caps how many notes sound at once
	MaxVoices int

	codec music.Codec

	sync.Mutex
	rng    *rand.Rand
	ff     *gobrain.FeedForward
	primed [][]float64
}

// NewBrain returns an untrained network speaking the vocabulary of codec.
func NewBrain(codec music.Codec) (b *Brain) {
	b = new(Brain)
	b.Hidden = 32
	b.Iterations = 40
	b.LearningRate = 0.1
	b.Momentum = 0.3
	b.MaxVoices = 4
	b.codec = codec
	b.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	b.ff = &gobrain.FeedForward{}
	b.ff.Init(pitches, b.Hidden, pitches)
	return b
}

// Seed makes sampling reproducible. The network weights still start random.
func (b *Brain) Seed(seed int64) {
	b.Lock()
	b.rng = rand.New(rand.NewSource(seed))
	b.Unlock()
}

func (b *Brain) Capabilities() scheduler.Capabilities {
	return scheduler.Capabilities{
		ModelID:        "brain",
		VocabularySize: b.codec.VocabularySize(),
		Resolution:     b.codec.Resolution(),
	}
}

// Learn primes the network with frames, for example a previous session.
func (b *Brain) Learn(frames [][]music.Token) {
	b.Lock()
	defer b.Unlock()
	b.primed = append(b.primed, b.sounding(frames)...)
	patterns := patternsOf(b.primed)
	if len(patterns) == 0 {
		return
	}
	log.WithFields(log.Fields{
		"function": "Brain.Learn",
	}).Debugf("Training on %d patterns", len(patterns))
	b.ff.Train(patterns, b.Iterations, b.LearningRate, b.Momentum, false)
}

// sounding replays frames and returns, per frame, which pitches are held.
func (b *Brain) sounding(frames [][]music.Token) [][]float64 {
	held := make([]float64, pitches)
	out := make([][]float64, len(frames))
	for i, f := range frames {
		for _, e := range music.DecodeFrame(b.codec, f) {
			switch e.Kind {
			case music.EventNoteOn:
				held[e.Pitch] = 1
			case music.EventNoteOff:
				held[e.Pitch] = 0
			}
		}
		out[i] = append([]float64{}, held...)
	}
	return out
}

// patternsOf pairs every frame with the next, skipping stretches of silence.
func patternsOf(states [][]float64) [][][]float64 {
	patterns := [][][]float64{}
	for i := 1; i < len(states); i++ {
		if silent(states[i-1]) && silent(states[i]) {
			continue
		}
		patterns = append(patterns, [][]float64{states[i-1], states[i]})
	}
	return patterns
}

func silent(state []float64) bool {
	for _, v := range state {
		if v > 0 {
			return false
		}
	}
	return true
}

// Generate continues history by maxFrames frames.
func (b *Brain) Generate(ctx context.Context, history [][]music.Token, maxFrames int, temperature float64, modelID string) ([][]music.Token, error) {
	if modelID != "" && modelID != "brain" {
		return nil, errors.Wrapf(scheduler.ErrInvalidContext, "brain cannot run model %q", modelID)
	}
	if temperature <= 0 {
		return nil, errors.Wrapf(scheduler.ErrInvalidContext, "temperature %2.2f", temperature)
	}
	b.Lock()
	defer b.Unlock()

	states := b.sounding(history)
	patterns := patternsOf(append(append([][]float64{}, b.primed...), states...))
	if len(patterns) > 0 {
		// train in slices so a cancelled request returns early
		const chunk = 10
		for i := 0; i < b.Iterations; i += chunk {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			b.ff.Train(patterns, chunk, b.LearningRate, b.Momentum, false)
		}
	}

	prev := make([]float64, pitches)
	if len(states) > 0 {
		prev = states[len(states)-1]
	}
	frames := make([][]music.Token, 0, maxFrames)
	for i := 0; i < maxFrames; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var next []float64
		if len(patterns) == 0 {
			// nothing to learn from yet
			next = make([]float64, pitches)
		} else {
			next = b.next(b.ff.Update(prev), temperature)
		}
		frames = append(frames, b.tokens(prev, next))
		prev = next
	}
	return frames, nil
}

// next samples the pitches that sound in the following frame.
func (b *Brain) next(probabilities []float64, temperature float64) []float64 {
	type voice struct {
		pitch int
		p     float64
	}
	voices := []voice{}
	for pitch, p := range probabilities {
		p = temper(p, temperature)
		if b.rng.Float64() < p {
			voices = append(voices, voice{pitch, p})
		}
	}
	sort.Slice(voices, func(i, j int) bool {
		return voices[i].p > voices[j].p
	})
	if len(voices) > b.MaxVoices {
		voices = voices[:b.MaxVoices]
	}
	next := make([]float64, pitches)
	for _, v := range voices {
		next[v.pitch] = 1
	}
	return next
}

// tokens encodes the change from prev to next.
func (b *Brain) tokens(prev, next []float64) []music.Token {
	tokens := []music.Token{}
	for pitch := 0; pitch < pitches; pitch++ {
		switch {
		case prev[pitch] > 0 && next[pitch] == 0:
			tokens = append(tokens, b.codec.Encode(music.Event{Kind: music.EventNoteOff, Pitch: pitch}))
		case prev[pitch] == 0 && next[pitch] > 0:
			tokens = append(tokens, b.codec.Encode(music.Event{Kind: music.EventNoteOn, Pitch: pitch, Velocity: 1}))
		}
	}
	if len(tokens) == 0 {
		return []music.Token{music.Rest}
	}
	return tokens
}
