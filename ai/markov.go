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
	log "github.com/sirupsen/logrus"
	hashids "github.com/speps/go-hashids"
)

// Markov improvises by chaining chords. Every frame is reduced to a chord
// key and the transitions between keys are counted, both from what it was
// primed with and from the live context of each request.
type Markov struct {
	// LinkLength is how many previous chords a transition depends on
	LinkLength int

	// MaxMemory is how many learned frames are kept
	MaxMemory int

	codec  music.Codec
	hasher *hashids.HashIDData

	sync.Mutex
	rng    *rand.Rand
	primed []string
	chords map[string][]music.Token
}

// NewMarkov returns a chain speaking the vocabulary of codec.
func NewMarkov(codec music.Codec) (m *Markov) {
	m = new(Markov)
	m.LinkLength = 2
	m.MaxMemory = 4096
	m.codec = codec
	m.hasher = hashids.NewData()
	m.hasher.Salt = "piano"
	m.hasher.MinLength = 8
	m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	m.chords = make(map[string][]music.Token)
	return m
}

// Seed makes generation reproducible.
func (m *Markov) Seed(seed int64) {
	m.Lock()
	m.rng = rand.New(rand.NewSource(seed))
	m.Unlock()
}

func (m *Markov) Capabilities() scheduler.Capabilities {
	return scheduler.Capabilities{
		ModelID:        "markov",
		VocabularySize: m.codec.VocabularySize(),
		Resolution:     m.codec.Resolution(),
	}
}

// encode turns a frame into its chord key. The tokens are sorted so the
// order of simultaneous notes does not matter.
func (m *Markov) encode(tokens []music.Token) string {
	ints := make([]int, 0, len(tokens))
	for _, t := range music.MergeTokens(tokens, nil) {
		ints = append(ints, int(t))
	}
	sort.Ints(ints)
	h, _ := hashids.NewWithData(m.hasher)
	e, _ := h.Encode(ints)
	return e
}

func (m *Markov) decode(s string) []music.Token {
	h, _ := hashids.NewWithData(m.hasher)
	ints := h.Decode(s)
	tokens := make([]music.Token, len(ints))
	for i, v := range ints {
		tokens[i] = music.Token(v)
	}
	return tokens
}

func (m *Markov) keys(frames [][]music.Token) []string {
	keys := make([]string, len(frames))
	for i, f := range frames {
		keys[i] = m.encode(f)
		if _, ok := m.chords[keys[i]]; !ok {
			m.chords[keys[i]] = m.decode(keys[i])
		}
	}
	return keys
}

// Learn primes the chain with frames, for example a previous session.
func (m *Markov) Learn(frames [][]music.Token) {
	logger := log.WithFields(log.Fields{
		"function": "Markov.Learn",
	})
	m.Lock()
	defer m.Unlock()
	m.primed = append(m.primed, m.keys(frames)...)
	if len(m.primed) > m.MaxMemory {
		m.primed = m.primed[len(m.primed)-m.MaxMemory:]
	}
	logger.Debugf("learned %d frames, %d different chords", len(frames), len(m.chords))
}

// Generate continues history by maxFrames frames.
func (m *Markov) Generate(ctx context.Context, history [][]music.Token, maxFrames int, temperature float64, modelID string) ([][]music.Token, error) {
	if modelID != "" && modelID != "markov" {
		return nil, errors.Wrapf(scheduler.ErrInvalidContext, "markov cannot run model %q", modelID)
	}
	if temperature <= 0 {
		return nil, errors.Wrapf(scheduler.ErrInvalidContext, "temperature %2.2f", temperature)
	}
	m.Lock()
	defer m.Unlock()

	live := m.keys(history)
	// the live context is learned after the primed memory so that it links
	// to the end of it
	corpus := append(append([]string{}, m.primed...), live...)
	transitions := make([]map[string]map[string]float64, m.LinkLength+1)
	for order := 1; order <= m.LinkLength; order++ {
		transitions[order] = count(corpus, order)
	}

	state := append([]string{}, live...)
	frames := make([][]music.Token, 0, maxFrames)
	for i := 0; i < maxFrames; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next := ""
		// back off to shorter links when the longer one was never seen
		for order := m.LinkLength; order >= 1 && next == ""; order-- {
			if len(state) < order {
				continue
			}
			if choices, ok := transitions[order][link(state[len(state)-order:])]; ok {
				next = sample(m.rng, choices, temperature)
			}
		}
		if next == "" {
			frames = append(frames, []music.Token{music.Rest})
			state = append(state, m.encode(nil))
			continue
		}
		frames = append(frames, append([]music.Token{}, m.chords[next]...))
		state = append(state, next)
	}
	return frames, nil
}

func link(keys []string) string {
	s := ""
	for _, k := range keys {
		s += k + "-"
	}
	return s
}

func count(corpus []string, order int) map[string]map[string]float64 {
	t := make(map[string]map[string]float64)
	for i := order; i < len(corpus); i++ {
		from := link(corpus[i-order : i])
		if _, ok := t[from]; !ok {
			t[from] = make(map[string]float64)
		}
		t[from][corpus[i]]++
	}
	return t
}

// sample picks a key with probability proportional to weight^(1/temperature).
// Keys are visited in sorted order so a seeded rng is reproducible.
func sample(rng *rand.Rand, weights map[string]float64, temperature float64) string {
	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	scaled := make([]float64, len(keys))
	for i, k := range keys {
		scaled[i] = weights[k]
	}
	return keys[pick(rng, scaled, temperature)]
}
