package ai

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/duet/music"
	"github.com/schollz/duet/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var codec = music.NewPianoRoll(4, 80)

func riff(repeats int) [][]music.Token {
	frames := [][]music.Token{}
	for i := 0; i < repeats; i++ {
		frames = append(frames, []music.Token{61}, []music.Token{music.Rest}, []music.Token{63}, []music.Token{music.Rest})
	}
	return frames
}

func TestPredictorsMatchCodec(t *testing.T) {
	assert.NoError(t, scheduler.Compatible(NewMarkov(codec), codec))
	assert.NoError(t, scheduler.Compatible(NewBrain(codec), codec))
	assert.Error(t, scheduler.Compatible(NewMarkov(music.NewPianoRoll(8, 80)), codec))
}

func TestMarkovChordKeys(t *testing.T) {
	m := NewMarkov(codec)
	assert.Equal(t, m.encode([]music.Token{65, 61}), m.encode([]music.Token{61, 65}))
	assert.NotEqual(t, m.encode([]music.Token{61}), m.encode([]music.Token{65}))
	assert.Equal(t, m.encode(nil), m.encode([]music.Token{music.Rest}))
	assert.Equal(t, []music.Token{61, 65}, m.decode(m.encode([]music.Token{65, 61})))
}

func TestMarkovContinuesPattern(t *testing.T) {
	m := NewMarkov(codec)
	m.Seed(1)
	m.Learn(riff(4))

	frames, err := m.Generate(context.Background(), riff(1), 8, 1.0, "markov")
	require.NoError(t, err)
	assert.Equal(t, riff(2), frames)
}

func TestMarkovLearnsFromContext(t *testing.T) {
	m := NewMarkov(codec)
	m.Seed(1)
	frames, err := m.Generate(context.Background(), riff(3), 4, 0.5, "")
	require.NoError(t, err)
	assert.Equal(t, riff(1), frames)
}

func TestMarkovUnknownStateRests(t *testing.T) {
	m := NewMarkov(codec)
	frames, err := m.Generate(context.Background(), nil, 3, 1.0, "markov")
	require.NoError(t, err)
	assert.Equal(t, [][]music.Token{{music.Rest}, {music.Rest}, {music.Rest}}, frames)
}

func TestMarkovRejects(t *testing.T) {
	m := NewMarkov(codec)
	_, err := m.Generate(context.Background(), nil, 3, 1.0, "other")
	assert.True(t, errors.Is(err, scheduler.ErrInvalidContext))
	_, err = m.Generate(context.Background(), nil, 3, 0, "markov")
	assert.True(t, errors.Is(err, scheduler.ErrInvalidContext))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Generate(ctx, riff(1), 3, 1.0, "markov")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestPick(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		assert.Equal(t, 1, pick(rng, []float64{1, 100}, 0.01))
		assert.NotEqual(t, 0, pick(rng, []float64{0, 1, 1}, 2))
	}
	assert.Equal(t, -1, pick(rng, nil, 1))
	assert.Equal(t, 0, pick(rng, []float64{0, 0, 0}, 1))
	assert.Equal(t, 2, argmax([]float64{0, 1, 3}))

	assert.InDelta(t, 0.5, temper(0.5, 0.1), 1e-9)
	assert.Greater(t, temper(0.9, 0.1), 0.99)
	assert.Less(t, temper(0.9, 10), 0.9)
}

func TestBrainGenerates(t *testing.T) {
	b := NewBrain(codec)
	b.Seed(3)
	b.Learn(riff(4))

	frames, err := b.Generate(context.Background(), riff(2), 16, 1.0, "brain")
	require.NoError(t, err)
	require.Len(t, frames, 16)

	held := map[int]bool{}
	for _, f := range frames {
		require.NotEmpty(t, f)
		for _, e := range music.DecodeFrame(codec, f) {
			held[e.Pitch] = e.Kind == music.EventNoteOn
		}
		n := 0
		for _, on := range held {
			if on {
				n++
			}
		}
		assert.LessOrEqual(t, n, b.MaxVoices)
		for _, tok := range f {
			assert.Less(t, int(tok), codec.VocabularySize())
		}
	}
}

func TestBrainSilenceWithoutHistory(t *testing.T) {
	b := NewBrain(codec)
	frames, err := b.Generate(context.Background(), [][]music.Token{{music.Rest}}, 2, 1.0, "brain")
	require.NoError(t, err)
	assert.Equal(t, [][]music.Token{{music.Rest}, {music.Rest}}, frames)

	_, err = b.Generate(context.Background(), nil, 2, 1.0, "markov")
	assert.True(t, errors.Is(err, scheduler.ErrInvalidContext))
}

func modelServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/capabilities", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(capabilitiesResponse{ModelID: "remote", VocabularySize: 257, Resolution: 4})
	})
	mux.HandleFunc("/generate", func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch {
		case len(req.History) == 0:
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(generateResponse{Error: "empty context"})
			return
		case req.ModelID == "slow":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		// one frame too many
		frames := make([][]music.Token, req.MaxFrames+1)
		for i := range frames {
			frames[i] = []music.Token{61}
		}
		json.NewEncoder(w).Encode(generateResponse{Frames: frames})
	})
	s := httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func TestRemote(t *testing.T) {
	s := modelServer(t)
	r, err := NewRemote(context.Background(), s.URL+"/")
	require.NoError(t, err)
	assert.NoError(t, scheduler.Compatible(r, codec))
	assert.Equal(t, "remote", r.Capabilities().ModelID)

	frames, err := r.Generate(context.Background(), riff(1), 4, 1.0, "remote")
	require.NoError(t, err)
	assert.Len(t, frames, 4)

	_, err = r.Generate(context.Background(), nil, 4, 1.0, "remote")
	assert.True(t, errors.Is(err, scheduler.ErrInvalidContext))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Generate(ctx, riff(1), 4, 1.0, "slow")
	assert.True(t, errors.Is(err, scheduler.ErrTimeout))
}

func TestRemoteUnreachable(t *testing.T) {
	_, err := NewRemote(context.Background(), "http://127.0.0.1:1")
	assert.Error(t, err)
}
