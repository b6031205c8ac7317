package scheduler

import (
	"context"

	"github.com/pkg/errors"
	"github.com/schollz/duet/music"
)

var (
	// ErrIncompatibleModel is returned by SwitchModel when the predictor does
	// not speak the codec's vocabulary or resolution.
	ErrIncompatibleModel = errors.New("incompatible model")
	// ErrTimeout is reported for a generation that ran past its deadline.
	ErrTimeout = errors.New("generation timed out")
	// ErrInvalidContext is returned by predictors that cannot use the context.
	ErrInvalidContext = errors.New("invalid context")
)

// Capabilities is what a predictor declares about itself. It is checked
// against the codec before the predictor is bound.
type Capabilities struct {
	ModelID        string
	VocabularySize int
	Resolution     int
}

// Predictor generates the frames that follow history. Generate may block for
// a long time and must return when ctx is done.
type Predictor interface {
	Capabilities() Capabilities
	Generate(ctx context.Context, history [][]music.Token, maxFrames int, temperature float64, modelID string) ([][]music.Token, error)
}

// Compatible checks a predictor against a codec.
func Compatible(p Predictor, codec music.Codec) error {
	caps := p.Capabilities()
	if caps.VocabularySize != codec.VocabularySize() {
		return errors.Wrapf(ErrIncompatibleModel, "model %q has %d tokens, codec has %d",
			caps.ModelID, caps.VocabularySize, codec.VocabularySize())
	}
	if caps.Resolution != codec.Resolution() {
		return errors.Wrapf(ErrIncompatibleModel, "model %q runs at %d frames per beat, codec at %d",
			caps.ModelID, caps.Resolution, codec.Resolution())
	}
	return nil
}
