package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/duet/music"
	"github.com/schollz/duet/scheduler"
	log "github.com/sirupsen/logrus"
)

// Remote asks a model server over HTTP. The server answers
// GET /capabilities and POST /generate.
type Remote struct {
	URL    string
	Client *http.Client

	caps scheduler.Capabilities
}

type generateRequest struct {
	History     [][]music.Token `json:"history"`
	MaxFrames   int             `json:"max_frames"`
	Temperature float64         `json:"temperature"`
	ModelID     string          `json:"model_id"`
}

type generateResponse struct {
	Frames [][]music.Token `json:"frames"`
	Error  string          `json:"error,omitempty"`
}

type capabilitiesResponse struct {
	ModelID        string `json:"model_id"`
	VocabularySize int    `json:"vocabulary_size"`
	Resolution     int    `json:"resolution"`
}

// NewRemote connects to the server at url and asks what it can do.
func NewRemote(ctx context.Context, url string) (r *Remote, err error) {
	r = &Remote{
		URL:    strings.TrimRight(url, "/"),
		Client: &http.Client{Timeout: 30 * time.Second},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL+"/capabilities", nil)
	if err != nil {
		return nil, errors.Wrap(err, "capabilities request")
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "could not reach %s", r.URL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("capabilities: %s", resp.Status)
	}
	var c capabilitiesResponse
	if err = json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return nil, errors.Wrap(err, "capabilities")
	}
	r.caps = scheduler.Capabilities{
		ModelID:        c.ModelID,
		VocabularySize: c.VocabularySize,
		Resolution:     c.Resolution,
	}
	log.WithFields(log.Fields{
		"function": "NewRemote",
	}).Infof("Remote model %q at %s", c.ModelID, r.URL)
	return r, nil
}

func (r *Remote) Capabilities() scheduler.Capabilities {
	return r.caps
}

// Generate posts the context and waits for the server. A deadline on ctx
// is reported as scheduler.ErrTimeout, a rejected context as
// scheduler.ErrInvalidContext.
func (r *Remote) Generate(ctx context.Context, history [][]music.Token, maxFrames int, temperature float64, modelID string) ([][]music.Token, error) {
	body, err := json.Marshal(generateRequest{
		History:     history,
		MaxFrames:   maxFrames,
		Temperature: temperature,
		ModelID:     modelID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encoding request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "generate request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.Client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.Wrap(scheduler.ErrTimeout, err.Error())
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, "generate")
	}
	defer resp.Body.Close()

	var out generateResponse
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response")
	}
	if len(data) > 0 {
		if err = json.Unmarshal(data, &out); err != nil && resp.StatusCode == http.StatusOK {
			return nil, errors.Wrap(err, "decoding response")
		}
	}
	switch {
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, errors.Wrap(scheduler.ErrInvalidContext, out.Error)
	case resp.StatusCode == http.StatusGatewayTimeout:
		return nil, errors.Wrap(scheduler.ErrTimeout, out.Error)
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Errorf("generate: %s %s", resp.Status, out.Error)
	}
	if len(out.Frames) > maxFrames {
		out.Frames = out.Frames[:maxFrames]
	}
	return out.Frames, nil
}
