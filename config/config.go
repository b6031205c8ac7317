package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrInvalidConfig is returned whenever a value is out of range. Sessions are
// never started with an invalid configuration.
var ErrInvalidConfig = errors.New("invalid config")

// TimeSignature is the meter of the session, e.g. 4/4.
type TimeSignature struct {
	Numerator   int
	Denominator int
}

// Config holds everything a live session needs to know. It is a plain value:
// the session keeps its own copy and only changes it through the setters below.
type Config struct {
	// BPM is the beats per minute
	BPM float64
	// TimeSignature is used for bars and metronome accents
	TimeSignature TimeSignature
	// Resolution is the number of frames per beat, must match the codec
	Resolution int

	// SilenceBeats waits this number of beats before the AI jumps in
	SilenceBeats float64
	// LookaheadBeats is how far ahead of playback the scheduler keeps generated
	LookaheadBeats float64
	// CommitaheadBeats is the window ahead of playback where generated content
	// is frozen
	CommitaheadBeats float64
	// ContextBeats is how much history is handed to the predictor
	ContextBeats float64

	Temperature float64
	// TemperatureControl is the MIDI CC number that sets the temperature,
	// -1 disables it
	TemperatureControl int

	ModelID          string
	ChordInstrument  int
	MelodyInstrument int
	DefaultVelocity  int
	// EchoHuman also sends the human notes to the output
	EchoHuman bool

	Metronome            bool
	MetronomeSubdivision int

	Recording  bool
	ExportPath string

	TickHertz         int
	GenerationTimeout time.Duration

	// Observability
	SentryDSN   string
	Environment string
	Debug       bool
}

// Default returns a configuration that validates.
func Default() Config {
	return Config{
		BPM:                  120,
		TimeSignature:        TimeSignature{Numerator: 4, Denominator: 4},
		Resolution:           4,
		SilenceBeats:         2,
		LookaheadBeats:       4,
		CommitaheadBeats:     1,
		ContextBeats:         16,
		Temperature:          1.0,
		TemperatureControl:   -1,
		ModelID:              "markov",
		ChordInstrument:      0,
		MelodyInstrument:     0,
		DefaultVelocity:      80,
		Metronome:            true,
		MetronomeSubdivision: 1,
		Recording:            true,
		ExportPath:           "session",
		TickHertz:            100,
		GenerationTimeout:    2 * time.Second,
		Environment:          "development",
	}
}

// Load reads a .env file if there is one and then overrides the defaults
// with DUET_* environment variables.
func Load() Config {
	logger := log.WithFields(log.Fields{
		"function": "config.Load",
	})
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	c := Default()
	c.BPM = getFloat("DUET_BPM", c.BPM)
	c.TimeSignature.Numerator = getInt("DUET_TIME_SIG_NUMERATOR", c.TimeSignature.Numerator)
	c.TimeSignature.Denominator = getInt("DUET_TIME_SIG_DENOMINATOR", c.TimeSignature.Denominator)
	c.Resolution = getInt("DUET_RESOLUTION", c.Resolution)
	c.SilenceBeats = getFloat("DUET_SILENCE_BEATS", c.SilenceBeats)
	c.LookaheadBeats = getFloat("DUET_LOOKAHEAD_BEATS", c.LookaheadBeats)
	c.CommitaheadBeats = getFloat("DUET_COMMITAHEAD_BEATS", c.CommitaheadBeats)
	c.ContextBeats = getFloat("DUET_CONTEXT_BEATS", c.ContextBeats)
	c.Temperature = getFloat("DUET_TEMPERATURE", c.Temperature)
	c.TemperatureControl = getInt("DUET_TEMPERATURE_CONTROL", c.TemperatureControl)
	c.ModelID = getEnv("DUET_MODEL", c.ModelID)
	c.ChordInstrument = getInt("DUET_CHORD_INSTRUMENT", c.ChordInstrument)
	c.MelodyInstrument = getInt("DUET_MELODY_INSTRUMENT", c.MelodyInstrument)
	c.DefaultVelocity = getInt("DUET_VELOCITY", c.DefaultVelocity)
	c.EchoHuman = getEnv("DUET_ECHO_HUMAN", "false") == "true"
	c.Metronome = getEnv("DUET_METRONOME", "true") == "true"
	c.MetronomeSubdivision = getInt("DUET_METRONOME_SUBDIVISION", c.MetronomeSubdivision)
	c.Recording = getEnv("DUET_RECORDING", "true") == "true"
	c.ExportPath = getEnv("DUET_EXPORT_PATH", c.ExportPath)
	c.TickHertz = getInt("DUET_TICK_HZ", c.TickHertz)
	c.GenerationTimeout = getDuration("DUET_GENERATION_TIMEOUT", c.GenerationTimeout)
	c.SentryDSN = getEnv("SENTRY_DSN", "")
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	return c
}

// Validate checks every range. The returned error wraps ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case c.BPM <= 0:
		return errors.Wrapf(ErrInvalidConfig, "bpm must be positive, got %v", c.BPM)
	case c.TimeSignature.Numerator <= 0 || c.TimeSignature.Denominator <= 0:
		return errors.Wrapf(ErrInvalidConfig, "time signature must be positive, got %d/%d",
			c.TimeSignature.Numerator, c.TimeSignature.Denominator)
	case c.Resolution <= 0:
		return errors.Wrapf(ErrInvalidConfig, "resolution must be positive, got %d", c.Resolution)
	case c.SilenceBeats < 0:
		return errors.Wrapf(ErrInvalidConfig, "silence beats must not be negative, got %v", c.SilenceBeats)
	case c.LookaheadBeats <= 0:
		return errors.Wrapf(ErrInvalidConfig, "lookahead beats must be positive, got %v", c.LookaheadBeats)
	case c.CommitaheadBeats < 0:
		return errors.Wrapf(ErrInvalidConfig, "commitahead beats must not be negative, got %v", c.CommitaheadBeats)
	case c.CommitaheadBeats >= c.LookaheadBeats:
		return errors.Wrapf(ErrInvalidConfig, "commitahead (%v) must be smaller than lookahead (%v)",
			c.CommitaheadBeats, c.LookaheadBeats)
	case c.ContextBeats <= 0:
		return errors.Wrapf(ErrInvalidConfig, "context beats must be positive, got %v", c.ContextBeats)
	case c.Temperature <= 0:
		return errors.Wrapf(ErrInvalidConfig, "temperature must be positive, got %v", c.Temperature)
	case c.TemperatureControl < -1 || c.TemperatureControl > 127:
		return errors.Wrapf(ErrInvalidConfig, "temperature control must be -1 or a CC number, got %d", c.TemperatureControl)
	case !validMIDI(c.ChordInstrument) || !validMIDI(c.MelodyInstrument):
		return errors.Wrapf(ErrInvalidConfig, "instruments must be MIDI programs, got %d and %d",
			c.ChordInstrument, c.MelodyInstrument)
	case c.DefaultVelocity <= 0 || c.DefaultVelocity > 127:
		return errors.Wrapf(ErrInvalidConfig, "velocity must be in 1..127, got %d", c.DefaultVelocity)
	case c.MetronomeSubdivision <= 0:
		return errors.Wrapf(ErrInvalidConfig, "metronome subdivision must be positive, got %d", c.MetronomeSubdivision)
	case c.TickHertz <= 0:
		return errors.Wrapf(ErrInvalidConfig, "tick rate must be positive, got %d", c.TickHertz)
	case c.GenerationTimeout <= 0:
		return errors.Wrapf(ErrInvalidConfig, "generation timeout must be positive, got %s", c.GenerationTimeout)
	case c.ModelID == "":
		return errors.Wrap(ErrInvalidConfig, "model id must be set")
	}
	return nil
}

// SetTempo changes bpm and time signature if the result still validates.
func (c *Config) SetTempo(bpm float64, sig TimeSignature) error {
	next := *c
	next.BPM = bpm
	next.TimeSignature = sig
	return c.apply(next)
}

// SetTemperature changes the sampling temperature.
func (c *Config) SetTemperature(t float64) error {
	next := *c
	next.Temperature = t
	return c.apply(next)
}

// SetWindows changes lookahead and commitahead together, since one bounds
// the other.
func (c *Config) SetWindows(lookahead, commitahead float64) error {
	next := *c
	next.LookaheadBeats = lookahead
	next.CommitaheadBeats = commitahead
	return c.apply(next)
}

// SetInstruments changes the chord and melody programs.
func (c *Config) SetInstruments(chord, melody int) error {
	next := *c
	next.ChordInstrument = chord
	next.MelodyInstrument = melody
	return c.apply(next)
}

// SetModel changes the active model id.
func (c *Config) SetModel(id string) error {
	next := *c
	next.ModelID = id
	return c.apply(next)
}

// SetMetronome turns the click on or off and sets its subdivision.
func (c *Config) SetMetronome(enabled bool, subdivision int) error {
	next := *c
	next.Metronome = enabled
	next.MetronomeSubdivision = subdivision
	return c.apply(next)
}

func (c *Config) apply(next Config) error {
	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}

func validMIDI(v int) bool {
	return v >= 0 && v <= 127
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getFloat(key string, defaultValue float64) float64 {
	v, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}
