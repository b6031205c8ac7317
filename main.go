package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/duet/ai"
	"github.com/schollz/duet/config"
	"github.com/schollz/duet/logging"
	"github.com/schollz/duet/music"
	"github.com/schollz/duet/piano"
	"github.com/schollz/duet/player"
	"github.com/schollz/duet/scheduler"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

var version = "dev"

// learner is a predictor that can be primed with an earlier session.
type learner interface {
	Learn(frames [][]music.Token)
}

func main() {
	app := cli.NewApp()
	app.Version = version
	app.Compiled = time.Now()
	app.Name = "duet"
	app.Usage = "play along with an AI in real time"
	app.UsageText = `duet --in 1 --out 2 --bpm 100 --model markov`
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "list",
			Usage: "list MIDI devices and exit",
		},
		cli.IntFlag{
			Name:  "in",
			Value: -1,
			Usage: "input device id (default device when negative)",
		},
		cli.IntFlag{
			Name:  "out",
			Value: -1,
			Usage: "output device id (default device when negative)",
		},
		cli.BoolFlag{
			Name:  "no-input",
			Usage: "let the AI play alone",
		},
		cli.Float64Flag{
			Name:  "bpm",
			Usage: "beats per minute",
		},
		cli.IntFlag{
			Name:  "beats-per-bar",
			Usage: "time signature numerator",
		},
		cli.IntFlag{
			Name:  "beat-unit",
			Usage: "time signature denominator",
		},
		cli.IntFlag{
			Name:  "resolution",
			Usage: "frames per beat",
		},
		cli.Float64Flag{
			Name:  "waits",
			Usage: "beats of silence before the AI jumps in",
		},
		cli.Float64Flag{
			Name:  "lookahead",
			Usage: "beats generated ahead of playback",
		},
		cli.Float64Flag{
			Name:  "commitahead",
			Usage: "beats ahead of playback that are frozen",
		},
		cli.Float64Flag{
			Name:  "context",
			Usage: "beats of history given to the model",
		},
		cli.Float64Flag{
			Name:  "temperature",
			Usage: "sampling temperature",
		},
		cli.IntFlag{
			Name:  "temperature-cc",
			Value: -1,
			Usage: "control change number that sets the temperature",
		},
		cli.StringFlag{
			Name:  "model",
			Usage: "markov, brain or remote",
		},
		cli.StringFlag{
			Name:  "remote-url",
			Value: "http://localhost:8080",
			Usage: "model server for --model remote",
		},
		cli.StringFlag{
			Name:  "prime",
			Usage: "session .json to prime the model with",
		},
		cli.IntFlag{
			Name:  "chord-instrument",
			Usage: "program for chords",
		},
		cli.IntFlag{
			Name:  "melody-instrument",
			Usage: "program for melodies",
		},
		cli.IntFlag{
			Name:  "velocity",
			Usage: "velocity of generated notes",
		},
		cli.BoolFlag{
			Name:  "echo",
			Usage: "also send the performed notes to the output",
		},
		cli.BoolFlag{
			Name:  "no-metronome",
			Usage: "turn the click off",
		},
		cli.IntFlag{
			Name:  "subdivision",
			Usage: "metronome clicks per beat",
		},
		cli.StringFlag{
			Name:  "export,f",
			Usage: "export path, .mid and .json are added",
		},
		cli.BoolFlag{
			Name:  "no-record",
			Usage: "do not save the session",
		},
		cli.IntFlag{
			Name:  "tick",
			Usage: "tick frequency in hertz",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Usage: "generation timeout",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "debug logging",
		},
	}

	app.Action = func(c *cli.Context) (err error) {
		cfg := configure(c)
		if err = logging.Setup(cfg.Debug, cfg.SentryDSN, cfg.Environment, version); err != nil {
			log.Warn(err.Error())
		}
		defer logging.Flush()

		if c.Bool("list") {
			devices, err := piano.Devices()
			if err != nil {
				return err
			}
			for _, d := range devices {
				fmt.Println(d)
			}
			return nil
		}
		if err = cfg.Validate(); err != nil {
			return err
		}

		fmt.Println(`
		_______________________________________
	 |  | | | |  |  | | | | | |  |  | | | |  |
	 |  | | | |  |  | | | | | |  |  | | | |  |
	 |  | | | |  |  | | | | | |  |  | | | |  |
	 |  |_| |_|  |  |_| |_| |_|  |  |_| |_|  |
	 |   |   |   |   |   |   |   |   |   |   |
	 |   |   |   |   |   |   |   |   |   |   |
	 |___|___|___|___|___|___|___|___|___|___|

	 Lets play some music!
											`)
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		codec := music.NewPianoRoll(cfg.Resolution, cfg.DefaultVelocity)
		p, err := predictor(ctx, cfg.ModelID, c.String("remote-url"), codec)
		if err != nil {
			return err
		}
		if file := c.String("prime"); file != "" {
			if err = prime(p, file, codec); err != nil {
				return err
			}
		}

		keys, err := piano.New(c.Int("in"), c.Int("out"), !c.Bool("no-input"))
		if err != nil {
			return err
		}
		var in player.Input
		if !c.Bool("no-input") {
			in = keys
		}
		s, err := player.New(cfg, codec, p, in, keys)
		if err != nil {
			keys.Close()
			return err
		}
		seq, err := s.Run(ctx)
		if err != nil {
			log.WithError(err).Error("session did not end cleanly")
			return err
		}
		log.Infof("Played %d notes in %s", len(seq.Notes), seq.TotalTime())
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// configure starts from the environment and applies the flags that were set.
func configure(c *cli.Context) config.Config {
	cfg := config.Load()
	if c.IsSet("bpm") {
		cfg.BPM = c.Float64("bpm")
	}
	if c.IsSet("beats-per-bar") {
		cfg.TimeSignature.Numerator = c.Int("beats-per-bar")
	}
	if c.IsSet("beat-unit") {
		cfg.TimeSignature.Denominator = c.Int("beat-unit")
	}
	if c.IsSet("resolution") {
		cfg.Resolution = c.Int("resolution")
	}
	if c.IsSet("waits") {
		cfg.SilenceBeats = c.Float64("waits")
	}
	if c.IsSet("lookahead") {
		cfg.LookaheadBeats = c.Float64("lookahead")
	}
	if c.IsSet("commitahead") {
		cfg.CommitaheadBeats = c.Float64("commitahead")
	}
	if c.IsSet("context") {
		cfg.ContextBeats = c.Float64("context")
	}
	if c.IsSet("temperature") {
		cfg.Temperature = c.Float64("temperature")
	}
	if c.IsSet("temperature-cc") {
		cfg.TemperatureControl = c.Int("temperature-cc")
	}
	if c.IsSet("model") {
		cfg.ModelID = c.String("model")
	}
	if c.IsSet("chord-instrument") {
		cfg.ChordInstrument = c.Int("chord-instrument")
	}
	if c.IsSet("melody-instrument") {
		cfg.MelodyInstrument = c.Int("melody-instrument")
	}
	if c.IsSet("velocity") {
		cfg.DefaultVelocity = c.Int("velocity")
	}
	if c.IsSet("echo") {
		cfg.EchoHuman = true
	}
	if c.IsSet("no-metronome") {
		cfg.Metronome = false
	}
	if c.IsSet("subdivision") {
		cfg.MetronomeSubdivision = c.Int("subdivision")
	}
	if c.IsSet("export") {
		cfg.ExportPath = c.String("export")
	}
	if c.IsSet("no-record") {
		cfg.Recording = false
	}
	if c.IsSet("tick") {
		cfg.TickHertz = c.Int("tick")
	}
	if c.IsSet("timeout") {
		cfg.GenerationTimeout = c.Duration("timeout")
	}
	if c.IsSet("debug") {
		cfg.Debug = true
	}
	return cfg
}

func predictor(ctx context.Context, model, url string, codec music.Codec) (scheduler.Predictor, error) {
	switch model {
	case "markov":
		return ai.NewMarkov(codec), nil
	case "brain":
		return ai.NewBrain(codec), nil
	case "remote":
		return ai.NewRemote(ctx, url)
	}
	return nil, errors.Wrapf(config.ErrInvalidConfig, "unknown model %q", model)
}

// prime teaches the model an earlier session.
func prime(p scheduler.Predictor, file string, codec music.Codec) error {
	l, ok := p.(learner)
	if !ok {
		log.Warnf("model %q cannot be primed", p.Capabilities().ModelID)
		return nil
	}
	seq, err := music.OpenJSON(file)
	if err != nil {
		return err
	}
	l.Learn(seq.Frames(codec))
	log.Infof("Primed with %d frames from %s", seq.TotalFrames, file)
	return nil
}
