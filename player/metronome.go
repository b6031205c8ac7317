package player

import (
	"math"
	"time"

	"github.com/schollz/duet/clock"
	log "github.com/sirupsen/logrus"
)

// Metronome clicks every 1/Subdivision beat and accents the first beat of
// each bar. It keeps going whatever the generator does.
type Metronome struct {
	Enabled     bool
	Subdivision int

	out  Output
	last int64
}

func NewMetronome(out Output, enabled bool, subdivision int) *Metronome {
	return &Metronome{
		Enabled:     enabled,
		Subdivision: subdivision,
		out:         out,
		last:        -1,
	}
}

// Tick clicks once if a subdivision started since the last call. Missed
// subdivisions are not caught up.
func (m *Metronome) Tick(pos clock.Position, now time.Time) bool {
	if m.Subdivision < 1 {
		return false
	}
	n := int64(math.Floor(pos.Beat * float64(m.Subdivision)))
	if n <= m.last {
		return false
	}
	m.last = n
	if !m.Enabled {
		return false
	}
	accent := int64(math.Floor(pos.BeatInBar*float64(m.Subdivision))) == 0
	if err := m.out.Click(accent, now); err != nil {
		log.WithFields(log.Fields{
			"function": "Metronome.Tick",
		}).Warn(err.Error())
	}
	return true
}
