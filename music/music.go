package music

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Note carries the pitch and velocity of a single press or release, and the
// frame it happened on
type Note struct {
	On         bool
	Pitch      int
	Velocity   int
	Frame      int64
	Instrument int
	// Human is set for notes the performer played
	Human bool
}

// Notes is a structure for sorting the notes based on frame
type Notes []Note

func (p Notes) Len() int {
	return len(p)
}

func (p Notes) Less(i, j int) bool {
	if p[i].Frame == p[j].Frame {
		// releases before presses on the same frame
		return !p[i].On && p[j].On
	}
	return p[i].Frame < p[j].Frame
}

func (p Notes) Swap(i, j int) {
	p[i], p[j] = p[j], p[i]
}

type noteKey struct {
	Pitch int
	On    bool
	Human bool
}

// Music stores all the notes that were committed during a session
type Music struct {
	// Notes map: frame -> key -> note
	Notes map[int64]map[noteKey]Note
	sync.RWMutex
}

// New returns a new object
func New() *Music {
	m := new(Music)
	m.Lock()
	m.Notes = make(map[int64]map[noteKey]Note)
	m.Unlock()
	return m
}

// AddNote will add a note in a thread-safe way. A second identical press on
// the same frame is ignored.
func (m *Music) AddNote(n Note) {
	m.Lock()
	defer m.Unlock()
	key := noteKey{Pitch: n.Pitch, On: n.On, Human: n.Human}
	if _, hasTime := m.Notes[n.Frame]; hasTime {
		if _, hasNote := m.Notes[n.Frame][key]; hasNote {
			return
		}
	} else {
		m.Notes[n.Frame] = make(map[noteKey]Note)
	}
	m.Notes[n.Frame][key] = n
}

// GetAll retrieve notes in music in a thread-safe way, ordered by frame
func (m *Music) GetAll() (notes Notes) {
	m.RLock()
	defer m.RUnlock()
	notes = Notes{}
	for frame := range m.Notes {
		for key := range m.Notes[frame] {
			notes = append(notes, m.Notes[frame][key])
		}
	}
	sort.Stable(notes)
	return
}

// Sequence pairs presses with releases. Notes still held at totalFrames are
// cut there, anything starting at or after totalFrames is dropped.
func (m *Music) Sequence(totalFrames int64) (seq []SequencedNote) {
	logger := log.WithFields(log.Fields{
		"function": "Music.Sequence",
	})
	type voice struct {
		pitch int
		human bool
	}
	open := make(map[voice]Note)
	closeNote := func(on Note, end int64) {
		if end <= on.Frame {
			return
		}
		seq = append(seq, SequencedNote{
			Pitch:      on.Pitch,
			Velocity:   on.Velocity,
			Start:      on.Frame,
			End:        end,
			Instrument: on.Instrument,
			Human:      on.Human,
		})
	}
	for _, n := range m.GetAll() {
		if n.Frame >= totalFrames {
			break
		}
		v := voice{n.Pitch, n.Human}
		if prev, ok := open[v]; ok {
			closeNote(prev, n.Frame)
			delete(open, v)
		}
		if n.On {
			open[v] = n
		}
	}
	for _, on := range open {
		closeNote(on, totalFrames)
	}
	sort.SliceStable(seq, func(i, j int) bool {
		if seq[i].Start == seq[j].Start {
			return seq[i].Pitch < seq[j].Pitch
		}
		return seq[i].Start < seq[j].Start
	})
	logger.Debugf("paired %d notes", len(seq))
	return
}
