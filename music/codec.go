package music

import "sort"

// Token is one symbol of the model vocabulary.
type Token int

// EventKind says what a decoded token does.
type EventKind int

const (
	EventRest EventKind = iota
	EventNoteOn
	EventNoteOff
)

// Event is a decoded token.
type Event struct {
	Kind     EventKind
	Pitch    int
	Velocity int
}

// Codec converts between tokens and musical events at a fixed number of
// frames per beat.
type Codec interface {
	Encode(e Event) Token
	Decode(t Token) Event
	// Resolution is frames per beat
	Resolution() int
	VocabularySize() int
}

// Rest marks a frame that is filled but silent.
const Rest Token = 0

const (
	noteOnOffset  = 1
	noteOffOffset = 129
	pianoRollSize = 257
)

// PianoRoll is the default codec: token 0 is a rest, 1..128 start a pitch,
// 129..256 stop it. Velocity is not part of the vocabulary, decoded note-ons
// carry Velocity.
type PianoRoll struct {
	FramesPerBeat int
	Velocity      int
}

// NewPianoRoll returns a codec with the given frames per beat.
func NewPianoRoll(framesPerBeat, velocity int) *PianoRoll {
	return &PianoRoll{FramesPerBeat: framesPerBeat, Velocity: velocity}
}

func (p *PianoRoll) Encode(e Event) Token {
	if e.Pitch < 0 || e.Pitch > 127 {
		return Rest
	}
	switch e.Kind {
	case EventNoteOn:
		if e.Velocity == 0 {
			return Token(noteOffOffset + e.Pitch)
		}
		return Token(noteOnOffset + e.Pitch)
	case EventNoteOff:
		return Token(noteOffOffset + e.Pitch)
	}
	return Rest
}

func (p *PianoRoll) Decode(t Token) Event {
	switch {
	case t >= noteOnOffset && t < noteOffOffset:
		return Event{Kind: EventNoteOn, Pitch: int(t) - noteOnOffset, Velocity: p.Velocity}
	case t >= noteOffOffset && t < pianoRollSize:
		return Event{Kind: EventNoteOff, Pitch: int(t) - noteOffOffset}
	}
	return Event{Kind: EventRest}
}

func (p *PianoRoll) Resolution() int {
	return p.FramesPerBeat
}

func (p *PianoRoll) VocabularySize() int {
	return pianoRollSize
}

// DecodeFrame decodes every token of a frame, dropping rests. Note-offs come
// before note-ons so that a re-struck pitch is released first.
func DecodeFrame(c Codec, tokens []Token) []Event {
	events := make([]Event, 0, len(tokens))
	for _, t := range tokens {
		e := c.Decode(t)
		if e.Kind == EventRest {
			continue
		}
		events = append(events, e)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Kind == EventNoteOff && events[j].Kind != EventNoteOff
	})
	return events
}

// MergeTokens returns a union of a and b without duplicates and without a
// rest when there is anything else to play.
func MergeTokens(a, b []Token) []Token {
	seen := make(map[Token]bool, len(a)+len(b))
	out := make([]Token, 0, len(a)+len(b))
	for _, t := range append(append([]Token{}, a...), b...) {
		if t == Rest || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return []Token{Rest}
	}
	return out
}
