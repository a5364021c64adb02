package speech

import (
	"context"
	"errors"
)

// Speech failure taxonomy.
var (
	ErrUnsupported       = errors.New("speech recognition unsupported")
	ErrRecognitionFailed = errors.New("speech recognition failed")
)

// EventKind tags recognition events after narrowing at the backend boundary.
type EventKind int

const (
	EventSegment EventKind = iota
	EventError
	EventEnd
)

// Segment is one transcript fragment. Interim segments may still change;
// final segments will not be revised.
type Segment struct {
	Text  string
	Final bool
}

// Event is the narrowed recognition event consumed by the session FSM.
type Event struct {
	Kind    EventKind
	Segment Segment
	Err     error
}

// Recognizer abstracts the platform speech-to-text capability. Listen
// consumes PCM frames and emits events until ctx is cancelled or the frame
// stream ends; the returned channel is closed after the end event.
type Recognizer interface {
	Listen(ctx context.Context, language string, frames <-chan []byte) (<-chan Event, error)
}
