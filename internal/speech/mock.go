package speech

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

// NewMockRecognizer emits synthetic segments derived from the amount of
// audio received. Lets the whole pipeline run without an STT backend.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Listen(ctx context.Context, _ string, frames <-chan []byte) (<-chan Event, error) {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		var received int
		var sinceInterim int
		for {
			select {
			case frame, ok := <-frames:
				if !ok {
					if received > 0 {
						events <- Event{Kind: EventSegment, Segment: Segment{
							Text:  fmt.Sprintf("[transcript of %d bytes]", received),
							Final: true,
						}}
					}
					events <- Event{Kind: EventEnd}
					return
				}
				received += len(frame)
				sinceInterim += len(frame)
				if sinceInterim >= 16000 {
					sinceInterim = 0
					events <- Event{Kind: EventSegment, Segment: Segment{
						Text: fmt.Sprintf("[interim %d bytes]", received),
					}}
				}
			case <-ctx.Done():
				events <- Event{Kind: EventEnd}
				return
			}
		}
	}()
	return events, nil
}
