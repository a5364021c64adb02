package speech

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

func TestExecRecognizerHandlesLongSegmentLine(t *testing.T) {
	if _, err := exec.LookPath("awk"); err != nil {
		t.Skip("awk not available")
	}

	prog := `BEGIN { s = ""; while (length(s) < 200000) s = s "aaaaaaaaaa"; printf "{\"text\":\"%s\",\"final\":true}\n", s }`
	r := &execRecognizer{cmd: []string{"awk", prog}}

	frames := make(chan []byte)
	close(frames)

	events, err := r.Listen(context.Background(), "", frames)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var segment string
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if len(segment) < 200000 {
					t.Fatalf("expected long segment, got %d bytes", len(segment))
				}
				return
			}
			switch ev.Kind {
			case EventSegment:
				segment = ev.Segment.Text
			case EventError:
				t.Fatalf("long segment line must not fail: %v", ev.Err)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for recognizer events")
		}
	}
}
