package speech

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
	"github.com/vaanilabs/vaani-engine/internal/config"
)

// execRecognizer streams PCM into a recognition command (a whisper wrapper
// or similar) and reads JSON lines {"text": ..., "final": ...} back.
type execRecognizer struct {
	cmd []string
	cfg config.SpeechConfig
}

type execSegment struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

func NewExecRecognizer(cfg config.SpeechConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse speech command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("speech command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Listen(ctx context.Context, language string, frames <-chan []byte) (<-chan Event, error) {
	args := append([]string{}, r.cmd[1:]...)
	if language != "" {
		args = append(args, "--language", language)
	}
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	if r.cfg.InterimResults {
		args = append(args, "--interim")
	}

	cmd := exec.CommandContext(ctx, r.cmd[0], args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("speech stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("speech stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start speech command: %w", err)
	}

	go func() {
		defer stdin.Close()
		for {
			select {
			case frame, ok := <-frames:
				if !ok {
					return
				}
				if _, err := stdin.Write(frame); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(stdout)
		// a final segment for a long utterance can exceed the default line cap
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var seg execSegment
			if err := json.Unmarshal(line, &seg); err != nil {
				events <- Event{Kind: EventError, Err: fmt.Errorf("decode speech segment: %w", err)}
				break
			}
			events <- Event{Kind: EventSegment, Segment: Segment{Text: seg.Text, Final: seg.Final}}
		}
		err := cmd.Wait()
		if err != nil && ctx.Err() == nil {
			events <- Event{Kind: EventError, Err: fmt.Errorf("speech command failed: %w", err)}
		}
		events <- Event{Kind: EventEnd}
	}()
	return events, nil
}
