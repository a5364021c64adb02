package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
	"github.com/vaanilabs/vaani-engine/internal/config"
)

// execSource shells out to a capture command (arecord, sox, a companion
// helper) that writes raw 16-bit PCM to stdout.
type execSource struct {
	cmd       []string
	frameSize int
	proc      *exec.Cmd
	closeOnce sync.Once
	cancel    context.CancelFunc
}

func NewExecSource(cfg config.CaptureConfig) (Source, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	frameSize := cfg.SampleRate * cfg.Channels * 2 * cfg.FrameDurationMS / 1000
	if frameSize <= 0 {
		return nil, fmt.Errorf("invalid capture frame size")
	}
	return &execSource{cmd: args, frameSize: frameSize}, nil
}

func (s *execSource) Open(ctx context.Context) (<-chan []byte, error) {
	ctx, s.cancel = context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, s.cmd[0], s.cmd[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		s.cancel()
		return nil, mapExecError(err)
	}
	s.proc = cmd

	frames := make(chan []byte, 16)
	go func() {
		defer close(frames)
		defer cmd.Wait()
		for {
			frame := make([]byte, s.frameSize)
			if _, err := io.ReadFull(stdout, frame); err != nil {
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()
	return frames, nil
}

func (s *execSource) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func mapExecError(err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}
