package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/vaanilabs/vaani-engine/internal/config"
)

// wavSource replays a WAV file as a paced frame stream. Used for development
// and soak testing without a physical microphone.
type wavSource struct {
	path      string
	frameLen  int // samples per frame
	pace      time.Duration
	file      *os.File
	closeOnce sync.Once
	cancel    context.CancelFunc
}

func NewWavSource(cfg config.CaptureConfig) (Source, error) {
	frameLen := cfg.SampleRate * cfg.Channels * cfg.FrameDurationMS / 1000
	if frameLen <= 0 {
		return nil, fmt.Errorf("invalid capture frame size")
	}
	return &wavSource{
		path:     cfg.Path,
		frameLen: frameLen,
		pace:     time.Duration(cfg.FrameDurationMS) * time.Millisecond,
	}, nil
}

func (s *wavSource) Open(ctx context.Context) (<-chan []byte, error) {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		file.Close()
		return nil, fmt.Errorf("%w: not a wav file", ErrDeviceUnavailable)
	}
	s.file = file
	ctx, s.cancel = context.WithCancel(ctx)

	frames := make(chan []byte, 16)
	go func() {
		defer close(frames)
		defer file.Close()

		buf := &audio.IntBuffer{
			Format: &audio.Format{NumChannels: int(decoder.NumChans), SampleRate: int(decoder.SampleRate)},
			Data:   make([]int, s.frameLen),
		}
		ticker := time.NewTicker(s.pace)
		defer ticker.Stop()
		for {
			n, err := decoder.PCMBuffer(buf)
			if err != nil || n == 0 {
				return
			}
			frame := make([]byte, n*2)
			for i := 0; i < n; i++ {
				binary.LittleEndian.PutUint16(frame[i*2:], uint16(int16(buf.Data[i])))
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return frames, nil
}

func (s *wavSource) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}
