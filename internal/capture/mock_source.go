package capture

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/vaanilabs/vaani-engine/internal/config"
)

// mockSource synthesizes a low-amplitude tone so the level loop and the
// recognition path can run without any device.
type mockSource struct {
	frameLen   int
	sampleRate int
	pace       time.Duration
	closeOnce  sync.Once
	cancel     context.CancelFunc
}

func NewMockSource(cfg config.CaptureConfig) Source {
	return &mockSource{
		frameLen:   cfg.SampleRate * cfg.Channels * cfg.FrameDurationMS / 1000,
		sampleRate: cfg.SampleRate,
		pace:       time.Duration(cfg.FrameDurationMS) * time.Millisecond,
	}
}

func (s *mockSource) Open(ctx context.Context) (<-chan []byte, error) {
	ctx, s.cancel = context.WithCancel(ctx)
	frames := make(chan []byte, 16)
	go func() {
		defer close(frames)
		ticker := time.NewTicker(s.pace)
		defer ticker.Stop()
		phase := 0
		for {
			frame := make([]byte, s.frameLen*2)
			for i := 0; i < s.frameLen; i++ {
				sample := int16(3000 * math.Sin(2*math.Pi*440*float64(phase+i)/float64(s.sampleRate)))
				binary.LittleEndian.PutUint16(frame[i*2:], uint16(sample))
			}
			phase += s.frameLen
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

func (s *mockSource) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}
