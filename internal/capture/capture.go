package capture

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vaanilabs/vaani-engine/internal/bus"
	"github.com/vaanilabs/vaani-engine/internal/config"
	"github.com/vaanilabs/vaani-engine/internal/protocol"
)

// Resource owns the single microphone capture instance. Acquiring while a
// handle is live is rejected; the previous session must release first.
type Resource struct {
	cfg       config.CaptureConfig
	bus       *bus.Client
	logger    *slog.Logger
	newSource func() (Source, error)
	mu        sync.Mutex
	active    *Handle
}

func NewResource(cfg config.CaptureConfig, busClient *bus.Client, logger *slog.Logger) (*Resource, error) {
	r := &Resource{
		cfg:    cfg,
		bus:    busClient,
		logger: logger.With(slog.String("component", "capture")),
	}
	switch cfg.Mode {
	case "exec":
		r.newSource = func() (Source, error) { return NewExecSource(cfg) }
	case "wav":
		r.newSource = func() (Source, error) { return NewWavSource(cfg) }
	case "mock":
		r.newSource = func() (Source, error) { return NewMockSource(cfg), nil }
	default:
		return nil, fmt.Errorf("unsupported capture mode %q", cfg.Mode)
	}
	return r, nil
}

// WithSourceFactory overrides how sources are constructed. Test hook.
func (r *Resource) WithSourceFactory(factory func() (Source, error)) {
	r.newSource = factory
}

// Acquire requests the capture device, builds the level analyser over its
// stream, and starts the per-frame sampling loop.
func (r *Resource) Acquire(ctx context.Context, sessionID string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return nil, ErrAlreadyAcquired
	}

	source, err := r.newSource()
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	frames, err := source.Open(loopCtx)
	if err != nil {
		cancel()
		source.Close()
		return nil, err
	}

	h := &Handle{
		sessionID: sessionID,
		source:    source,
		analyser:  NewAnalyser(r.cfg.FFTSize),
		cancel:    cancel,
		out:       make(chan []byte, 64),
		done:      make(chan struct{}),
		res:       r,
	}
	r.active = h

	interval := time.Duration(r.cfg.LevelEveryMS) * time.Millisecond
	go h.run(frames, interval)

	r.logger.Info("capture acquired", slog.String("session_id", sessionID))
	return h, nil
}

func (r *Resource) detach(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == h {
		r.active = nil
	}
}

// Acquired reports whether a handle is currently live.
func (r *Resource) Acquired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Handle is one live capture episode: the device stream plus its analysis
// loop. Frames are forwarded to consumers until Release.
type Handle struct {
	sessionID string
	source    Source
	analyser  *Analyser
	cancel    context.CancelFunc
	out       chan []byte
	done      chan struct{}
	res       *Resource
	level     atomic.Uint64
	release   sync.Once
}

// Frames exposes the PCM stream for the recognition layer. The channel is
// closed when the handle is released or the source ends.
func (h *Handle) Frames() <-chan []byte {
	return h.out
}

// Level returns the most recent normalized loudness sample in [0,1].
func (h *Handle) Level() float64 {
	return math.Float64frombits(h.level.Load())
}

// Release stops the device stream and the sampling loop. Idempotent: extra
// calls, or a call racing the loop's own exit, are no-ops.
func (h *Handle) Release() {
	h.release.Do(func() {
		h.cancel()
		h.source.Close()
		h.res.detach(h)
		h.res.logger.Info("capture released", slog.String("session_id", h.sessionID))
	})
	<-h.done
}

func (h *Handle) run(frames <-chan []byte, levelEvery time.Duration) {
	defer close(h.done)
	defer close(h.out)

	var lastPublish time.Time
	for frame := range frames {
		level := h.analyser.Level(frame)
		h.level.Store(math.Float64bits(level))

		now := time.Now()
		if now.Sub(lastPublish) >= levelEvery {
			lastPublish = now
			if h.res.bus != nil {
				h.res.bus.PublishJSON(protocol.SubjectLevelFrame, protocol.LevelFrame{
					SessionID: h.sessionID,
					Level:     level,
					Timestamp: now.UTC(),
				})
			}
		}

		select {
		case h.out <- frame:
		default:
			// consumer behind; drop rather than stall the device stream
		}
	}
}
