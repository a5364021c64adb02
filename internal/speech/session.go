package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vaanilabs/vaani-engine/internal/bus"
	"github.com/vaanilabs/vaani-engine/internal/capture"
	"github.com/vaanilabs/vaani-engine/internal/config"
	"github.com/vaanilabs/vaani-engine/internal/protocol"
)

// State is the speech session lifecycle state. There is exactly one
// authoritative state; every transition happens under the session lock,
// synchronously with respect to its triggering event.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateListening
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Session drives one microphone listening episode at a time: capture
// acquisition, recognition events, transcript accumulation and the silence
// watchdog. Transcript state is scoped to an episode and reset on Start.
type Session struct {
	cfg      config.SpeechConfig
	resource *capture.Resource
	rec      Recognizer
	bus      *bus.Client
	logger   *slog.Logger
	silence  time.Duration

	mu           sync.Mutex
	state        State
	epoch        uint64
	language     string
	finals       []string
	interim      string
	watchdog     *time.Timer
	handle       *capture.Handle
	cancelListen context.CancelFunc
	sessionID    string

	// onStopped is invoked, holding the session lock, when the session stops
	// because of a reported condition. It must not call back into Session.
	onStopped func(err error)
}

func NewSession(cfg config.SpeechConfig, resource *capture.Resource, rec Recognizer, busClient *bus.Client, logger *slog.Logger) *Session {
	return &Session{
		cfg:      cfg,
		resource: resource,
		rec:      rec,
		bus:      busClient,
		logger:   logger.With(slog.String("component", "speech")),
		silence:  time.Duration(cfg.SilenceTimeoutMS) * time.Millisecond,
		language: cfg.Language,
	}
}

// OnStopped registers the reported-condition callback.
func (s *Session) OnStopped(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStopped = fn
}

// SetLanguage changes the recognition language. Takes effect on the next
// Start, never retroactively mid-session.
func (s *Session) SetLanguage(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.language = tag
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns the live transcript: the concatenation of every
// finalized segment seen this episode plus the current interim segment.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcriptLocked()
}

func (s *Session) transcriptLocked() string {
	return strings.Join(s.finals, "") + s.interim
}

// ConsumeTranscript returns the live transcript and resets it. Once speech
// has been composed into a turn it cannot be sent again from leftovers.
func (s *Session) ConsumeTranscript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.transcriptLocked()
	s.finals = nil
	s.interim = ""
	return text
}

// Start begins a listening episode. Calling Start while one is running
// tears the previous episode down first, so a restart never acquires the
// capture device twice.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec == nil {
		return ErrUnsupported
	}
	if s.state != StateIdle {
		s.stopLocked(nil)
	}

	s.state = StateStarting
	s.epoch++
	epoch := s.epoch
	s.finals = nil
	s.interim = ""
	s.sessionID = fmt.Sprintf("listen-%d", epoch)

	listenCtx, cancel := context.WithCancel(ctx)
	handle, err := s.resource.Acquire(listenCtx, s.sessionID)
	if err != nil {
		cancel()
		s.state = StateIdle
		return err
	}

	events, err := s.rec.Listen(listenCtx, s.language, handle.Frames())
	if err != nil {
		cancel()
		handle.Release()
		s.state = StateIdle
		return fmt.Errorf("%w: %v", ErrRecognitionFailed, err)
	}

	s.handle = handle
	s.cancelListen = cancel
	s.state = StateListening
	s.watchdog = time.AfterFunc(s.silence, func() { s.watchdogFire(epoch) })
	s.publishState()

	go s.pump(epoch, events)

	s.logger.Info("listening started",
		slog.String("session_id", s.sessionID),
		slog.String("language", s.language))
	return nil
}

// Stop ends the current episode. Idempotent from any state; always releases
// the capture resource.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(nil)
}

func (s *Session) pump(epoch uint64, events <-chan Event) {
	for ev := range events {
		s.handleEvent(epoch, ev)
	}
}

func (s *Session) handleEvent(epoch uint64, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch || s.state != StateListening {
		// event from a torn-down episode
		return
	}

	switch ev.Kind {
	case EventSegment:
		s.watchdog.Reset(s.silence)
		if ev.Segment.Final {
			s.finals = append(s.finals, ev.Segment.Text)
			s.interim = ""
		} else if s.cfg.InterimResults {
			s.interim = ev.Segment.Text
		} else {
			return
		}
		s.publishTranscript(true)
	case EventError:
		if errors.Is(ev.Err, context.Canceled) {
			return
		}
		s.stopLocked(fmt.Errorf("%w: %v", ErrRecognitionFailed, ev.Err))
	case EventEnd:
		s.stopLocked(nil)
	}
}

func (s *Session) watchdogFire(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch || s.state != StateListening {
		return
	}
	s.logger.Info("silence watchdog fired", slog.String("session_id", s.sessionID))
	s.stopLocked(nil)
}

func (s *Session) stopLocked(reason error) {
	if s.state == StateIdle {
		return
	}
	s.state = StateStopping

	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	if s.cancelListen != nil {
		s.cancelListen()
		s.cancelListen = nil
	}
	if s.handle != nil {
		s.handle.Release()
		s.handle = nil
	}

	s.state = StateIdle
	if s.transcriptLocked() != "" {
		s.publishTranscript(false)
	}
	s.publishState()

	if reason != nil {
		s.logger.Warn("listening stopped with error", slogError(reason))
		if s.onStopped != nil {
			s.onStopped(reason)
		}
	}
}

func (s *Session) publishTranscript(partial bool) {
	subject := protocol.SubjectTranscriptFinal
	if partial {
		subject = protocol.SubjectTranscriptPartial
	}
	s.bus.PublishJSON(subject, protocol.TranscriptUpdate{
		SessionID: s.sessionID,
		Text:      s.transcriptLocked(),
		Partial:   partial,
		Language:  s.language,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Session) publishState() {
	s.bus.PublishJSON(protocol.SubjectSessionState, protocol.SessionState{
		SessionID: s.sessionID,
		State:     s.state.String(),
		Timestamp: time.Now().UTC(),
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
