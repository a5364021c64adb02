package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vaanilabs/vaani-engine/internal/attachment"
	"github.com/vaanilabs/vaani-engine/internal/capability"
	"github.com/vaanilabs/vaani-engine/internal/capture"
	"github.com/vaanilabs/vaani-engine/internal/config"
	"github.com/vaanilabs/vaani-engine/internal/speech"
	"github.com/vaanilabs/vaani-engine/internal/store"
	"github.com/vaanilabs/vaani-engine/internal/transport"
)

type stubSource struct {
	frames chan []byte
	once   sync.Once
}

func (s *stubSource) Open(ctx context.Context) (<-chan []byte, error) {
	return s.frames, nil
}

func (s *stubSource) Close() {
	s.once.Do(func() { close(s.frames) })
}

type fakeChat struct {
	mu      sync.Mutex
	turns   []transport.Turn
	reply   store.Message
	err     error
	release chan struct{}
	history []store.Conversation
	histErr error
}

func (f *fakeChat) Send(ctx context.Context, turn transport.Turn) (store.Message, error) {
	f.mu.Lock()
	f.turns = append(f.turns, turn)
	release := f.release
	reply, err := f.reply, f.err
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return store.Message{}, ctx.Err()
		}
	}
	if err != nil {
		return store.Message{}, err
	}
	now := time.Now().UTC()
	reply.ID = store.NewID(now)
	reply.Origin = store.OriginAssistant
	reply.Timestamp = now
	return reply, nil
}

func (f *fakeChat) History(ctx context.Context, userID string) ([]store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, f.histErr
}

func (f *fakeChat) sentTurns() []transport.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Turn, len(f.turns))
	copy(out, f.turns)
	return out
}

type testRig struct {
	ctrl   *Controller
	chat   *fakeChat
	res    *capture.Resource
	frames chan []byte
}

func newTestRig(t *testing.T, chat *fakeChat) *testRig {
	t.Helper()

	cfg := config.Default()
	cfg.Capture.Mode = "mock"
	cfg.Speech.Mode = "mock"
	cfg.Speech.InterimResults = true
	cfg.Chat.TimeoutMS = 2000
	cfg.Chat.UserID = "u-test"

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

	res, err := capture.NewResource(cfg.Capture, nil, logger)
	if err != nil {
		t.Fatalf("new resource: %v", err)
	}
	frames := make(chan []byte, 16)
	res.WithSourceFactory(func() (capture.Source, error) {
		return &stubSource{frames: frames}, nil
	})

	sess := speech.NewSession(cfg.Speech, res, speech.NewMockRecognizer(), nil, logger)
	validator := attachment.NewValidator(cfg.Attachment.MaxBytes)
	avail := capability.Availability{Capture: true, Recognition: true}

	ctrl := NewController(context.Background(), cfg, nil, store.New(cfg.Store.TitleMaxRunes), chat, sess, validator, nil, avail, logger)
	t.Cleanup(ctrl.Close)

	return &testRig{ctrl: ctrl, chat: chat, res: res, frames: frames}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func pngPayload() []byte {
	header := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	return append(header, make([]byte, 256)...)
}

func TestSendRequiresContent(t *testing.T) {
	rig := newTestRig(t, &fakeChat{})
	if err := rig.ctrl.Send("   "); !errors.Is(err, ErrEmptyTurn) {
		t.Fatalf("expected ErrEmptyTurn, got %v", err)
	}
	if len(rig.ctrl.Conversations()) != 0 {
		t.Fatalf("empty turn must not create a conversation")
	}
}

func TestSendAppendsUserThenReply(t *testing.T) {
	chat := &fakeChat{reply: store.Message{Text: "Rotate your crops."}}
	rig := newTestRig(t, chat)

	if err := rig.ctrl.Send("How do I stop soil depletion?"); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, func() bool {
		conv, ok := rig.ctrl.Store().Current()
		return ok && len(conv.Messages) == 2
	}, "assistant reply")

	conv, _ := rig.ctrl.Store().Current()
	if conv.Messages[0].Origin != store.OriginUser || conv.Messages[1].Origin != store.OriginAssistant {
		t.Fatalf("unexpected origins: %v %v", conv.Messages[0].Origin, conv.Messages[1].Origin)
	}
	if conv.Messages[1].Text != "Rotate your crops." {
		t.Fatalf("unexpected reply %q", conv.Messages[1].Text)
	}
	if conv.Title != "How do I stop soil depletion?" {
		t.Fatalf("unexpected title %q", conv.Title)
	}
}

func TestTransportFailureKeepsUserMessage(t *testing.T) {
	chat := &fakeChat{err: transport.ErrTransportFailed}
	rig := newTestRig(t, chat)

	if err := rig.ctrl.Send("hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	rig.ctrl.Close()

	conv, ok := rig.ctrl.Store().Current()
	if !ok {
		t.Fatalf("expected a conversation")
	}
	if len(conv.Messages) != 1 {
		t.Fatalf("expected only the user message, got %d messages", len(conv.Messages))
	}
	if conv.Messages[0].Origin != store.OriginUser || conv.Messages[0].Text != "hello" {
		t.Fatalf("user message not retained: %+v", conv.Messages[0])
	}
}

func TestStaleReplyDiscardedAfterNewSession(t *testing.T) {
	chat := &fakeChat{reply: store.Message{Text: "late"}, release: make(chan struct{})}
	rig := newTestRig(t, chat)

	if err := rig.ctrl.Send("first question"); err != nil {
		t.Fatalf("send: %v", err)
	}
	convID := rig.ctrl.Store().CurrentID()
	if convID == "" {
		t.Fatalf("expected a selected conversation")
	}

	rig.ctrl.NewSession()
	close(chat.release)
	rig.ctrl.Close()

	conv, ok := rig.ctrl.Store().Get(convID)
	if !ok {
		t.Fatalf("original conversation missing")
	}
	if len(conv.Messages) != 1 {
		t.Fatalf("stale reply must be discarded, got %d messages", len(conv.Messages))
	}
	if rig.ctrl.Store().CurrentID() != "" {
		t.Fatalf("new session must clear the selection")
	}
}

func TestStaleReplyDiscardedAfterSwitch(t *testing.T) {
	chat := &fakeChat{reply: store.Message{Text: "late"}, release: make(chan struct{})}
	rig := newTestRig(t, chat)

	rig.ctrl.Store().LoadHistory([]store.Conversation{{
		ID:        "other",
		Title:     "Other",
		CreatedAt: time.Now().UTC(),
	}})

	if err := rig.ctrl.Send("first question"); err != nil {
		t.Fatalf("send: %v", err)
	}
	convID := rig.ctrl.Store().CurrentID()

	if err := rig.ctrl.SelectConversation("other"); err != nil {
		t.Fatalf("select: %v", err)
	}
	close(chat.release)
	rig.ctrl.Close()

	conv, _ := rig.ctrl.Store().Get(convID)
	if len(conv.Messages) != 1 {
		t.Fatalf("stale reply leaked into abandoned conversation")
	}
	other, _ := rig.ctrl.Store().Get("other")
	if len(other.Messages) != 0 {
		t.Fatalf("stale reply leaked into selected conversation")
	}
}

func TestAttachImageRejectsNonImage(t *testing.T) {
	rig := newTestRig(t, &fakeChat{})
	err := rig.ctrl.AttachImage("notes.txt", []byte("just some text, definitely not pixels"))
	if !errors.Is(err, attachment.ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
	if _, ok := rig.ctrl.StagedAttachment(); ok {
		t.Fatalf("rejected attachment must not be staged")
	}
}

func TestSendComposesStagedImage(t *testing.T) {
	chat := &fakeChat{reply: store.Message{Text: "Looks like leaf rust."}}
	rig := newTestRig(t, chat)

	if err := rig.ctrl.AttachImage("leaf.png", pngPayload()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := rig.ctrl.Send("what is wrong with this plant"); err != nil {
		t.Fatalf("send: %v", err)
	}
	rig.ctrl.Close()

	turns := rig.chat.sentTurns()
	if len(turns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(turns))
	}
	if !strings.HasPrefix(turns[0].Image, "data:image/png") {
		t.Fatalf("turn image not a data url: %.40q", turns[0].Image)
	}
	conv, _ := rig.ctrl.Store().Current()
	if conv.Messages[0].Image == "" {
		t.Fatalf("user message should carry the image")
	}
	if _, ok := rig.ctrl.StagedAttachment(); ok {
		t.Fatalf("staged attachment must be consumed by send")
	}
}

func TestImageOnlySendUsesPlaceholderTitle(t *testing.T) {
	chat := &fakeChat{reply: store.Message{Text: "ok"}}
	rig := newTestRig(t, chat)

	if err := rig.ctrl.AttachImage("leaf.png", pngPayload()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := rig.ctrl.Send(""); err != nil {
		t.Fatalf("image-only send should succeed, got %v", err)
	}
	conv, ok := rig.ctrl.Store().Current()
	if !ok {
		t.Fatalf("expected a conversation")
	}
	if conv.Title != "Image query" {
		t.Fatalf("unexpected title %q", conv.Title)
	}
}

func TestSendFallsBackToTranscript(t *testing.T) {
	chat := &fakeChat{reply: store.Message{Text: "ok"}}
	rig := newTestRig(t, chat)

	if err := rig.ctrl.StartListening(); err != nil {
		t.Fatalf("start listening: %v", err)
	}
	rig.frames <- make([]byte, 16000)
	waitFor(t, func() bool { return rig.ctrl.Transcript() != "" }, "interim transcript")
	spoken := rig.ctrl.Transcript()

	if err := rig.ctrl.Send(""); err != nil {
		t.Fatalf("send: %v", err)
	}
	rig.ctrl.Close()

	turns := rig.chat.sentTurns()
	if len(turns) != 1 || turns[0].Text != spoken {
		t.Fatalf("expected turn text %q, got %+v", spoken, turns)
	}
}

func TestTranscriptNotResentOnSecondSend(t *testing.T) {
	chat := &fakeChat{reply: store.Message{Text: "ok"}}
	rig := newTestRig(t, chat)

	if err := rig.ctrl.StartListening(); err != nil {
		t.Fatalf("start listening: %v", err)
	}
	rig.frames <- make([]byte, 16000)
	waitFor(t, func() bool { return rig.ctrl.Transcript() != "" }, "interim transcript")

	if err := rig.ctrl.Send(""); err != nil {
		t.Fatalf("voice send: %v", err)
	}
	if err := rig.ctrl.Send(""); !errors.Is(err, ErrEmptyTurn) {
		t.Fatalf("second empty send must fail, got %v", err)
	}
	rig.ctrl.Close()

	if turns := rig.chat.sentTurns(); len(turns) != 1 {
		t.Fatalf("spoken turn dispatched %d times", len(turns))
	}
}

func TestNewSessionStopsListening(t *testing.T) {
	rig := newTestRig(t, &fakeChat{})

	if err := rig.ctrl.StartListening(); err != nil {
		t.Fatalf("start listening: %v", err)
	}
	waitFor(t, rig.res.Acquired, "capture acquired")

	rig.ctrl.NewSession()
	waitFor(t, func() bool { return !rig.res.Acquired() }, "capture released")
}

func TestSelectConversationNotFound(t *testing.T) {
	rig := newTestRig(t, &fakeChat{})
	if err := rig.ctrl.SelectConversation("no-such"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadHistorySeedsStore(t *testing.T) {
	chat := &fakeChat{history: []store.Conversation{
		{ID: "c1", Title: "Pests", CreatedAt: time.Now().UTC()},
	}}
	rig := newTestRig(t, chat)

	if err := rig.ctrl.LoadHistory(context.Background()); err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(rig.ctrl.Conversations()) != 1 {
		t.Fatalf("expected 1 conversation after history load")
	}
}
