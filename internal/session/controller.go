package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/vaanilabs/vaani-engine/internal/attachment"
	"github.com/vaanilabs/vaani-engine/internal/bus"
	"github.com/vaanilabs/vaani-engine/internal/capability"
	"github.com/vaanilabs/vaani-engine/internal/capture"
	"github.com/vaanilabs/vaani-engine/internal/config"
	"github.com/vaanilabs/vaani-engine/internal/journal"
	"github.com/vaanilabs/vaani-engine/internal/protocol"
	"github.com/vaanilabs/vaani-engine/internal/speech"
	"github.com/vaanilabs/vaani-engine/internal/store"
	"github.com/vaanilabs/vaani-engine/internal/transport"
)

// ErrEmptyTurn is returned when a send carries neither text nor an image.
var ErrEmptyTurn = errors.New("turn requires text or an image")

// ChatService is the remote exchange the controller drives.
type ChatService interface {
	Send(ctx context.Context, turn transport.Turn) (store.Message, error)
	History(ctx context.Context, userID string) ([]store.Conversation, error)
}

// Controller is the top-level orchestrator: it arbitrates between speech
// capture, attachment staging and the chat exchange, enforcing that a turn
// composes into exactly one outbound request and that stale replies never
// land in the wrong conversation.
type Controller struct {
	cfg       config.Config
	logger    *slog.Logger
	bus       *bus.Client
	store     *store.Store
	chat      ChatService
	speech    *speech.Session
	validator *attachment.Validator
	journal   *journal.Journal
	avail     capability.Availability

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	staged    *attachment.Encoded
	language  string
	userID    string
	sessionID string

	turnsSent         metric.Int64Counter
	transportFailures metric.Int64Counter
	staleReplies      metric.Int64Counter
}

func NewController(parent context.Context, cfg config.Config, busClient *bus.Client, st *store.Store, chat ChatService, speechSession *speech.Session, validator *attachment.Validator, jrnl *journal.Journal, avail capability.Availability, logger *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(parent)
	c := &Controller{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "session-controller")),
		bus:       busClient,
		store:     st,
		chat:      chat,
		speech:    speechSession,
		validator: validator,
		journal:   jrnl,
		avail:     avail,
		ctx:       ctx,
		cancel:    cancel,
		language:  cfg.Chat.Language,
		userID:    cfg.Chat.UserID,
		sessionID: "sess-" + store.NewID(time.Now()),
	}

	if err := c.initMetrics(); err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
	}

	if speechSession != nil {
		speechSession.OnStopped(func(err error) {
			c.notify(categoryFor(err), err.Error())
		})
	}

	if jrnl != nil {
		if err := jrnl.BeginSession(ctx, c.sessionID, c.userID); err != nil {
			c.logger.Warn("failed to begin journal session", slogError(err))
		}
	}

	return c
}

func (c *Controller) initMetrics() error {
	meter := otel.Meter("github.com/vaanilabs/vaani-engine/session")
	var err error
	if c.turnsSent, err = meter.Int64Counter("vaani.turns.sent", metric.WithDescription("Turns submitted to the chat service")); err != nil {
		return err
	}
	if c.transportFailures, err = meter.Int64Counter("vaani.transport.failures", metric.WithDescription("Failed chat exchanges")); err != nil {
		return err
	}
	if c.staleReplies, err = meter.Int64Counter("vaani.replies.stale", metric.WithDescription("Replies discarded after a conversation switch")); err != nil {
		return err
	}
	return nil
}

// Store exposes the conversation store for read-side consumers.
func (c *Controller) Store() *store.Store {
	return c.store
}

// SessionID identifies this engine session in the journal.
func (c *Controller) SessionID() string {
	return c.sessionID
}

// SetLanguage changes the target language for subsequent turns and, on the
// next listening start, for recognition.
func (c *Controller) SetLanguage(tag string) {
	c.mu.Lock()
	c.language = tag
	c.mu.Unlock()
	if c.speech != nil {
		c.speech.SetLanguage(tag)
	}
}

// StartListening begins voice capture. A staged image stays staged: voice
// and image compose into one turn. Restarting while already listening tears
// the previous capture down first.
func (c *Controller) StartListening() error {
	if !c.avail.Recognition {
		err := speech.ErrUnsupported
		c.notify(protocol.NoticeUnsupported, c.avail.Reason)
		return err
	}
	if err := c.speech.Start(c.ctx); err != nil {
		c.notify(categoryFor(err), err.Error())
		return err
	}
	return nil
}

// StopListening ends voice capture. Safe to call in any state.
func (c *Controller) StopListening() {
	c.speech.Stop()
}

// Transcript returns the live transcript of the current or most recent
// listening episode.
func (c *Controller) Transcript() string {
	return c.speech.Transcript()
}

// AttachImage validates and stages an image for the next turn. Failures
// surface as a notice and leave conversation state untouched.
func (c *Controller) AttachImage(name string, data []byte) error {
	enc, err := c.validator.Validate(c.ctx, name, data)
	if err != nil {
		c.notify(categoryFor(err), err.Error())
		return err
	}
	c.mu.Lock()
	c.staged = &enc
	c.mu.Unlock()
	c.logger.Info("attachment staged",
		slog.String("name", enc.Name),
		slog.String("mime", enc.MIME),
		slog.Int64("size", enc.Size))
	return nil
}

// ClearAttachment drops the staged image, if any.
func (c *Controller) ClearAttachment() {
	c.mu.Lock()
	c.staged = nil
	c.mu.Unlock()
}

// StagedAttachment returns a copy of the staged image.
func (c *Controller) StagedAttachment() (attachment.Encoded, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.staged == nil {
		return attachment.Encoded{}, false
	}
	return *c.staged, true
}

// Send composes a turn from the given text (falling back to the live
// transcript) plus any staged image, optimistically appends the user
// message, and dispatches the exchange. A conversation is created lazily
// when none is selected.
func (c *Controller) Send(text string) error {
	c.speech.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	text = strings.TrimSpace(text)
	fromTranscript := false
	if text == "" {
		text = strings.TrimSpace(c.speech.ConsumeTranscript())
		fromTranscript = text != ""
	}
	image := ""
	if c.staged != nil {
		image = c.staged.DataURL
	}
	if text == "" && image == "" {
		return ErrEmptyTurn
	}
	c.staged = nil

	userMsg := store.Message{Text: text, Origin: store.OriginUser, Image: image}
	convID := c.store.CurrentID()
	if convID == "" {
		conv := c.store.CreateConversation("", userMsg)
		convID = conv.ID
		userMsg = conv.Messages[0]
	} else {
		if err := c.store.AppendMessage(convID, userMsg); err != nil {
			c.notify(protocol.NoticeNotFound, "conversation no longer exists")
			return err
		}
		conv, _ := c.store.Get(convID)
		userMsg = conv.Messages[len(conv.Messages)-1]
	}

	c.publishAppended(convID, userMsg)
	if fromTranscript {
		c.record(journal.Entry{
			SessionID:      c.sessionID,
			ConversationID: convID,
			Type:           journal.EntryTranscriptFinal,
			Payload:        []byte(text),
		})
	}
	c.record(journal.Entry{
		SessionID:      c.sessionID,
		ConversationID: convID,
		Type:           journal.EntryTurnSent,
		Payload:        []byte(text),
	})
	if c.turnsSent != nil {
		c.turnsSent.Add(c.ctx, 1)
	}

	turn := transport.Turn{
		Text:           text,
		Image:          image,
		Language:       c.language,
		UserID:         c.userID,
		ConversationID: convID,
	}
	c.wg.Add(1)
	go c.deliver(turn)
	return nil
}

// deliver completes one exchange. The turn is tagged with its originating
// conversation; a result whose tag no longer matches the current selection
// is discarded, whatever its outcome.
func (c *Controller) deliver(turn transport.Turn) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, time.Duration(c.cfg.Chat.TimeoutMS)*time.Millisecond)
	defer cancel()

	reply, err := c.chat.Send(ctx, turn)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store.CurrentID() != turn.ConversationID {
		c.logger.Info("discarding stale reply", slog.String("conversation_id", turn.ConversationID))
		if c.staleReplies != nil {
			c.staleReplies.Add(c.ctx, 1)
		}
		c.record(journal.Entry{
			SessionID:      c.sessionID,
			ConversationID: turn.ConversationID,
			Type:           journal.EntryReplyDiscarded,
		})
		return
	}

	if err != nil {
		c.logger.Warn("chat exchange failed", slogError(err))
		if c.transportFailures != nil {
			c.transportFailures.Add(c.ctx, 1)
		}
		c.notify(protocol.NoticeTransportFailed, "could not reach the assistant; your message was kept")
		return
	}

	if err := c.store.AppendMessage(turn.ConversationID, reply); err != nil {
		c.notify(protocol.NoticeNotFound, "conversation no longer exists")
		return
	}
	c.publishAppended(turn.ConversationID, reply)
	c.record(journal.Entry{
		SessionID:      c.sessionID,
		ConversationID: turn.ConversationID,
		Type:           journal.EntryReplyReceived,
		Payload:        []byte(reply.Text),
	})
}

// NewSession clears the selection and forces speech stop and capture
// release regardless of current state. The next send starts a fresh
// conversation.
func (c *Controller) NewSession() {
	c.speech.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.staged = nil
	c.store.ClearSelection()
}

// SelectConversation performs the same forced cleanup before switching.
func (c *Controller) SelectConversation(conversationID string) error {
	c.speech.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.staged = nil
	if err := c.store.Select(conversationID); err != nil {
		c.notify(protocol.NoticeNotFound, "conversation not found")
		return err
	}
	return nil
}

// Conversations lists conversations most recently active first.
func (c *Controller) Conversations() []store.Conversation {
	return c.store.ListByRecency()
}

// LoadHistory seeds the store from the remote history endpoint.
func (c *Controller) LoadHistory(ctx context.Context) error {
	convs, err := c.chat.History(ctx, c.userID)
	if err != nil {
		c.notify(protocol.NoticeTransportFailed, "could not load conversation history")
		return err
	}
	c.store.LoadHistory(convs)
	c.logger.Info("history loaded", slog.Int("conversations", len(convs)))
	return nil
}

// Close stops capture and waits for in-flight exchanges to settle.
func (c *Controller) Close() {
	c.speech.Stop()
	c.cancel()
	c.wg.Wait()
}

func (c *Controller) publishAppended(conversationID string, msg store.Message) {
	c.bus.PublishJSON(protocol.SubjectMessageAppended, protocol.MessageAppended{
		ConversationID: conversationID,
		MessageID:      msg.ID,
		Origin:         string(msg.Origin),
		Text:           msg.Text,
		Timestamp:      msg.Timestamp,
	})
}

func (c *Controller) notify(category, description string) {
	c.logger.Warn("session notice",
		slog.String("category", category),
		slog.String("description", description))
	c.bus.PublishJSON(protocol.SubjectNotice, protocol.Notice{
		Category:    category,
		Description: description,
		Timestamp:   time.Now().UTC(),
	})
	c.record(journal.Entry{
		SessionID: c.sessionID,
		Type:      journal.EntryNotice,
		Payload:   []byte(category + ": " + description),
	})
}

func (c *Controller) record(e journal.Entry) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Record(c.ctx, e); err != nil {
		c.logger.Warn("journal record failed", slogError(err))
	}
}

func categoryFor(err error) string {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return protocol.NoticePermissionDenied
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return protocol.NoticePermissionDenied
	case errors.Is(err, speech.ErrUnsupported):
		return protocol.NoticeUnsupported
	case errors.Is(err, speech.ErrRecognitionFailed):
		return protocol.NoticeRecognitionFailed
	case errors.Is(err, attachment.ErrInvalidType):
		return protocol.NoticeInvalidType
	case errors.Is(err, attachment.ErrTooLarge):
		return protocol.NoticeTooLarge
	case errors.Is(err, attachment.ErrEncodingFailed):
		return protocol.NoticeEncodingFailed
	case errors.Is(err, transport.ErrTransportFailed):
		return protocol.NoticeTransportFailed
	case errors.Is(err, store.ErrNotFound):
		return protocol.NoticeNotFound
	default:
		return protocol.NoticeRecognitionFailed
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
