package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/vaanilabs/vaani-engine/internal/bus"
	"github.com/vaanilabs/vaani-engine/internal/protocol"
)

// Service exposes the controller over the bus so rendering layers drive the
// engine through command subjects instead of in-process calls.
type Service struct {
	bus    *bus.Client
	ctrl   *Controller
	logger *slog.Logger
	subs   []*nats.Subscription
}

func NewService(busClient *bus.Client, ctrl *Controller, logger *slog.Logger) *Service {
	return &Service{
		bus:    busClient,
		ctrl:   ctrl,
		logger: logger.With(slog.String("component", "session-service")),
	}
}

func (s *Service) Start(ctx context.Context) error {
	conn := s.bus.Conn()
	if conn == nil {
		return fmt.Errorf("session service requires a bus connection")
	}

	handlers := map[string]nats.MsgHandler{
		protocol.SubjectCmdListenStart: func(msg *nats.Msg) {
			// errors already surface as notices
			_ = s.ctrl.StartListening()
		},
		protocol.SubjectCmdListenStop: func(msg *nats.Msg) {
			s.ctrl.StopListening()
		},
		protocol.SubjectCmdTurnSend: func(msg *nats.Msg) {
			var cmd protocol.SendCommand
			if !s.decode(msg, &cmd) {
				return
			}
			if err := s.ctrl.Send(cmd.Text); err != nil {
				s.logger.Warn("send command rejected", slogError(err))
			}
		},
		protocol.SubjectCmdAttachmentStage: func(msg *nats.Msg) {
			var cmd protocol.StageAttachmentCommand
			if !s.decode(msg, &cmd) {
				return
			}
			_ = s.ctrl.AttachImage(cmd.Name, cmd.Data)
		},
		protocol.SubjectCmdAttachmentClear: func(msg *nats.Msg) {
			s.ctrl.ClearAttachment()
		},
		protocol.SubjectCmdSessionNew: func(msg *nats.Msg) {
			s.ctrl.NewSession()
		},
		protocol.SubjectCmdConvSelect: func(msg *nats.Msg) {
			var cmd protocol.SelectConversationCommand
			if !s.decode(msg, &cmd) {
				return
			}
			_ = s.ctrl.SelectConversation(cmd.ConversationID)
		},
		protocol.SubjectCmdConvList: func(msg *nats.Msg) {
			convs := s.ctrl.Conversations()
			summaries := make([]protocol.ConversationSummary, 0, len(convs))
			for _, conv := range convs {
				summaries = append(summaries, protocol.ConversationSummary{
					ID:           conv.ID,
					Title:        conv.Title,
					CreatedAt:    conv.CreatedAt,
					LastActivity: conv.LastActivity,
					Messages:     len(conv.Messages),
				})
			}
			s.respond(msg, summaries)
		},
		protocol.SubjectCmdLanguageSet: func(msg *nats.Msg) {
			var cmd protocol.SetLanguageCommand
			if !s.decode(msg, &cmd) {
				return
			}
			s.ctrl.SetLanguage(cmd.Language)
		},
		protocol.SubjectCmdHistoryLoad: func(msg *nats.Msg) {
			if err := s.ctrl.LoadHistory(ctx); err != nil {
				s.logger.Warn("history load failed", slogError(err))
			}
		},
		protocol.SubjectCmdTranscriptGet: func(msg *nats.Msg) {
			s.respond(msg, protocol.TranscriptReply{Text: s.ctrl.Transcript()})
		},
	}

	for subject, handler := range handlers {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			s.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.logger.Info("session service started", slog.Int("subjects", len(handlers)))
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return s.bus.Healthy()
}

func (s *Service) decode(msg *nats.Msg, v any) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		s.logger.Warn("malformed command",
			slog.String("subject", msg.Subject),
			slogError(err))
		return false
	}
	return true
}

func (s *Service) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond", slogError(err))
	}
}
