package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vaanilabs/vaani-engine/internal/config"
	"github.com/vaanilabs/vaani-engine/internal/store"
)

// ErrTransportFailed covers network faults, non-2xx statuses and malformed
// bodies. The transport never retries; the caller decides whether the user
// may resend.
var ErrTransportFailed = errors.New("chat transport failed")

// Turn is one composed outbound unit: text and/or encoded image plus its
// routing context.
type Turn struct {
	Text           string
	Image          string
	Language       string
	UserID         string
	ConversationID string
}

type chatRequest struct {
	Message        string `json:"message"`
	Image          string `json:"image,omitempty"`
	Language       string `json:"language"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId,omitempty"`
}

type chatResponse struct {
	Response string          `json:"response"`
	Youtube  store.MediaRefs `json:"youtube,omitempty"`
	Sources  string          `json:"sources,omitempty"`
}

type historyMessage struct {
	ID        string          `json:"id"`
	Text      string          `json:"text"`
	IsUser    bool            `json:"isUser"`
	Timestamp time.Time       `json:"timestamp"`
	Youtube   store.MediaRefs `json:"youtube,omitempty"`
	Image     string          `json:"image,omitempty"`
}

type historyConversation struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	CreatedAt time.Time        `json:"createdAt"`
	Messages  []historyMessage `json:"messages"`
}

// Client talks to the remote chat service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(cfg config.ChatConfig, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		},
		logger: logger.With(slog.String("component", "chat-transport")),
	}
}

// Send issues one chat request and maps the reply into an assistant message.
func (c *Client) Send(ctx context.Context, turn Turn) (store.Message, error) {
	payload := chatRequest{
		Message:        turn.Text,
		Image:          turn.Image,
		Language:       turn.Language,
		UserID:         turn.UserID,
		ConversationID: turn.ConversationID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return store.Message{}, fmt.Errorf("%w: encode request: %v", ErrTransportFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return store.Message{}, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return store.Message{}, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return store.Message{}, fmt.Errorf("%w: status %s", ErrTransportFailed, resp.Status)
	}

	var reply chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return store.Message{}, fmt.Errorf("%w: decode response: %v", ErrTransportFailed, err)
	}

	now := time.Now().UTC()
	return store.Message{
		ID:        store.NewID(now),
		Text:      reply.Response,
		Origin:    store.OriginAssistant,
		Timestamp: now,
		Media:     reply.Youtube,
		Sources:   reply.Sources,
	}, nil
}

// History fetches the user's conversations from the remote service and maps
// them into store conversations, normalizing single-or-list media refs.
func (c *Client) History(ctx context.Context, userID string) ([]store.Conversation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/conversations/"+userID, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %s", ErrTransportFailed, resp.Status)
	}

	var wire []historyConversation
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: decode history: %v", ErrTransportFailed, err)
	}

	convs := make([]store.Conversation, 0, len(wire))
	for _, hc := range wire {
		conv := store.Conversation{
			ID:        hc.ID,
			Title:     hc.Title,
			CreatedAt: hc.CreatedAt,
		}
		for _, hm := range hc.Messages {
			origin := store.OriginAssistant
			if hm.IsUser {
				origin = store.OriginUser
			}
			conv.Messages = append(conv.Messages, store.Message{
				ID:        hm.ID,
				Text:      hm.Text,
				Origin:    origin,
				Timestamp: hm.Timestamp,
				Media:     hm.Youtube,
				Image:     hm.Image,
			})
		}
		convs = append(convs, conv)
	}
	return convs, nil
}
