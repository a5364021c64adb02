package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Origin marks which side of the conversation produced a message.
type Origin string

const (
	OriginUser      Origin = "user"
	OriginAssistant Origin = "assistant"
)

// MediaRefs is a list of external media links. The chat service historically
// returned either a single string or a list for these, so decoding accepts
// both and normalizes to a list.
type MediaRefs []string

func (m *MediaRefs) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*m = nil
			return nil
		}
		*m = MediaRefs{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*m = MediaRefs(list)
	return nil
}

// Message is one immutable conversation entry. It is never mutated after
// being appended to a conversation.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Origin    Origin    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
	Image     string    `json:"image,omitempty"`
	Media     MediaRefs `json:"media,omitempty"`
	Sources   string    `json:"sources,omitempty"`
}

// Conversation is an append-only ordered message sequence.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

var idSeq atomic.Uint64

// NewID derives a unique identifier from a creation time. The sequence
// suffix keeps ids unique when two are minted in the same millisecond.
func NewID(t time.Time) string {
	return fmt.Sprintf("%d-%d", t.UnixMilli(), idSeq.Add(1))
}

// DeriveTitle produces a conversation title from the first turn: the leading
// text truncated to maxRunes with an ellipsis, or a placeholder when the
// first turn carries only an image.
func DeriveTitle(firstText string, hasImage bool, maxRunes int) string {
	text := strings.TrimSpace(firstText)
	if text == "" {
		if hasImage {
			return "Image query"
		}
		return "New conversation"
	}
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	return string(runes[:maxRunes]) + "..."
}
