package store

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned for operations on unknown conversation ids.
var ErrNotFound = errors.New("conversation not found")

// Store holds every conversation of the session plus the current selection.
// It is the sole owner of conversation data; callers only ever see copies,
// so a callback firing mid-append cannot observe a half-updated list.
type Store struct {
	mu        sync.RWMutex
	convs     map[string]*Conversation
	currentID string
	titleMax  int
	clock     func() time.Time
}

func New(titleMaxRunes int) *Store {
	return &Store{
		convs:    make(map[string]*Conversation),
		titleMax: titleMaxRunes,
		clock:    time.Now,
	}
}

// CreateConversation adds a new conversation seeded with its first message
// and selects it. An empty title is derived from the first message.
func (s *Store) CreateConversation(title string, first Message) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	if first.ID == "" {
		first.ID = NewID(now)
	}
	if first.Timestamp.IsZero() {
		first.Timestamp = now
	}
	if title == "" {
		title = DeriveTitle(first.Text, first.Image != "", s.titleMax)
	}

	conv := &Conversation{
		ID:           NewID(now),
		Title:        title,
		Messages:     []Message{first},
		CreatedAt:    now,
		LastActivity: now,
	}
	s.convs[conv.ID] = conv
	s.currentID = conv.ID
	return copyConversation(conv)
}

// AppendMessage adds a message to an existing conversation and bumps its
// recency. Appending to an unknown id fails with ErrNotFound.
func (s *Store) AppendMessage(conversationID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return ErrNotFound
	}
	now := s.clock().UTC()
	if msg.ID == "" {
		msg.ID = NewID(now)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	conv.Messages = append(conv.Messages, msg)
	conv.LastActivity = now
	return nil
}

// ListByRecency returns conversation copies ordered most recently
// appended-to first, ties broken by creation time descending.
func (s *Store) ListByRecency() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		out = append(out, copyConversation(conv))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Select makes the given conversation current.
func (s *Store) Select(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[conversationID]; !ok {
		return ErrNotFound
	}
	s.currentID = conversationID
	return nil
}

// ClearSelection leaves the store with no current conversation.
func (s *Store) ClearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentID = ""
}

// CurrentID returns the selected conversation id, or "" when none is selected.
func (s *Store) CurrentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID
}

// Current returns a copy of the selected conversation.
func (s *Store) Current() (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[s.currentID]
	if !ok {
		return Conversation{}, false
	}
	return copyConversation(conv), true
}

// Get returns a copy of the conversation with the given id.
func (s *Store) Get(conversationID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, false
	}
	return copyConversation(conv), true
}

// LoadHistory seeds the store from the remote history endpoint. Existing
// entries with the same id are replaced, never duplicated. The selection is
// left untouched.
func (s *Store) LoadHistory(convs []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conv := range convs {
		c := conv
		if c.LastActivity.IsZero() {
			c.LastActivity = c.CreatedAt
			if n := len(c.Messages); n > 0 {
				c.LastActivity = c.Messages[n-1].Timestamp
			}
		}
		c.Messages = append([]Message(nil), conv.Messages...)
		s.convs[c.ID] = &c
	}
}

func copyConversation(conv *Conversation) Conversation {
	out := *conv
	out.Messages = append([]Message(nil), conv.Messages...)
	return out
}
