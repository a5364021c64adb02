package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vaanilabs/vaani-engine/internal/config"
	"github.com/vaanilabs/vaani-engine/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(baseURL string) *Client {
	return NewClient(config.ChatConfig{BaseURL: baseURL, TimeoutMS: 2000}, discardLogger())
}

func TestSendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["message"] != "How to treat leaf blight?" {
			t.Errorf("unexpected message %v", req["message"])
		}
		if req["conversationId"] != "conv-9" {
			t.Errorf("unexpected conversation id %v", req["conversationId"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"response": "Use a copper fungicide.",
			"youtube":  "https://youtu.be/abc",
			"sources":  "Handbook ch. 3",
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	msg, err := c.Send(context.Background(), Turn{
		Text:           "How to treat leaf blight?",
		Language:       "en",
		UserID:         "u1",
		ConversationID: "conv-9",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Origin != store.OriginAssistant {
		t.Fatalf("expected assistant origin, got %v", msg.Origin)
	}
	if msg.Text != "Use a copper fungicide." {
		t.Fatalf("unexpected reply text %q", msg.Text)
	}
	if len(msg.Media) != 1 || msg.Media[0] != "https://youtu.be/abc" {
		t.Fatalf("expected normalized single youtube ref, got %v", msg.Media)
	}
	if msg.Sources != "Handbook ch. 3" {
		t.Fatalf("unexpected sources %q", msg.Sources)
	}
}

func TestSendYoutubeList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"response": "ok",
			"youtube":  []string{"a", "b"},
		})
	}))
	defer srv.Close()

	msg, err := newTestClient(srv.URL).Send(context.Background(), Turn{Text: "q", UserID: "u1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(msg.Media) != 2 {
		t.Fatalf("expected 2 media refs, got %v", msg.Media)
	}
}

func TestSendNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).Send(context.Background(), Turn{Text: "q", UserID: "u1"}); !errors.Is(err, ErrTransportFailed) {
		t.Fatalf("expected ErrTransportFailed, got %v", err)
	}
}

func TestSendMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "{not json")
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).Send(context.Background(), Turn{Text: "q", UserID: "u1"}); !errors.Is(err, ErrTransportFailed) {
		t.Fatalf("expected ErrTransportFailed, got %v", err)
	}
}

func TestSendCancelled(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background connection read;
		// otherwise the client disconnect is never detected and r.Context()
		// is never cancelled, deadlocking srv.Close.
		io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	if _, err := newTestClient(srv.URL).Send(ctx, Turn{Text: "q", UserID: "u1"}); !errors.Is(err, ErrTransportFailed) {
		t.Fatalf("expected ErrTransportFailed on cancel, got %v", err)
	}
}

func TestHistoryNormalizesYoutube(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations/u1" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		io.WriteString(w, `[
			{
				"id": "c1",
				"title": "Pests",
				"createdAt": "2025-05-01T00:00:00Z",
				"messages": [
					{"id": "m1", "text": "aphids?", "isUser": true, "timestamp": "2025-05-01T00:00:00Z"},
					{"id": "m2", "text": "try neem oil", "isUser": false, "timestamp": "2025-05-01T00:00:05Z", "youtube": "https://youtu.be/x"},
					{"id": "m3", "text": "more", "isUser": false, "timestamp": "2025-05-01T00:00:09Z", "youtube": ["a", "b"]}
				]
			}
		]`)
	}))
	defer srv.Close()

	convs, err := newTestClient(srv.URL).History(context.Background(), "u1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	msgs := convs[0].Messages
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Origin != store.OriginUser || msgs[1].Origin != store.OriginAssistant {
		t.Fatalf("unexpected origins: %v %v", msgs[0].Origin, msgs[1].Origin)
	}
	if len(msgs[1].Media) != 1 || len(msgs[2].Media) != 2 {
		t.Fatalf("expected normalized media refs, got %v and %v", msgs[1].Media, msgs[2].Media)
	}
}
