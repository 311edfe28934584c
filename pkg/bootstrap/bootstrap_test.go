package bootstrap

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCreateSession_TopLevelToken(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s, want POST", r.Method)
		}
		if !strings.Contains(r.URL.Path, "/web_channel/channel/chan_1/agentic_agents/create_session") {
			t.Errorf("path=%s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["user"]; !ok {
			t.Error("payload missing user block")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok_abc"})
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, ChannelID: "chan_1"}, testLogger())
	info, err := client.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	if info.Token != "tok_abc" {
		t.Fatalf("token=%q", info.Token)
	}
	if info.ChannelID != "chan_1" {
		t.Fatalf("channel=%q", info.ChannelID)
	}
}

func TestCreateSession_NestedToken(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"token": "tok_nested"}})
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, ChannelID: "chan_1"}, testLogger())
	info, err := client.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	if info.Token != "tok_nested" {
		t.Fatalf("token=%q", info.Token)
	}
}

func TestCreateSession_MissingToken(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, ChannelID: "chan_1"}, testLogger())
	if _, err := client.CreateSession(context.Background()); err == nil {
		t.Fatal("expected missing-token error")
	}
}

func TestCreateSession_ServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, ChannelID: "chan_1"}, testLogger())
	_, err := client.CreateSession(context.Background())
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("err=%v, want status 403", err)
	}
}

func TestFetchConversation_ExtractsSegmentsInOrder(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Access-Token"); got != "at_1" {
			t.Errorf("Access-Token=%q", got)
		}
		if got := r.Header.Get("Device-Id"); got != "dev_1" {
			t.Errorf("Device-Id=%q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{
				{
					"content_type": "text",
					"content":      "*transcript*\nAgent: Hello there\nUser: Hi\n[system] noise line",
				},
				{
					"content_type": "audio",
					"content":      "second turn",
					"timetoken":    200,
					"user":         map[string]any{"phone": "9876543210"},
					"attachments": []map[string]any{
						{"files": []map[string]any{{"name": "segment_2.mp3", "url": "http://files/seg2", "size": 2048}}},
					},
				},
				{
					"content_type": "audio",
					"content":      "full recording",
					"timetoken":    50,
					"attachments": []map[string]any{
						{"files": []map[string]any{{"name": "full_call.mp3", "url": "http://files/full", "size": 5000000}}},
					},
				},
				{
					"content_type": "audio",
					"content":      "first turn",
					"timetoken":    100,
					"user":         map[string]any{"phone": "9876543210"},
					"attachments": []map[string]any{
						{"files": []map[string]any{{"name": "segment_1.mp3", "url": "http://files/seg1", "size": 1024}}},
					},
				},
			},
		})
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, AccessToken: "at_1", DeviceID: "dev_1", ChannelID: "chan_1"}, testLogger())
	conv, err := client.FetchConversation(context.Background(), "conv_1")
	if err != nil {
		t.Fatalf("FetchConversation error: %v", err)
	}

	if len(conv.Segments) != 2 {
		t.Fatalf("segments=%d, want 2 (full recording excluded)", len(conv.Segments))
	}
	if conv.Segments[0].Utterance != "first turn" || conv.Segments[1].Utterance != "second turn" {
		t.Fatalf("segments out of order: %+v", conv.Segments)
	}
	if conv.Transcript != "Agent: Hello there\nUser: Hi" {
		t.Fatalf("transcript=%q", conv.Transcript)
	}
}

func TestFetchConversation_NoSegments(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": []map[string]any{}})
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, ChannelID: "chan_1"}, testLogger())
	if _, err := client.FetchConversation(context.Background(), "conv_1"); err == nil {
		t.Fatal("expected no-segments error")
	}
}

func TestCleanTranscript(t *testing.T) {
	t.Parallel()

	raw := "header junk\nAgent: Welcome\n  User: Book me in \nsystem: ignore\nUser: Thanks"
	got := CleanTranscript(raw)
	want := "Agent: Welcome\nUser: Book me in\nUser: Thanks"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
