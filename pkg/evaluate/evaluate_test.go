package evaluate

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

// completionServer returns a chat-completions endpoint that always
// answers with the given message content.
func completionServer(t *testing.T, content string, sawPrompt *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if sawPrompt != nil && len(req.Messages) > 1 {
			*sawPrompt = req.Messages[1].Content
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "cmpl_1",
			"object": "chat.completion",
			"choices": []map[string]any{
				{
					"index":         0,
					"finish_reason": "stop",
					"message":       map[string]any{"role": "assistant", "content": content},
				},
			},
		})
	}))
}

func verdictJSON(result string) string {
	raw, _ := json.Marshal(Verdict{
		TestID:        "t1",
		ChannelID:     "chan_1",
		Scenario:      "table booking",
		Result:        result,
		Transcript:    "Agent: Hello\nUser: Hi",
		WhatWentWell:  "greeting handled",
		WhatToImprove: "confirm earlier",
	})
	return string(raw)
}

func TestEvaluate_GoldenPass(t *testing.T) {
	t.Parallel()

	var prompt string
	server := completionServer(t, verdictJSON("pass"), &prompt)
	defer server.Close()

	ev := New(Config{APIKey: "test", BaseURL: server.URL}, testLogger())
	verdict, err := ev.Evaluate(context.Background(), Input{
		TestID:    "t1",
		ChannelID: "chan_1",
		Kind:      KindGolden,
		Golden:    "Agent: Hello\nUser: Hi",
		Actual:    "Agent: Hello there\nUser: Hi",
	})
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	if !verdict.Passed() {
		t.Fatalf("verdict=%+v, want pass", verdict)
	}
	if !strings.Contains(prompt, "GOLDEN CONVERSATION") {
		t.Error("golden rubric not used")
	}
	if !strings.Contains(prompt, "Agent: Hello there") {
		t.Error("actual transcript missing from prompt")
	}
}

func TestEvaluate_ScenarioRubric(t *testing.T) {
	t.Parallel()

	var prompt string
	server := completionServer(t, verdictJSON("fail"), &prompt)
	defer server.Close()

	ev := New(Config{APIKey: "test", BaseURL: server.URL}, testLogger())
	verdict, err := ev.Evaluate(context.Background(), Input{
		TestID:    "t2",
		ChannelID: "chan_1",
		Kind:      KindScenario,
		Scenario:  "cancel an appointment",
		Actual:    "Agent: Hello\nUser: Cancel please",
	})
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	if verdict.Passed() {
		t.Fatal("want fail verdict")
	}
	if !strings.Contains(prompt, "SCENARIO: cancel an appointment") {
		t.Error("scenario rubric not used")
	}
}

func TestEvaluate_ExtractsFencedJSON(t *testing.T) {
	t.Parallel()

	content := "Here is my evaluation:\n```json\n" + verdictJSON("pass") + "\n```\nLet me know."
	server := completionServer(t, content, nil)
	defer server.Close()

	ev := New(Config{APIKey: "test", BaseURL: server.URL}, testLogger())
	verdict, err := ev.Evaluate(context.Background(), Input{TestID: "t3", Kind: KindGolden})
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	if !verdict.Passed() {
		t.Fatalf("verdict=%+v, want pass from fenced JSON", verdict)
	}
}

func TestEvaluate_UnparseableFallsBackToFail(t *testing.T) {
	t.Parallel()

	server := completionServer(t, "I could not evaluate this conversation.", nil)
	defer server.Close()

	ev := New(Config{APIKey: "test", BaseURL: server.URL}, testLogger())
	verdict, err := ev.Evaluate(context.Background(), Input{
		TestID:    "t4",
		ChannelID: "chan_1",
		Kind:      KindGolden,
		Actual:    "Agent: Hello",
	})
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	if verdict.Passed() {
		t.Fatal("unparseable verdict must fail")
	}
	if verdict.TestID != "t4" || verdict.Transcript != "Agent: Hello" {
		t.Fatalf("fallback verdict incomplete: %+v", verdict)
	}
}

func TestEvaluate_ServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad request"}}`, http.StatusBadRequest)
	}))
	defer server.Close()

	ev := New(Config{APIKey: "test", BaseURL: server.URL}, testLogger())
	if _, err := ev.Evaluate(context.Background(), Input{TestID: "t5", Kind: KindGolden}); err == nil {
		t.Fatal("expected request error")
	}
}
