package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestChatTextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing auth header, got %q", got)
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-test" {
			t.Errorf("model = %q, want gpt-test", req.Model)
		}
		if len(req.Messages) != 2 {
			t.Errorf("messages = %d, want 2", len(req.Messages))
		}

		json.NewEncoder(w).Encode(map[string]any{
			"model":   "gpt-test",
			"created": 1700000000,
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hello there"}},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "test-key", time.Second)
	resp, err := c.Chat(context.Background(), "gpt-test", []Message{
		{Role: "system", Content: "be helpful"},
		{Role: "user", Content: "hi"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.Message.Content != "hello there" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 3 {
		t.Errorf("tokens = %d/%d, want 12/3", resp.InputTokens, resp.OutputTokens)
	}
	if len(resp.Message.ToolCalls) != 0 {
		t.Errorf("unexpected tool calls: %v", resp.Message.ToolCalls)
	}
}

func TestChatToolCallResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-test",
			"choices": []map[string]any{
				{"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{
						{
							"id":   "call_1",
							"type": "function",
							"function": map[string]any{
								"name":      "create_reminder",
								"arguments": `{"text":"buy milk","when":"2026-09-01T09:00:00Z"}`,
							},
						},
					},
				}},
			},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", time.Second)
	resp, err := c.Chat(context.Background(), "gpt-test", []Message{{Role: "user", Content: "remind me"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_1" {
		t.Errorf("tool call ID = %q", tc.ID)
	}
	if tc.Function.Name != "create_reminder" {
		t.Errorf("tool name = %q", tc.Function.Name)
	}
	if tc.Function.Arguments["text"] != "buy milk" {
		t.Errorf("arguments = %v", tc.Function.Arguments)
	}
}

func TestChatAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", time.Second)
	_, err := c.Chat(context.Background(), "gpt-test", []Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error for non-200 status")
	}
}

func TestToWireMarshalsToolArguments(t *testing.T) {
	var tc ToolCall
	tc.ID = "call_9"
	tc.Function.Name = "save_user_fact"
	tc.Function.Arguments = map[string]any{"fact": "likes tea"}

	wire := toWire([]Message{{Role: "assistant", ToolCalls: []ToolCall{tc}}})
	if len(wire) != 1 || len(wire[0].ToolCalls) != 1 {
		t.Fatalf("unexpected wire shape: %+v", wire)
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(wire[0].ToolCalls[0].Function.Arguments), &args); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if args["fact"] != "likes tea" {
		t.Errorf("arguments round-trip = %v", args)
	}
}
