package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/serviolabs/servio/pkg/core"
	"github.com/serviolabs/servio/pkg/core/types"
)

func TestCreateChatFreeText(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"content": "Anything else?"},
				"finish_reason": "stop",
			}},
		})
	}))
	defer srv.Close()

	p := New("test-key", WithBaseURL(srv.URL), WithModel("test-model"))
	resp, err := p.CreateChat(context.Background(), types.ChatRequest{
		System:   "take orders",
		Messages: []types.ChatMessage{{Role: types.RoleUser, Content: "one pad thai"}},
		Tools:    []types.Tool{types.NewTool("order_summary", "report order", nil)},
	})
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if resp.Text != "Anything else?" || resp.ToolCall != nil {
		t.Fatalf("resp = %+v", resp)
	}

	if gotReq.Model != "test-model" {
		t.Errorf("model = %q", gotReq.Model)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
	if gotReq.ParallelToolCalls == nil || *gotReq.ParallelToolCalls {
		t.Error("parallel tool calls must be disabled when tools are declared")
	}
}

func TestCreateChatToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"content": "",
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "order_summary",
							"arguments": `{"summary":"DONE"}`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
		})
	}))
	defer srv.Close()

	p := New("test-key", WithBaseURL(srv.URL))
	resp, err := p.CreateChat(context.Background(), types.ChatRequest{})
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if resp.ToolCall == nil || resp.ToolCall.Name != "order_summary" {
		t.Fatalf("tool call = %+v", resp.ToolCall)
	}
	if string(resp.ToolCall.Arguments) != `{"summary":"DONE"}` {
		t.Fatalf("arguments = %s", resp.ToolCall.Arguments)
	}
}

func TestCreateChatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New("test-key", WithBaseURL(srv.URL))
	_, err := p.CreateChat(context.Background(), types.ChatRequest{})
	if !core.IsType(err, core.ErrModelRequestFailed) {
		t.Fatalf("error = %v, want ModelRequestFailed", err)
	}
}
