package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/serviolabs/servio/pkg/core"
	"github.com/serviolabs/servio/pkg/core/types"
)

// chatRequest is the Chat Completions wire format.
type chatRequest struct {
	Model             string        `json:"model"`
	Messages          []wireMessage `json:"messages"`
	Tools             []wireTool    `json:"tools,omitempty"`
	ToolChoice        string        `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool         `json:"parallel_tool_calls,omitempty"`
	MaxTokens         int           `json:"max_tokens,omitempty"`
	Temperature       *float64      `json:"temperature,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name string `json:"name"`
	// Arguments is a JSON object encoded as a string, per the API.
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string          `json:"type"`
	Function wireFunctionDef `json:"function"`
}

type wireFunctionDef struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Parameters  *types.JSONSchema `json:"parameters,omitempty"`
}

func (p *Provider) buildRequest(req types.ChatRequest) *chatRequest {
	wire := &chatRequest{
		Model:       p.model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	if req.System != "" {
		wire.Messages = append(wire.Messages, wireMessage{Role: "system", Content: req.System})
	}
	for _, msg := range req.Messages {
		wire.Messages = append(wire.Messages, toWireMessage(msg))
	}

	if len(req.Tools) > 0 {
		wire.Tools = make([]wireTool, len(req.Tools))
		for i, tool := range req.Tools {
			wire.Tools[i] = wireTool{
				Type: "function",
				Function: wireFunctionDef{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.InputSchema,
				},
			}
		}
		wire.ToolChoice = "auto"
		sequential := false
		wire.ParallelToolCalls = &sequential
	}

	return wire
}

func toWireMessage(msg types.ChatMessage) wireMessage {
	wire := wireMessage{
		Role:       string(msg.Role),
		Content:    msg.Content,
		ToolCallID: msg.ToolCallID,
	}
	for _, call := range msg.ToolCalls {
		wire.ToolCalls = append(wire.ToolCalls, wireToolCall{
			ID:   call.ID,
			Type: "function",
			Function: wireFunction{
				Name:      call.Name,
				Arguments: string(call.Arguments),
			},
		})
	}
	return wire
}

func (p *Provider) doRequest(ctx context.Context, req *chatRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatCompletionsURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.WrapError(core.ErrModelRequestFailed, "http request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.WrapError(core.ErrModelRequestFailed, "read response", err)
	}
	if resp.StatusCode >= 400 {
		return nil, core.NewError(core.ErrModelRequestFailed,
			fmt.Sprintf("chat completions error %d: %s", resp.StatusCode, truncate(respBody, 300)))
	}
	return respBody, nil
}

func (p *Provider) chatCompletionsURL() string {
	return strings.TrimRight(p.baseURL, "/") + "/chat/completions"
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
