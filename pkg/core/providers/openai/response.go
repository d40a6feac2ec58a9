package openai

import (
	"encoding/json"

	"github.com/serviolabs/servio/pkg/core"
	"github.com/serviolabs/servio/pkg/core/types"
)

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func parseResponse(body []byte) (*types.ChatResponse, error) {
	var wire chatResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, core.WrapError(core.ErrModelRequestFailed, "parse response", err)
	}
	if len(wire.Choices) == 0 {
		return nil, core.NewError(core.ErrModelRequestFailed, "response has no choices")
	}

	msg := wire.Choices[0].Message
	resp := &types.ChatResponse{Text: msg.Content}

	// The request disables parallel tool calls, so take the first.
	if len(msg.ToolCalls) > 0 {
		call := msg.ToolCalls[0]
		resp.ToolCall = &types.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: []byte(call.Function.Arguments),
		}
	}
	return resp, nil
}
