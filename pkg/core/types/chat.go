package types

// ChatMessage is a provider-neutral message in a model request. Tool calls
// ride on assistant messages; tool results reference the originating call.
type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ChatRequest is a single model request: the fixed system instruction, the
// conversation so far, and the declared tool set. Providers must constrain
// the model to at most one tool call per response.
type ChatRequest struct {
	System      string        `json:"system,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Tools       []Tool        `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

// ChatResponse is the model's answer: either free text or one tool call.
type ChatResponse struct {
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
}
