// Package types defines the conversation and tool-call data model shared by
// the dialogue engine, the tool dispatcher, and the model providers.
package types

import "time"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one entry in a call's conversation history: a caller utterance, an
// assistant reply, a tool invocation, or a tool result. Turns are append-only
// and never mutated after creation.
type Turn struct {
	Role       Role        `json:"role"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	At         time.Time   `json:"at"`
}

// CallerTurn builds a caller-utterance turn.
func CallerTurn(text string) Turn {
	return Turn{Role: RoleUser, Text: text, At: time.Now()}
}

// AssistantTurn builds an assistant-reply turn.
func AssistantTurn(text string) Turn {
	return Turn{Role: RoleAssistant, Text: text, At: time.Now()}
}

// ToolCallTurn builds a turn recording a model-requested tool invocation.
func ToolCallTurn(call ToolCall) Turn {
	return Turn{Role: RoleAssistant, ToolCall: &call, At: time.Now()}
}

// ToolResultTurn builds a turn recording an executed tool's result.
func ToolResultTurn(result ToolResult) Turn {
	return Turn{Role: RoleTool, ToolResult: &result, At: time.Now()}
}

// ToolCall is a structured action request emitted by the language model.
// Arguments are kept as raw JSON until validated against the tool's schema.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments []byte `json:"arguments"`
}

// ToolResult pairs a machine-readable payload with a short summary the model
// can phrase back to the caller. Failures are carried here rather than as Go
// errors so the conversation can continue.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
	Summary string `json:"summary"`
	IsError bool   `json:"is_error,omitempty"`

	// EndCall signals that the conversation is complete and the next
	// assistant reply should be the last one the caller hears.
	EndCall bool `json:"end_call,omitempty"`

	// Cause holds the underlying error for IsError results. Not serialized.
	Cause error `json:"-"`
}

// Transcript is a recognition result. Only final transcripts are handed to
// the dialogue engine; non-final ones may be superseded.
type Transcript struct {
	Text    string
	IsFinal bool
}
