// Package dialogue owns a call's conversation history and the
// request/tool-call/response loop against a language-model service.
package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/serviolabs/servio/pkg/core"
	"github.com/serviolabs/servio/pkg/core/types"
)

// LLMClient is the language-model service the engine talks to. The
// provider must allow the model to either return free text or request
// exactly one tool call.
type LLMClient interface {
	CreateChat(ctx context.Context, req types.ChatRequest) (*types.ChatResponse, error)
}

// ToolDispatcher executes validated tool calls. Implementations never
// return a Go error: failures come back as a ToolResult with IsError set
// so the model can apologize in natural language.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, call types.ToolCall) types.ToolResult
	Declarations() []types.Tool
}

// ApologyReply is spoken when a turn fails closed before reaching the
// model a second time.
const ApologyReply = "Sorry, I didn't catch that. Could you say it again?"

// ClosingReply is spoken when the session gives up after repeated
// failures and hangs up.
const ClosingReply = "I'm sorry, we're having trouble on our end. Please call back in a few minutes. Goodbye."

// Config tunes the engine.
type Config struct {
	// System is the fixed system instruction sent with every request.
	System string

	// MaxTokens caps model reply length. Zero means provider default.
	MaxTokens int

	// Temperature controls reply randomness. Nil means provider default.
	Temperature *float64

	// MaxTurns bounds history growth on long calls: when exceeded, the
	// oldest turns are dropped. The system instruction is not a turn and
	// is never dropped. Default 64.
	MaxTurns int

	// MaxAttempts is the total tries per model request. Default 2.
	MaxAttempts int

	// RetryDelay is the pause between attempts. Default 250ms.
	RetryDelay time.Duration
}

// Reply is the outcome of one caller utterance.
type Reply struct {
	// Text is the assistant reply to synthesize.
	Text string

	// EndCall is set when a tool signaled the conversation is complete
	// and this reply should be the last thing the caller hears.
	EndCall bool
}

// Engine maintains the append-only turn history for one call and produces
// exactly one assistant reply per accepted caller utterance, or an error
// with no reply when the model cannot be reached.
type Engine struct {
	client     LLMClient
	dispatcher ToolDispatcher
	config     Config
	logger     *slog.Logger

	mu      sync.Mutex
	history []types.Turn
}

// NewEngine creates an engine. The dispatcher may be nil for tool-less
// conversations.
func NewEngine(client LLMClient, dispatcher ToolDispatcher, config Config, logger *slog.Logger) (*Engine, error) {
	if client == nil {
		return nil, fmt.Errorf("dialogue: client is required")
	}
	if config.MaxTurns <= 0 {
		config.MaxTurns = 64
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 2
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client:     client,
		dispatcher: dispatcher,
		config:     config,
		logger:     logger,
	}, nil
}

// HandleUtterance runs one conversation turn for a finalized caller
// transcript. The engine serializes turns internally: a second call blocks
// until the first finishes, so there is never more than one in-flight
// model request per call.
func (e *Engine) HandleUtterance(ctx context.Context, text string) (*Reply, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.appendLocked(types.CallerTurn(text))

	resp, err := e.requestWithRetry(ctx)
	if err != nil {
		return nil, err
	}

	if resp.ToolCall == nil {
		e.appendLocked(types.AssistantTurn(resp.Text))
		return &Reply{Text: resp.Text}, nil
	}

	return e.runToolTurn(ctx, *resp.ToolCall)
}

// RecordAssistant appends an assistant turn produced outside the model
// loop, such as the configured greeting.
func (e *Engine) RecordAssistant(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.appendLocked(types.AssistantTurn(text))
}

// History returns a copy of the turn history.
func (e *Engine) History() []types.Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Turn, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Engine) runToolTurn(ctx context.Context, call types.ToolCall) (*Reply, error) {
	e.appendLocked(types.ToolCallTurn(call))

	// Validation happens inside the dispatcher and fails closed: an
	// unknown name or malformed arguments come back as an error result
	// without any side effect having run.
	result := e.dispatchTool(ctx, call)
	e.appendLocked(types.ToolResultTurn(result))

	if result.IsError && (core.IsType(result.Cause, core.ErrUnknownTool) ||
		core.IsType(result.Cause, core.ErrToolArgumentInvalid)) {
		e.logger.Warn("tool call rejected",
			"tool", call.Name, "error", result.Summary)
		e.appendLocked(types.AssistantTurn(ApologyReply))
		return &Reply{Text: ApologyReply}, nil
	}

	// Second request so the model can phrase the result naturally.
	resp, err := e.requestWithRetry(ctx)
	if err != nil {
		return nil, err
	}
	text := resp.Text
	if resp.ToolCall != nil {
		// One tool call per turn. A second request for a tool is treated
		// as a failed phrasing, not dispatched.
		e.logger.Warn("model requested chained tool call, refusing",
			"tool", resp.ToolCall.Name)
		text = result.Summary
	}
	e.appendLocked(types.AssistantTurn(text))
	return &Reply{Text: text, EndCall: result.EndCall}, nil
}

func (e *Engine) dispatchTool(ctx context.Context, call types.ToolCall) types.ToolResult {
	if e.dispatcher == nil {
		err := core.NewError(core.ErrUnknownTool, "no tools registered")
		return types.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Summary: err.Message,
			IsError: true,
			Cause:   err,
		}
	}
	return e.dispatcher.Dispatch(ctx, call)
}

func (e *Engine) requestWithRetry(ctx context.Context) (*types.ChatResponse, error) {
	req := e.buildRequestLocked()

	var resp *types.ChatResponse
	backoff := retry.WithMaxRetries(uint64(e.config.MaxAttempts-1), retry.NewConstant(e.config.RetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := e.client.CreateChat(ctx, req)
		if err != nil {
			e.logger.Warn("model request failed", "error", err)
			return retry.RetryableError(err)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, core.WrapError(core.ErrModelRequestFailed,
			fmt.Sprintf("model request failed after %d attempts", e.config.MaxAttempts), err)
	}
	return resp, nil
}

func (e *Engine) buildRequestLocked() types.ChatRequest {
	req := types.ChatRequest{
		System:      e.config.System,
		MaxTokens:   e.config.MaxTokens,
		Temperature: e.config.Temperature,
	}
	if e.dispatcher != nil {
		req.Tools = e.dispatcher.Declarations()
	}

	req.Messages = make([]types.ChatMessage, 0, len(e.history))
	for _, turn := range e.history {
		req.Messages = append(req.Messages, turnToMessage(turn))
	}
	return req
}

func turnToMessage(turn types.Turn) types.ChatMessage {
	switch {
	case turn.ToolCall != nil:
		return types.ChatMessage{
			Role:      types.RoleAssistant,
			ToolCalls: []types.ToolCall{*turn.ToolCall},
		}
	case turn.ToolResult != nil:
		return types.ChatMessage{
			Role:       types.RoleTool,
			Content:    turn.ToolResult.Summary,
			ToolCallID: turn.ToolResult.CallID,
		}
	default:
		return types.ChatMessage{Role: turn.Role, Content: turn.Text}
	}
}

// appendLocked grows history and applies the truncation policy: keep the
// most recent MaxTurns turns.
func (e *Engine) appendLocked(turn types.Turn) {
	e.history = append(e.history, turn)
	if len(e.history) > e.config.MaxTurns {
		excess := len(e.history) - e.config.MaxTurns
		e.history = append([]types.Turn(nil), e.history[excess:]...)
	}
}
