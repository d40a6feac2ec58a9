// Package tools executes the fixed set of backend actions the model may
// request mid-conversation. Dispatch fails closed: unregistered names and
// schema-invalid arguments never reach a handler.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/serviolabs/servio/pkg/core"
	"github.com/serviolabs/servio/pkg/core/types"
)

// Handler executes one tool. Execute only runs after the arguments have
// passed schema validation. A returned error marks the result as failed
// but never crashes the turn.
type Handler interface {
	Declaration() types.Tool
	Execute(ctx context.Context, call types.ToolCall) (types.ToolResult, error)
}

// Registry maps tool names to handlers. One registry is built per call so
// handlers can close over call-scoped collaborators.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register adds a handler, replacing any previous one with the same name.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Declaration().Name] = h
}

// Declarations returns the registered tool set, sorted by name so model
// requests are deterministic.
func (r *Registry) Declarations() []types.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Tool, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h.Declaration())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch validates and executes one tool call. Failures come back as an
// error-flagged ToolResult so the dialogue engine can keep the turn alive.
func (r *Registry) Dispatch(ctx context.Context, call types.ToolCall) types.ToolResult {
	r.mu.RLock()
	handler, ok := r.handlers[call.Name]
	r.mu.RUnlock()

	if !ok {
		err := core.NewError(core.ErrUnknownTool, fmt.Sprintf("unknown tool %q", call.Name))
		r.logger.Warn("rejected tool call", "tool", call.Name, "reason", "unregistered")
		return errorResult(call, err)
	}

	if schema := handler.Declaration().InputSchema; schema != nil {
		if err := schema.Validate(call.Arguments); err != nil {
			wrapped := core.WrapError(core.ErrToolArgumentInvalid,
				fmt.Sprintf("invalid arguments for %q", call.Name), err)
			r.logger.Warn("rejected tool call", "tool", call.Name, "reason", err)
			return errorResult(call, wrapped)
		}
	}

	result, err := handler.Execute(ctx, call)
	if err != nil {
		r.logger.Error("tool execution failed", "tool", call.Name, "error", err)
		return errorResult(call, err)
	}
	result.CallID = call.ID
	result.Name = call.Name
	return result
}

func errorResult(call types.ToolCall, err error) types.ToolResult {
	return types.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Summary: err.Error(),
		IsError: true,
		Cause:   err,
	}
}
