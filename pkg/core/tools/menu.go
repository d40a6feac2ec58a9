package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/serviolabs/servio/pkg/core/types"
)

// SendMenuHandler implements the send_menu tool: it texts the full menu to
// the caller so they can browse while staying on the line.
type SendMenuHandler struct {
	notifier Notifier
	call     CallInfo
	menuText string
	logger   *slog.Logger
}

// NewSendMenuHandler creates the handler.
func NewSendMenuHandler(notifier Notifier, call CallInfo, menuText string, logger *slog.Logger) *SendMenuHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SendMenuHandler{
		notifier: notifier,
		call:     call,
		menuText: menuText,
		logger:   logger,
	}
}

// Declaration returns the tool declaration. No arguments.
func (h *SendMenuHandler) Declaration() types.Tool {
	reject := false
	return types.NewTool("send_menu",
		"Text the full menu to the caller's phone when they ask to see it.",
		&types.JSONSchema{Type: "object", AdditionalProperties: &reject})
}

// Execute sends the menu SMS.
func (h *SendMenuHandler) Execute(ctx context.Context, call types.ToolCall) (types.ToolResult, error) {
	if h.notifier == nil || h.call.Caller == "" {
		return types.ToolResult{}, fmt.Errorf("no way to reach the caller by text")
	}
	if err := h.notifier.SendSMS(ctx, h.call.Caller, h.menuText); err != nil {
		return types.ToolResult{}, fmt.Errorf("send menu SMS: %w", err)
	}
	h.logger.Info("menu sent", "to", h.call.Caller)
	return types.ToolResult{
		Summary: "The menu has been sent to the caller by text message.",
	}, nil
}
