package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/serviolabs/servio/pkg/core/types"
)

// Order statuses reported by the model.
const (
	OrderInProgress = "IN PROGRESS"
	OrderDone       = "DONE"
)

// OrderItem is one line of a caller's order.
type OrderItem struct {
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	Variation string `json:"variation,omitempty"`
}

// Order is the persisted record of a finished or in-progress order.
type Order struct {
	ID        string      `json:"id"`
	CallID    string      `json:"call_id"`
	Caller    string      `json:"caller,omitempty"`
	Items     []OrderItem `json:"items"`
	Subtotal  float64     `json:"subtotal"`
	TaxAmount float64     `json:"tax_amount"`
	Total     float64     `json:"total"`
	Status    string      `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// OrderStore persists orders. Failures are logged and never fail the turn;
// the caller still gets their confirmation.
type OrderStore interface {
	SaveOrder(ctx context.Context, order Order) error
}

// Notifier delivers text messages to the caller.
type Notifier interface {
	SendSMS(ctx context.Context, to, body string) error
}

// CallInfo identifies the call a per-call tool registry serves.
type CallInfo struct {
	CallID string
	Caller string
}

// OrderConfig tunes the order_summary handler.
type OrderConfig struct {
	// TaxRate is applied to the model-reported subtotal. Zero disables tax.
	TaxRate float64

	// RestaurantName is used in the confirmation text message.
	RestaurantName string
}

// OrderSummaryHandler implements the order_summary tool: it records order
// state as the model reports it and, when the order is DONE, persists the
// final order and texts the caller a confirmation.
type OrderSummaryHandler struct {
	store    OrderStore
	notifier Notifier
	call     CallInfo
	config   OrderConfig
	logger   *slog.Logger
}

// NewOrderSummaryHandler creates the handler. store and notifier may be
// nil; the matching side effects are then skipped.
func NewOrderSummaryHandler(store OrderStore, notifier Notifier, call CallInfo, config OrderConfig, logger *slog.Logger) *OrderSummaryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderSummaryHandler{
		store:    store,
		notifier: notifier,
		call:     call,
		config:   config,
		logger:   logger,
	}
}

// OrderSummarySchema declares the order_summary argument shape.
func OrderSummarySchema() *types.JSONSchema {
	reject := false
	return &types.JSONSchema{
		Type: "object",
		Properties: map[string]types.JSONSchema{
			"items": {
				Type:        "array",
				Description: "Every item currently in the order.",
				Items: &types.JSONSchema{
					Type: "object",
					Properties: map[string]types.JSONSchema{
						"name":      {Type: "string", Description: "Menu item name."},
						"quantity":  {Type: "integer", Description: "How many of this item."},
						"variation": {Type: "string", Description: "Size or preparation variation."},
					},
					Required: []string{"name", "quantity"},
				},
			},
			"total_price": {Type: "number", Description: "Order subtotal in dollars, before tax."},
			"summary": {
				Type:        "string",
				Description: "DONE once the caller has confirmed the complete order.",
				Enum:        []string{OrderInProgress, OrderDone},
			},
		},
		Required:             []string{"items", "total_price", "summary"},
		AdditionalProperties: &reject,
	}
}

// Declaration returns the tool declaration.
func (h *OrderSummaryHandler) Declaration() types.Tool {
	return types.NewTool("order_summary",
		"Report the current state of the caller's order. Call with summary DONE once the caller confirms the complete order.",
		OrderSummarySchema())
}

type orderArgs struct {
	Items      []OrderItem `json:"items"`
	TotalPrice float64     `json:"total_price"`
	Summary    string      `json:"summary"`
}

// Execute runs one order_summary call. Arguments have already passed
// schema validation.
func (h *OrderSummaryHandler) Execute(ctx context.Context, call types.ToolCall) (types.ToolResult, error) {
	var args orderArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return types.ToolResult{}, fmt.Errorf("decode order arguments: %w", err)
	}

	order := Order{
		ID:        ulid.Make().String(),
		CallID:    h.call.CallID,
		Caller:    h.call.Caller,
		Items:     args.Items,
		Subtotal:  args.TotalPrice,
		Status:    args.Summary,
		CreatedAt: time.Now(),
	}
	if h.config.TaxRate > 0 {
		order.TaxAmount = args.TotalPrice * h.config.TaxRate
	}
	order.Total = order.Subtotal + order.TaxAmount

	if args.Summary != OrderDone {
		return types.ToolResult{
			Payload: order,
			Summary: fmt.Sprintf("Order so far: %s, subtotal $%.2f.", describeItems(args.Items), order.Subtotal),
		}, nil
	}

	if h.store != nil {
		if err := h.store.SaveOrder(ctx, order); err != nil {
			// The caller still gets their food; persistence is repaired
			// out of band.
			h.logger.Error("save order failed", "order_id", order.ID, "error", err)
		}
	}

	if h.notifier != nil && h.call.Caller != "" {
		if err := h.notifier.SendSMS(ctx, h.call.Caller, h.confirmationSMS(order)); err != nil {
			h.logger.Error("order confirmation SMS failed", "order_id", order.ID, "error", err)
		}
	}

	return types.ToolResult{
		Payload: order,
		Summary: fmt.Sprintf(
			"Order %s confirmed: %s, total $%.2f with tax. It will be ready for pickup shortly.",
			order.ID, describeItems(args.Items), order.Total),
		EndCall: true,
	}, nil
}

func describeItems(items []OrderItem) string {
	if len(items) == 0 {
		return "no items"
	}
	parts := make([]string, len(items))
	for i, item := range items {
		variation := item.Variation
		if variation == "" {
			variation = "Regular"
		}
		parts[i] = fmt.Sprintf("%dx %s (%s)", item.Quantity, item.Name, variation)
	}
	return strings.Join(parts, ", ")
}

func (h *OrderSummaryHandler) confirmationSMS(order Order) string {
	var b strings.Builder
	b.WriteString("Your order has been confirmed:\n")
	for _, item := range order.Items {
		fmt.Fprintf(&b, "- %dx %s (%s)\n", item.Quantity, item.Name, item.Variation)
	}
	fmt.Fprintf(&b, "\nSubtotal: $%.2f\n", order.Subtotal)
	fmt.Fprintf(&b, "Tax: $%.2f\n", order.TaxAmount)
	fmt.Fprintf(&b, "Total: $%.2f\n", order.Total)
	fmt.Fprintf(&b, "\nOrder ID: %s\n", order.ID)
	fmt.Fprintf(&b, "\nThank you for ordering from %s!", h.config.RestaurantName)
	return b.String()
}
