// Package toolrouter implements the Tool Message Router (C7): a thin adapter
// that validates tool_call and tool_result envelopes against the shared
// message schema registry and hands them off to the Tool Execution Manager.
// It never imports the broker package; the broker depends on the Router
// through the ToolRouter interface it declares itself.
package toolrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/streamfabric/fabric/internal/schema"
	"github.com/streamfabric/fabric/internal/toolexec"
)

// Router validates tool_call/tool_result envelopes and dispatches them to a
// Manager. Construct the Manager's Publisher to fan terminal tool_result
// envelopes out to the broker's "tools" topic before wiring it here.
type Router struct {
	registry *schema.Registry
	manager  *toolexec.Manager
	logger   *slog.Logger
}

// New constructs a Router over an already-populated registry and manager.
func New(registry *schema.Registry, manager *toolexec.Manager, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: registry, manager: manager, logger: logger}
}

// Handle implements broker.ToolRouter. Per §4.6 it only ever receives
// tool_call and tool_result messages; anything else is logged and dropped,
// since the broker's own routing table never forwards other types here.
func (r *Router) Handle(ctx context.Context, raw []byte) error {
	env, warning, err := r.registry.Validate(raw)
	if err != nil {
		r.logger.Warn("rejected tool message", "error", err)
		return err
	}
	if warning != "" {
		r.logger.Warn(warning)
	}

	switch env.Type {
	case "tool_call":
		return r.handleToolCall(ctx, raw)
	case "tool_result":
		return r.handleToolResult(raw)
	default:
		r.logger.Warn("tool router received an unexpected message type", "type", env.Type)
		return nil
	}
}

// toolCallWire is the wire shape of an inbound tool_call, validated against
// toolCallSchema before this struct is ever populated.
type toolCallWire struct {
	ExecutionID   string          `json:"execution_id"`
	ToolName      string          `json:"tool_name"`
	Source        string          `json:"source"`
	Parameters    json.RawMessage `json:"parameters"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	WorkflowID    string          `json:"workflow_id,omitempty"`
	Context       *struct {
		Timeout    float64 `json:"timeout,omitempty"`
		RetryCount int     `json:"retry_count,omitempty"`
	} `json:"context,omitempty"`
}

func (r *Router) handleToolCall(ctx context.Context, raw []byte) error {
	var wire toolCallWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fmt.Errorf("decode tool_call: %w", err)
	}

	call := toolexec.ToolCall{
		ExecutionID:   wire.ExecutionID,
		ToolName:      wire.ToolName,
		Source:        wire.Source,
		Parameters:    wire.Parameters,
		CorrelationID: wire.CorrelationID,
		WorkflowID:    wire.WorkflowID,
	}
	if wire.Context != nil {
		call.TimeoutSecs = wire.Context.Timeout
		call.RetryOverride = wire.Context.RetryCount
	}

	r.manager.Submit(ctx, call)
	return nil
}

// toolResultWire is the wire shape of an inbound tool_result applied to an
// already-running execution (§4.5's "Inbound tool_result" rule).
type toolResultWire struct {
	ExecutionID string          `json:"execution_id"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (r *Router) handleToolResult(raw []byte) error {
	var wire toolResultWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fmt.Errorf("decode tool_result: %w", err)
	}

	var execErr *toolexec.ExecutionError
	if wire.Error != nil {
		execErr = &toolexec.ExecutionError{Code: wire.Error.Code, Message: wire.Error.Message}
	}

	r.manager.HandleToolResult(wire.ExecutionID, toolexec.Status(wire.Status), wire.Result, execErr)
	return nil
}
