package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/tidings/internal/changes"
	"github.com/hpungsan/tidings/internal/errors"
	"github.com/hpungsan/tidings/internal/ops"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	env *ops.Env
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(env *ops.Env) *Handlers {
	return &Handlers{env: env}
}

// ReconcileRequest represents the arguments for feed_reconcile.
type ReconcileRequest struct {
	Category string             `json:"category"`
	Items    []changes.FeedItem `json:"items"`
}

// MarkNotifiedRequest represents the arguments for feed_mark_notified.
type MarkNotifiedRequest struct {
	Category  string  `json:"category"`
	ID        string  `json:"id"`
	MessageID *string `json:"message_id,omitempty"`
}

// ListRecordsRequest represents the arguments for feed_list_records.
type ListRecordsRequest struct {
	Category string `json:"category"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// HandleReconcile handles the feed_reconcile tool.
func (h *Handlers) HandleReconcile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	r, err := decode[ReconcileRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Reconcile(ctx, h.env, ops.ReconcileInput{
		Category: r.Category,
		Items:    r.Items,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleMarkNotified handles the feed_mark_notified tool.
func (h *Handlers) HandleMarkNotified(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	r, err := decode[MarkNotifiedRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.MarkNotified(ctx, h.env, ops.MarkNotifiedInput{
		Category:  r.Category,
		ID:        r.ID,
		MessageID: r.MessageID,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleListRecords handles the feed_list_records tool.
func (h *Handlers) HandleListRecords(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	r, err := decode[ListRecordsRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.ListRecords(ctx, h.env, ops.ListRecordsInput{
		Category: r.Category,
		Limit:    r.Limit,
		Offset:   r.Offset,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleCategories handles the feed_categories tool.
func (h *Handlers) HandleCategories(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ops.ListCategories(ctx, h.env)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// errorResult creates an MCP error result from any error.
// Wrapped and aggregated errors keep their full message; the code comes from
// the first structured error found.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if tErr, ok := errors.As(err); ok {
		errorObj := map[string]any{
			"code":    tErr.Code,
			"message": errors.Message(err),
			"status":  tErr.Status,
		}
		// Only include details for non-internal errors to avoid leaking
		// sensitive info like file paths or SQL errors
		if tErr.Code != errors.ErrInternal && tErr.Details != nil {
			errorObj["details"] = tErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    errors.ErrInternal,
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
