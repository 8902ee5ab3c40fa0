package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"ordinal-bus/internal/usecase"
)

type StatusTool struct {
	svc Service
}

func NewStatusTool(svc Service) *StatusTool {
	return &StatusTool{svc: svc}
}

func (t *StatusTool) Definition() mcp.Tool {
	return mcp.NewTool("bus_status",
		mcp.WithDescription("Show partition counts and pending requests on the ordinal bus."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

func (t *StatusTool) Handle(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out, err := t.svc.Status(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(usecase.RenderStatus(out)), nil
}

type PendingTool struct {
	svc Service
}

func NewPendingTool(svc Service) *PendingTool {
	return &PendingTool{svc: svc}
}

func (t *PendingTool) Definition() mcp.Tool {
	return mcp.NewTool("list_pending_calls",
		mcp.WithDescription("List oracle calls still waiting for a response."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

func (t *PendingTool) Handle(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reqs, err := t.svc.Pending(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(usecase.RenderPending(reqs)), nil
}

type HistoryTool struct {
	svc Service
}

func NewHistoryTool(svc Service) *HistoryTool {
	return &HistoryTool{svc: svc}
}

func (t *HistoryTool) Definition() mcp.Tool {
	return mcp.NewTool("bus_history",
		mcp.WithDescription("Show recently archived oracle exchanges, newest first."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of exchanges to show"),
			mcp.DefaultNumber(usecase.DefaultHistoryLimit),
			mcp.Min(1),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

func (t *HistoryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", usecase.DefaultHistoryLimit)
	if limit <= 0 {
		return mcp.NewToolResultError("invalid input: limit must be positive"), nil
	}
	exchanges, err := t.svc.History(ctx, limit)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(usecase.RenderHistory(exchanges)), nil
}
