package tools

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"ordinal-bus/internal/usecase"
)

type RespondTool struct {
	svc Service
}

func NewRespondTool(svc Service) *RespondTool {
	return &RespondTool{svc: svc}
}

func (t *RespondTool) Definition() mcp.Tool {
	return mcp.NewTool("respond_to_oracle_call",
		mcp.WithDescription("Answer a pending oracle call. The waiting caller picks the answer up on its next poll."),
		mcp.WithString("request_id",
			mcp.Required(),
			mcp.Description("ID of the pending request"),
		),
		mcp.WithString("answer",
			mcp.Required(),
			mcp.Description("The answer to the question"),
		),
	)
}

func (t *RespondTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("request_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	answer, err := req.RequireString("answer")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := t.svc.Respond(ctx, usecase.RespondInput{ID: id, Answer: answer})
	if err != nil {
		if usecase.CodeOf(err) == usecase.ErrorNotFound {
			return mcp.NewToolResultText(usecase.RenderNotFound(strings.TrimSpace(id))), nil
		}
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(usecase.RenderRespond(out)), nil
}
