package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"ordinal-bus/internal/usecase"
)

// OracleCallTool blocks until the oracle answers or the call times out.
type OracleCallTool struct {
	svc Service
}

func NewOracleCallTool(svc Service) *OracleCallTool {
	return &OracleCallTool{svc: svc}
}

func (t *OracleCallTool) Definition() mcp.Tool {
	return mcp.NewTool("oracle_call",
		mcp.WithDescription("Ask the oracle (ordinal level 3) a question and wait for the answer. "+
			"Blocks until a response arrives or the timeout expires. "+
			"Use for decisions that need human judgment or sign-off."),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("The question for the oracle"),
		),
		mcp.WithString("context",
			mcp.Description("Background the oracle needs to answer"),
			mcp.DefaultString(""),
		),
		mcp.WithString("urgency",
			mcp.Description("How urgent the question is"),
			mcp.Enum("low", "normal", "high", "critical"),
			mcp.DefaultString("normal"),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Maximum seconds to wait for an answer"),
			mcp.DefaultNumber(usecase.DefaultTimeoutSeconds),
			mcp.Min(1),
			mcp.Max(usecase.MaxTimeoutSeconds),
		),
	)
}

func (t *OracleCallTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := req.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := t.svc.Call(ctx, usecase.CallInput{
		Question:       question,
		Context:        req.GetString("context", ""),
		Urgency:        req.GetString("urgency", ""),
		TimeoutSeconds: req.GetInt("timeout_seconds", usecase.DefaultTimeoutSeconds),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(usecase.RenderCall(out)), nil
}
