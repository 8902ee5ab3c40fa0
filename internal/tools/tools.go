// Package tools exposes the oracle bus as MCP tools.
//
// Every tool answers in plain text. Outcomes the caller is expected to handle
// (a timeout, an unknown request id) are ordinary results; bad arguments and
// store failures are error results.
package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"ordinal-bus/internal/domain"
	"ordinal-bus/internal/usecase"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Service is the part of usecase.OracleService the tools drive.
type Service interface {
	Call(ctx context.Context, in usecase.CallInput) (usecase.CallOutput, error)
	Respond(ctx context.Context, in usecase.RespondInput) (usecase.RespondOutput, error)
	Status(ctx context.Context) (usecase.StatusOutput, error)
	Pending(ctx context.Context) ([]domain.Request, error)
	History(ctx context.Context, limit int) ([]domain.Exchange, error)
}

// NewServer creates the MCP server with every bus tool registered.
func NewServer(svc Service) *server.MCPServer {
	s := server.NewMCPServer(
		"ordinal-mcp",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions),
	)
	Register(s, svc)
	return s
}

// Register adds the bus tools to s.
func Register(s *server.MCPServer, svc Service) {
	call := NewOracleCallTool(svc)
	s.AddTool(call.Definition(), call.Handle)

	respond := NewRespondTool(svc)
	s.AddTool(respond.Definition(), respond.Handle)

	status := NewStatusTool(svc)
	s.AddTool(status.Definition(), status.Handle)

	pending := NewPendingTool(svc)
	s.AddTool(pending.Definition(), pending.Handle)

	history := NewHistoryTool(svc)
	s.AddTool(history.Definition(), history.Handle)
}

const serverInstructions = "Ordinal bus: route questions to a higher-ordinal oracle and wait for the answer. " +
	"Use oracle_call to ask, respond_to_oracle_call to answer, and the status tools to inspect the bus."

// errorResult converts a usecase failure into an MCP error result.
func errorResult(err error) *mcp.CallToolResult {
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		switch ucErr.Code {
		case usecase.ErrorInvalidInput:
			if ucErr.Err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid input (%s): %v", ucErr.Reason, ucErr.Err))
			}
			return mcp.NewToolResultError(fmt.Sprintf("invalid input: %s", ucErr.Reason))
		case usecase.ErrorCanceled:
			return mcp.NewToolResultError("oracle call interrupted; the request stays on the bus for recovery")
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("bus store failure: %v", err))
}
