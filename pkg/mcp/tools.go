package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chainflow/internal/service"
	"github.com/rendis/chainflow/pkg/schema"
)

// handleDefine validates and stores a workflow revision.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	res, err := s.svc.Define(ctx, &def)
	if err != nil {
		return toolError("define failed", err), nil
	}
	return marshalResult(res)
}

// handleRun starts an execution. Async runs register the calling session for
// a completion notification.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	async := req.GetBool("async", false)

	res, err := s.svc.Trigger(ctx, service.TriggerRequest{
		WorkflowID: workflowID,
		Revision:   req.GetInt("revision", 0),
		Input:      mcp.ParseStringMap(req, "input", nil),
		Source:     schema.TriggerManual,
		Async:      async,
	})
	if err != nil {
		if res != nil && schema.HasCode(err, schema.ErrCodeInsufficientCredits) {
			out, _ := marshalResult(res)
			out.IsError = true
			return out, nil
		}
		return toolError("run failed", err), nil
	}

	if async {
		s.captureSession(ctx, res.Execution.ID)
	}
	return marshalResult(res)
}

// handleStatus reports an execution's state.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	report, err := s.svc.Status(ctx, executionID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	if !req.GetBool("include_events", false) {
		report.Events = nil
	}
	return marshalResult(report)
}

// handleCancel stops an execution.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, err := s.svc.Cancel(ctx, executionID)
	if err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(exec)
}

// handleCredits dispatches balance, deposit and estimate operations.
func (s *Server) handleCredits(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	operation, err := req.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError("operation is required"), nil
	}

	switch operation {
	case "balance":
		org, err := req.RequireString("organization_id")
		if err != nil {
			return mcp.NewToolResultError("organization_id is required"), nil
		}
		balance, err := s.svc.Balance(ctx, org)
		if err != nil {
			return toolError("balance query failed", err), nil
		}
		return marshalResult(map[string]any{"organization_id": org, "balance": balance})

	case "deposit":
		org, err := req.RequireString("organization_id")
		if err != nil {
			return mcp.NewToolResultError("organization_id is required"), nil
		}
		balance, err := s.svc.Deposit(ctx, org, int64(req.GetInt("amount", 0)))
		if err != nil {
			return toolError("deposit failed", err), nil
		}
		return marshalResult(map[string]any{"organization_id": org, "balance": balance})

	case "estimate":
		workflowID, err := req.RequireString("workflow_id")
		if err != nil {
			return mcp.NewToolResultError("workflow_id is required"), nil
		}
		cost, err := s.svc.Estimate(ctx, workflowID, req.GetInt("revision", 0))
		if err != nil {
			return toolError("estimate failed", err), nil
		}
		return marshalResult(cost)

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown operation %q: must be balance, deposit, or estimate", operation)), nil
	}
}

// --- Helpers ---

// captureSession maps the execution to the calling MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// toolError reports err; chainflow errors carry their code in the text.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
