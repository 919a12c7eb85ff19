package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chainflow/internal/service"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Service *service.Service
	Logger  *slog.Logger
	Version string
}

// Server wraps an MCP server with the chainflow tool handlers.
type Server struct {
	svc       *service.Service
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *Notifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all five tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		svc:      deps.Service,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"chainflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("chainflow runs billed workflow graphs. Use chainflow.define to store a workflow revision, chainflow.run to start an execution, chainflow.status to inspect it, chainflow.cancel to stop it, and chainflow.credits for balances, deposits and cost estimates."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewNotifier(mcpSrv, s.sessions, logger)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Watch(ctx); err != nil {
		return err
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// Watch forwards terminal execution events to the sessions that started
// them until ctx is cancelled.
func (s *Server) Watch(ctx context.Context) error {
	if s.svc == nil {
		return nil
	}
	return s.notifier.Watch(ctx, s.svc.Hub())
}

// SSEHandler serves the MCP SSE transport under basePath.
func (s *Server) SSEHandler(basePath string) http.Handler {
	return server.NewSSEServer(s.mcpServer, server.WithStaticBasePath(basePath))
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: creditsTool(), Handler: s.handleCredits},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("chainflow.define",
		mcp.WithDescription("Validate and store a workflow definition as a new revision"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition with organization_id, steps and edges")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("chainflow.run",
		mcp.WithDescription("Reserve credits and run a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithNumber("revision", mcp.Description("Workflow revision (default: latest)")),
		mcp.WithObject("input", mcp.Description("Trigger input")),
		mcp.WithBoolean("async", mcp.Description("Return once credits are reserved and notify on completion")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("chainflow.status",
		mcp.WithDescription("Get execution status, step outputs and reservation"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithBoolean("include_events", mcp.Description("Include the event log")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("chainflow.cancel",
		mcp.WithDescription("Cancel a pending or running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func creditsTool() mcp.Tool {
	return mcp.NewTool("chainflow.credits",
		mcp.WithDescription("Query balances, deposit credits or estimate a workflow's cost"),
		mcp.WithString("operation", mcp.Required(),
			mcp.Enum("balance", "deposit", "estimate"),
			mcp.Description("Credit operation"),
		),
		mcp.WithString("organization_id", mcp.Description("Organization (balance, deposit)")),
		mcp.WithNumber("amount", mcp.Description("Credits to deposit")),
		mcp.WithString("workflow_id", mcp.Description("Workflow to estimate")),
		mcp.WithNumber("revision", mcp.Description("Workflow revision to estimate (default: latest)")),
	)
}
