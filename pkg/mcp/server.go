package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kinetiq/flowline/internal/engine"
	"github.com/kinetiq/flowline/internal/store"
	"github.com/kinetiq/flowline/internal/validation"
)

// ServerDeps holds the dependencies for creating a FlowlineServer.
type ServerDeps struct {
	Executor    *engine.Executor
	Estimator   *engine.Estimator
	Definitions store.DefinitionStore
	Validator   *validation.WorkflowValidator
	Logger      *slog.Logger
}

// FlowlineServer wraps an MCP server with flowline tool handlers.
type FlowlineServer struct {
	executor    *engine.Executor
	estimator   *engine.Estimator
	definitions store.DefinitionStore
	validator   *validation.WorkflowValidator
	logger      *slog.Logger
	mcpServer   *server.MCPServer
}

// NewFlowlineServer creates a FlowlineServer with all 5 tools registered.
func NewFlowlineServer(deps ServerDeps) *FlowlineServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowlineServer{
		executor:    deps.Executor,
		estimator:   deps.Estimator,
		definitions: deps.Definitions,
		validator:   deps.Validator,
		logger:      logger,
	}

	mcpSrv := server.NewMCPServer(
		"flowline",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowline executes declarative multi-step workflows. Use flowline.define to register a workflow, flowline.execute to run one, flowline.status to poll an execution, flowline.cancel to stop it, and flowline.estimate to price a run without invoking any capability."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowlineServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowlineServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FlowlineServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: estimateTool(), Handler: s.handleEstimate},
		{Tool: defineTool(), Handler: s.handleDefine},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("flowline.execute",
		mcp.WithDescription("Start a workflow execution and return its initial record"),
		mcp.WithString("workflow_id", mcp.Description("ID of a registered workflow definition")),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition (alternative to workflow_id)")),
		mcp.WithObject("input", mcp.Description("Workflow input object")),
		mcp.WithObject("options", mcp.Description("Execution options: timeout (duration string), maxRetries, continueOnError")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flowline.status",
		mcp.WithDescription("Get an execution's current state and step records"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("flowline.cancel",
		mcp.WithDescription("Request cancellation of a running execution; the current step finishes first"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func estimateTool() mcp.Tool {
	return mcp.NewTool("flowline.estimate",
		mcp.WithDescription("Estimate the cost of a run without invoking any capability"),
		mcp.WithString("workflow_id", mcp.Description("ID of a registered workflow definition")),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition (alternative to workflow_id)")),
		mcp.WithObject("input", mcp.Description("Workflow input used to resolve conditions where possible")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("flowline.define",
		mcp.WithDescription("Validate and register a reusable workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
	)
}
