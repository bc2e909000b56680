package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/leadflow/internal/intake"
	"github.com/rendis/leadflow/internal/memory"
)

// Intake is the lead service the tools call into.
type Intake interface {
	CreateLead(ctx context.Context, tenantID string, payload map[string]any) (*intake.Created, error)
	Process(ctx context.Context, tenantID, workflowID string) (*memory.WorkflowView, error)
	Status(ctx context.Context, tenantID, workflowID string) (map[string]any, error)
	Workflow(ctx context.Context, tenantID, workflowID string) (*memory.WorkflowView, error)
	History(ctx context.Context, tenantID, leadID string) (*memory.LeadHistory, error)
}

// LeadflowServerDeps holds the dependencies for creating a LeadflowServer.
type LeadflowServerDeps struct {
	Intake  Intake
	Version string
	Logger  *slog.Logger
}

// LeadflowServer wraps an MCP server with the lead intake tools.
type LeadflowServer struct {
	intake    Intake
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewLeadflowServer creates a LeadflowServer with all tools registered.
func NewLeadflowServer(deps LeadflowServerDeps) *LeadflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &LeadflowServer{intake: deps.Intake, logger: logger}

	mcpSrv := server.NewMCPServer(
		"leadflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Leadflow automates lead handling per tenant. Use leadflow.create_lead to register a lead and start its workflow, leadflow.process to advance it one step, leadflow.status for a compact state summary, leadflow.history for everything known about a lead, and leadflow.diagram to see the state machine."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *LeadflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *LeadflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *LeadflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: createLeadTool(), Handler: s.handleCreateLead},
		{Tool: processTool(), Handler: s.handleProcess},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func tenantArg() mcp.ToolOption {
	return mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant the lead belongs to"))
}

func createLeadTool() mcp.Tool {
	return mcp.NewTool("leadflow.create_lead",
		mcp.WithDescription("Register a lead and start its workflow"),
		tenantArg(),
		mcp.WithString("email", mcp.Required(), mcp.Description("Lead email address")),
		mcp.WithString("name", mcp.Description("Lead name")),
		mcp.WithString("company", mcp.Description("Lead company")),
		mcp.WithString("lead_id", mcp.Description("Explicit lead ID (generated when omitted)")),
		mcp.WithObject("data", mcp.Description("Additional lead data handed to the agents")),
	)
}

func processTool() mcp.Tool {
	return mcp.NewTool("leadflow.process",
		mcp.WithDescription("Advance a workflow by one agent step"),
		tenantArg(),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to advance")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("leadflow.status",
		mcp.WithDescription("Get the current state of a workflow"),
		tenantArg(),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("leadflow.history",
		mcp.WithDescription("Get a lead with its recent workflows and meetings"),
		tenantArg(),
		mcp.WithString("lead_id", mcp.Required(), mcp.Description("ID of the lead")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("leadflow.diagram",
		mcp.WithDescription("Render the workflow state machine as Mermaid or ASCII"),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid"),
			mcp.Description("Output format"),
		),
		mcp.WithString("tenant_id", mcp.Description("Tenant of workflow_id")),
		mcp.WithString("workflow_id", mcp.Description("Limit the diagram to this workflow's agents and highlight its state")),
	)
}
