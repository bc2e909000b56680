package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/leadflow/internal/diagram"
)

// handleCreateLead registers a lead and starts its workflow.
func (s *LeadflowServer) handleCreateLead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	email, err := req.RequireString("email")
	if err != nil {
		return mcp.NewToolResultError("email is required"), nil
	}

	payload := map[string]any{"email": email}
	for arg, field := range map[string]string{"name": "name", "company": "company", "lead_id": "leadId"} {
		if v := req.GetString(arg, ""); v != "" {
			payload[field] = v
		}
	}
	if data := mcp.ParseStringMap(req, "data", nil); data != nil {
		payload["data"] = data
	}

	created, err := s.intake.CreateLead(ctx, tenantID, payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create lead failed: %v", err)), nil
	}
	return marshalResult(created)
}

// handleProcess advances a workflow by one step.
func (s *LeadflowServer) handleProcess(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, workflowID, errResult := workflowArgs(req)
	if errResult != nil {
		return errResult, nil
	}
	view, err := s.intake.Process(ctx, tenantID, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("process failed: %v", err)), nil
	}
	return marshalResult(view)
}

// handleStatus returns the workflow summary.
func (s *LeadflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, workflowID, errResult := workflowArgs(req)
	if errResult != nil {
		return errResult, nil
	}
	status, err := s.intake.Status(ctx, tenantID, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(status)
}

// handleHistory returns the lead history.
func (s *LeadflowServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	leadID, err := req.RequireString("lead_id")
	if err != nil {
		return mcp.NewToolResultError("lead_id is required"), nil
	}
	h, err := s.intake.History(ctx, tenantID, leadID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history query failed: %v", err)), nil
	}
	return marshalResult(h)
}

// handleDiagram renders the state machine, optionally for one workflow.
func (s *LeadflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" {
		return mcp.NewToolResultError("format must be ascii or mermaid"), nil
	}

	opts := diagram.Options{Title: "leadflow"}
	if workflowID := req.GetString("workflow_id", ""); workflowID != "" {
		tenantID := req.GetString("tenant_id", "")
		if tenantID == "" {
			return mcp.NewToolResultError("tenant_id is required with workflow_id"), nil
		}
		view, wfErr := s.intake.Workflow(ctx, tenantID, workflowID)
		if wfErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow not found: %v", wfErr)), nil
		}
		opts.Title = workflowID
		opts.Allowed = view.Workflow.AllowedAgents
		opts.Current = view.Workflow.CurrentState
	}

	model := diagram.Build(opts)
	if format == "ascii" {
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	}
	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

func workflowArgs(req mcp.CallToolRequest) (string, string, *mcp.CallToolResult) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return "", "", mcp.NewToolResultError("tenant_id is required")
	}
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return "", "", mcp.NewToolResultError("workflow_id is required")
	}
	return tenantID, workflowID, nil
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
