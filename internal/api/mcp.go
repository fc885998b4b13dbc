package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/fielddispatch/internal/bandit"
	"github.com/kalambet/fielddispatch/internal/dispatch"
	"github.com/kalambet/fielddispatch/internal/job"
	"github.com/kalambet/fielddispatch/internal/speech"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service *dispatch.Service
	Queue   QueueStats // optional
}

// NewMCPServer creates an MCP server with the dispatch tools and resources registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"fielddispatch",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("fielddispatch: run field-service job commands for a technician and inspect response-style learning."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("dispatch_command",
			mcp.WithDescription("Run a spoken-style field service command (create, close, update, query or list jobs, add notes) for a technician and return the confirmation."),
			mcp.WithString("technician_id", mcp.Description("Technician the command is issued by"), mcp.Required()),
			mcp.WithString("text", mcp.Description("The command, e.g. \"Close the ticket for Acme, billed 2 hours\""), mcp.Required()),
		),
		mcpDispatchCommand(deps),
	)

	s.AddTool(
		mcp.NewTool("list_jobs",
			mcp.WithDescription("List a technician's jobs as JSON."),
			mcp.WithString("technician_id", mcp.Description("Technician whose jobs to list"), mcp.Required()),
			mcp.WithString("status", mcp.Description("Optional status filter: pending, in_progress, completed, cancelled")),
		),
		mcpListJobs(deps),
	)

	s.AddTool(
		mcp.NewTool("set_response_style",
			mcp.WithDescription("Pin a technician's confirmation style, or clear the pin with \"auto\" so it is learned again."),
			mcp.WithString("technician_id", mcp.Description("Technician to configure"), mcp.Required()),
			mcp.WithString("style", mcp.Description("concise, detailed, verbose or auto"), mcp.Required()),
		),
		mcpSetResponseStyle(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"dispatch://stats",
			"Dispatch Statistics",
			mcp.WithResourceDescription("Job, technician, bandit and queue counters as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpDispatchCommand(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tech, err := req.RequireString("technician_id")
		if err != nil {
			return mcpError("technician_id is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil || strings.TrimSpace(text) == "" {
			return mcpError("text is required"), nil
		}

		out := deps.Service.Handle(ctx, tech, dispatch.Devices{
			Recognizer:  speech.Text(text),
			Synthesizer: &speech.Buffer{},
		})
		if out.Err != nil {
			return mcpError(out.Response), nil
		}
		return mcpText(out.Response), nil
	}
}

func mcpListJobs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tech, err := req.RequireString("technician_id")
		if err != nil {
			return mcpError("technician_id is required"), nil
		}

		jobs := deps.Service.Jobs().ListByTechnician(tech)
		if raw := req.GetString("status", ""); raw != "" {
			status, err := job.ParseStatus(raw)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			var filtered []job.Job
			for _, j := range jobs {
				if j.Status == status {
					filtered = append(filtered, j)
				}
			}
			jobs = filtered
		}

		if len(jobs) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(jobs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal jobs: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSetResponseStyle(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tech, err := req.RequireString("technician_id")
		if err != nil {
			return mcpError("technician_id is required"), nil
		}
		raw, err := req.RequireString("style")
		if err != nil {
			return mcpError("style is required"), nil
		}

		if strings.EqualFold(strings.TrimSpace(raw), "auto") {
			deps.Service.Tracker().ClearPreferredStyle(tech)
			return mcpText(fmt.Sprintf("Cleared preferred style for %s", tech)), nil
		}
		style, err := bandit.ParseStyle(raw)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		deps.Service.Tracker().SetPreferredStyle(tech, style)
		return mcpText(fmt.Sprintf("Set preferred style for %s = %s", tech, style)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		resp := StatsResponse{Stats: deps.Service.Statistics()}
		if deps.Queue != nil {
			qs, err := deps.Queue.Stats(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to read queue stats: %w", err)
			}
			resp.Queue = &qs
		}

		b, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
