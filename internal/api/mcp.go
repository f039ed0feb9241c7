package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/relayfeed/internal/priority"
	"github.com/kalambet/relayfeed/internal/worker"
)

const statusResourceURI = "relayfeed://status"

// NewMCPServer creates an MCP server exposing scheduler status, the tracked
// entities and a manual sync trigger. It shares Deps with the HTTP API.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"relayfeed",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("relayfeed polls followed accounts on an adaptive schedule and republishes new posts as RSS."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("sync_status",
			mcp.WithDescription("Report the current cycle, tier distribution and the last sync pass of each polling stream."),
		),
		mcpSyncStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_entities",
			mcp.WithDescription("List followed accounts with their activity tier, ordered from most to least active."),
			mcp.WithString("tier",
				mcp.Description("Only return accounts in this tier"),
				mcp.Enum(string(priority.High), string(priority.Normal), string(priority.Low), string(priority.Dormant)),
			),
			mcp.WithBoolean("include_stale",
				mcp.Description("Include accounts no longer followed (default false)"),
			),
		),
		mcpListEntities(deps),
	)

	s.AddTool(
		mcp.NewTool("trigger_sync",
			mcp.WithDescription("Queue a sync pass. Does nothing when one is already queued."),
		),
		mcpTriggerSync(deps),
	)

	s.AddResource(
		mcp.NewResource(statusResourceURI, "Sync status",
			mcp.WithResourceDescription("Scheduler status as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	return s
}

func mcpSyncStatus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := buildStatus(ctx, deps)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load status: %v", err)), nil
		}
		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListEntities(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tier := req.GetString("tier", "")
		if tier != "" {
			if _, err := priority.ParseTier(tier); err != nil {
				return mcpError(err.Error()), nil
			}
		}

		views, err := buildEntityViews(ctx, deps, req.GetBool("include_stale", false))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list entities: %v", err)), nil
		}
		if tier != "" {
			filtered := views[:0]
			for _, v := range views {
				if v.Tier == tier {
					filtered = append(filtered, v)
				}
			}
			views = filtered
		}

		b, err := json.Marshal(views)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal entities: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpTriggerSync(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, queued, err := deps.Trigger.Request(worker.ReasonManual)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue sync: %v", err)), nil
		}
		if !queued {
			return mcpText("A sync pass is already queued"), nil
		}
		return mcpText(fmt.Sprintf("Queued sync pass %s", id)), nil
	}
}

func mcpResourceStatus(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		resp, err := buildStatus(ctx, deps)
		if err != nil {
			return nil, fmt.Errorf("loading status: %w", err)
		}
		b, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("marshaling status: %w", err)
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
