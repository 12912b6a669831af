package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/fitscope/internal/breaker"
	"github.com/kalambet/fitscope/internal/storage"
	"github.com/kalambet/fitscope/internal/tiles"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Tiles    *tiles.Aggregator
	Store    *storage.Store
	Breakers *breaker.Registry
	Version  string
}

// NewMCPServer creates an MCP server with the fitscope tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"fitscope",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("fitscope scores a business idea across market tiles: sentiment, trends, competitors, market size, engagement and financials."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("fetch_tiles",
			mcp.WithDescription("Analyze a business idea and return one result per tile. Unavailable sources come back degraded, never missing."),
			mcp.WithString("idea", mcp.Description("The business idea, e.g. \"dog walking app\""), mcp.Required()),
			mcp.WithArray("tiles", mcp.Description("Optional subset of tiles"), mcp.WithStringItems()),
			mcp.WithBoolean("force_refresh", mcp.Description("Ignore cached responses")),
		),
		mcpFetchTiles(deps),
	)

	s.AddTool(
		mcp.NewTool("clear_idea",
			mcp.WithDescription("Delete every cached upstream response for an idea."),
			mcp.WithString("idea", mcp.Description("The business idea"), mcp.Required()),
		),
		mcpClearIdea(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"fitscope://breakers",
			"Circuit Breakers",
			mcp.WithResourceDescription("State of every upstream circuit breaker as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceBreakers(deps),
	)

	return s
}

func mcpFetchTiles(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		idea, err := req.RequireString("idea")
		if err != nil || strings.TrimSpace(idea) == "" {
			return mcpError("idea is required"), nil
		}

		opts := tiles.Options{ForceRefresh: req.GetBool("force_refresh", false)}
		for _, name := range req.GetStringSlice("tiles", nil) {
			t, err := tiles.ParseType(name)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			opts.Tiles = append(opts.Tiles, t)
		}

		res, err := deps.Tiles.FetchAll(ctx, strings.TrimSpace(idea), opts)
		if err != nil {
			return mcpError(fmt.Sprintf("fetch failed: %v", err)), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal tiles: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpClearIdea(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		idea, err := req.RequireString("idea")
		if err != nil || strings.TrimSpace(idea) == "" {
			return mcpError("idea is required"), nil
		}

		n, err := deps.Store.ClearForIdea(ctx, strings.TrimSpace(idea))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to clear: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Deleted %d cached responses", n)), nil
	}
}

func mcpResourceBreakers(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		snaps := deps.Breakers.Snapshot()
		if snaps == nil {
			snaps = []breaker.Snapshot{}
		}
		b, err := json.Marshal(snaps)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal breakers: %w", err)
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
