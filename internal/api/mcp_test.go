package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/fitscope/internal/breaker"
	"github.com/kalambet/fitscope/internal/tiles"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	return MCPDeps{Tiles: env.agg, Store: env.store, Breakers: env.breakers, Version: "test"}, env
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestNewMCPServer_Registers(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	assert.NotNil(t, NewMCPServer(deps))
}

func TestMCPTool_FetchTiles(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, err := mcpFetchTiles(deps)(context.Background(), makeCallToolRequest("fetch_tiles", map[string]any{
		"idea":  testIdea,
		"tiles": []any{"sentiment"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolText(t, result))

	var res map[tiles.Type]tiles.TileData
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &res))
	require.Len(t, res, 1)
	assert.InDelta(t, 0.8, res[tiles.Sentiment].Confidence, 1e-9)
}

func TestMCPTool_FetchTiles_Invalid(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpFetchTiles(deps)

	for name, args := range map[string]map[string]any{
		"missing idea": {},
		"blank idea":   {"idea": "  "},
		"bad tile":     {"idea": testIdea, "tiles": []any{"weather"}},
		"not enabled":  {"idea": testIdea, "tiles": []any{"financial"}},
	} {
		t.Run(name, func(t *testing.T) {
			result, err := handler(context.Background(), makeCallToolRequest("fetch_tiles", args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestMCPTool_ClearIdea(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	ctx := context.Background()
	_, err := env.agg.FetchAll(ctx, testIdea, tiles.Options{})
	require.NoError(t, err)

	result, err := mcpClearIdea(deps)(ctx, makeCallToolRequest("clear_idea", map[string]any{"idea": testIdea}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "Deleted 1 cached responses", toolText(t, result))

	st, err := env.store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Responses)

	result, err = mcpClearIdea(deps)(ctx, makeCallToolRequest("clear_idea", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestMCPResource_Breakers(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	_, err := env.agg.FetchAll(context.Background(), testIdea, tiles.Options{})
	require.NoError(t, err)

	contents, err := mcpResourceBreakers(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "fitscope://breakers"},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcp.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "application/json", text.MIMEType)

	var snaps []breaker.Snapshot
	require.NoError(t, json.Unmarshal([]byte(text.Text), &snaps))
	require.Len(t, snaps, 2)
	assert.Equal(t, "market_trends", snaps[0].Key.Tile)
	assert.Equal(t, breaker.Open, snaps[0].State)
}
