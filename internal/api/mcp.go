package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/reelsense/internal/recommend"
	"github.com/kalambet/reelsense/internal/retrieval"
	"github.com/kalambet/reelsense/internal/search"
	"github.com/kalambet/reelsense/internal/storage"
)

const mcpMaxLimit = 50

// MCPSearcher abstracts catalog search for the MCP layer.
type MCPSearcher interface {
	Search(ctx context.Context, query string, limit int, threshold float64) ([]retrieval.SearchResult, error)
}

// MCPRecommender abstracts the recommendation calls exposed as tools.
type MCPRecommender interface {
	RecommendAnonymous(ctx context.Context, limit int) ([]recommend.RecommendedItem, error)
	SimilarTo(ctx context.Context, itemID string, limit int) ([]recommend.RecommendedItem, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Search    MCPSearcher
	Recommend MCPRecommender
}

// NewMCPServer creates an MCP server exposing catalog discovery tools.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"reelsense",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("reelsense: find short-form videos by meaning, by similarity, or by popularity."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_videos",
			mcp.WithDescription("Search the video catalog by meaning. Falls back to keyword matching when semantic search is unavailable."),
			mcp.WithString("query", mcp.Description("What the videos should be about"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
			mcp.WithNumber("threshold", mcp.Description("Minimum cosine similarity, exclusive (default 0.5)")),
		),
		mcpSearchVideos(deps),
	)

	s.AddTool(
		mcp.NewTool("similar_videos",
			mcp.WithDescription("List videos most similar to a given video."),
			mcp.WithString("id", mcp.Description("ID of the reference video"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSimilarVideos(deps),
	)

	s.AddTool(
		mcp.NewTool("popular_videos",
			mcp.WithDescription("List the most voted approved videos."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpPopularVideos(deps),
	)

	return s
}

func toolLimit(req mcp.CallToolRequest) int {
	limit := req.GetInt("limit", 10)
	if limit <= 0 {
		limit = 10
	}
	return min(limit, mcpMaxLimit)
}

func mcpSearchVideos(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		threshold := req.GetFloat("threshold", search.DefaultThreshold)

		results, err := deps.Search.Search(ctx, query, toolLimit(req), threshold)
		if errors.Is(err, search.ErrEmptyQuery) {
			return mcpError("query is required"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpJSON(results)
	}
}

func mcpSimilarVideos(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		items, err := deps.Recommend.SimilarTo(ctx, id, toolLimit(req))
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("video %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("similar lookup failed: %v", err)), nil
		}
		return mcpJSON(items)
	}
}

func mcpPopularVideos(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		items, err := deps.Recommend.RecommendAnonymous(ctx, toolLimit(req))
		if err != nil {
			return mcpError(fmt.Sprintf("loading popular videos failed: %v", err)), nil
		}
		return mcpJSON(items)
	}
}

func mcpJSON[T any](items []T) (*mcp.CallToolResult, error) {
	if len(items) == 0 {
		return mcpText("[]"), nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
