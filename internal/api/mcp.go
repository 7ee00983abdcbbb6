package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/picshelf/internal/catalog"
)

const recentLimit = 10

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Catalog *catalog.Catalog
	Version string
}

// NewMCPServer creates an MCP server exposing read-only catalog tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"picshelf",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("picshelf is a local photo catalog. Images are described by a vision model with a summary, tags, objects and a scene type."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_images",
			mcp.WithDescription("Search cataloged images by free text, tags, scene type and capture date."),
			mcp.WithString("query", mcp.Description("Case-insensitive text matched against summary, scene, tags and objects")),
			mcp.WithArray("tags", mcp.Description("Tags or objects the image must carry"), mcp.WithStringItems()),
			mcp.WithString("tag_mode", mcp.Description("How tags combine: and (default) or or"), mcp.Enum("and", "or")),
			mcp.WithString("scene_type", mcp.Description("Exact scene type; omit or use all for any")),
			mcp.WithString("start_date", mcp.Description("Earliest capture date, YYYY-MM-DD")),
			mcp.WithString("end_date", mcp.Description("Latest capture date, YYYY-MM-DD, inclusive")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpSearchImages(deps),
	)

	s.AddTool(
		mcp.NewTool("image_stats",
			mcp.WithDescription("Most frequent tags and objects across the catalog."),
			mcp.WithNumber("top", mcp.Description("How many tags and objects to return (default 20)")),
		),
		mcpImageStats(deps),
	)

	s.AddTool(
		mcp.NewTool("get_image",
			mcp.WithDescription("Fetch one cataloged image by id, including metadata and analysis."),
			mcp.WithNumber("id", mcp.Description("Image id"), mcp.Required()),
		),
		mcpGetImage(deps),
	)

	s.AddTool(
		mcp.NewTool("check_image",
			mcp.WithDescription("Check whether a file on disk is cataloged and unchanged since it was analyzed."),
			mcp.WithString("path", mcp.Description("Absolute file path"), mcp.Required()),
		),
		mcpCheckImage(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"catalog://recent",
			"Recent Images",
			mcp.WithResourceDescription("The 10 most recently captured images (summaries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSearchImages(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sr := SearchRequest{
			Query:     req.GetString("query", ""),
			Tags:      req.GetStringSlice("tags", nil),
			TagMode:   req.GetString("tag_mode", ""),
			SceneType: req.GetString("scene_type", ""),
			StartDate: req.GetString("start_date", ""),
			EndDate:   req.GetString("end_date", ""),
			Limit:     req.GetInt("limit", 20),
		}
		f, err := sr.filter()
		if err != nil {
			return mcpError(err.Error()), nil
		}
		recs, err := deps.Catalog.Search(f)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpJSON(viewsOf(recs))
	}
}

func mcpImageStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Catalog.Stats()
		if err != nil {
			return mcpError(fmt.Sprintf("stats failed: %v", err)), nil
		}
		if top := req.GetInt("top", 20); top > 0 {
			if len(st.Tags) > top {
				st.Tags = st.Tags[:top]
			}
			if len(st.Objects) > top {
				st.Objects = st.Objects[:top]
			}
		}
		return mcpJSON(st)
	}
}

func mcpGetImage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := req.GetInt("id", 0)
		if id <= 0 {
			return mcpError("id is required"), nil
		}
		rec, err := deps.Catalog.Get(int64(id))
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(viewOf(rec))
	}
}

func mcpCheckImage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil || strings.TrimSpace(path) == "" {
			return mcpError("path is required"), nil
		}
		ex, err := deps.Catalog.CheckExistence(path)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(checkResponse(ex))
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		recs, err := deps.Catalog.List(recentLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to list images: %w", err)
		}

		type imageSummary struct {
			ID        int64    `json:"id"`
			Path      string   `json:"path"`
			CreatedAt string   `json:"created_at"`
			Summary   string   `json:"summary"`
			Tags      []string `json:"tags"`
		}

		summaries := make([]imageSummary, len(recs))
		for i, rec := range recs {
			summaries[i] = imageSummary{
				ID:        rec.ID,
				Path:      rec.Path,
				CreatedAt: rec.CreatedAt.Format(time.RFC3339),
				Summary:   rec.Analysis.Summary,
				Tags:      rec.Analysis.Tags,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal images: %w", err)
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

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
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
