package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/machinist/internal/agent"
	"github.com/kalambet/machinist/internal/analytics"
	"github.com/kalambet/machinist/internal/llm"
	"github.com/kalambet/machinist/internal/prompt"
	"github.com/kalambet/machinist/internal/tools"
)

// ManualSearcher searches the indexed manuals.
type ManualSearcher interface {
	Search(ctx context.Context, query string) ([]prompt.Passage, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Telemetry agent.Engine // structured query engine
	Manuals   ManualSearcher
	Analytics analytics.Invoker
	Provider  llm.Provider // plans telemetry queries
	// Schema renders the telemetry catalog for the schema resource.
	Schema func() string
}

// NewMCPServer exposes the agent's tools over the Model Context Protocol.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"machinist",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("machinist: machine telemetry queries, maintenance manual search, anomaly scoring and forecasts."),
		server.WithRecovery(),
	)

	handlers := map[string]server.ToolHandlerFunc{
		tools.QueryTelemetry: mcpQueryTelemetry(deps),
		tools.SearchManuals:  mcpSearchManuals(deps),
		tools.ScoreAnomaly:   mcpScoreAnomaly(deps),
		tools.Forecast:       mcpForecast(deps),
	}
	for _, d := range tools.Catalog() {
		if h, ok := handlers[d.Name]; ok {
			s.AddTool(newTool(d), h)
		}
	}

	if deps.Schema != nil {
		s.AddResource(
			mcp.NewResource(
				"telemetry://schema",
				"Telemetry Schema",
				mcp.WithResourceDescription("Tables and columns available to query_telemetry"),
				mcp.WithMIMEType("text/plain"),
			),
			func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
				return []mcp.ResourceContents{
					mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "text/plain", Text: deps.Schema()},
				}, nil
			},
		)
	}
	return s
}

func newTool(d tools.Descriptor) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(d.Description)}
	for _, p := range d.Params {
		popts := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			popts = append(popts, mcp.Required())
		}
		if p.Type == "number" {
			opts = append(opts, mcp.WithNumber(p.Name, popts...))
		} else {
			opts = append(opts, mcp.WithString(p.Name, popts...))
		}
	}
	return mcp.NewTool(d.Name, opts...)
}

func mcpQueryTelemetry(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		if deps.Telemetry == nil || deps.Provider == nil {
			return mcpError("telemetry queries not available"), nil
		}
		res, err := deps.Telemetry.Execute(ctx, agent.Task{Question: question, Provider: deps.Provider}, agent.Discard)
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}
		if res.Table == nil {
			return mcpText(res.Content), nil
		}
		return mcpJSON(res.Table)
	}
}

type passageJSON struct {
	Source string  `json:"source"`
	Text   string  `json:"text"`
	Score  float32 `json:"score"`
}

func mcpSearchManuals(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", 4)
		passages, err := deps.Manuals.Search(ctx, query)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if limit > 0 && len(passages) > limit {
			passages = passages[:limit]
		}
		out := make([]passageJSON, len(passages))
		for i, p := range passages {
			out[i] = passageJSON{Source: p.Source, Text: p.Text, Score: p.Score}
		}
		return mcpJSON(out)
	}
}

func mcpScoreAnomaly(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		machine, err := req.RequireString("machine_id")
		if err != nil {
			return mcpError("machine_id is required"), nil
		}
		window := time.Duration(req.GetInt("window_hours", 24)) * time.Hour
		points, err := deps.Analytics.ScoreAnomaly(ctx, machine, window)
		if errors.Is(err, analytics.ErrNoData) {
			return mcpError(fmt.Sprintf("no telemetry for %s", machine)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("anomaly scoring failed: %v", err)), nil
		}
		return mcpJSON(points)
	}
}

func mcpForecast(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		machine, err := req.RequireString("machine_id")
		if err != nil {
			return mcpError("machine_id is required"), nil
		}
		points, err := deps.Analytics.Forecast(ctx, machine, req.GetInt("horizon", 60))
		if errors.Is(err, analytics.ErrNoData) {
			return mcpError(fmt.Sprintf("no telemetry for %s", machine)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("forecast failed: %v", err)), nil
		}
		return mcpJSON(points)
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
