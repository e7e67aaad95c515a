package api

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/recherche/research"
	"github.com/hazyhaar/recherche/search"
)

// ResearchArgs is the input of the deep_research tool.
type ResearchArgs struct {
	Query string `json:"query" jsonschema:"the question to research on the web"`
}

// SearchArgs is the input of the web_search tool.
type SearchArgs struct {
	Query    string `json:"query" jsonschema:"the search query"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum metadata results, default 10"`
	FetchTop int    `json:"fetch_top,omitempty" jsonschema:"how many top results to scrape fully"`
	Round    int    `json:"round,omitempty" jsonschema:"escalation round, higher rounds use tighter timeouts, default 1"`
}

// HealthArgs is the (empty) input of the engine_health tool.
type HealthArgs struct{}

// RegisterMCP attaches the pipeline tools to an MCP server.
func (s *Server) RegisterMCP(m *mcp.Server) {
	mcp.AddTool(m, &mcp.Tool{
		Name:        "deep_research",
		Description: "Run the full research pipeline: decompose the question, search and scrape the web, and answer from the condensed findings.",
	}, s.mcpResearch)

	mcp.AddTool(m, &mcp.Tool{
		Name:        "web_search",
		Description: "Search the web across multiple engines with caching and circuit breaking; optionally scrape the top results.",
	}, s.mcpSearch)

	mcp.AddTool(m, &mcp.Tool{
		Name:        "engine_health",
		Description: "Report per-engine success rates, latencies, and circuit breaker state.",
	}, s.mcpEngineHealth)
}

func (s *Server) mcpResearch(ctx context.Context, req *mcp.CallToolRequest, args ResearchArgs) (*mcp.CallToolResult, research.State, error) {
	if args.Query == "" {
		return nil, research.State{}, fmt.Errorf("query is required")
	}
	state, err := s.research.Run(ctx, args.Query)
	if err != nil {
		return nil, state, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: state.Answer}},
	}, state, nil
}

func (s *Server) mcpSearch(ctx context.Context, req *mcp.CallToolRequest, args SearchArgs) (*mcp.CallToolResult, *search.Response, error) {
	if args.Query == "" {
		return nil, nil, fmt.Errorf("query is required")
	}
	resp, err := s.search.SmartSearchRAG(ctx, args.Query, args.Limit, args.FetchTop, args.Round)
	if err != nil {
		return nil, nil, err
	}
	return nil, resp, nil
}

func (s *Server) mcpEngineHealth(ctx context.Context, req *mcp.CallToolRequest, args HealthArgs) (*mcp.CallToolResult, []search.EngineHealth, error) {
	return nil, s.search.Health().Snapshot(), nil
}
