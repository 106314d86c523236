// Package mcp exposes the read side of xray over the Model Context Protocol.
//
// Agents that debug pipelines can ask the same questions as the HTTP query
// API: which filter steps reject nearly everything, and what a given run or
// step looked like. Nothing here writes.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/xray/internal/model"
)

// Querier is the read surface the tools are built on. Implemented by
// query.Service.
type Querier interface {
	HighRejectionSteps(ctx context.Context, threshold float64, limit int) ([]model.HighRejectionStep, error)
	GetRun(ctx context.Context, id string) (model.RunDetail, error)
	ListRuns(ctx context.Context, f model.RunFilter) ([]model.Run, error)
	GetStep(ctx context.Context, id string) (model.StepDetail, error)
	ListSteps(ctx context.Context, f model.StepFilter) ([]model.StepWithSummary, error)
}

// Server wraps the mcp-go server with the query layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	querier   Querier
	logger    *slog.Logger
}

// New creates an MCP server with all tools and resources registered.
func New(querier Querier, logger *slog.Logger, version string) *Server {
	s := &Server{
		querier: querier,
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"xray",
		version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(false),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const recentRunsURI = "xray://runs/recent"

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			recentRunsURI,
			"Recent Runs",
			mcplib.WithResourceDescription("The most recently started pipeline runs across all pipelines"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentRuns,
	)
}

func (s *Server) handleRecentRuns(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runs, err := s.querier.ListRuns(ctx, model.RunFilter{Limit: 20})
	if err != nil {
		return nil, fmt.Errorf("mcp: recent runs: %w", err)
	}

	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal runs: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      recentRunsURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
