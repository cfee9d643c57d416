package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const providersURI = "conclave://providers"

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			providersURI,
			"Provider Status",
			mcplib.WithResourceDescription("Breaker state and rate limit capacity of every expert provider"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleProvidersResource,
	)
}

func (s *Server) handleProvidersResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	text := `{"error":"scheduler not configured"}`
	if s.deps.Scheduler != nil {
		data, err := json.Marshal(s.deps.Scheduler.Status())
		if err != nil {
			return nil, err
		}
		text = string(data)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     text,
		},
	}, nil
}
