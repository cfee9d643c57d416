// Package mcp exposes the scheduler to agents over the Model Context Protocol.
package mcp

import (
	"context"
	"net/http"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/Conclave/internal/domain/decision"
	"github.com/Strob0t/Conclave/internal/port/decisionstore"
	"github.com/Strob0t/Conclave/internal/service"
)

// Endpoint is the path the streamable HTTP transport is mounted on.
const Endpoint = "/mcp"

// ServerConfig holds the MCP server identity.
type ServerConfig struct {
	Name    string
	Version string
}

// Scheduler is the subset of service.Scheduler exposed as tools.
type Scheduler interface {
	Schedule(ctx context.Context, payload, class, correlationID string) (decision.Consensus, error)
	Status() []service.ProviderStatus
	Recent(ctx context.Context, limit int) ([]decisionstore.Record, error)
}

// ServerDeps holds the services the tools call into. A nil Scheduler makes
// every tool answer with an error result.
type ServerDeps struct {
	Scheduler Scheduler
}

// Server wraps an mcp-go server with the Conclave tools and resources.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
	http      *mcpserver.StreamableHTTPServer
}

// NewServer creates the MCP server and registers tools and resources.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	if cfg.Name == "" {
		cfg.Name = "conclave"
	}
	s := &Server{cfg: cfg, deps: deps}
	s.mcpServer = mcpserver.NewMCPServer(cfg.Name, cfg.Version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithRecovery(),
	)
	s.registerTools()
	s.registerResources()
	s.http = mcpserver.NewStreamableHTTPServer(s.mcpServer,
		mcpserver.WithEndpointPath(Endpoint),
		mcpserver.WithStateLess(true),
	)
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer { return s.mcpServer }

// Handler returns the streamable HTTP transport for mounting on a router.
// Authentication is applied by the router middleware.
func (s *Server) Handler() http.Handler { return s.http }
