package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/Conclave/internal/domain/decision"
)

const maxRecentDecisions = 100

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.scheduleDecisionTool(),
		s.providerStatusTool(),
		s.recentDecisionsTool(),
	)
}

func (s *Server) scheduleDecisionTool() mcpserver.ServerTool {
	classes := make([]string, len(decision.Classes))
	for i, c := range decision.Classes {
		classes[i] = string(c)
	}
	tool := mcplib.NewTool("schedule_decision",
		mcplib.WithDescription("Ask the configured expert providers for a consensus decision. Always returns a decision; forced defaults are flagged with is_fallback."),
		mcplib.WithString("payload",
			mcplib.Required(),
			mcplib.Description("The question or context to decide on"),
		),
		mcplib.WithString("context_class",
			mcplib.Description("Time pressure of the decision"),
			mcplib.Enum(classes...),
		),
		mcplib.WithString("correlation_id",
			mcplib.Description("Optional ID tying the decision to a planning cycle"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleScheduleDecision,
	}
}

func (s *Server) providerStatusTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("provider_status",
		mcplib.WithDescription("Per-provider circuit breaker state, rate limit capacity and latency"),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleProviderStatus,
	}
}

func (s *Server) recentDecisionsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("recent_decisions",
		mcplib.WithDescription("Most recent audited decisions, newest first"),
		mcplib.WithNumber("limit",
			mcplib.Description("Maximum number of decisions to return (default 10)"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleRecentDecisions,
	}
}

func (s *Server) handleScheduleDecision(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Scheduler == nil {
		return mcplib.NewToolResultError("scheduler not configured"), nil
	}
	args := req.GetArguments()
	payload, ok := args["payload"].(string)
	if !ok || payload == "" {
		return mcplib.NewToolResultError("payload is required"), nil
	}
	class, _ := args["context_class"].(string)
	correlationID, _ := args["correlation_id"].(string)

	c, err := s.deps.Scheduler.Schedule(ctx, payload, class, correlationID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("schedule failed", err), nil
	}
	return marshalResult(c, "decision")
}

func (s *Server) handleProviderStatus(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Scheduler == nil {
		return mcplib.NewToolResultError("scheduler not configured"), nil
	}
	return marshalResult(s.deps.Scheduler.Status(), "provider status")
}

func (s *Server) handleRecentDecisions(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Scheduler == nil {
		return mcplib.NewToolResultError("scheduler not configured"), nil
	}
	limit := 10
	// JSON numbers arrive as float64.
	if v, ok := req.GetArguments()["limit"].(float64); ok && v >= 1 {
		limit = min(int(v), maxRecentDecisions)
	}
	records, err := s.deps.Scheduler.Recent(ctx, limit)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list decisions", err), nil
	}
	return marshalResult(records, "decisions")
}

func marshalResult(v any, what string) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal "+what, err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}
