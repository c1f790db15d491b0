package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/novagraph/graphex/internal/handler"
)

// GraphexServerDeps holds the dependencies for creating a GraphexServer.
type GraphexServerDeps struct {
	Handler *handler.Handler
	Logger  *slog.Logger
}

// GraphexServer wraps an MCP server with graphex-specific tool handlers.
type GraphexServer struct {
	handler   *handler.Handler
	router    *SessionRouter
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewGraphexServer creates a GraphexServer with all 4 tools registered.
func NewGraphexServer(deps GraphexServerDeps) *GraphexServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &GraphexServer{
		handler: deps.Handler,
		logger:  logger,
	}

	mcpSrv := server.NewMCPServer(
		"graphex",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Graphex extracts knowledge graphs from text through durable, resumable runs. Use graphex.extract to start or join an extraction, graphex.status to check progress, graphex.cancel to stop a run, and graphex.cached_result to fetch a completed result by idempotency key."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.router = NewSessionRouter(mcpSrv)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *GraphexServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *GraphexServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 4 registered MCP tools as ServerTool entries.
func (s *GraphexServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: extractTool(), Handler: s.handleExtract},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: cachedResultTool(), Handler: s.handleCachedResult},
	}
}

// --- Tool definitions ---

func extractTool() mcp.Tool {
	return mcp.NewTool("graphex.extract",
		mcp.WithDescription("Extract a knowledge graph from text. Streams progress notifications to the calling session and returns the terminal outcome. Identical payloads share one run."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Source text to extract from")),
		mcp.WithString("document_id", mcp.Description("Optional source document identifier")),
		mcp.WithObject("options", mcp.Description("Extraction options (language, chunk_size, ontology, ground_entities)")),
		mcp.WithString("client_id", mcp.Description("Caller identifier used to route progress notifications")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("graphex.status",
		mcp.WithDescription("Get the persisted status of an extraction run. Correct even after a server restart."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("graphex.cancel",
		mcp.WithDescription("Cancel an extraction run. Cooperative: in-flight external calls finish, but no new stage starts."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func cachedResultTool() mcp.Tool {
	return mcp.NewTool("graphex.cached_result",
		mcp.WithDescription("Look up the completed result for an idempotency key. Pure lookup, no side effects."),
		mcp.WithString("idempotency_key", mcp.Required(), mcp.Description("Idempotency key derived from the request payload")),
	)
}
