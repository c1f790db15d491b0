package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novagraph/graphex/internal/cancel"
	"github.com/novagraph/graphex/internal/engine"
	"github.com/novagraph/graphex/internal/handler"
	"github.com/novagraph/graphex/internal/store"
	"github.com/novagraph/graphex/internal/streaming"
	"github.com/novagraph/graphex/internal/validation"
	"github.com/novagraph/graphex/pkg/schema"
)

func newTestServer(t *testing.T, stages []engine.Stage) *GraphexServer {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "mcp.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	hub := streaming.NewMemoryHub()
	registry := cancel.NewRegistry()
	validator, err := validation.NewRequestValidator()
	require.NoError(t, err)

	engConfig := engine.DefaultConfig()
	engConfig.RetryPolicy.BaseDelay = time.Millisecond
	eng := engine.New(st, hub, registry, engine.Pipeline{Name: "extract", Stages: stages}, nil, engConfig, slog.Default())
	h := handler.New(st, eng, hub, registry, validator, handler.DefaultConfig(), slog.Default())
	t.Cleanup(h.Shutdown)

	return NewGraphexServer(GraphexServerDeps{Handler: h})
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultJSON(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotNil(t, result)
	require.False(t, result.IsError)
	require.NotEmpty(t, result.Content)
	text := mcp.GetTextFromContent(result.Content[0])
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	return out
}

func simpleStages() []engine.Stage {
	return []engine.Stage{
		engine.StageFunc{StageName: "chunking", Fn: func(ctx context.Context, in engine.StageInput) (json.RawMessage, error) {
			return json.RawMessage(`{"chunks":1}`), nil
		}},
		engine.StageFunc{StageName: "entity_extraction", Fn: func(ctx context.Context, in engine.StageInput) (json.RawMessage, error) {
			return json.RawMessage(`{"entities":["Alice"]}`), nil
		}},
	}
}

func TestExtractTool(t *testing.T) {
	s := newTestServer(t, simpleStages())

	req := buildRequest("graphex.extract", map[string]any{
		"text":        "Alice works at Acme.",
		"document_id": "doc-1",
	})
	result, err := s.handleExtract(context.Background(), req)
	require.NoError(t, err)

	out := resultJSON(t, result)
	assert.NotEmpty(t, out["run_id"])
	assert.Equal(t, string(schema.KindExtractionComplete), out["kind"])
}

func TestExtractTool_MissingText(t *testing.T) {
	s := newTestServer(t, simpleStages())

	result, err := s.handleExtract(context.Background(), buildRequest("graphex.extract", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExtractTool_InvalidRequest(t *testing.T) {
	s := newTestServer(t, simpleStages())

	result, err := s.handleExtract(context.Background(), buildRequest("graphex.extract", map[string]any{
		"text":    "hello",
		"options": map[string]any{"chunk_size": 1},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool(t *testing.T) {
	s := newTestServer(t, simpleStages())
	ctx := context.Background()

	extractResult, err := s.handleExtract(ctx, buildRequest("graphex.extract", map[string]any{
		"text": "status check",
	}))
	require.NoError(t, err)
	runID := resultJSON(t, extractResult)["run_id"].(string)

	result, err := s.handleStatus(ctx, buildRequest("graphex.status", map[string]any{"run_id": runID}))
	require.NoError(t, err)

	out := resultJSON(t, result)
	assert.Equal(t, runID, out["run_id"])
	assert.Equal(t, string(schema.RunStatusCompleted), out["status"])
}

func TestStatusTool_MissingID(t *testing.T) {
	s := newTestServer(t, simpleStages())
	result, err := s.handleStatus(context.Background(), buildRequest("graphex.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool_NotFound(t *testing.T) {
	s := newTestServer(t, simpleStages())
	result, err := s.handleStatus(context.Background(), buildRequest("graphex.status", map[string]any{
		"run_id": "no-such-run",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelTool_UnknownRun(t *testing.T) {
	s := newTestServer(t, simpleStages())
	result, err := s.handleCancel(context.Background(), buildRequest("graphex.cancel", map[string]any{
		"run_id": "no-such-run",
	}))
	require.NoError(t, err)

	out := resultJSON(t, result)
	assert.Equal(t, false, out["cancelled"])
}

func TestCachedResultTool(t *testing.T) {
	s := newTestServer(t, simpleStages())
	ctx := context.Background()

	req := schema.ExtractionRequest{Text: "cache via tool", DocumentID: ""}
	_, err := s.handleExtract(ctx, buildRequest("graphex.extract", map[string]any{
		"text": req.Text,
	}))
	require.NoError(t, err)

	result, err := s.handleCachedResult(ctx, buildRequest("graphex.cached_result", map[string]any{
		"idempotency_key": req.IdempotencyKey(),
	}))
	require.NoError(t, err)

	out := resultJSON(t, result)
	assert.Equal(t, true, out["found"])
	assert.NotNil(t, out["result"])
}

func TestCachedResultTool_Miss(t *testing.T) {
	s := newTestServer(t, simpleStages())
	result, err := s.handleCachedResult(context.Background(), buildRequest("graphex.cached_result", map[string]any{
		"idempotency_key": "nope",
	}))
	require.NoError(t, err)

	out := resultJSON(t, result)
	assert.Equal(t, false, out["found"])
}
