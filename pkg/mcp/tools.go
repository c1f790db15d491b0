package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/novagraph/graphex/pkg/schema"
)

// handleExtract starts (or joins) an extraction run and relays its progress
// stream. Each progress event is pushed to the caller's session as a
// notification; the tool result carries the terminal outcome.
func (s *GraphexServer) handleExtract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError("text is required"), nil
	}
	clientID := req.GetString("client_id", "")
	if clientID != "" {
		s.captureSession(ctx, clientID)
	}

	extractReq := schema.ExtractionRequest{
		Text:       text,
		DocumentID: req.GetString("document_id", ""),
		Options:    mcp.ParseStringMap(req, "options", nil),
	}

	runID, events, extractErr := s.handler.ExtractFromText(ctx, extractReq)
	if extractErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("extraction failed to start: %v", extractErr)), nil
	}

	var terminal *schema.ProgressEvent
	for ev := range events {
		if clientID != "" {
			if notifyErr := s.router.Notify(ctx, clientID, eventPayload(ev)); notifyErr != nil {
				s.logger.Warn("progress notification failed",
					"run_id", runID, "client_id", clientID, "error", notifyErr)
			}
		}
		if ev.Kind.IsTerminal() {
			terminal = &ev
			break
		}
	}

	if terminal == nil {
		// The stream detached without a terminal event (caller cancelled
		// or the run suspended). Persisted state has the answer.
		snap, snapErr := s.handler.GetExtractionStatus(ctx, runID)
		if snapErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status lookup failed: %v", snapErr)), nil
		}
		return marshalResult(snap)
	}

	result := map[string]any{
		"run_id": runID,
		"kind":   string(terminal.Kind),
	}
	if len(terminal.Payload) > 0 {
		result["payload"] = json.RawMessage(terminal.Payload)
	}
	return marshalResult(result)
}

// handleStatus returns the persisted status snapshot of a run.
func (s *GraphexServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	snap, statusErr := s.handler.GetExtractionStatus(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(snap)
}

// handleCancel raises the run's cancellation signal.
func (s *GraphexServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	cancelled := s.handler.CancelExtraction(ctx, runID)
	return marshalResult(map[string]any{
		"run_id":    runID,
		"cancelled": cancelled,
	})
}

// handleCachedResult looks up a completed result by idempotency key.
func (s *GraphexServer) handleCachedResult(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("idempotency_key")
	if err != nil {
		return mcp.NewToolResultError("idempotency_key is required"), nil
	}

	result, ok, lookupErr := s.handler.GetCachedResult(ctx, key)
	if lookupErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cache lookup failed: %v", lookupErr)), nil
	}
	if !ok {
		return marshalResult(map[string]any{"found": false})
	}
	return marshalResult(map[string]any{
		"found":  true,
		"result": json.RawMessage(result),
	})
}

// eventPayload flattens a progress event for notification transport.
func eventPayload(ev schema.ProgressEvent) map[string]any {
	payload := map[string]any{
		"event_id":         ev.EventID,
		"run_id":           ev.RunID,
		"timestamp":        ev.Timestamp,
		"overall_progress": ev.OverallProgress,
		"kind":             string(ev.Kind),
	}
	if len(ev.Payload) > 0 {
		payload["payload"] = json.RawMessage(ev.Payload)
	}
	return payload
}

// captureSession routes the client to its current MCP session for notifications.
func (s *GraphexServer) captureSession(ctx context.Context, clientID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.router.Bind(clientID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
