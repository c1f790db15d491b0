package mcp

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter() *SessionRouter {
	return NewSessionRouter(server.NewMCPServer("graphex-test", "0.0.0"))
}

func (r *SessionRouter) sessionFor(clientID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sid, ok := r.routes[clientID]
	return sid, ok
}

func TestSessionRouter_BindReplacesOnReconnect(t *testing.T) {
	r := newTestRouter()

	r.Bind("client-1", "session-a")
	sid, ok := r.sessionFor("client-1")
	require.True(t, ok)
	assert.Equal(t, "session-a", sid)

	r.Bind("client-1", "session-b")
	sid, _ = r.sessionFor("client-1")
	assert.Equal(t, "session-b", sid)
}

func TestSessionRouter_ForgetUnknownClientIsNoop(t *testing.T) {
	r := newTestRouter()
	r.Forget("never-bound")

	r.Bind("client-1", "session-a")
	r.Forget("client-1")
	_, ok := r.sessionFor("client-1")
	assert.False(t, ok)
}

func TestSessionRouter_NotifyUnroutedClientIsBestEffort(t *testing.T) {
	r := newTestRouter()
	require.NoError(t, r.Notify(context.Background(), "nobody", map[string]any{"kind": "stage_started"}))
}

func TestSessionRouter_NotifyExpiredSessionForgetsRoute(t *testing.T) {
	r := newTestRouter()
	// The session ID was never registered with the MCP server, so the send
	// fails with a session-not-found, which must clear the route silently.
	r.Bind("client-1", "session-gone")

	require.NoError(t, r.Notify(context.Background(), "client-1", map[string]any{"kind": "stage_started"}))
	_, ok := r.sessionFor("client-1")
	assert.False(t, ok)
}
