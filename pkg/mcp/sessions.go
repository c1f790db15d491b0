package mcp

import (
	"context"
	"errors"
	"sync"

	"github.com/mark3labs/mcp-go/server"
)

// SessionRouter delivers progress notifications to whichever MCP session a
// client is currently connected on. Clients identify themselves with a
// stable client_id; transport sessions come and go, so the router keeps a
// client→session route and drops it as soon as a send proves it stale.
type SessionRouter struct {
	mcpServer *server.MCPServer

	mu     sync.Mutex
	routes map[string]string // clientID → sessionID
}

func NewSessionRouter(mcpServer *server.MCPServer) *SessionRouter {
	return &SessionRouter{
		mcpServer: mcpServer,
		routes:    make(map[string]string),
	}
}

// Bind routes a client to its current session, replacing any previous
// route on reconnect.
func (r *SessionRouter) Bind(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[clientID] = sessionID
}

// Forget drops the client's route. Safe to call for unknown clients.
func (r *SessionRouter) Forget(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, clientID)
}

// Notify pushes a notifications/message to the client's session.
// Best-effort: an unrouted client and an expired session both return nil,
// and an expired session also forgets the route so the next reconnect
// starts clean.
func (r *SessionRouter) Notify(_ context.Context, clientID string, payload map[string]any) error {
	r.mu.Lock()
	sessionID, ok := r.routes[clientID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	err := r.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		r.Forget(clientID)
		return nil
	}
	return err
}
