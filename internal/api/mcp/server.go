package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/engramlabs/engram/internal/apierror"
	"github.com/engramlabs/engram/internal/storage/sqlite"
	"github.com/engramlabs/engram/internal/tenant"
)

// StoreRouter resolves a request to its tenant store. *tenant.Router is the
// production implementation.
type StoreRouter interface {
	Route(ctx context.Context, req tenant.RouteRequest) (*sqlite.Store, *tenant.TenantDatabase, error)
}

// Server dispatches JSON-RPC methods and tool calls.
type Server struct {
	name    string
	version string
	router  StoreRouter
	logger  *slog.Logger
	now     func() time.Time

	tools    []toolEntry
	handlers map[string]toolHandler
}

// ServerOption configures a Server.
type ServerOption func(*Server)

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithServerClock(now func() time.Time) ServerOption {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer builds the dispatch layer over a store router.
func NewServer(name, version string, router StoreRouter, opts ...ServerOption) *Server {
	s := &Server{
		name:    name,
		version: version,
		router:  router,
		logger:  slog.Default(),
		now:     time.Now,
		tools:   toolCatalog(),
	}
	s.handlers = make(map[string]toolHandler, len(s.tools))
	for _, entry := range s.tools {
		s.handlers[entry.tool.Name] = entry.handler
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Descriptor is the public GET response for unauthenticated clients.
func (s *Server) Descriptor() map[string]any {
	return map[string]any{
		"status":    "ok",
		"name":      s.name,
		"version":   s.version,
		"transport": "sse",
	}
}

// Handle runs one JSON-RPC request for an authenticated user. Notifications
// return nil.
func (s *Server) Handle(ctx context.Context, req *rpcRequest, user *tenant.User) *rpcResponse {
	switch req.Method {
	case "initialize":
		return newResponse(req.ID, map[string]any{
			"protocolVersion": ProtocolVersion,
			"serverInfo":      map[string]any{"name": s.name, "version": s.version},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		})

	case "notifications/initialized":
		return nil

	case "ping":
		return newResponse(req.ID, map[string]any{})

	case "tools/list":
		tools := make([]Tool, len(s.tools))
		for i, entry := range s.tools {
			tools[i] = entry.tool
		}
		return newResponse(req.ID, map[string]any{"tools": tools})

	case "tools/call":
		return s.handleToolCall(ctx, req, user)

	default:
		return apiErrorResponse(req.ID,
			apierror.Method("method not found: "+req.Method))
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (s *Server) handleToolCall(ctx context.Context, req *rpcRequest, user *tenant.User) *rpcResponse {
	var params toolCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return newErrorResponse(req.ID, apierror.RPCInvalidParams, "invalid tools/call params", nil)
		}
	}
	if params.Name == "" {
		return newErrorResponse(req.ID, apierror.RPCInvalidParams, "tool name is required", nil)
	}

	handler, ok := s.handlers[params.Name]
	if !ok {
		return apiErrorResponse(req.ID,
			apierror.Tool(apierror.CodeToolNotFound, "unknown tool: "+params.Name))
	}

	// Routing fields ride inside the tool arguments.
	var route routingArgs
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &route); err != nil {
			return newErrorResponse(req.ID, apierror.RPCInvalidParams, "invalid tool arguments", nil)
		}
	}

	store, _, err := s.router.Route(ctx, tenant.RouteRequest{
		TenantID:  route.TenantID,
		ProjectID: route.ProjectID,
		User:      user,
	})
	if err != nil {
		apiErr := apierror.From(err)
		s.logger.Warn("tenant routing failed", "tool", params.Name, "code", apiErr.Code, "error", err)
		return apiErrorResponse(req.ID, apiErr)
	}

	start := s.now()
	data, err := handler(ctx, s, store, params.Arguments)
	if err != nil {
		apiErr := apierror.From(err)
		s.logger.Warn("tool call failed",
			"tool", params.Name,
			"code", apiErr.Code,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return apiErrorResponse(req.ID, apiErr)
	}

	return newResponse(req.ID, newToolResult(s.version, params.Name, s.now(), data, nil))
}
