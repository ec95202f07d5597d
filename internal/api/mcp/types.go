// Package mcp is the JSON-RPC 2.0 surface of the memory service: method
// dispatch, the tool catalog, and the HTTP+SSE transport.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/engramlabs/engram/internal/apierror"
)

// ProtocolVersion is the MCP protocol revision this server speaks.
const ProtocolVersion = "2024-11-05"

// rpcRequest is one incoming JSON-RPC 2.0 call.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// notification reports whether the request expects no response.
func (r *rpcRequest) notification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// rpcResponse is one outgoing JSON-RPC 2.0 reply.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func newResponse(id json.RawMessage, result any) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func newErrorResponse(id json.RawMessage, code int, message string, data any) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message, Data: data}}
}

// apiErrorResponse maps a typed error onto the RPC wire shape, carrying the
// taxonomy fields as error data.
func apiErrorResponse(id json.RawMessage, err *apierror.Error) *rpcResponse {
	return newErrorResponse(id, err.RPCCode(), err.Message, map[string]any{
		"kind":      err.Kind,
		"code":      err.Code,
		"retryable": err.Retryable,
	})
}

// ContentBlock is one MCP content item; this server only emits text.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// envelopeMeta identifies which tool produced a result and when.
type envelopeMeta struct {
	Version   string    `json:"version"`
	Tool      string    `json:"tool"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolResult is the MCP tools/call result: a text rendering plus the
// structured envelope with the tool's fields flattened alongside it.
type ToolResult struct {
	Content           []ContentBlock `json:"content"`
	StructuredContent map[string]any `json:"structuredContent"`
	IsError           bool           `json:"isError,omitempty"`
}

// newToolResult wraps tool output in the response envelope. Data keys are
// merged into structuredContent next to ok/data/error/meta.
func newToolResult(version, tool string, at time.Time, data map[string]any, toolErr *apierror.Error) *ToolResult {
	structured := map[string]any{
		"ok":   toolErr == nil,
		"meta": envelopeMeta{Version: version, Tool: tool, Timestamp: at},
	}
	if toolErr != nil {
		structured["error"] = toolErr
	} else {
		structured["data"] = data
		for k, v := range data {
			if _, reserved := structured[k]; !reserved {
				structured[k] = v
			}
		}
	}

	var text string
	if toolErr != nil {
		text = toolErr.Message
	} else if raw, err := json.MarshalIndent(data, "", "  "); err == nil {
		text = string(raw)
	}

	return &ToolResult{
		Content:           []ContentBlock{{Type: "text", Text: text}},
		StructuredContent: structured,
		IsError:           toolErr != nil,
	}
}

// Tool describes one catalog entry for tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// schema builds a JSON-schema object with the given properties and required
// names.
func schema(properties map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

func stringArrayProp(description string) map[string]any {
	return map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": description,
	}
}
