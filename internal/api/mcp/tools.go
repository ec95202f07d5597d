package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/engramlabs/engram/internal/apierror"
	"github.com/engramlabs/engram/internal/retrieval"
	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/internal/storage/sqlite"
	"github.com/engramlabs/engram/pkg/types"
)

// MCP surface limits, tighter than the engine defaults: tool output lands in
// a model context window.
const (
	mcpContextLimit = 5
	mcpSearchLimit  = 10
	mcpListLimit    = 20

	// bulkPreviewCap bounds dry-run scans; one extra row distinguishes
	// "exactly 1000" from "more than 1000".
	bulkPreviewCap = 1001
)

// routingArgs are the fields every tool may carry to steer tenancy.
type routingArgs struct {
	TenantID  string `json:"tenant_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

type toolHandler func(ctx context.Context, s *Server, store *sqlite.Store, args json.RawMessage) (map[string]any, error)

type toolEntry struct {
	tool    Tool
	handler toolHandler
}

// toolCatalog returns the nine memory tools in their published order.
func toolCatalog() []toolEntry {
	routing := func(props map[string]any) map[string]any {
		props["project_id"] = prop("string", "Project to scope the operation to")
		props["user_id"] = prop("string", "User whose private memories are visible")
		props["tenant_id"] = prop("string", "Explicit tenant database override")
		return props
	}

	return []toolEntry{
		{
			tool: Tool{
				Name:        "get_context",
				Description: "Retrieve rules plus the most relevant memories for a query, working tier first.",
				InputSchema: schema(routing(map[string]any{
					"query": prop("string", "Free-text query; empty returns rules only"),
					"limit": prop("integer", "Maximum memories to return (default 5)"),
					"mode":  prop("string", "all, rules_only, working, or long_term"),
				})),
			},
			handler: handleGetContext,
		},
		{
			tool: Tool{
				Name:        "get_rules",
				Description: "List rule memories, global rules first, then project rules.",
				InputSchema: schema(routing(map[string]any{})),
			},
			handler: handleGetRules,
		},
		{
			tool: Tool{
				Name:        "add_memory",
				Description: "Store a memory. Working-layer memories expire; rules default to the rule layer.",
				InputSchema: schema(routing(map[string]any{
					"content":  prop("string", "Memory content"),
					"type":     prop("string", "rule, decision, fact, or note (default note)"),
					"layer":    prop("string", "rule, working, or long_term"),
					"tags":     stringArrayProp("Tags for filtering"),
					"paths":    stringArrayProp("Related file paths"),
					"category": prop("string", "Category; also seeds the upsert key"),
					"metadata": prop("object", "Arbitrary JSON metadata"),
				}), "content"),
			},
			handler: handleAddMemory,
		},
		{
			tool: Tool{
				Name:        "edit_memory",
				Description: "Update fields of an existing memory. Only provided fields change.",
				InputSchema: schema(routing(map[string]any{
					"id":       prop("string", "Memory id"),
					"content":  prop("string", "New content"),
					"type":     prop("string", "New type"),
					"tags":     stringArrayProp("Replacement tags"),
					"paths":    stringArrayProp("Replacement paths"),
					"category": prop("string", "New category"),
					"metadata": prop("object", "Replacement metadata"),
				}), "id"),
			},
			handler: handleEditMemory,
		},
		{
			tool: Tool{
				Name:        "forget_memory",
				Description: "Soft-delete a memory by id.",
				InputSchema: schema(routing(map[string]any{
					"id": prop("string", "Memory id"),
				}), "id"),
			},
			handler: handleForgetMemory,
		},
		{
			tool: Tool{
				Name:        "search_memories",
				Description: "Full-text search over active memories.",
				InputSchema: schema(routing(map[string]any{
					"query": prop("string", "Search query"),
					"type":  prop("string", "Restrict to one memory type"),
					"layer": prop("string", "Restrict to one memory layer"),
					"limit": prop("integer", "Maximum results (default 10)"),
				}), "query"),
			},
			handler: handleSearchMemories,
		},
		{
			tool: Tool{
				Name:        "list_memories",
				Description: "List active memories without a text match.",
				InputSchema: schema(routing(map[string]any{
					"type":  prop("string", "Restrict to one memory type"),
					"layer": prop("string", "Restrict to one memory layer"),
					"tags":  stringArrayProp("Require any of these tags"),
					"limit": prop("integer", "Maximum results (default 20)"),
				})),
			},
			handler: handleListMemories,
		},
		{
			tool: Tool{
				Name:        "bulk_forget_memories",
				Description: "Soft-delete memories matching filters. Use dry_run to preview.",
				InputSchema: schema(routing(map[string]any{
					"types":           stringArrayProp("Memory types to match"),
					"tags":            stringArrayProp("Match any of these tags"),
					"older_than_days": prop("integer", "Only memories created before this many days ago"),
					"pattern":         prop("string", "Content glob; * and ? wildcards"),
					"all":             prop("boolean", "Select every active memory; cannot combine with filters"),
					"dry_run":         prop("boolean", "Preview the matches without deleting"),
				})),
			},
			handler: handleBulkForget,
		},
		{
			tool: Tool{
				Name:        "vacuum_memories",
				Description: "Permanently remove soft-deleted memories.",
				InputSchema: schema(routing(map[string]any{})),
			},
			handler: handleVacuum,
		},
	}
}

// decodeArgs unmarshals tool arguments, mapping malformed input to the
// validation taxonomy.
func decodeArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return apierror.Validation(apierror.CodeBulkForgetInvalidFilters, "arguments do not match the tool schema").WithCause(err)
	}
	return nil
}

// toStoreError converts engine sentinel errors to the public taxonomy.
func toStoreError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apierror.NotFound(apierror.CodeMemoryNotFound, "memory not found")
	case errors.Is(err, storage.ErrInvalidInput):
		return apierror.Validation(apierror.CodeMemoryContentRequired, err.Error())
	default:
		return err
	}
}

func handleGetContext(ctx context.Context, s *Server, store *sqlite.Store, args json.RawMessage) (map[string]any, error) {
	var in struct {
		routingArgs
		Query string `json:"query,omitempty"`
		Limit int    `json:"limit,omitempty"`
		Mode  string `json:"mode,omitempty"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Limit <= 0 {
		in.Limit = mcpContextLimit
	}

	svc := retrieval.NewService(store, retrieval.WithLogger(s.logger))
	result, err := svc.GetContext(ctx, retrieval.ContextRequest{
		Query:     in.Query,
		ProjectID: in.ProjectID,
		UserID:    in.UserID,
		Limit:     in.Limit,
		Mode:      retrieval.Mode(in.Mode),
	})
	if err != nil {
		return nil, toStoreError(err)
	}
	return map[string]any{
		"rules":            memoriesOrEmpty(result.Rules),
		"memories":         memoriesOrEmpty(result.Memories),
		"estimated_tokens": result.EstimatedTokens,
	}, nil
}

func handleGetRules(ctx context.Context, s *Server, store *sqlite.Store, args json.RawMessage) (map[string]any, error) {
	var in routingArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}

	rules, err := store.GetRules(ctx, storage.ListOptions{
		UserID: in.UserID,
		Scope:  storage.ScopeFilter{ProjectID: in.ProjectID},
	})
	if err != nil {
		return nil, toStoreError(err)
	}
	return map[string]any{"rules": memoriesOrEmpty(rules), "count": len(rules)}, nil
}

func handleAddMemory(ctx context.Context, s *Server, store *sqlite.Store, args json.RawMessage) (map[string]any, error) {
	var in struct {
		routingArgs
		Content  string         `json:"content"`
		Type     string         `json:"type,omitempty"`
		Layer    string         `json:"layer,omitempty"`
		Tags     []string       `json:"tags,omitempty"`
		Paths    []string       `json:"paths,omitempty"`
		Category string         `json:"category,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Content == "" {
		return nil, apierror.Validation(apierror.CodeMemoryContentRequired, "content is required")
	}
	if in.Layer != "" && !types.IsValidLayer(types.MemoryLayer(in.Layer)) {
		return nil, apierror.Validation(apierror.CodeMemoryLayerInvalid,
			fmt.Sprintf("unknown memory layer %q", in.Layer))
	}

	mem, err := store.Add(ctx, in.Content, storage.AddOptions{
		Type:     types.MemoryType(in.Type),
		Layer:    types.MemoryLayer(in.Layer),
		Scope:    storage.ScopeFilter{ProjectID: in.ProjectID},
		UserID:   in.UserID,
		Tags:     in.Tags,
		Paths:    in.Paths,
		Category: in.Category,
		Metadata: in.Metadata,
	})
	if err != nil {
		return nil, toStoreError(err)
	}
	return map[string]any{"memory": mem}, nil
}

func handleEditMemory(ctx context.Context, s *Server, store *sqlite.Store, args json.RawMessage) (map[string]any, error) {
	var in struct {
		routingArgs
		ID       string          `json:"id"`
		Content  *string         `json:"content,omitempty"`
		Type     *string         `json:"type,omitempty"`
		Tags     *[]string       `json:"tags,omitempty"`
		Paths    *[]string       `json:"paths,omitempty"`
		Category *string         `json:"category,omitempty"`
		Metadata *map[string]any `json:"metadata,omitempty"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.ID == "" {
		return nil, apierror.Validation(apierror.CodeMemoryIDRequired, "memory id is required")
	}

	req := storage.UpdateRequest{
		Content:  in.Content,
		Tags:     in.Tags,
		Paths:    in.Paths,
		Category: in.Category,
		Metadata: in.Metadata,
	}
	if in.Type != nil {
		memType := types.MemoryType(*in.Type)
		req.Type = &memType
	}

	mem, err := store.Update(ctx, in.ID, req)
	if err != nil {
		return nil, toStoreError(err)
	}
	return map[string]any{"memory": mem}, nil
}

func handleForgetMemory(ctx context.Context, s *Server, store *sqlite.Store, args json.RawMessage) (map[string]any, error) {
	var in struct {
		routingArgs
		ID string `json:"id"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.ID == "" {
		return nil, apierror.Validation(apierror.CodeMemoryIDRequired, "memory id is required")
	}

	deleted, err := store.Forget(ctx, in.ID, in.UserID)
	if err != nil {
		return nil, toStoreError(err)
	}
	return map[string]any{"deleted": deleted, "id": in.ID}, nil
}

func handleSearchMemories(ctx context.Context, s *Server, store *sqlite.Store, args json.RawMessage) (map[string]any, error) {
	var in struct {
		routingArgs
		Query string `json:"query"`
		Type  string `json:"type,omitempty"`
		Layer string `json:"layer,omitempty"`
		Limit int    `json:"limit,omitempty"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Query == "" {
		return nil, apierror.Validation(apierror.CodeQueryRequired, "query is required")
	}
	if in.Limit <= 0 {
		in.Limit = mcpSearchLimit
	}

	opts := storage.SearchOptions{
		Query:  in.Query,
		Limit:  in.Limit,
		UserID: in.UserID,
		Scope:  storage.ScopeFilter{ProjectID: in.ProjectID},
	}
	if in.Type != "" {
		opts.Types = []types.MemoryType{types.MemoryType(in.Type)}
	}
	if in.Layer != "" {
		opts.Layers = []types.MemoryLayer{types.MemoryLayer(in.Layer)}
	}

	svc := retrieval.NewService(store, retrieval.WithLogger(s.logger))
	memories, err := svc.Search(ctx, opts)
	if err != nil {
		return nil, toStoreError(err)
	}
	return map[string]any{"memories": memoriesOrEmpty(memories), "count": len(memories), "query": in.Query}, nil
}

func handleListMemories(ctx context.Context, s *Server, store *sqlite.Store, args json.RawMessage) (map[string]any, error) {
	var in struct {
		routingArgs
		Type  string   `json:"type,omitempty"`
		Layer string   `json:"layer,omitempty"`
		Tags  []string `json:"tags,omitempty"`
		Limit int      `json:"limit,omitempty"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Limit <= 0 {
		in.Limit = mcpListLimit
	}

	opts := storage.ListOptions{
		Limit:  in.Limit,
		UserID: in.UserID,
		Scope:  storage.ScopeFilter{ProjectID: in.ProjectID},
		Tags:   in.Tags,
	}
	if in.Type != "" {
		opts.Types = []types.MemoryType{types.MemoryType(in.Type)}
	}
	if in.Layer != "" {
		opts.Layers = []types.MemoryLayer{types.MemoryLayer(in.Layer)}
	}

	memories, err := store.List(ctx, opts)
	if err != nil {
		return nil, toStoreError(err)
	}
	return map[string]any{"memories": memoriesOrEmpty(memories), "count": len(memories)}, nil
}

func handleBulkForget(ctx context.Context, s *Server, store *sqlite.Store, args json.RawMessage) (map[string]any, error) {
	var in struct {
		routingArgs
		Types         []string `json:"types,omitempty"`
		Tags          []string `json:"tags,omitempty"`
		OlderThanDays int      `json:"older_than_days,omitempty"`
		Pattern       string   `json:"pattern,omitempty"`
		All           bool     `json:"all,omitempty"`
		DryRun        bool     `json:"dry_run,omitempty"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}

	filter := storage.ForgetFilter{
		Tags:          in.Tags,
		OlderThanDays: in.OlderThanDays,
		Pattern:       in.Pattern,
		ProjectID:     in.ProjectID,
		UserID:        in.UserID,
		All:           in.All,
	}
	for _, t := range in.Types {
		filter.Types = append(filter.Types, types.MemoryType(t))
	}

	if in.All && filter.HasCriteria() {
		return nil, apierror.Validation(apierror.CodeBulkForgetInvalidFilters,
			"all:true cannot be combined with other filters")
	}
	if !in.All && !filter.HasCriteria() {
		return nil, apierror.Validation(apierror.CodeBulkForgetNoFilters,
			"at least one filter (or all:true) is required")
	}

	if in.DryRun {
		filter.Limit = bulkPreviewCap
		matches, err := store.FindToForget(ctx, filter)
		if err != nil {
			return nil, toStoreError(err)
		}
		matched := any(len(matches))
		if len(matches) >= bulkPreviewCap {
			matched = "more than 1000"
		}
		return map[string]any{"dry_run": true, "matched": matched}, nil
	}

	matches, err := store.FindToForget(ctx, filter)
	if err != nil {
		return nil, toStoreError(err)
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	deleted, err := store.BulkForgetByIDs(ctx, ids, in.UserID)
	if err != nil {
		return nil, toStoreError(err)
	}
	return map[string]any{"deleted": deleted}, nil
}

func handleVacuum(ctx context.Context, s *Server, store *sqlite.Store, args json.RawMessage) (map[string]any, error) {
	var in routingArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}

	removed, err := store.Vacuum(ctx, in.UserID)
	if err != nil {
		return nil, toStoreError(err)
	}
	return map[string]any{"removed": removed}, nil
}

// memoriesOrEmpty keeps tool output arrays non-null for clients that expect
// [] over null.
func memoriesOrEmpty(memories []types.Memory) []types.Memory {
	if memories == nil {
		return []types.Memory{}
	}
	return memories
}
