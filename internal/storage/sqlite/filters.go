package sqlite

import (
	"strings"
	"time"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// Filter builders return (clause, args) pairs that the query sites AND
// together. Every read path starts from activeFilter.

// activeFilter excludes soft-deleted and expired rows.
func activeFilter(now time.Time) (string, []any) {
	return "deleted_at IS NULL AND (expires_at IS NULL OR expires_at > ?)", []any{now}
}

// userScopeFilter restricts to shared rows plus the caller's private rows.
// Without a user id only shared rows are visible.
func userScopeFilter(userID string) (string, []any) {
	if userID == "" {
		return "user_id IS NULL", nil
	}
	return "(user_id IS NULL OR user_id = ?)", []any{userID}
}

// scopeFilter restricts rows by the global/project scope selection.
func scopeFilter(f storage.ScopeFilter) (string, []any) {
	switch {
	case f.ProjectOnly && f.ProjectID != "":
		return "(scope = 'project' AND project_id = ?)", []any{f.ProjectID}
	case f.GlobalOnly:
		return "scope = 'global'", nil
	case f.ProjectID != "":
		return "(scope = 'global' OR (scope = 'project' AND project_id = ?))", []any{f.ProjectID}
	default:
		return "scope = 'global'", nil
	}
}

// layerFilter combines the requested layers with OR. Legacy rows written
// before the memory_layer column existed are classified by type: a NULL
// layer with type=rule is a rule, anything else is long_term.
func layerFilter(layers []types.MemoryLayer) (string, []any) {
	if len(layers) == 0 {
		return "", nil
	}
	var parts []string
	for _, l := range layers {
		switch l {
		case types.LayerRule:
			parts = append(parts, "(memory_layer = 'rule' OR type = 'rule')")
		case types.LayerWorking:
			parts = append(parts, "memory_layer = 'working'")
		case types.LayerLongTerm:
			parts = append(parts, "(memory_layer = 'long_term' OR (memory_layer IS NULL AND type != 'rule'))")
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	return "(" + strings.Join(parts, " OR ") + ")", nil
}

// typeFilter restricts by memory type with an IN list.
func typeFilter(memTypes []types.MemoryType) (string, []any) {
	if len(memTypes) == 0 {
		return "", nil
	}
	placeholders := make([]string, len(memTypes))
	args := make([]any, len(memTypes))
	for i, t := range memTypes {
		placeholders[i] = "?"
		args[i] = string(t)
	}
	return "type IN (" + strings.Join(placeholders, ", ") + ")", args
}

// tagFilter matches rows whose comma-joined tags contain any of the given
// tags as substrings.
func tagFilter(tags []string) (string, []any) {
	if len(tags) == 0 {
		return "", nil
	}
	var parts []string
	var args []any
	for _, tag := range tags {
		parts = append(parts, "tags LIKE ?")
		args = append(args, "%"+tag+"%")
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

// globToLike translates a shell-style glob into a LIKE pattern: * → %,
// ? → _, with literal %, _ and \ escaped for ESCAPE '\'.
func globToLike(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// whereClause joins non-empty condition fragments with AND.
func whereClause(conditions []string) string {
	var kept []string
	for _, c := range conditions {
		if c != "" {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(kept, " AND ")
}
