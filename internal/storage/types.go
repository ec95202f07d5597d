// Package storage defines the persistence contracts for the Engram memory
// service: option structs, filters, sentinel errors, and the interfaces the
// SQLite implementation satisfies.
package storage

import (
	"errors"
	"time"

	"github.com/engramlabs/engram/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// Component default and maximum limits. Every operation that accepts a limit
// clamps it: non-positive falls back to the default, oversized is capped.
const (
	DefaultListLimit = 50
	MaxListLimit     = 100

	DefaultSearchLimit = 20
	MaxSearchLimit     = 50

	DefaultContextLimit = 10
	MaxWorkingTierLimit = 3
	MaxLongTermLimit    = 50
)

// ClampLimit applies the shared limit policy.
func ClampLimit(requested, def, max int) int {
	if requested <= 0 {
		return def
	}
	if requested > max {
		return max
	}
	return requested
}

// ScopeFilter selects which scopes a read operation covers. The zero value
// means both global and (when ProjectID is set) project rows.
type ScopeFilter struct {
	// GlobalOnly restricts to scope=global rows.
	GlobalOnly bool

	// ProjectID, when set, includes scope=project rows for that project.
	ProjectID string

	// ProjectOnly restricts to the project scope only (requires ProjectID).
	ProjectOnly bool
}

// AddOptions carries the optional fields for MemoryStore.Add.
type AddOptions struct {
	Type  types.MemoryType
	Layer types.MemoryLayer

	Scope     ScopeFilter
	UserID    string
	Tags      []string
	Paths     []string
	Category  string
	Metadata  map[string]any
	UpsertKey string

	SourceSessionID string
	Confidence      *float64

	// WorkingTTL overrides the configured TTL for working-layer rows.
	// Zero means use the store default.
	WorkingTTL time.Duration

	// SkipEmbedding suppresses the fire-and-forget embedding enqueue.
	SkipEmbedding bool
}

// SearchOptions carries the filter stack for full-text search.
type SearchOptions struct {
	Query  string
	Limit  int
	UserID string
	Scope  ScopeFilter
	Layers []types.MemoryLayer
	Types  []types.MemoryType
}

// Normalize applies the search limit policy.
func (o *SearchOptions) Normalize() {
	o.Limit = ClampLimit(o.Limit, DefaultSearchLimit, MaxSearchLimit)
}

// ListOptions carries the filter stack for listing without a text match.
type ListOptions struct {
	Limit  int
	UserID string
	Scope  ScopeFilter
	Layers []types.MemoryLayer
	Types  []types.MemoryType
	Tags   []string
}

// Normalize applies the list limit policy.
func (o *ListOptions) Normalize() {
	o.Limit = ClampLimit(o.Limit, DefaultListLimit, MaxListLimit)
}

// UpdateRequest names the fields Update may change. Nil pointers mean "leave
// unchanged"; this is how callers distinguish absent fields from explicit
// zero values.
type UpdateRequest struct {
	Content         *string
	Type            *types.MemoryType
	Layer           *types.MemoryLayer
	Tags            *[]string
	Paths           *[]string
	Category        *string
	Metadata        *map[string]any
	UpsertKey       *string
	SourceSessionID *string
	Confidence      *float64
	LastConfirmedAt *time.Time
	ExpiresAt       *time.Time

	// SkipHistory suppresses the history row normally written before the
	// mutation.
	SkipHistory bool
}

// Empty reports whether the request changes nothing.
func (r *UpdateRequest) Empty() bool {
	return r.Content == nil && r.Type == nil && r.Layer == nil &&
		r.Tags == nil && r.Paths == nil && r.Category == nil &&
		r.Metadata == nil && r.UpsertKey == nil && r.SourceSessionID == nil &&
		r.Confidence == nil && r.LastConfirmedAt == nil && r.ExpiresAt == nil
}

// ForgetFilter selects memories for bulk forget. All set fields are ANDed.
type ForgetFilter struct {
	Types         []types.MemoryType
	Tags          []string
	OlderThanDays int
	Pattern       string
	ProjectID     string
	UserID        string

	// All selects every active memory. The API layer rejects All combined
	// with any other filter.
	All bool

	// Limit caps the result set when positive. Previews use it to avoid an
	// unbounded scan.
	Limit int
}

// HasCriteria reports whether any narrowing filter is set.
func (f *ForgetFilter) HasCriteria() bool {
	return len(f.Types) > 0 || len(f.Tags) > 0 || f.OlderThanDays > 0 ||
		f.Pattern != "" || f.ProjectID != ""
}
