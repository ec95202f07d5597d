// Package types defines the shared domain model for the Engram memory
// service: memories, their history, embeddings, sessions, and links.
package types

import (
	"crypto/rand"
	"strings"
	"time"
)

// MemoryType classifies what kind of knowledge a memory captures.
type MemoryType string

const (
	TypeRule     MemoryType = "rule"
	TypeDecision MemoryType = "decision"
	TypeFact     MemoryType = "fact"
	TypeNote     MemoryType = "note"
	TypeSkill    MemoryType = "skill"
)

// IsValidMemoryType reports whether t is one of the known memory types.
func IsValidMemoryType(t MemoryType) bool {
	switch t {
	case TypeRule, TypeDecision, TypeFact, TypeNote, TypeSkill:
		return true
	}
	return false
}

// MemoryLayer controls retrieval eligibility and TTL behaviour.
type MemoryLayer string

const (
	LayerRule     MemoryLayer = "rule"
	LayerWorking  MemoryLayer = "working"
	LayerLongTerm MemoryLayer = "long_term"
)

// IsValidLayer reports whether l is one of the known memory layers.
func IsValidLayer(l MemoryLayer) bool {
	switch l {
	case LayerRule, LayerWorking, LayerLongTerm:
		return true
	}
	return false
}

// DefaultLayerFor returns the layer a memory of the given type lands in when
// the caller does not specify one: rules live in the rule layer, everything
// else defaults to long_term.
func DefaultLayerFor(t MemoryType) MemoryLayer {
	if t == TypeRule {
		return LayerRule
	}
	return LayerLongTerm
}

// MemoryScope is either tenant-wide (global) or bound to a single project.
type MemoryScope string

const (
	ScopeGlobal  MemoryScope = "global"
	ScopeProject MemoryScope = "project"
)

// Memory is the central record: a typed, scoped, soft-deletable piece of
// text owned by a tenant database.
type Memory struct {
	// ID is an opaque 12-character URL-safe identifier, unique within a
	// tenant database.
	ID string `json:"id"`

	// Content is the non-empty, trimmed memory text.
	Content string `json:"content"`

	Type  MemoryType  `json:"type"`
	Layer MemoryLayer `json:"layer"`
	Scope MemoryScope `json:"scope"`

	// ProjectID is set iff Scope == ScopeProject.
	ProjectID string `json:"project_id,omitempty"`

	// UserID, when set, makes the row private to that user within the
	// tenant. Rows without a user id are shared.
	UserID string `json:"user_id,omitempty"`

	// Tags and Paths are normalized token lists (trimmed, de-duplicated,
	// blanks dropped). Stored comma-joined.
	Tags  []string `json:"tags,omitempty"`
	Paths []string `json:"paths,omitempty"`

	Category string         `json:"category,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Provenance.
	SourceSessionID string     `json:"source_session_id,omitempty"`
	Confidence      *float64   `json:"confidence,omitempty"`
	LastConfirmedAt *time.Time `json:"last_confirmed_at,omitempty"`

	// Curation. UpsertKey is a normalized "type:slug" that makes the memory
	// idempotently overwritable; SupersededBy points at the winning memory
	// after consolidation.
	UpsertKey    string     `json:"upsert_key,omitempty"`
	SupersededBy string     `json:"superseded_by,omitempty"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`

	// ExpiresAt is non-nil for working-layer memories.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Active reports whether the memory is visible to read paths at the given
// instant: not soft-deleted and not expired.
func (m *Memory) Active(now time.Time) bool {
	if m.DeletedAt != nil {
		return false
	}
	if m.ExpiresAt != nil && !m.ExpiresAt.After(now) {
		return false
	}
	return true
}

// MemoryHistory is an append-only prior version of a memory, recorded before
// every identity-preserving mutation.
type MemoryHistory struct {
	MemoryID   string         `json:"memory_id"`
	ChangeType string         `json:"change_type"`
	Content    string         `json:"content"`
	Type       MemoryType     `json:"type"`
	Tags       []string       `json:"tags,omitempty"`
	Category   string         `json:"category,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ChangedAt  time.Time      `json:"changed_at"`
}

// History change types.
const (
	ChangeUpdated      = "updated"
	ChangeConsolidated = "consolidated"
)

// MemoryLink is a directional relation between two memories.
type MemoryLink struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	LinkType  string    `json:"link_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Link types written by the consolidation engine.
const (
	LinkSupersedes  = "supersedes"
	LinkContradicts = "contradicts"
)

// idAlphabet is the 64-symbol URL-safe alphabet used for memory ids.
const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-_"

// MemoryIDLength is the fixed length of generated memory ids.
const MemoryIDLength = 12

// NewMemoryID generates a random 12-character URL-safe identifier.
// The alphabet has 64 symbols so each byte of entropy maps cleanly to one
// character without modulo bias.
func NewMemoryID() string {
	buf := make([]byte, MemoryIDLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; panicking here is
		// preferable to silently issuing colliding ids.
		panic("types: crypto/rand read failed: " + err.Error())
	}
	out := make([]byte, MemoryIDLength)
	for i, b := range buf {
		out[i] = idAlphabet[b&0x3f]
	}
	return string(out)
}

// NormalizeTokens trims each token, drops blanks, and de-duplicates while
// preserving first occurrence. Used for tags and paths.
func NormalizeTokens(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	var out []string
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// JoinTokens renders a normalized token list into its comma-joined storage
// form. Returns the empty string for an empty list.
func JoinTokens(tokens []string) string {
	return strings.Join(NormalizeTokens(tokens), ",")
}

// SplitTokens parses the comma-joined storage form back into a token list.
func SplitTokens(s string) []string {
	if s == "" {
		return nil
	}
	return NormalizeTokens(strings.Split(s, ","))
}

// slugMaxLen caps upsert-key slugs so keys stay index-friendly.
const slugMaxLen = 60

// Slugify lowercases s, replaces runs of non-alphanumerics with single
// hyphens, trims leading/trailing hyphens, and truncates to slugMaxLen.
func Slugify(s string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > slugMaxLen {
		out = strings.Trim(out[:slugMaxLen], "-")
	}
	return out
}

// DeriveUpsertKey builds the normalized "type:slug" upsert key for a memory.
// The slug comes from the category when present, otherwise from the first
// line of the content. Returns "" when no usable slug can be derived.
func DeriveUpsertKey(t MemoryType, category, content string) string {
	source := strings.TrimSpace(category)
	if source == "" {
		line := content
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		source = strings.TrimSpace(line)
	}
	slug := Slugify(source)
	if slug == "" {
		return ""
	}
	return string(t) + ":" + slug
}

// NormalizeUpsertKey canonicalizes a caller-supplied upsert key: lowercase,
// trimmed, with the slug portion re-slugified. A key without a type prefix
// gets one from t.
func NormalizeUpsertKey(t MemoryType, key string) string {
	key = strings.TrimSpace(strings.ToLower(key))
	if key == "" {
		return ""
	}
	typ, slug, ok := strings.Cut(key, ":")
	if !ok {
		return string(t) + ":" + Slugify(key)
	}
	return typ + ":" + Slugify(slug)
}

// NormalizeContent lowercases and collapses interior whitespace. The
// consolidation engine uses it to decide whether two memories with the same
// upsert key actually disagree.
func NormalizeContent(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
