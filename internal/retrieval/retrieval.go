// Package retrieval assembles agent-facing context out of the memory store:
// rules first, then a working-memory tier, then long-term results, under a
// token estimate callers can budget against.
package retrieval

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// Mode selects which layers the context assembler consults.
type Mode string

const (
	ModeAll       Mode = "all"
	ModeRulesOnly Mode = "rules_only"
	ModeWorking   Mode = "working"
	ModeLongTerm  Mode = "long_term"
)

// contextMemoryTypes are the non-rule types eligible for the memories slice.
var contextMemoryTypes = []types.MemoryType{types.TypeDecision, types.TypeFact, types.TypeNote}

// Store is the slice of the storage layer the pipeline reads through.
type Store interface {
	GetRules(ctx context.Context, opts storage.ListOptions) ([]types.Memory, error)
	SearchWithFallback(ctx context.Context, opts storage.SearchOptions) ([]types.Memory, string, error)
	RecordRetrievalMetric(ctx context.Context, operation string, hybridRequested, fellBack bool, fallbackReason string, durationMS int64) error
}

// Service is the retrieval pipeline over one tenant store.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ContextRequest is one GetContext call.
type ContextRequest struct {
	Query     string
	ProjectID string
	UserID    string
	Limit     int
	Mode      Mode
}

// ContextResult is the assembled context. Rules are always populated;
// memories never contain rule-type rows.
type ContextResult struct {
	Rules           []types.Memory `json:"rules"`
	Memories        []types.Memory `json:"memories"`
	EstimatedTokens int            `json:"estimated_tokens"`
}

// GetContext resolves rules, then layers the memory tiers working-first.
func (s *Service) GetContext(ctx context.Context, req ContextRequest) (*ContextResult, error) {
	start := s.now()
	mode := req.Mode
	if mode == "" {
		mode = ModeAll
	}
	limit := storage.ClampLimit(req.Limit, storage.DefaultContextLimit, storage.MaxLongTermLimit)

	scope := storage.ScopeFilter{ProjectID: req.ProjectID}

	rules, err := s.store.GetRules(ctx, storage.ListOptions{
		Scope:  scope,
		UserID: req.UserID,
	})
	if err != nil {
		return nil, err
	}

	result := &ContextResult{Rules: rules, Memories: []types.Memory{}}

	query := strings.TrimSpace(req.Query)
	hybrid := mode != ModeRulesOnly && query != ""
	fellBack := false
	fallbackReason := ""

	if hybrid {
		// Working tier first: fresh scratch state outranks long-term recall.
		if mode == ModeAll || mode == ModeWorking {
			tier, reason, err := s.store.SearchWithFallback(ctx, storage.SearchOptions{
				Query:  query,
				UserID: req.UserID,
				Scope:  scope,
				Layers: []types.MemoryLayer{types.LayerWorking},
				Types:  contextMemoryTypes,
				Limit:  minInt(limit, storage.MaxWorkingTierLimit),
			})
			if err != nil {
				return nil, err
			}
			if reason != "" {
				fellBack, fallbackReason = true, reason
			}
			result.Memories = append(result.Memories, tier...)
		}

		if remaining := limit - len(result.Memories); remaining > 0 && mode != ModeWorking {
			tier, reason, err := s.store.SearchWithFallback(ctx, storage.SearchOptions{
				Query:  query,
				UserID: req.UserID,
				Scope:  scope,
				Layers: []types.MemoryLayer{types.LayerLongTerm},
				Types:  contextMemoryTypes,
				Limit:  minInt(remaining, storage.MaxLongTermLimit),
			})
			if err != nil {
				return nil, err
			}
			if reason != "" {
				fellBack, fallbackReason = true, reason
			}
			result.Memories = append(result.Memories, tier...)
		}
	}

	result.EstimatedTokens = EstimateContextTokens(result.Rules, result.Memories)

	duration := s.now().Sub(start).Milliseconds()
	if err := s.store.RecordRetrievalMetric(ctx, "context", hybrid, fellBack, fallbackReason, duration); err != nil {
		s.logger.Warn("failed to record retrieval metric", "error", err)
	}
	return result, nil
}

// Search runs an instrumented search over the store.
func (s *Service) Search(ctx context.Context, opts storage.SearchOptions) ([]types.Memory, error) {
	start := s.now()
	memories, reason, err := s.store.SearchWithFallback(ctx, opts)
	if err != nil {
		return nil, err
	}

	duration := s.now().Sub(start).Milliseconds()
	hybrid := strings.TrimSpace(opts.Query) != ""
	if mErr := s.store.RecordRetrievalMetric(ctx, "search", hybrid, reason != "", reason, duration); mErr != nil {
		s.logger.Warn("failed to record retrieval metric", "error", mErr)
	}
	return memories, nil
}

// EstimateContextTokens approximates the token footprint of an assembled
// context: a 24-token envelope, 8 per rule plus its content and tags at four
// characters per token, 12 per memory plus content, tags, and category.
func EstimateContextTokens(rules, memories []types.Memory) int {
	total := 24
	for _, r := range rules {
		total += 8 + EstimateTextTokens(r.Content) + EstimateTextTokens(types.JoinTokens(r.Tags))
	}
	for _, m := range memories {
		total += 12 + EstimateTextTokens(m.Content) + EstimateTextTokens(types.JoinTokens(m.Tags))
		if m.Category != "" {
			total += EstimateTextTokens(m.Category)
		}
	}
	return total
}

// EstimateTextTokens is the shared four-characters-per-token heuristic.
func EstimateTextTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
