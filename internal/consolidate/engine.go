// Package consolidate dedupes the memory store: memories that share an
// upsert key collapse onto the freshest one, with links recording what was
// superseded and where the content actually disagreed.
package consolidate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/internal/storage/sqlite"
	"github.com/engramlabs/engram/pkg/types"
)

// Store is the slice of the sqlite store the engine needs.
type Store interface {
	ConsolidationCandidates(ctx context.Context, scope storage.ScopeFilter, memTypes []types.MemoryType) ([]types.Memory, error)
	PersistUpsertKey(ctx context.Context, memoryID, upsertKey string) error
	SupersedeMemory(ctx context.Context, loser *types.Memory, winnerID, upsertKey string, at time.Time) error
	InsertLink(ctx context.Context, sourceID, targetID, linkType string) error
	InsertConsolidationRun(ctx context.Context, run *sqlite.ConsolidationRun) error
}

// Engine runs consolidation passes over one tenant store.
type Engine struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine builds a consolidation engine.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request scopes one consolidation pass.
type Request struct {
	ProjectID     string             `json:"project_id,omitempty"`
	IncludeGlobal bool               `json:"include_global,omitempty"`
	GlobalOnly    bool               `json:"global_only,omitempty"`
	Types         []types.MemoryType `json:"types,omitempty"`
	DryRun        bool               `json:"dry_run,omitempty"`
	Model         string             `json:"model,omitempty"`
}

// MergeGroup describes one key's collapse: the surviving memory and the ones
// folded into it.
type MergeGroup struct {
	UpsertKey   string   `json:"upsert_key"`
	WinnerID    string   `json:"winner_id"`
	LoserIDs    []string `json:"loser_ids"`
	Conflicting bool     `json:"conflicting"`
}

// Result summarizes one pass.
type Result struct {
	RunID           string       `json:"run_id,omitempty"`
	InputCount      int          `json:"input_count"`
	MergedCount     int          `json:"merged_count"`
	SupersededCount int          `json:"superseded_count"`
	ConflictedCount int          `json:"conflicted_count"`
	DryRun          bool         `json:"dry_run"`
	Groups          []MergeGroup `json:"groups,omitempty"`
}

// groupKey identifies one dedup bucket. Memories only collapse within the
// same scope, project, and type.
type groupKey struct {
	scope     types.MemoryScope
	projectID string
	memType   types.MemoryType
	upsertKey string
}

// Consolidate collapses duplicate memories onto the newest row per upsert
// key. Keys are derived (and, outside dry runs, persisted) for memories that
// lack one; rows with no derivable key are skipped. Losers are superseded
// with a supersedes link back from the winner, plus a contradicts link when
// their normalized content differs. Superseded rows never re-enter a later
// pass, so repeated runs are no-ops.
func (e *Engine) Consolidate(ctx context.Context, req Request) (*Result, error) {
	scope := storage.ScopeFilter{GlobalOnly: req.GlobalOnly}
	if !req.GlobalOnly {
		scope.ProjectID = req.ProjectID
		scope.ProjectOnly = req.ProjectID != "" && !req.IncludeGlobal
	}

	candidates, err := e.store.ConsolidationCandidates(ctx, scope, req.Types)
	if err != nil {
		return nil, fmt.Errorf("consolidate: load candidates: %w", err)
	}

	result := &Result{InputCount: len(candidates), DryRun: req.DryRun}

	// Candidates arrive updated_at DESC, created_at DESC, so the first
	// member of every bucket is its winner.
	groups := make(map[groupKey][]types.Memory)
	var order []groupKey
	for _, m := range candidates {
		key := m.UpsertKey
		if key == "" {
			key = types.DeriveUpsertKey(m.Type, m.Category, m.Content)
			if key == "" {
				continue
			}
			if !req.DryRun {
				if err := e.store.PersistUpsertKey(ctx, m.ID, key); err != nil {
					return nil, err
				}
			}
		}
		gk := groupKey{scope: m.Scope, projectID: projectBucket(m), memType: m.Type, upsertKey: key}
		if _, seen := groups[gk]; !seen {
			order = append(order, gk)
		}
		groups[gk] = append(groups[gk], m)
	}

	at := e.now()
	for _, gk := range order {
		members := groups[gk]
		if len(members) < 2 {
			continue
		}

		winner := members[0]
		group := MergeGroup{UpsertKey: gk.upsertKey, WinnerID: winner.ID}
		winnerNorm := types.NormalizeContent(winner.Content)

		for _, loser := range members[1:] {
			conflicting := types.NormalizeContent(loser.Content) != winnerNorm
			if conflicting {
				group.Conflicting = true
			}
			group.LoserIDs = append(group.LoserIDs, loser.ID)
			result.SupersededCount++

			if req.DryRun {
				continue
			}
			loser := loser
			if err := e.store.SupersedeMemory(ctx, &loser, winner.ID, gk.upsertKey, at); err != nil {
				return nil, err
			}
			if err := e.store.InsertLink(ctx, winner.ID, loser.ID, types.LinkSupersedes); err != nil {
				return nil, err
			}
			if conflicting {
				if err := e.store.InsertLink(ctx, winner.ID, loser.ID, types.LinkContradicts); err != nil {
					return nil, err
				}
			}
		}

		result.MergedCount++
		if group.Conflicting {
			result.ConflictedCount++
		}
		result.Groups = append(result.Groups, group)
	}

	run := &sqlite.ConsolidationRun{
		ProjectID:       req.ProjectID,
		InputCount:      result.InputCount,
		MergedCount:     result.MergedCount,
		SupersededCount: result.SupersededCount,
		ConflictedCount: result.ConflictedCount,
		DryRun:          req.DryRun,
		Model:           req.Model,
	}
	if err := e.store.InsertConsolidationRun(ctx, run); err != nil {
		e.logger.Warn("failed to record consolidation run", "error", err)
	} else {
		result.RunID = run.ID
	}

	e.logger.Info("consolidation pass finished",
		"input", result.InputCount,
		"merged", result.MergedCount,
		"superseded", result.SupersededCount,
		"conflicted", result.ConflictedCount,
		"dry_run", result.DryRun)
	return result, nil
}

// projectBucket folds global rows into one bucket regardless of project.
func projectBucket(m types.Memory) string {
	if m.Scope == types.ScopeProject {
		return m.ProjectID
	}
	return "global"
}
