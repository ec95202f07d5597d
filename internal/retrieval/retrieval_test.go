package retrieval

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

type fakeStore struct {
	rules    []types.Memory
	byLayer  map[types.MemoryLayer][]types.Memory
	reason   string
	searches []storage.SearchOptions
	metrics  []metricCall
}

type metricCall struct {
	operation string
	hybrid    bool
	fellBack  bool
	reason    string
}

func (f *fakeStore) GetRules(_ context.Context, _ storage.ListOptions) ([]types.Memory, error) {
	return f.rules, nil
}

func (f *fakeStore) SearchWithFallback(_ context.Context, opts storage.SearchOptions) ([]types.Memory, string, error) {
	f.searches = append(f.searches, opts)
	var layer types.MemoryLayer
	if len(opts.Layers) == 1 {
		layer = opts.Layers[0]
	}
	results := f.byLayer[layer]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, f.reason, nil
}

func (f *fakeStore) RecordRetrievalMetric(_ context.Context, operation string, hybrid, fellBack bool, reason string, _ int64) error {
	f.metrics = append(f.metrics, metricCall{operation, hybrid, fellBack, reason})
	return nil
}

func memoriesNamed(layer types.MemoryLayer, names ...string) []types.Memory {
	out := make([]types.Memory, 0, len(names))
	for _, n := range names {
		out = append(out, types.Memory{ID: n, Content: n, Type: types.TypeNote, Layer: layer})
	}
	return out
}

func TestGetContextTiersWorkingFirst(t *testing.T) {
	store := &fakeStore{
		rules: memoriesNamed(types.LayerRule, "rule-1"),
		byLayer: map[types.MemoryLayer][]types.Memory{
			types.LayerWorking:  memoriesNamed(types.LayerWorking, "w1", "w2", "w3", "w4"),
			types.LayerLongTerm: memoriesNamed(types.LayerLongTerm, "l1", "l2", "l3"),
		},
	}
	svc := NewService(store)

	result, err := svc.GetContext(context.Background(), ContextRequest{Query: "deploy", Limit: 5})
	require.NoError(t, err)

	require.Len(t, result.Rules, 1)
	// Working tier is capped at 3 regardless of the requested limit, and the
	// long-term tier fills the remainder.
	require.Len(t, result.Memories, 5)
	assert.Equal(t, "w1", result.Memories[0].ID)
	assert.Equal(t, "w3", result.Memories[2].ID)
	assert.Equal(t, "l1", result.Memories[3].ID)

	require.Len(t, store.searches, 2)
	assert.Equal(t, []types.MemoryLayer{types.LayerWorking}, store.searches[0].Layers)
	assert.Equal(t, 3, store.searches[0].Limit)
	assert.Equal(t, []types.MemoryLayer{types.LayerLongTerm}, store.searches[1].Layers)
	assert.Equal(t, 2, store.searches[1].Limit)

	// Neither tier ever asks for rule-type rows.
	for _, s := range store.searches {
		for _, typ := range s.Types {
			assert.NotEqual(t, types.TypeRule, typ)
		}
	}

	require.Len(t, store.metrics, 1)
	assert.Equal(t, "context", store.metrics[0].operation)
	assert.True(t, store.metrics[0].hybrid)
	assert.False(t, store.metrics[0].fellBack)
}

func TestGetContextRulesOnly(t *testing.T) {
	store := &fakeStore{
		rules: memoriesNamed(types.LayerRule, "rule-1", "rule-2"),
		byLayer: map[types.MemoryLayer][]types.Memory{
			types.LayerWorking: memoriesNamed(types.LayerWorking, "w1"),
		},
	}
	svc := NewService(store)

	result, err := svc.GetContext(context.Background(), ContextRequest{Query: "deploy", Mode: ModeRulesOnly})
	require.NoError(t, err)
	assert.Len(t, result.Rules, 2)
	assert.Empty(t, result.Memories)
	assert.Empty(t, store.searches)

	require.Len(t, store.metrics, 1)
	assert.False(t, store.metrics[0].hybrid)
}

func TestGetContextEmptyQuerySkipsSearch(t *testing.T) {
	store := &fakeStore{rules: memoriesNamed(types.LayerRule, "rule-1")}
	svc := NewService(store)

	result, err := svc.GetContext(context.Background(), ContextRequest{Query: "   "})
	require.NoError(t, err)
	assert.Len(t, result.Rules, 1)
	assert.Empty(t, result.Memories)
	assert.Empty(t, store.searches)
}

func TestGetContextModeSelectsLayer(t *testing.T) {
	store := &fakeStore{
		byLayer: map[types.MemoryLayer][]types.Memory{
			types.LayerWorking:  memoriesNamed(types.LayerWorking, "w1"),
			types.LayerLongTerm: memoriesNamed(types.LayerLongTerm, "l1"),
		},
	}
	svc := NewService(store)

	result, err := svc.GetContext(context.Background(), ContextRequest{Query: "q", Mode: ModeWorking})
	require.NoError(t, err)
	require.Len(t, result.Memories, 1)
	assert.Equal(t, "w1", result.Memories[0].ID)

	store.searches = nil
	result, err = svc.GetContext(context.Background(), ContextRequest{Query: "q", Mode: ModeLongTerm})
	require.NoError(t, err)
	require.Len(t, result.Memories, 1)
	assert.Equal(t, "l1", result.Memories[0].ID)
	require.Len(t, store.searches, 1)
	assert.Equal(t, []types.MemoryLayer{types.LayerLongTerm}, store.searches[0].Layers)
}

func TestGetContextRecordsFallback(t *testing.T) {
	store := &fakeStore{
		byLayer: map[types.MemoryLayer][]types.Memory{
			types.LayerLongTerm: memoriesNamed(types.LayerLongTerm, "l1"),
		},
		reason: "no such table: memories_fts",
	}
	svc := NewService(store)

	_, err := svc.GetContext(context.Background(), ContextRequest{Query: "q"})
	require.NoError(t, err)
	require.Len(t, store.metrics, 1)
	assert.True(t, store.metrics[0].fellBack)
	assert.Equal(t, "no such table: memories_fts", store.metrics[0].reason)
}

func TestSearchInstrumented(t *testing.T) {
	store := &fakeStore{
		byLayer: map[types.MemoryLayer][]types.Memory{
			"": memoriesNamed(types.LayerLongTerm, "a"),
		},
	}
	svc := NewService(store)

	results, err := svc.Search(context.Background(), storage.SearchOptions{Query: "a", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	require.Len(t, store.metrics, 1)
	assert.Equal(t, "search", store.metrics[0].operation)
	assert.True(t, store.metrics[0].hybrid)
}

func TestEstimateContextTokens(t *testing.T) {
	rules := []types.Memory{{
		Content: strings.Repeat("a", 8), // 2 tokens
		Tags:    []string{"go", "ci"},   // "go,ci" → 2 tokens
	}}
	memories := []types.Memory{{
		Content:  strings.Repeat("b", 10), // 3 tokens
		Category: "Ops",                   // 1 token
	}}

	// 24 + (8 + 2 + 2) + (12 + 3 + 0 + 1)
	assert.Equal(t, 52, EstimateContextTokens(rules, memories))
	assert.Equal(t, 24, EstimateContextTokens(nil, nil))
}

func TestEstimateTextTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTextTokens(""))
	assert.Equal(t, 1, EstimateTextTokens("abc"))
	assert.Equal(t, 1, EstimateTextTokens("abcd"))
	assert.Equal(t, 2, EstimateTextTokens("abcde"))
}
