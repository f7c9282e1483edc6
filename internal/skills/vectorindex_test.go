package skills

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVectorConfig() *Config {
	return &Config{EmbeddingDim: 32, M: DefaultM, EfConstruction: DefaultEfConstruction, EfSearch: DefaultEfSearch, MaxElements: 100}
}

func TestVectorIndex_AddAndQuery(t *testing.T) {
	idx := NewVectorIndex(testVectorConfig(), "", func() (Embedder, error) { return NewHashEmbedder(32), nil })
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, "parse_json", TierBasic, "parse json validation steps"))
	require.NoError(t, idx.Add(ctx, "unrelated", TierBasic, "completely different topic about weather"))

	results, err := idx.Query(ctx, "parse json validation steps", 3, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "parse_json", results[0].Name)
	assert.Greater(t, results[0].Score, 0.0)
	assert.LessOrEqual(t, results[0].Score, 1.0)
}

func TestVectorIndex_RemoveThenQueryExcludes(t *testing.T) {
	idx := NewVectorIndex(testVectorConfig(), "", func() (Embedder, error) { return NewHashEmbedder(32), nil })
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, "a", TierBasic, "alpha text"))
	idx.Remove("a")

	results, err := idx.Query(ctx, "alpha text", 5, nil)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "a", r.Name)
	}
}

func TestVectorIndex_QueryZeroK(t *testing.T) {
	idx := NewVectorIndex(testVectorConfig(), "", func() (Embedder, error) { return NewHashEmbedder(32), nil })
	results, err := idx.Query(context.Background(), "anything", 0, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestVectorIndex_CapacityExceeded(t *testing.T) {
	cfg := testVectorConfig()
	cfg.MaxElements = 1
	idx := NewVectorIndex(cfg, "", func() (Embedder, error) { return NewHashEmbedder(32), nil })
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, "a", TierBasic, "a"))
	err := idx.Add(ctx, "b", TierBasic, "b")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindCapacityExceeded))
}

func TestVectorIndex_UnavailableEmbedderDegradesGracefully(t *testing.T) {
	idx := NewVectorIndex(testVectorConfig(), "", func() (Embedder, error) { return NewUnavailableEmbedder(32), nil })
	ctx := context.Background()

	err := idx.Add(ctx, "a", TierBasic, "text")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindVectorUnavailable))

	results, err := idx.Query(ctx, "text", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestVectorIndex_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx := NewVectorIndex(testVectorConfig(), dir, func() (Embedder, error) { return NewHashEmbedder(32), nil })
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, "a", TierBasic, "alpha"))
	require.NoError(t, idx.Add(ctx, "b", TierComposite, "beta"))
	require.NoError(t, idx.Save())

	reloaded := NewVectorIndex(testVectorConfig(), dir, func() (Embedder, error) { return NewHashEmbedder(32), nil })
	require.NoError(t, reloaded.Load())

	results, err := reloaded.Query(ctx, "alpha", 2, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestVectorIndex_RebuildIsIdempotent(t *testing.T) {
	idx := NewVectorIndex(testVectorConfig(), "", func() (Embedder, error) { return NewHashEmbedder(32), nil })
	ctx := context.Background()

	sources := []skillSource{
		{Name: "a", SkillType: TierBasic, Description: "alpha", Content: "alpha content"},
		{Name: "b", SkillType: TierComposite, Description: "beta", Content: "beta content"},
	}
	require.NoError(t, idx.Rebuild(ctx, sources))
	first, err := idx.Query(ctx, "alpha content", 2, nil)
	require.NoError(t, err)

	require.NoError(t, idx.Rebuild(ctx, sources))
	second, err := idx.Query(ctx, "alpha content", 2, nil)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Name, second[i].Name)
		assert.InDelta(t, first[i].Score, second[i].Score, 1e-9)
	}
}

func TestVectorIndex_TypeFilter(t *testing.T) {
	idx := NewVectorIndex(testVectorConfig(), "", func() (Embedder, error) { return NewHashEmbedder(32), nil })
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, "m1", TierMeta, "orchestrate the whole deployment pipeline"))
	require.NoError(t, idx.Add(ctx, "b1", TierBasic, "orchestrate the whole deployment pipeline"))

	metaTier := TierMeta
	results, err := idx.Query(ctx, "orchestrate the whole deployment pipeline", 5, &metaTier)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, "m1", r.Name)
	}
}
