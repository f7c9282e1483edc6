package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_CreateSearchDelete(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.AddSkill(ctx, "parse_json", "# Parse JSON\n\nSteps...", TierBasic, "", []string{"json"}, nil)
	require.NoError(t, err)

	matches, err := m.SearchSkills(ctx, "json validation", 3, nil)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "parse_json", matches[0].Skill.Name)
	assert.Greater(t, matches[0].Score, 0.0)
	assert.LessOrEqual(t, matches[0].Score, 1.0)

	deleted, err := m.DeleteSkill(ctx, "parse_json")
	require.NoError(t, err)
	assert.True(t, deleted)

	matches, err = m.SearchSkills(ctx, "json validation", 3, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestManager_AutoSyncDegradesWhenEmbedderUnavailable(t *testing.T) {
	cfg := Default("")
	cfg.EmbeddingDim = 32

	m, err := newManagerForTest(cfg, func() (Embedder, error) { return NewUnavailableEmbedder(32), nil })
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	ctx := context.Background()

	_, err = m.AddSkill(ctx, "x", "deploy the application to production", TierBasic, "", nil, nil)
	require.NoError(t, err, "the Repository write must succeed even when the vector backend is unavailable")

	matches, err := m.SearchSkills(ctx, "deploy the application to production", 3, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestManager_RebuildIndexMakesSkillDiscoverable(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.AddSkill(ctx, "x", "deploy the application to production", TierBasic, "", nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.RebuildIndex(ctx))

	matches, err := m.SearchSkills(ctx, "deploy the application to production", 3, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, matches)

	require.NoError(t, m.Sync(ctx))
	matchesAfterSync, err := m.SearchSkills(ctx, "deploy the application to production", 3, nil)
	require.NoError(t, err)
	assert.Equal(t, len(matches), len(matchesAfterSync), "sync is an alias for rebuild_index")
}

func TestManager_ExportImportRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.AddSkill(ctx, "s", "the body content", TierComposite, "a description", []string{"a", "b"}, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "s.md")
	require.NoError(t, m.ExportSkill(ctx, "s", path))

	deleted, err := m.DeleteSkill(ctx, "s")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = m.ImportSkillFromFile(ctx, path)
	require.NoError(t, err)

	sk, err := m.GetSkill(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "the body content", sk.Content)
	assert.Equal(t, TierComposite, sk.SkillType)
	assert.Equal(t, "a description", sk.Description)
	assert.ElementsMatch(t, []string{"a", "b"}, sk.Tags)
}

func TestManager_ImportFallsBackToFilenameStem(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "my_skill.md")
	require.NoError(t, os.WriteFile(path, []byte("no front matter here"), 0o644))

	id, err := m.ImportSkillFromFile(ctx, path)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	sk, err := m.GetSkill(ctx, "my_skill")
	require.NoError(t, err)
	assert.Equal(t, TierBasic, sk.SkillType)
}

func TestManager_GetSystemStats(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.AddSkill(ctx, "x", "content", TierBasic, "", nil, nil)
	require.NoError(t, err)

	elapsed := 10.0
	require.NoError(t, m.RecordExecution(ctx, "x", true, &elapsed, nil))
	require.NoError(t, m.RecordExecution(ctx, "x", false, &elapsed, nil))

	stats, err := m.GetSystemStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalSkills)
	assert.Equal(t, int64(2), stats.TotalUsageCount)
	assert.Equal(t, int64(1), stats.TotalSuccessCount)
	assert.InDelta(t, 0.5, stats.OverallSuccessRate, 1e-9)
}

func TestManager_GetSystemStats_EmptyStoreNoDivideByZero(t *testing.T) {
	m := newTestManager(t)
	stats, err := m.GetSystemStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, stats.OverallSuccessRate)
}
