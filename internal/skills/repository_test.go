package skills

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	st, err := openMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { st.close() })

	dir := t.TempDir()
	history, err := newHistoryLog(dir)
	require.NoError(t, err)

	return newRepository(st, history)
}

func TestAddSkill_RoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	id, err := repo.AddSkill(ctx, "parse_json", "# Parse JSON\n\nSteps...", TierBasic, "parses json", []string{"json"}, nil)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	sk, err := repo.GetSkill(ctx, "parse_json")
	require.NoError(t, err)
	assert.Equal(t, "# Parse JSON\n\nSteps...", sk.Content)
	assert.ElementsMatch(t, []string{"json"}, sk.Tags)
	assert.Equal(t, 1, sk.Version)
	assert.Equal(t, int64(0), sk.UsageCount)
}

func TestAddSkill_DuplicateName(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.AddSkill(ctx, "s", "v1", TierBasic, "", nil, nil)
	require.NoError(t, err)

	_, err = repo.AddSkill(ctx, "s", "v2", TierBasic, "", nil, nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindDuplicateName))
}

func TestAddSkill_UnknownDependency(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.AddSkill(ctx, "a", "v1", TierBasic, "", nil, []string{"missing"})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUnknownDependency))
}

func TestAddSkill_InvalidType(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.AddSkill(ctx, "a", "v1", Tier("bogus"), "", nil, nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidType))
}

func TestUpdateSkill_VersioningLaw(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.AddSkill(ctx, "s", "v1", TierBasic, "", nil, nil)
	require.NoError(t, err)

	version, err := repo.UpdateSkill(ctx, "s", "v2", "fix")
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	sk, err := repo.GetSkill(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 2, sk.Version)

	versions, err := repo.ListVersions(ctx, "s")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "v1", versions[0].Content)
	assert.Equal(t, "v2", versions[1].Content)

	for i, v := range versions {
		assert.Equal(t, i+1, v.Version)
	}
}

func TestUpdateSkill_UnknownSkill(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.UpdateSkill(ctx, "nope", "v2", "fix")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUnknownSkill))
}

func TestDeleteSkill_CascadesAndIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.AddSkill(ctx, "a", "va", TierBasic, "", nil, nil)
	require.NoError(t, err)
	_, err = repo.AddSkill(ctx, "b", "vb", TierBasic, "", nil, []string{"a"})
	require.NoError(t, err)

	deleted, err := repo.DeleteSkill(ctx, "a")
	require.NoError(t, err)
	assert.True(t, deleted)

	sk, err := repo.GetSkill(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, sk.Dependencies, "dependency edge must be removed when the referenced skill is deleted")

	deleted, err = repo.DeleteSkill(ctx, "a")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestRecordExecution_StatsAndEMA(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.AddSkill(ctx, "x", "content", TierBasic, "", nil, nil)
	require.NoError(t, err)

	samples := []struct {
		success bool
		ms      float64
	}{
		{true, 10}, {false, 20}, {true, 30}, {true, 40},
	}
	for _, s := range samples {
		elapsed := s.ms
		require.NoError(t, repo.RecordExecution(ctx, "x", s.success, &elapsed, nil))
	}

	sk, err := repo.GetSkill(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(4), sk.UsageCount)
	assert.Equal(t, int64(3), sk.SuccessCount)
	assert.InDelta(t, 0.75, sk.SuccessRate(), 1e-9)

	expected := 10.0
	for _, s := range samples[1:] {
		expected = emaAlpha*s.ms + (1-emaAlpha)*expected
	}

	assert.InDelta(t, expected, sk.AvgExecutionMS, 1e-9)
	require.NotNil(t, sk.LastExecutionAt)

	history, err := repo.GetHistory(ctx, "x", 10)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.True(t, history[0].Success)
	assert.False(t, history[1].Success)
}

func TestRecordExecution_UnknownSkill(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	err := repo.RecordExecution(ctx, "nope", true, nil, nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUnknownSkill))
}

func TestGetHistory_MissingFileIsEmpty(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	history, err := repo.GetHistory(ctx, "never_existed", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestListSkills_EmptyStoreReturnsEmptyNotNil(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	list, err := repo.ListSkills(ctx, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestSetDependencies_RejectsUnknownAndSelf(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.AddSkill(ctx, "a", "va", TierBasic, "", nil, nil)
	require.NoError(t, err)

	err = repo.SetDependencies(ctx, "a", []string{"a"})
	require.Error(t, err)

	err = repo.SetDependencies(ctx, "a", []string{"missing"})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUnknownDependency))
}
