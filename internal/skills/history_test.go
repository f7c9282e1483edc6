package skills

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryLog_AppendAndTail(t *testing.T) {
	dir := t.TempDir()
	h, err := newHistoryLog(dir)
	require.NoError(t, err)

	ms := 12.5
	for i := 0; i < 3; i++ {
		rec := h.newRecord(i != 1, &ms, nil)
		require.NoError(t, h.append("my_skill", rec))
	}

	all, err := h.tail("my_skill", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].Success)
	assert.False(t, all[1].Success)
}

func TestHistoryLog_TailRespectsLimitFromTheEnd(t *testing.T) {
	dir := t.TempDir()
	h, err := newHistoryLog(dir)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		success := i%2 == 0
		require.NoError(t, h.append("s", h.newRecord(success, nil, nil)))
	}

	last2, err := h.tail("s", 2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	assert.Equal(t, false, last2[0].Success)
	assert.Equal(t, true, last2[1].Success)
}

func TestHistoryLog_TailMissingFileIsEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	h, err := newHistoryLog(dir)
	require.NoError(t, err)

	recs, err := h.tail("never_written", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestHistoryLog_TailSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	h, err := newHistoryLog(dir)
	require.NoError(t, err)

	require.NoError(t, h.append("s", h.newRecord(true, nil, nil)))

	f, err := os.OpenFile(h.path("s"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, h.append("s", h.newRecord(false, nil, nil)))

	recs, err := h.tail("s", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2, "malformed line must be skipped, not fail the whole read")
}

func TestHistoryLog_Remove(t *testing.T) {
	dir := t.TempDir()
	h, err := newHistoryLog(dir)
	require.NoError(t, err)

	require.NoError(t, h.append("s", h.newRecord(true, nil, nil)))
	require.NoError(t, h.remove("s"))

	_, err = os.Stat(h.path("s"))
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, h.remove("s"), "removing an already-absent history file must be idempotent")
}

func TestSanitizeSkillName_ReplacesPathSeparators(t *testing.T) {
	dir := t.TempDir()
	h, err := newHistoryLog(dir)
	require.NoError(t, err)

	require.NoError(t, h.append("ns/sub\\name", h.newRecord(true, nil, nil)))

	expected := filepath.Join(dir, "history", "ns_sub_name.jsonl")
	_, err = os.Stat(expected)
	assert.NoError(t, err)
}
