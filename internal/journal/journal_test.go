package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournal_AddAndList(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()
	t0 := time.Unix(1700000000, 0)

	first := Record{
		ID: "a", Number: 1, Device: "sim0", Mode: "hdr", Status: "success",
		Exposures:     []time.Duration{40 * time.Millisecond, 80 * time.Millisecond, 20 * time.Millisecond},
		ReferencePath: "photos/IMG_1.jpg", MergeStatus: MergePending,
		StartedAt: t0, FinishedAt: t0.Add(time.Second),
	}
	second := Record{
		ID: "b", Number: 2, Device: "sim0", Mode: "hdr", Status: "capture_failed",
		Error: "capture: request failed", StartedAt: t0.Add(time.Minute), FinishedAt: t0.Add(time.Minute),
	}
	require.NoError(t, j.Add(ctx, first))
	require.NoError(t, j.Add(ctx, second))

	got, err := j.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID, "newest first")
	assert.Empty(t, got[0].Exposures)
	assert.Equal(t, "capture: request failed", got[0].Error)

	a := got[1]
	assert.Equal(t, first.Exposures, a.Exposures)
	assert.Equal(t, uint64(1), a.Number)
	assert.True(t, a.StartedAt.Equal(first.StartedAt))
	assert.True(t, a.FinishedAt.Equal(first.FinishedAt))

	limited, err := j.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "b", limited[0].ID)
}

func TestJournal_SetMerge(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()
	require.NoError(t, j.Add(ctx, Record{ID: "a", Device: "sim0", Mode: "hdr", Status: "success", MergeStatus: MergePending}))

	require.NoError(t, j.SetMerge(ctx, "a", MergeDone, "photos/HDR_1.jpg"))
	got, err := j.List(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, MergeDone, got[0].MergeStatus)
	assert.Equal(t, "photos/HDR_1.jpg", got[0].MergedPath)

	require.ErrorIs(t, j.SetMerge(ctx, "missing", MergeFailed, ""), ErrNotFound)
}

func TestJournal_DuplicateID(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()
	r := Record{ID: "a", Device: "sim0", Mode: "single", Status: "success"}
	require.NoError(t, j.Add(ctx, r))
	require.Error(t, j.Add(ctx, r))
}

func TestJournal_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Add(context.Background(), Record{ID: "a", Device: "sim0", Mode: "single", Status: "success"}))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	got, err := j.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
