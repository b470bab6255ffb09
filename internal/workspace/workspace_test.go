package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/albo/internal/ctxlog"
)

func testContext() context.Context {
	return ctxlog.Discard(context.Background())
}

func TestPrepare_RefusesNonEmptyDirectory(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "case1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "case1", "old.nii.gz"), nil, 0o644))

	_, err := Prepare(testContext(), root, "case1", false)
	require.ErrorIs(t, err, ErrNotEmpty)

	c, err := Prepare(testContext(), root, "case1", true)
	require.NoError(t, err)
	require.NoError(t, c.Finish(nil, ""))
}

func TestPrepare_RejectsBadIDs(t *testing.T) {
	t.Parallel()
	for _, id := range []string{"", ".", "..", "a/b"} {
		_, err := Prepare(testContext(), t.TempDir(), id, false)
		assert.Error(t, err, "id %q", id)
	}
}

func TestFinish_Success(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	c, err := Prepare(testContext(), root, "case1", false)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "case1", "case1_incomplete.log"))

	_, err = fmt.Fprintln(c.Log(), "stage one done")
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "seg.nii.gz")
	require.NoError(t, os.WriteFile(src, []byte("seg"), 0o644))
	dst, err := c.Publish(SegmentationFile, src)
	require.NoError(t, err)
	assert.Equal(t, c.Output(SegmentationFile), dst)

	require.NoError(t, c.Describe("flair-t1", map[string]string{"flair": "/in/flair.nii"}))
	require.NoError(t, c.Finish(nil, ""))

	assert.NoFileExists(t, filepath.Join(root, "case1", "case1_incomplete.log"))
	logData, err := os.ReadFile(filepath.Join(root, "case1", "case1_successful.log"))
	require.NoError(t, err)
	assert.Equal(t, "stage one done\n", string(logData))
	assert.Equal(t, filepath.Join(root, "case1", "case1_successful.log"), c.LogPath())

	rec, err := LoadRecord(c.Dir)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, rec.Status)
	assert.Equal(t, c.RunID, rec.RunID)
	assert.Equal(t, "flair-t1", rec.Profile)
	assert.Equal(t, map[string]string{SegmentationFile: dst}, rec.Outputs)
	assert.NotNil(t, rec.EndTime)
}

func TestFinish_FailureKeepsIncompleteLog(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	c, err := Prepare(testContext(), root, "case1", false)
	require.NoError(t, err)

	require.NoError(t, c.Finish(errors.New("bet exploded"), "skullstrip"))
	require.NoError(t, c.Finish(nil, ""), "second finish is a no-op")

	assert.FileExists(t, filepath.Join(root, "case1", "case1_incomplete.log"))
	assert.NoFileExists(t, filepath.Join(root, "case1", "case1_successful.log"))

	rec, err := LoadRecord(c.Dir)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "skullstrip", rec.Stage)
	assert.Equal(t, "bet exploded", rec.Error)
}

func TestArtifacts_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	c, err := Prepare(testContext(), t.TempDir(), "case1", false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Finish(nil, "") })

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.SetArtifact(fmt.Sprintf("feature.%02d", i), fmt.Sprintf("/cache/%d.npy", i))
		}()
	}
	wg.Wait()

	keys := c.ArtifactKeys()
	require.Len(t, keys, 16)
	assert.Equal(t, "feature.00", keys[0])
	p, ok := c.Artifact("feature.07")
	assert.True(t, ok)
	assert.Equal(t, "/cache/7.npy", p)
}

func TestLoadRecord_RejectsInvalid(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, RecordFile), []byte(`{"run_id":"nope","case_id":"x","status":"running"}`), 0o644))
	_, err := LoadRecord(dir)
	require.Error(t, err)

	require.Error(t, SaveRecord(dir, Record{CaseID: "x"}))
}
