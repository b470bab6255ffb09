package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, nil, 0o644))
	}
}

func TestFindFilesByExtension(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	touch(t, dir, "b.hcl", "a.hcl", "deep/er/c.hcl", "notes.txt", "d.hcl.bak")

	files, err := FindFilesByExtension(dir, ".hcl")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.hcl"),
		filepath.Join(dir, "b.hcl"),
		filepath.Join(dir, "deep", "er", "c.hcl"),
	}, files)

	single, err := FindFilesByExtension(filepath.Join(dir, "a.hcl"), ".hcl")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.hcl")}, single)

	_, err = FindFilesByExtension(filepath.Join(dir, "missing"), ".hcl")
	assert.True(t, os.IsNotExist(err))

	_, err = FindFilesByExtension(dir, "")
	assert.Error(t, err)
}

func TestListFilesAndStripExt(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	touch(t, dir, "aal.nii.gz", "lobes.nii", "lobes.csv", "sub/hidden.nii")

	files, err := ListFiles(dir, ".nii")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "aal.nii.gz"), filepath.Join(dir, "lobes.nii")}, files)

	assert.Equal(t, "aal", StripExt(files[0]))
	assert.Equal(t, "lobes", StripExt("lobes"))
}
