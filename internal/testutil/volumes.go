package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/albo/internal/nifti"
)

// WriteVolume writes a float32 NIfTI volume at path. data may be shorter
// than the volume; the rest stays zero.
func WriteVolume(t *testing.T, path string, dim [3]int, spacing [3]float64, data []float64) string {
	t.Helper()
	v := nifti.New(dim, spacing)
	copy(v.Data, data)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, nifti.WriteFile(path, v, nifti.Float32))
	return path
}

// Box returns volume data of the given shape with ones inside the half-open
// box [lo, hi) and zeros elsewhere.
func Box(dim [3]int, lo, hi [3]int) []float64 {
	data := make([]float64, dim[0]*dim[1]*dim[2])
	for z := lo[2]; z < hi[2]; z++ {
		for y := lo[1]; y < hi[1]; y++ {
			for x := lo[0]; x < hi[0]; x++ {
				data[x+dim[0]*(y+dim[1]*z)] = 1
			}
		}
	}
	return data
}

// Script writes an executable POSIX shell script named name into dir and
// returns its path. The test is skipped where no POSIX shell exists.
func Script(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script doubles need a POSIX shell")
	}
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}
