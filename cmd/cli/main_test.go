package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/albo/internal/cli"
)

func TestRun_ShouldExit(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	// The "-h" (help) flag should cause cli.Parse to return `shouldExit=true`.
	args := []string{"-h"}
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(context.Background(), out, args)

	// --- Assert ---
	require.NoError(t, err, "run() should return a nil error when shouldExit is true")
	require.Contains(t, out.String(), "Usage:", "Expected help text to be printed to the output buffer")
}

func TestRun_ParseError(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	// Providing an unknown flag will cause cli.Parse to return an error.
	args := []string{"list", "--this-is-not-a-valid-flag"}
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(context.Background(), out, args)

	// --- Assert ---
	var exitErr *cli.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, cli.ExitUsage, exitErr.Code)
	require.Contains(t, err.Error(), "flag provided but not defined: -this-is-not-a-valid-flag")
}

func TestRun_InvalidProfileDirectory(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	// A missing profile directory is a configuration problem.
	dir := filepath.Join(t.TempDir(), "no-such-profiles")
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(context.Background(), out, []string{"list", "-profiles", dir})

	// --- Assert ---
	var exitErr *cli.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, cli.ExitUsage, exitErr.Code)
	require.Contains(t, exitErr.Message, "profile directory")
}

func TestRun_CacheInfo(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	cacheDir := filepath.Join(t.TempDir(), "cache")
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(context.Background(), out, []string{"cache", "-cache", cacheDir})

	// --- Assert ---
	require.NoError(t, err)
	require.Contains(t, out.String(), "OPERATION")
	require.DirExists(t, cacheDir)
}
