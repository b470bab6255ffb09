package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/albo/internal/app"
	"github.com/vk/albo/internal/config"
	"github.com/vk/albo/internal/profile"
)

const consistentProfile = `
profile "flair-only" {
  sequences           = ["flair"]
  registration_base   = "flair"
  skullstripping_base = "flair"
  pixel_spacing       = [1, 1, 1]
  model_file          = "forest.pkl"

  intensity_models = {
    flair = "flair.model"
  }

  feature {
    sequence = "flair"
    function = "intensities"
  }
}
`

// profileDir writes the flair-only profile; with models=false its model
// files are missing.
func profileDir(t *testing.T, models bool) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flair-only.hcl"), []byte(consistentProfile), 0o644))
	if models {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "forest.pkl"), []byte("forest"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "flair.model"), []byte("model"), 0o644))
	}
	return dir
}

func TestParse_Help(t *testing.T) {
	t.Parallel()
	for _, args := range [][]string{nil, {"-h"}, {"help"}} {
		out := &bytes.Buffer{}
		inv, shouldExit, err := Parse(args, out)
		require.NoError(t, err)
		assert.True(t, shouldExit)
		assert.Nil(t, inv)
		assert.Contains(t, out.String(), "Usage:")
	}
}

func TestParse_CommandHelp(t *testing.T) {
	t.Parallel()
	out := &bytes.Buffer{}
	_, shouldExit, err := Parse([]string{"run", "-h"}, out)
	require.NoError(t, err)
	assert.True(t, shouldExit)
	assert.Contains(t, out.String(), "-standardbrain")
	assert.Contains(t, out.String(), "-id")
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"segment"}, `unknown command "segment"`},
		{"unknown flag", []string{"list", "-bogus"}, "flag provided but not defined: -bogus"},
		{"run without id", []string{"run", "flair:/a.nii"}, "-id is required"},
		{"run without sequences", []string{"run", "-id", "p1"}, "at least one SEQID:PATH"},
		{"malformed sequence", []string{"run", "-id", "p1", "flair"}, "not of the form SEQID:PATH"},
		{"duplicate sequence", []string{"run", "-id", "p1", "t1:/a", "t1:/b"}, `"t1" given more than once`},
		{"batch arity", []string{"batch"}, "exactly one case list"},
		{"stray argument", []string{"update", "extra"}, `unexpected argument "extra"`},
		{"bad log level", []string{"list", "-log-level", "loud"}, "invalid log-level"},
		{"bad workers", []string{"list", "-workers", "0"}, "workers must be at least 1"},
		{"bad standard brain", []string{"list", "-standardbrain", "mni"}, "not of the form SEQID:PATH"},
		{"missing config file", []string{"list", "-config", "/does/not/exist.toml"}, "exist.toml"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := Parse(tc.args, &bytes.Buffer{})
			require.Error(t, err)

			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, ExitUsage, exitErr.Code)
			assert.Contains(t, exitErr.Message, tc.want)
		})
	}
}

func TestParse_Run(t *testing.T) {
	t.Parallel()
	brain := filepath.Join(t.TempDir(), "mni.nii.gz")
	require.NoError(t, os.WriteFile(brain, []byte("x"), 0o644))

	inv, shouldExit, err := Parse([]string{
		"run", "-id", "p001", "-force", "-workers", "3", "-task-timeout", "90s",
		"-standardbrain", "flair:" + brain, "-log-level", "DEBUG",
		"flair:/data/p001/flair.nii.gz", "t1:/data/p001/t1.nii.gz",
	}, &bytes.Buffer{})
	require.NoError(t, err)
	require.False(t, shouldExit)

	assert.Equal(t, CmdRun, inv.Command)
	assert.Equal(t, "p001", inv.Case.ID)
	assert.Equal(t, map[string]string{
		"flair": "/data/p001/flair.nii.gz",
		"t1":    "/data/p001/t1.nii.gz",
	}, inv.Case.Sequences)
	assert.True(t, inv.Config.Force)
	assert.Equal(t, 3, inv.Config.Workers)
	assert.Equal(t, 90*time.Second, inv.Config.TaskTimeout)
	assert.Equal(t, "debug", inv.Config.LogLevel)
	require.NotNil(t, inv.Config.StandardBrain)
	assert.Equal(t, config.StandardBrain{Sequence: "flair", Path: brain}, *inv.Config.StandardBrain)
}

func TestParse_FlagsOverrideConfigFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "albo.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
profile_dir = "profiles"
cache_dir   = "/var/cache/albo"
workers     = 4
log_format  = "json"
`), 0o644))

	inv, _, err := Parse([]string{"cache", "-config", path, "-workers", "2", "-clear"}, &bytes.Buffer{})
	require.NoError(t, err)

	assert.True(t, inv.Clear)
	assert.Equal(t, filepath.Join(dir, "profiles"), inv.Config.ProfileDir)
	assert.Equal(t, "/var/cache/albo", inv.Config.CacheDir)
	assert.Equal(t, 2, inv.Config.Workers, "an explicit flag wins over the file")
	assert.Equal(t, "json", inv.Config.LogFormat, "unset flags keep the file value")
	assert.False(t, inv.Config.Force)
}

func TestParse_ConfigFromEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "albo.toml")
	require.NoError(t, os.WriteFile(path, []byte("output_dir = \"/srv/albo\"\n"), 0o644))
	t.Setenv(ConfigEnv, path)

	inv, _, err := Parse([]string{"update"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "/srv/albo", inv.Config.OutputDir)
}

func TestParse_Batch(t *testing.T) {
	t.Parallel()
	inv, _, err := Parse([]string{"batch", "-plot", "cases.hcl"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "cases.hcl", inv.BatchFile)
	assert.True(t, inv.Config.PlotOverlaps)
}

func TestExitError(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name string
		err  error
		code int
	}{
		{"no profile", fmt.Errorf("case p1: %w", profile.ErrNoProfile), ExitNoProfile},
		{"invalid", fmt.Errorf("%w: bad", config.ErrInvalid), ExitUsage},
		{"failure", errors.New("stage classification: boom"), ExitFailure},
		{"passthrough", &ExitError{Code: 7, Message: "x"}, 7},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var exitErr *ExitError
			require.ErrorAs(t, exitError(tc.err), &exitErr)
			assert.Equal(t, tc.code, exitErr.Code)
			assert.Equal(t, tc.err.Error(), exitErr.Message)
		})
	}
	assert.NoError(t, exitError(nil))
}

func TestExecute_List(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name   string
		models bool
		code   int
	}{
		{"consistent", true, 0},
		{"missing models", false, ExitFailure},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			cfg.ProfileDir = profileDir(t, tc.models)
			out := &bytes.Buffer{}

			err := Execute(context.Background(), &Invocation{Command: CmdList, Config: cfg}, out)

			assert.Contains(t, out.String(), "flair-only")
			if tc.code == 0 {
				require.NoError(t, err)
				return
			}
			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, tc.code, exitErr.Code)
			assert.Contains(t, out.String(), "forest.pkl")
		})
	}
}

func TestExecute_RunWithoutProfile(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.ProfileDir = profileDir(t, true)
	cfg.CacheDir = filepath.Join(t.TempDir(), "cache")
	cfg.OutputDir = t.TempDir()
	out := &bytes.Buffer{}

	inv := &Invocation{Command: CmdRun, Config: cfg, Case: app.CaseRequest{ID: "p1", Sequences: map[string]string{"t2": "/data/t2.nii.gz"}}}
	err := Execute(context.Background(), inv, out)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitNoProfile, exitErr.Code)
	assert.Contains(t, out.String(), "Known profiles:")
}

func TestExecute_Cache(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.CacheDir = filepath.Join(t.TempDir(), "cache")
	out := &bytes.Buffer{}

	require.NoError(t, Execute(context.Background(), &Invocation{Command: CmdCache, Config: cfg}, out))
	assert.Contains(t, out.String(), "OPERATION")
	assert.Contains(t, out.String(), "TOTAL")

	require.NoError(t, Execute(context.Background(), &Invocation{Command: CmdCache, Config: cfg, Clear: true}, out))
}
