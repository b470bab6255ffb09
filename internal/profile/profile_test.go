package profile

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/albo/internal/ctxlog"
	"github.com/vk/albo/internal/testutil"
)

const validProfile = `
profile "flair-t1" {
  sequences           = ["t1", "flair", "t1"]
  registration_base   = "flair"
  skullstripping_base = "t1"
  pixel_spacing       = [3, 3, 3]
  metadata_fixes      = ["qf=aff", "sf=aff", "qfc=1", "sfc=1"]
  model_file          = "forest.pkl"

  intensity_models = {
    flair = "models/flair.pkl"
    t1    = "/abs/t1.pkl"
  }

  feature {
    sequence = "flair"
    function = "intensities"
  }

  feature {
    sequence = "flair"
    function = "local_mean_gauss"
    params   = { sigma = 3 }
    spacing  = true
  }

  feature {
    sequence = "t1"
    function = "local_histogram"
    params   = { size = 5, bins = 11, footprint = null }
  }
}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := writeFile(t, dir, "packs/flair.hcl", validProfile)

	profiles, err := Load(ctxlog.Discard(context.Background()), dir)
	require.NoError(t, err)
	require.Len(t, profiles, 1)

	want := &Profile{
		Name:               "flair-t1",
		Sequences:          []string{"flair", "t1"},
		RegistrationBase:   "flair",
		SkullstrippingBase: "t1",
		PixelSpacing:       []float64{3, 3, 3},
		IntensityModels: map[string]string{
			"flair": filepath.Join(dir, "packs", "models", "flair.pkl"),
			"t1":    "/abs/t1.pkl",
		},
		MetadataFixes: []string{"qf=aff", "sf=aff", "qfc=1", "sfc=1"},
		Features: []Feature{
			{Sequence: "flair", Function: "intensities", Params: "{}"},
			{Sequence: "flair", Function: "local_mean_gauss", Params: `{"sigma":3}`, NeedsSpacing: true},
			{Sequence: "t1", Function: "local_histogram", Params: `{"bins":11,"footprint":null,"size":5}`},
		},
		ModelFile: filepath.Join(dir, "packs", "forest.pkl"),
		Source:    src,
	}
	if diff := cmp.Diff(want, profiles[0]); diff != "" {
		t.Errorf("profile mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_SkipsBrokenUnits(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "a.hcl", validProfile)
	writeFile(t, dir, "b.hcl", `profile "broken" {`)
	writeFile(t, dir, "c.hcl", `
profile "missing-model" {
  sequences           = ["t1"]
  registration_base   = "t1"
  skullstripping_base = "t1"
  pixel_spacing       = [1, 1, 1]
  intensity_models    = { t1 = "m.pkl" }
  feature {
    sequence = "t1"
    function = "intensities"
  }
}

profile "no-features" {
  sequences           = ["t1"]
  registration_base   = "t1"
  skullstripping_base = "t1"
  pixel_spacing       = [1, 1, 1]
  intensity_models    = { t1 = "m.pkl" }
  model_file          = "f.pkl"
}
`)
	// Same name as a.hcl; a.hcl sorts first and wins.
	writeFile(t, dir, "d.hcl", `
profile "flair-t1" {
  sequences           = ["t2"]
  registration_base   = "t2"
  skullstripping_base = "t2"
  pixel_spacing       = [1, 1, 1]
  intensity_models    = { t2 = "m.pkl" }
  model_file          = "f.pkl"
  feature {
    sequence = "t2"
    function = "intensities"
  }
}
`)
	writeFile(t, dir, "notes.txt", "not a profile")

	logs := &testutil.SafeBuffer{}
	profiles, err := Load(testutil.LoggerContext(logs), dir)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "flair-t1", profiles[0].Name)
	assert.Equal(t, []string{"flair", "t1"}, profiles[0].Sequences)

	out := logs.String()
	assert.Contains(t, out, "Skipping profile file that does not parse.")
	assert.Contains(t, out, "missing-model")
	assert.Contains(t, out, "no-features")
	assert.Contains(t, out, "Ignoring duplicate profile.")
}

func TestLoad_MissingDirectory(t *testing.T) {
	t.Parallel()
	_, err := Load(ctxlog.Discard(context.Background()), filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func named(name string, seqs ...string) *Profile {
	return &Profile{Name: name, Sequences: sortedUnique(seqs)}
}

func TestSelectBest(t *testing.T) {
	t.Parallel()
	flairT1 := named("flair-t1", "flair", "t1")
	full := named("full", "flair", "t1", "t2")
	t1Only := named("t1", "t1")
	alpha := named("alpha", "flair", "dwi")
	beta := named("beta", "flair", "t1")

	tests := []struct {
		name      string
		profiles  []*Profile
		available []string
		want      *Profile
	}{
		{"single applicable", []*Profile{flairT1}, []string{"t1", "t2", "flair"}, flairT1},
		{"single not applicable", []*Profile{flairT1}, []string{"t1", "t2"}, nil},
		{"empty registry", nil, []string{"t1"}, nil},
		{"most sequences wins", []*Profile{t1Only, flairT1, full}, []string{"t1", "t2", "flair"}, full},
		{"superset not applicable", []*Profile{t1Only, full}, []string{"t1", "flair"}, t1Only},
		{"tie by name", []*Profile{beta, flairT1}, []string{"t1", "flair"}, beta},
		{"tie independent of order", []*Profile{flairT1, beta}, []string{"flair", "t1"}, beta},
		{"tie among different sets", []*Profile{beta, alpha}, []string{"flair", "t1", "dwi"}, alpha},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Same(t, tc.want, SelectBest(tc.profiles, tc.available))
		})
	}
}

func consistentProfile(t *testing.T) *Profile {
	t.Helper()
	dir := t.TempDir()
	return &Profile{
		Name:               "p",
		Sequences:          []string{"flair", "t1"},
		RegistrationBase:   "flair",
		SkullstrippingBase: "t1",
		PixelSpacing:       []float64{1, 1, 3},
		IntensityModels: map[string]string{
			"flair": writeFile(t, dir, "flair.pkl", "x"),
			"t1":    writeFile(t, dir, "t1.pkl", "x"),
		},
		Features:  []Feature{{Sequence: "flair", Function: "intensities", Params: "{}"}},
		ModelFile: writeFile(t, dir, "forest.pkl", "x"),
	}
}

func TestCheckConsistency(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(p *Profile)
		fields []string
	}{
		{"consistent", func(*Profile) {}, nil},
		{"registration base not required", func(p *Profile) { p.RegistrationBase = "t2" }, []string{"registration_base"}},
		{"skullstripping base not required", func(p *Profile) { p.SkullstrippingBase = "" }, []string{"skullstripping_base"}},
		{"two spacing entries", func(p *Profile) { p.PixelSpacing = []float64{1, 1} }, []string{"pixel_spacing"}},
		{"four spacing entries", func(p *Profile) { p.PixelSpacing = []float64{1, 1, 1, 1} }, []string{"pixel_spacing"}},
		{"missing intensity model file", func(p *Profile) { p.IntensityModels["t1"] = "/nonexistent/t1.pkl" }, []string{"intensity_models"}},
		{"missing classifier", func(p *Profile) { p.ModelFile = "/nonexistent/forest.pkl" }, []string{"model_file"}},
		{"non-positive spacing", func(p *Profile) { p.PixelSpacing = []float64{1, 0, 1} }, []string{"pixel_spacing"}},
		{"undeclared intensity model", func(p *Profile) { delete(p.IntensityModels, "t1") }, []string{"intensity_models"}},
		{
			"feature over unknown sequence",
			func(p *Profile) { p.Features = append(p.Features, Feature{Sequence: "t2", Function: "intensities"}) },
			[]string{"feature"},
		},
		{"malformed metadata fix", func(p *Profile) { p.MetadataFixes = []string{"qf=bogus"} }, []string{"metadata_fixes"}},
		{
			"everything wrong",
			func(p *Profile) {
				p.RegistrationBase, p.SkullstrippingBase, p.PixelSpacing, p.ModelFile = "x", "y", nil, ""
			},
			[]string{"registration_base", "skullstripping_base", "pixel_spacing", "model_file"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := consistentProfile(t)
			tc.mutate(p)
			var fields []string
			for _, issue := range CheckConsistency(p) {
				fields = append(fields, issue.Field)
			}
			assert.Equal(t, tc.fields, fields)
		})
	}
}

func TestLint(t *testing.T) {
	t.Parallel()
	p := consistentProfile(t)
	assert.Empty(t, Lint(p))

	p.IntensityModels["t2"] = p.IntensityModels["t1"]
	p.Features = append(p.Features, Feature{Sequence: "flair"})

	var fields []string
	for _, issue := range Lint(p) {
		fields = append(fields, issue.Field)
	}
	assert.Equal(t, []string{"intensity_models", "feature"}, fields)
	assert.Empty(t, CheckConsistency(p), "lint findings do not make a profile inconsistent")

	empty := &Profile{Name: "empty"}
	fields = nil
	for _, issue := range Lint(empty) {
		fields = append(fields, issue.Field)
	}
	assert.Equal(t, []string{"sequences", "feature"}, fields)
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, Describe(&buf, []*Profile{named("flair-t1", "t1", "flair"), named("t1", "t1")}))
	assert.Equal(t, "PROFILE   SEQUENCES\nflair-t1  flair, t1\nt1        t1\n", buf.String())
}
