package profile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/albo/internal/ctxlog"
	"github.com/vk/albo/internal/hclutil"
)

var fileSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{{Type: "profile", LabelNames: []string{"name"}}},
}

type profileBlock struct {
	Sequences          []string          `hcl:"sequences"`
	RegistrationBase   string            `hcl:"registration_base"`
	SkullstrippingBase string            `hcl:"skullstripping_base"`
	PixelSpacing       []float64         `hcl:"pixel_spacing"`
	IntensityModels    map[string]string `hcl:"intensity_models"`
	MetadataFixes      []string          `hcl:"metadata_fixes,optional"`
	ModelFile          string            `hcl:"model_file"`
	Features           []*featureBlock   `hcl:"feature,block"`
}

type featureBlock struct {
	Sequence string         `hcl:"sequence"`
	Function string         `hcl:"function"`
	Params   hcl.Expression `hcl:"params,optional"`
	Spacing  *bool          `hcl:"spacing,optional"`
}

// Load reads every profile declared in the .hcl files under dir. Files that
// do not parse and blocks that do not decode are skipped with a warning.
// When two profiles share a name, the one from the file that sorts first
// wins. The result is sorted by name. Only an unreadable directory is an
// error.
func Load(ctx context.Context, dir string) ([]*Profile, error) {
	logger := ctxlog.FromContext(ctx)

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("profile directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("profile directory: %s is not a directory", dir)
	}
	files, err := hclutil.FindFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("scan profile directory: %w", err)
	}
	logger.Debug("Discovered profile files.", "dir", dir, "count", len(files))

	parser := hclparse.NewParser()
	byName := make(map[string]*Profile)
	for _, path := range files {
		for _, p := range loadFile(ctx, parser, path) {
			if prev, dup := byName[p.Name]; dup {
				logger.Warn("Ignoring duplicate profile.", "profile", p.Name, "file", path, "kept", prev.Source)
				continue
			}
			byName[p.Name] = p
		}
	}

	out := make([]*Profile, 0, len(byName))
	for _, p := range byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	logger.Debug("Profiles loaded.", "count", len(out))
	return out, nil
}

func loadFile(ctx context.Context, parser *hclparse.Parser, path string) []*Profile {
	logger := ctxlog.FromContext(ctx).With("file", path)

	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		logger.Warn("Skipping profile file that does not parse.", "error", diags.Error())
		return nil
	}
	content, diags := file.Body.Content(fileSchema)
	if diags.HasErrors() {
		// Keep whatever profile blocks were recognised.
		logger.Warn("Profile file contains unexpected content.", "error", diags.Error())
	}
	if content == nil {
		return nil
	}

	var out []*Profile
	for _, block := range content.Blocks {
		name := block.Labels[0]
		p, diags := decodeBlock(block, filepath.Dir(path))
		if diags.HasErrors() {
			logger.Warn("Skipping profile that does not decode.", "profile", name, "error", diags.Error())
			continue
		}
		p.Source = path
		out = append(out, p)
	}
	return out
}

func decodeBlock(block *hcl.Block, base string) (*Profile, hcl.Diagnostics) {
	var pb profileBlock
	diags := gohcl.DecodeBody(block.Body, nil, &pb)
	if diags.HasErrors() {
		return nil, diags
	}
	if len(pb.Features) == 0 {
		return nil, hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Missing feature block",
			Detail:   "A profile must declare at least one feature block.",
			Subject:  block.DefRange.Ptr(),
		}}
	}

	p := &Profile{
		Name:               block.Labels[0],
		Sequences:          sortedUnique(pb.Sequences),
		RegistrationBase:   pb.RegistrationBase,
		SkullstrippingBase: pb.SkullstrippingBase,
		PixelSpacing:       pb.PixelSpacing,
		IntensityModels:    make(map[string]string, len(pb.IntensityModels)),
		MetadataFixes:      pb.MetadataFixes,
		ModelFile:          resolve(base, pb.ModelFile),
	}
	for seq, path := range pb.IntensityModels {
		p.IntensityModels[seq] = resolve(base, path)
	}
	for _, fb := range pb.Features {
		params, fdiags := hclutil.ExprJSON(fb.Params)
		diags = append(diags, fdiags...)
		if fdiags.HasErrors() {
			continue
		}
		p.Features = append(p.Features, Feature{
			Sequence:     fb.Sequence,
			Function:     fb.Function,
			Params:       params,
			NeedsSpacing: fb.Spacing != nil && *fb.Spacing,
		})
	}
	if diags.HasErrors() {
		return nil, diags
	}
	return p, diags
}

func sortedUnique(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
