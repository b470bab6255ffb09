package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/albo/internal/config"
	"github.com/vk/albo/internal/ctxlog"
	"github.com/vk/albo/internal/hclutil"
	"github.com/vk/albo/internal/profile"
)

// Batch is a parsed case list:
//
//	defaults {
//	  standard_brain = "flair_tra:templates/mni152.nii.gz"
//	}
//
//	case "p001" {
//	  sequences = {
//	    flair_tra  = "p001/flair.nii.gz"
//	    t1_sag_tfe = "p001/t1.nii.gz"
//	  }
//	}
//
// Relative paths are resolved against the directory of the file.
type Batch struct {
	Cases []CaseRequest
}

var batchSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "defaults"},
		{Type: "case", LabelNames: []string{"id"}},
	},
}

type defaultsBlock struct {
	StandardBrain hcl.Expression `hcl:"standard_brain,optional"`
}

type caseBlock struct {
	Sequences     map[string]string `hcl:"sequences"`
	StandardBrain hcl.Expression    `hcl:"standard_brain,optional"`
}

// LoadBatch parses the case list at path. Cases keep their declaration
// order; a repeated id is an error.
func LoadBatch(path string) (*Batch, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s", config.ErrInvalid, diags.Error())
	}
	content, diags := file.Body.Content(batchSchema)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s", config.ErrInvalid, diags.Error())
	}

	base := filepath.Dir(path)
	var defaultBrain *config.StandardBrain
	block, diags := hclutil.FindUniqueBlock(content.Blocks, "defaults")
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s", config.ErrInvalid, diags.Error())
	}
	if block != nil {
		var d defaultsBlock
		if diags := gohcl.DecodeBody(block.Body, nil, &d); diags.HasErrors() {
			return nil, fmt.Errorf("%w: %s", config.ErrInvalid, diags.Error())
		}
		sb, err := decodeStandardBrain(d.StandardBrain, base)
		if err != nil {
			return nil, err
		}
		defaultBrain = sb
	}

	b := &Batch{}
	seen := make(map[string]bool)
	var errs []error
	for _, block := range content.Blocks.OfType("case") {
		id := block.Labels[0]
		if seen[id] {
			errs = append(errs, fmt.Errorf("%s: case %q declared more than once", block.DefRange, id))
			continue
		}
		seen[id] = true

		var c caseBlock
		if diags := gohcl.DecodeBody(block.Body, nil, &c); diags.HasErrors() {
			errs = append(errs, fmt.Errorf("case %q: %s", id, diags.Error()))
			continue
		}
		sb, err := decodeStandardBrain(c.StandardBrain, base)
		if err != nil {
			errs = append(errs, fmt.Errorf("case %q: %w", id, err))
			continue
		}
		if sb == nil {
			sb = defaultBrain
		}

		seqs := make(map[string]string, len(c.Sequences))
		for seq, p := range c.Sequences {
			seqs[seq] = resolvePath(base, p)
		}
		b.Cases = append(b.Cases, CaseRequest{ID: id, Sequences: seqs, StandardBrain: sb})
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s: %w", config.ErrInvalid, path, errors.Join(errs...))
	}
	return b, nil
}

func decodeStandardBrain(expr hcl.Expression, base string) (*config.StandardBrain, error) {
	if !hclutil.IsDefined(expr) {
		return nil, nil
	}
	var s string
	if diags := gohcl.DecodeExpression(expr, nil, &s); diags.HasErrors() {
		return nil, fmt.Errorf("%w: standard_brain: %s", config.ErrInvalid, diags.Error())
	}
	sb, err := config.ParseStandardBrain(s)
	if err != nil {
		return nil, err
	}
	sb.Path = resolvePath(base, sb.Path)
	return sb, nil
}

func resolvePath(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// BatchResult lists the outcome of every case.
type BatchResult struct {
	Succeeded []string
	Failed    map[string]error
}

// RunBatch processes every case of the list at path in order. A failing case
// is recorded and the next one starts; the returned error joins all case
// failures.
func (a *App) RunBatch(ctx context.Context, path string) (*BatchResult, error) {
	ctx = a.context(ctx)
	logger := ctxlog.FromContext(ctx)

	batch, err := LoadBatch(path)
	if err != nil {
		return nil, err
	}
	profiles, err := profile.Load(ctx, a.cfg.ProfileDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	eng, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	defer eng.Close()

	logger.Info("🚀 Batch started.", "file", path, "cases", len(batch.Cases))
	res := &BatchResult{Failed: make(map[string]error)}
	var errs []error
	for i, req := range batch.Cases {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		logger.Info("Processing case.", "case", req.ID, "position", i+1, "of", len(batch.Cases))
		if err := a.runCase(ctx, eng, profiles, req); err != nil {
			res.Failed[req.ID] = err
			errs = append(errs, err)
			continue
		}
		res.Succeeded = append(res.Succeeded, req.ID)
	}
	logger.Info("🏁 Batch finished.", "succeeded", len(res.Succeeded), "failed", len(res.Failed))
	return res, errors.Join(errs...)
}
