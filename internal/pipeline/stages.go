package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/vk/albo/internal/config"
	"github.com/vk/albo/internal/ctxlog"
	"github.com/vk/albo/internal/imaging"
	"github.com/vk/albo/internal/memo"
	"github.com/vk/albo/internal/nifti"
	"github.com/vk/albo/internal/operation"
	"github.com/vk/albo/internal/profile"
	"github.com/vk/albo/internal/workspace"
)

// Spline order used when resampling intensity images; masks use 0.
const (
	imageOrder = 3
	maskOrder  = 0
)

// state is the working set of one case as it moves through the stages.
type state struct {
	p    *Pipeline
	prof *profile.Profile
	ws   *workspace.Case

	// original holds the input path of every used sequence; seqs the
	// current one.
	original   map[string]string
	seqs       map[string]string
	transforms map[string]string
	mask       string
	features   []string
	segment    string
}

func newState(p *Pipeline, c Case, seqs map[string]string) *state {
	cur := make(map[string]string, len(seqs))
	for k, v := range seqs {
		cur[k] = v
	}
	return &state{
		p:          p,
		prof:       c.Profile,
		ws:         c.Workspace,
		original:   seqs,
		seqs:       cur,
		transforms: make(map[string]string),
	}
}

func (s *state) do(ctx context.Context, op memo.Operation, in memo.Inputs) (memo.Result, error) {
	return s.p.exec.Do(ctx, op, in)
}

func (s *state) tool(name string) memo.Operation { return s.p.tools.Operation(name) }

func (s *state) spacing() memo.Value {
	sp := s.prof.Spacing()
	return memo.Numbers(sp[:]...)
}

// register resamples the registration base to the profile spacing and
// aligns every other sequence onto it.
func (s *state) register(ctx context.Context) error {
	base := s.prof.RegistrationBase
	basePath, ok := s.seqs[base]
	if !ok {
		return fmt.Errorf("%w: registration base %q is not among the case sequences", ErrPrecondition, base)
	}

	res, err := s.do(ctx, s.tool(config.ToolResample), memo.Inputs{
		"in_file": memo.File(basePath),
		"spacing": s.spacing(),
		"order":   memo.Number(imageOrder),
		"label":   memo.String(base),
	})
	if err != nil {
		return err
	}
	fixed := res.Path("out_file")
	s.seqs[base] = fixed

	for _, seq := range sortedKeys(s.seqs) {
		if seq == base {
			continue
		}
		res, err := s.do(ctx, s.tool(config.ToolRegister), memo.Inputs{
			"in_file":   memo.File(s.seqs[seq]),
			"reference": memo.File(fixed),
			"label":     memo.String(seq),
		})
		if err != nil {
			return fmt.Errorf("register %s onto %s: %w", seq, base, err)
		}
		s.seqs[seq] = res.Path("out_file")
		s.transforms[seq] = res.Path("out_matrix")
		s.ws.SetArtifact("transform."+seq, s.transforms[seq])
	}
	return nil
}

// skullstrip derives the brain mask from the skullstripping base and applies
// it to every sequence.
func (s *state) skullstrip(ctx context.Context) error {
	base := s.prof.SkullstrippingBase
	basePath, ok := s.seqs[base]
	if !ok {
		return fmt.Errorf("%w: skullstripping base %q is not among the case sequences", ErrPrecondition, base)
	}

	res, err := s.do(ctx, s.tool(config.ToolSkullstrip), memo.Inputs{
		"in_file": memo.File(basePath),
		"label":   memo.String(base),
	})
	if err != nil {
		return err
	}
	s.mask = res.Path("mask_file")
	s.ws.SetArtifact("brainmask", s.mask)

	for _, seq := range sortedKeys(s.seqs) {
		res, err := s.do(ctx, operation.ApplyMask, memo.Inputs{
			"in_file":   memo.File(s.seqs[seq]),
			"mask_file": memo.File(s.mask),
			"label":     memo.String(seq),
		})
		if err != nil {
			return fmt.Errorf("mask %s: %w", seq, err)
		}
		s.seqs[seq] = res.Path("out_file")
	}

	_, err = s.ws.Publish(workspace.BrainMaskFile, s.mask)
	return err
}

// correctBias removes the bias field of every sequence and applies the
// profile's header fixes.
func (s *state) correctBias(ctx context.Context) error {
	var tasks []memo.Value
	for _, fix := range s.prof.MetadataFixes {
		tasks = append(tasks, memo.String(fix))
	}

	for _, seq := range sortedKeys(s.seqs) {
		res, err := s.do(ctx, s.tool(config.ToolBiasCorrect), memo.Inputs{
			"in_file":   memo.File(s.seqs[seq]),
			"mask_file": memo.File(s.mask),
			"label":     memo.String(seq),
		})
		if err != nil {
			return fmt.Errorf("bias correction of %s: %w", seq, err)
		}
		out := res.Path("out_file")

		if len(tasks) > 0 {
			res, err = s.do(ctx, operation.FixMetadata, memo.Inputs{
				"in_file": memo.File(out),
				"tasks":   memo.List(tasks...),
				"label":   memo.String(seq),
			})
			if err != nil {
				return fmt.Errorf("metadata fixes of %s: %w", seq, err)
			}
			out = res.Path("out_file")
		}
		s.seqs[seq] = out
	}
	return nil
}

// standardize maps every sequence onto its learned intensity range and
// condenses the outliers. The preprocessed volumes are published.
func (s *state) standardize(ctx context.Context) error {
	for _, seq := range sortedKeys(s.seqs) {
		if _, ok := s.prof.IntensityModels[seq]; !ok {
			return fmt.Errorf("%w: no intensity model for sequence %q", ErrPrecondition, seq)
		}
	}

	for _, seq := range sortedKeys(s.seqs) {
		standardized, err := s.standardizeOne(ctx, seq)
		if err != nil {
			return err
		}
		res, err := s.do(ctx, operation.CondenseOutliers, memo.Inputs{
			"in_file": memo.File(standardized),
			"label":   memo.String(seq),
		})
		if err != nil {
			return fmt.Errorf("outlier condensation of %s: %w", seq, err)
		}
		s.seqs[seq] = res.Path("out_file")
		if _, err := s.ws.Publish(seq+".nii.gz", s.seqs[seq]); err != nil {
			return err
		}
	}
	return nil
}

// standardizeOne runs the standardization tool once, and once more with the
// loss-tolerant flag if the first run reports information loss.
func (s *state) standardizeOne(ctx context.Context, seq string) (string, error) {
	in := memo.Inputs{
		"in_file":   memo.File(s.seqs[seq]),
		"mask_file": memo.File(s.mask),
		"model":     memo.File(s.prof.IntensityModels[seq]),
		"label":     memo.String(seq),
	}
	op := s.tool(config.ToolStandardize)

	res, err := s.do(ctx, op, in)
	if errors.Is(err, operation.ErrInformationLoss) {
		in["ignore"] = memo.Flag(true)
		res, err = s.do(ctx, op, in)
		switch {
		case err == nil:
			ctxlog.FromContext(ctx).Warn("Information may have been lost mapping the sequence to the learned intensity range. Retrain the intensity model to avoid this.", "sequence", seq)
		case errors.Is(err, operation.ErrUnsupportedFlag), errors.Is(err, operation.ErrInformationLoss):
			return "", fmt.Errorf("sequence %q cannot be mapped to the learned intensity range without information loss, retrain the intensity models: %w", seq, err)
		}
	}
	if err != nil {
		return "", fmt.Errorf("intensity standardization of %s: %w", seq, err)
	}
	return res.Path("out_file"), nil
}

// extractFeatures computes every feature of the profile, bounded by the
// worker limit. The result keeps the declared order.
func (s *state) extractFeatures(ctx context.Context) error {
	for i, f := range s.prof.Features {
		if _, ok := s.seqs[f.Sequence]; !ok {
			return fmt.Errorf("%w: feature %d uses sequence %q which the case lacks", ErrPrecondition, i, f.Sequence)
		}
	}

	results := make([]string, len(s.prof.Features))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.p.opts.Workers)
	for i, f := range s.prof.Features {
		in := memo.Inputs{
			"in_file":   memo.File(s.seqs[f.Sequence]),
			"mask_file": memo.File(s.mask),
			"function":  memo.String(f.Function),
			"params":    memo.String(f.Params),
			"label":     memo.String(f.Sequence),
		}
		if f.NeedsSpacing {
			in["spacing"] = s.spacing()
		}
		g.Go(func() error {
			res, err := s.do(gctx, s.tool(config.ToolExtractFeature), in)
			if err != nil {
				return fmt.Errorf("feature %d (%s on %s): %w", i, f.Function, f.Sequence, err)
			}
			results[i] = res.Path("out_file")
			s.ws.SetArtifact(featureKey(f), results[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	ctxlog.FromContext(ctx).Debug("Features extracted.", "count", len(results), "workers", s.p.opts.Workers)
	s.features = results
	return nil
}

// classify joins the features, applies the classifier and turns the
// probabilities into the published segmentation and probability map.
func (s *state) classify(ctx context.Context) error {
	mask, err := nifti.ReadFile(s.mask)
	if err != nil {
		return fmt.Errorf("read brain mask: %w", err)
	}

	files := make([]memo.Value, len(s.features))
	for i, f := range s.features {
		files[i] = memo.File(f)
	}
	joined, err := s.do(ctx, operation.JoinFeatures, memo.Inputs{
		"features": memo.List(files...),
		"voxels":   memo.Number(float64(imaging.CountMask(mask))),
	})
	if err != nil {
		return err
	}

	probs, err := s.do(ctx, s.tool(config.ToolClassify), memo.Inputs{
		"model":    memo.File(s.prof.ModelFile),
		"features": memo.File(joined.Path("out_file")),
	})
	if err != nil {
		return err
	}

	seg, err := s.do(ctx, operation.Segment, memo.Inputs{
		"probabilities": memo.File(probs.Path("out_file")),
		"mask_file":     memo.File(s.mask),
		"threshold":     memo.Number(LesionThreshold),
	})
	if err != nil {
		return err
	}
	s.segment = seg.Path("segmentation")
	if _, err := s.ws.Publish(workspace.SegmentationFile, s.segment); err != nil {
		return err
	}
	_, err = s.ws.Publish(workspace.ProbabilityFile, seg.Path("probability"))
	return err
}

// toStandardSpace brings the segmentation back into the space of the
// auxiliary sequence's original image, registers that image onto the
// standard brain with the lesion masked out and warps the segmentation
// along.
func (s *state) toStandardSpace(ctx context.Context) error {
	sb := s.p.opts.StandardBrain
	aux := sb.Sequence
	auxPath, ok := s.original[aux]
	if !ok {
		return fmt.Errorf("%w: standard brain sequence %q is not among the case sequences", ErrPrecondition, aux)
	}

	var native memo.Result
	if aux == s.prof.RegistrationBase {
		h, err := nifti.ReadHeader(auxPath)
		if err != nil {
			return err
		}
		sp := [3]float64{float64(h.Pixdim[1]), float64(h.Pixdim[2]), float64(h.Pixdim[3])}
		native, err = s.do(ctx, s.tool(config.ToolResample), memo.Inputs{
			"in_file": memo.File(s.segment),
			"spacing": memo.Numbers(sp[:]...),
			"order":   memo.Number(maskOrder),
			"label":   memo.String(aux),
		})
		if err != nil {
			return err
		}
	} else {
		inv, err := s.do(ctx, s.tool(config.ToolInvertTransform), memo.Inputs{
			"in_file": memo.File(s.transforms[aux]),
			"label":   memo.String(aux),
		})
		if err != nil {
			return err
		}
		native, err = s.do(ctx, s.tool(config.ToolApplyTransform), memo.Inputs{
			"in_file":   memo.File(s.segment),
			"reference": memo.File(auxPath),
			"matrix":    memo.File(inv.Path("out_file")),
			"label":     memo.String(aux),
		})
		if err != nil {
			return err
		}
	}
	lesion := native.Path("out_file")

	fmask, err := s.do(ctx, operation.InvertMask, memo.Inputs{"in_file": memo.File(lesion)})
	if err != nil {
		return err
	}
	affine, err := s.do(ctx, s.tool(config.ToolAffineRegister), memo.Inputs{
		"in_file":    memo.File(auxPath),
		"reference":  memo.File(sb.Path),
		"fmask_file": memo.File(fmask.Path("out_file")),
		"label":      memo.String(aux),
	})
	if err != nil {
		return err
	}
	deformable, err := s.do(ctx, s.tool(config.ToolDeformableRegister), memo.Inputs{
		"in_file":    memo.File(auxPath),
		"reference":  memo.File(sb.Path),
		"affine":     memo.File(affine.Path("out_matrix")),
		"fmask_file": memo.File(fmask.Path("out_file")),
		"label":      memo.String(aux),
	})
	if err != nil {
		return err
	}
	warped, err := s.do(ctx, s.tool(config.ToolResampleTransform), memo.Inputs{
		"in_file":   memo.File(lesion),
		"reference": memo.File(sb.Path),
		"transform": memo.File(deformable.Path("out_cpp")),
		"label":     memo.String(aux),
	})
	if err != nil {
		return err
	}
	_, err = s.ws.Publish(workspace.StandardSegmentationFile, warped.Path("out_file"))
	return err
}

// featureKey names a feature artifact by sequence, function and a short
// digest of its parameters.
func featureKey(f profile.Feature) string {
	sum := sha256.Sum256([]byte(f.Params))
	return fmt.Sprintf("feature.%s.%s.%s", f.Sequence, f.Function, hex.EncodeToString(sum[:4]))
}
