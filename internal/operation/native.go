package operation

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/vk/albo/internal/imaging"
	"github.com/vk/albo/internal/memo"
	"github.com/vk/albo/internal/nifti"
	"github.com/vk/albo/internal/npy"
)

// Func adapts a Go function to memo.Operation.
type Func struct {
	desc memo.Descriptor
	fn   func(ctx context.Context, call *memo.Call) error
}

// NewFunc returns an operation that runs fn under desc.
func NewFunc(desc memo.Descriptor, fn func(ctx context.Context, call *memo.Call) error) *Func {
	return &Func{desc: desc, fn: fn}
}

// Descriptor implements memo.Operation.
func (f *Func) Descriptor() memo.Descriptor { return f.desc }

// Run implements memo.Operation.
func (f *Func) Run(ctx context.Context, call *memo.Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.fn(ctx, call)
}

// Names of the native operations.
const (
	OpApplyMask        = "apply_mask"
	OpFixMetadata      = "fix_metadata"
	OpCondenseOutliers = "condense_outliers"
	OpJoinFeatures     = "join_features"
	OpSegment          = "segment"
	OpInvertMask       = "invert_mask"
)

// nativeVersion is bumped whenever a native operation changes its output.
const nativeVersion = "1"

var labelInput = memo.InputSpec{Name: "label", Kind: memo.KindString, Optional: true, Cosmetic: true}

// ApplyMask zeroes every voxel of in_file outside mask_file.
var ApplyMask = NewFunc(memo.Descriptor{
	Name:    OpApplyMask,
	Version: nativeVersion,
	Inputs:  []memo.InputSpec{file("in_file"), file("mask_file"), labelInput},
	Outputs: []memo.OutputSpec{out("out_file", "masked.nii.gz")},
}, func(_ context.Context, call *memo.Call) error {
	img, err := nifti.ReadFile(call.Inputs["in_file"].Path())
	if err != nil {
		return err
	}
	mask, err := nifti.ReadFile(call.Inputs["mask_file"].Path())
	if err != nil {
		return err
	}
	masked, err := imaging.ApplyMask(img, mask)
	if err != nil {
		return err
	}
	return nifti.WriteFile(call.Output("out_file"), masked, storageType(img.Header))
})

// FixMetadata rewrites the spatial header fields of in_file according to a
// list of tasks such as "qf=aff" or "sfc=1". Voxel data is untouched.
var FixMetadata = NewFunc(memo.Descriptor{
	Name:    OpFixMetadata,
	Version: nativeVersion,
	Inputs:  []memo.InputSpec{file("in_file"), list("tasks"), labelInput},
	Outputs: []memo.OutputSpec{out("out_file", "fixed.nii.gz")},
}, func(_ context.Context, call *memo.Call) error {
	img, err := nifti.ReadFile(call.Inputs["in_file"].Path())
	if err != nil {
		return err
	}
	items := call.Inputs["tasks"].Items()
	tasks := make([]string, len(items))
	for i, it := range items {
		tasks[i] = it.Text()
	}
	if err := nifti.ModifyMetadata(&img.Header, tasks); err != nil {
		return err
	}
	return nifti.WriteFile(call.Output("out_file"), img, storageType(img.Header))
})

// CondenseOutliers clips in_file to its [1st, 99.9th] percentile range.
var CondenseOutliers = NewFunc(memo.Descriptor{
	Name:    OpCondenseOutliers,
	Version: nativeVersion,
	Inputs:  []memo.InputSpec{file("in_file"), labelInput},
	Outputs: []memo.OutputSpec{out("out_file", "condensed.nii.gz")},
}, func(_ context.Context, call *memo.Call) error {
	img, err := nifti.ReadFile(call.Inputs["in_file"].Path())
	if err != nil {
		return err
	}
	clipped, _, _, err := imaging.CondenseOutliers(img)
	if err != nil {
		return err
	}
	return nifti.WriteFile(call.Output("out_file"), clipped, nifti.Float32)
})

// JoinFeatures concatenates the per-voxel feature arrays column-wise, in
// list order, into one (voxels x features) matrix.
var JoinFeatures = NewFunc(memo.Descriptor{
	Name:    OpJoinFeatures,
	Version: nativeVersion,
	Inputs:  []memo.InputSpec{list("features"), number("voxels"), labelInput},
	Outputs: []memo.OutputSpec{out("out_file", "features.npy")},
}, func(_ context.Context, call *memo.Call) error {
	rows := int(call.Inputs["voxels"].Float())
	var joined *mat.Dense
	for _, item := range call.Inputs["features"].Items() {
		a, err := npy.ReadFile(item.Path())
		if err != nil {
			return err
		}
		if a.Rows() != rows {
			return fmt.Errorf("feature %s has %d rows, expected one per masked voxel (%d)", item.Path(), a.Rows(), rows)
		}
		if rows == 0 || a.Cols() == 0 {
			continue
		}
		m := mat.NewDense(rows, a.Cols(), a.Data)
		if joined == nil {
			joined = mat.DenseCopyOf(m)
			continue
		}
		var next mat.Dense
		next.Augment(joined, m)
		joined = &next
	}

	res := &npy.Array{Shape: []int{rows, 0}}
	if joined != nil {
		r, c := joined.Dims()
		res = &npy.Array{Shape: []int{r, c}, Data: joined.RawMatrix().Data}
	}
	return npy.WriteFile(call.Output("out_file"), res)
})

// Segment turns per-voxel lesion probabilities into a binary segmentation
// and a probability map, both shaped like mask_file. Probabilities above
// threshold are lesion; enclosed background holes are filled afterwards.
var Segment = NewFunc(memo.Descriptor{
	Name:    OpSegment,
	Version: nativeVersion,
	Inputs:  []memo.InputSpec{file("probabilities"), file("mask_file"), number("threshold"), labelInput},
	Outputs: []memo.OutputSpec{
		out("segmentation", "segmentation.nii.gz"),
		out("probability", "probability.nii.gz"),
	},
}, func(_ context.Context, call *memo.Call) error {
	mask, err := nifti.ReadFile(call.Inputs["mask_file"].Path())
	if err != nil {
		return err
	}
	a, err := npy.ReadFile(call.Inputs["probabilities"].Path())
	if err != nil {
		return err
	}
	probs := lesionColumn(a)

	probMap, err := imaging.Reconstruct(mask, probs)
	if err != nil {
		return err
	}
	seg, err := imaging.Reconstruct(mask, imaging.Threshold(probs, call.Inputs["threshold"].Float()))
	if err != nil {
		return err
	}
	seg = imaging.FillHoles(seg)

	if err := nifti.WriteFile(call.Output("segmentation"), seg, nifti.Uint8); err != nil {
		return err
	}
	return nifti.WriteFile(call.Output("probability"), probMap, nifti.Float32)
})

// InvertMask swaps foreground and background of a binary mask.
var InvertMask = NewFunc(memo.Descriptor{
	Name:    OpInvertMask,
	Version: nativeVersion,
	Inputs:  []memo.InputSpec{file("in_file"), labelInput},
	Outputs: []memo.OutputSpec{out("out_file", "inverted.nii.gz")},
}, func(_ context.Context, call *memo.Call) error {
	mask, err := nifti.ReadFile(call.Inputs["in_file"].Path())
	if err != nil {
		return err
	}
	inv := mask.Like()
	for i, m := range mask.Data {
		if m == 0 {
			inv.Data[i] = 1
		}
	}
	return nifti.WriteFile(call.Output("out_file"), inv, nifti.Uint8)
})

// lesionColumn returns the lesion-class probability per voxel: the vector
// itself, or the last column of a per-class matrix.
func lesionColumn(a *npy.Array) []float64 {
	if len(a.Shape) <= 1 || a.Cols() <= 1 || a.Rows() == 0 {
		return a.Data
	}
	rows, cols := a.Rows(), a.Cols()
	m := mat.NewDense(rows, cols, a.Data)
	out := make([]float64, rows)
	mat.Col(out, cols-1, m)
	return out
}

// storageType keeps the on-disk datatype unless intensity scaling turned the
// values into floats.
func storageType(h nifti.Header) int16 {
	scaled := (h.SclSlope != 0 && h.SclSlope != 1) || h.SclInter != 0
	if scaled || h.Datatype == 0 {
		return nifti.Float32
	}
	return h.Datatype
}
