// Package pipelinetest provides in-process doubles for the external tools
// and a small synthetic case, so pipeline behaviour can be tested without
// any imaging software installed.
package pipelinetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/albo/internal/config"
	"github.com/vk/albo/internal/fsutil"
	"github.com/vk/albo/internal/imaging"
	"github.com/vk/albo/internal/memo"
	"github.com/vk/albo/internal/nifti"
	"github.com/vk/albo/internal/npy"
	"github.com/vk/albo/internal/operation"
	"github.com/vk/albo/internal/profile"
	"github.com/vk/albo/internal/testutil"
)

// Intensities of the synthetic case.
const (
	BrainValue  = 50
	LesionValue = 200
)

// Dim is the shape of the synthetic volumes. The brain fills [1,7) on every
// axis and the lesion [3,5), so the lesion has eight voxels.
var Dim = [3]int{8, 8, 8}

// LesionVoxels is the size of the synthetic lesion.
const LesionVoxels = 8

// Handler is the body of a tool double.
type Handler func(ctx context.Context, call *memo.Call) error

// Toolbox is a thread-safe set of tool doubles that records every run.
type Toolbox struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    map[string][]memo.Inputs
}

// NewToolbox returns doubles for every tool the pipeline drives.
func NewToolbox() *Toolbox {
	return &Toolbox{
		handlers: map[string]Handler{
			config.ToolResample:           resample,
			config.ToolRegister:           copyWithMatrix("out_matrix"),
			config.ToolSkullstrip:         skullstrip,
			config.ToolBiasCorrect:        CopyInput,
			config.ToolStandardize:        CopyInput,
			config.ToolExtractFeature:     extractFeature,
			config.ToolClassify:           classify,
			config.ToolInvertTransform:    CopyInput,
			config.ToolApplyTransform:     CopyInput,
			config.ToolAffineRegister:     copyWithMatrix("out_matrix"),
			config.ToolDeformableRegister: copyWithMatrix("out_cpp"),
			config.ToolResampleTransform:  CopyInput,
		},
		calls: make(map[string][]memo.Inputs),
	}
}

// Replace swaps the double registered under name.
func (tb *Toolbox) Replace(name string, h Handler) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.handlers[name] = h
}

// Operation implements pipeline.Toolbox.
func (tb *Toolbox) Operation(name string) memo.Operation {
	spec, ok := operation.Specs[name]
	if !ok {
		panic(fmt.Sprintf("pipelinetest: unknown tool %q", name))
	}
	inputs := append([]memo.InputSpec{}, spec.Inputs...)
	inputs = append(inputs, memo.InputSpec{Name: "label", Kind: memo.KindString, Optional: true, Cosmetic: true})
	desc := memo.Descriptor{Name: name, Version: "test", Inputs: inputs, Outputs: spec.Outputs}

	return operation.NewFunc(desc, func(ctx context.Context, call *memo.Call) error {
		tb.mu.Lock()
		tb.calls[name] = append(tb.calls[name], call.Inputs)
		h := tb.handlers[name]
		tb.mu.Unlock()
		return h(ctx, call)
	})
}

// Calls returns the inputs of every run of name so far.
func (tb *Toolbox) Calls(name string) []memo.Inputs {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return append([]memo.Inputs(nil), tb.calls[name]...)
}

// Total returns the number of tool runs so far.
func (tb *Toolbox) Total() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	n := 0
	for _, c := range tb.calls {
		n += len(c)
	}
	return n
}

// Labels returns the distinct sequence labels tools were run with.
func (tb *Toolbox) Labels() []string {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	seen := make(map[string]bool)
	for _, calls := range tb.calls {
		for _, in := range calls {
			if l, ok := in["label"]; ok {
				seen[l.Str()] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// WriteCase writes the synthetic sequences into dir and returns them by
// name. Later sequences are slightly brighter.
func WriteCase(t *testing.T, dir string, names ...string) map[string]string {
	t.Helper()
	data := testutil.Box(Dim, [3]int{1, 1, 1}, [3]int{7, 7, 7})
	lesion := testutil.Box(Dim, [3]int{3, 3, 3}, [3]int{5, 5, 5})
	for i := range data {
		data[i] = data[i]*BrainValue + lesion[i]*(LesionValue-BrainValue)
	}
	seqs := make(map[string]string, len(names))
	for i, n := range names {
		// Distinct contents keep the cache from sharing results between
		// sequences.
		scaled := make([]float64, len(data))
		for j, x := range data {
			scaled[j] = x * (1 + float64(i)/10)
		}
		seqs[n] = testutil.WriteVolume(t, filepath.Join(dir, n+".nii.gz"), Dim, [3]float64{1, 1, 1}, scaled)
	}
	return seqs
}

// Profile returns a consistent profile over seqs, with its model files
// written into dir. The first sequence is the registration and
// skullstripping base, and every sequence gets one feature.
func Profile(t *testing.T, dir, name string, seqs ...string) *profile.Profile {
	t.Helper()
	require.NotEmpty(t, seqs)
	writeModel := func(n string) string {
		p := filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(p, []byte("model "+n), 0o644))
		return p
	}

	p := &profile.Profile{
		Name:               name,
		Sequences:          append([]string(nil), seqs...),
		RegistrationBase:   seqs[0],
		SkullstrippingBase: seqs[0],
		PixelSpacing:       []float64{1, 1, 1},
		IntensityModels:    make(map[string]string),
		ModelFile:          writeModel(name + ".forest"),
	}
	sort.Strings(p.Sequences)
	for _, s := range seqs {
		p.IntensityModels[s] = writeModel(s + ".model")
		p.Features = append(p.Features, profile.Feature{Sequence: s, Function: "intensities", Params: "{}"})
	}
	return p
}

// CopyInput copies in_file to out_file.
func CopyInput(_ context.Context, call *memo.Call) error {
	return fsutil.CopyFile(call.Inputs["in_file"].Path(), call.Output("out_file"))
}

func copyWithMatrix(output string) Handler {
	return func(ctx context.Context, call *memo.Call) error {
		if err := CopyInput(ctx, call); err != nil {
			return err
		}
		return os.WriteFile(call.Output(output), []byte("1 0 0 0\n0 1 0 0\n0 0 1 0\n0 0 0 1\n"), 0o644)
	}
}

func resample(_ context.Context, call *memo.Call) error {
	v, err := nifti.ReadFile(call.Inputs["in_file"].Path())
	if err != nil {
		return err
	}
	var sp [3]float64
	for i, item := range call.Inputs["spacing"].Items() {
		sp[i] = item.Float()
	}
	v.SetSpacing(sp)
	return nifti.WriteFile(call.Output("out_file"), v, nifti.Float32)
}

func skullstrip(ctx context.Context, call *memo.Call) error {
	if err := CopyInput(ctx, call); err != nil {
		return err
	}
	v, err := nifti.ReadFile(call.Inputs["in_file"].Path())
	if err != nil {
		return err
	}
	mask := v.Like()
	for i, x := range v.Data {
		if x > 0 {
			mask.Data[i] = 1
		}
	}
	return nifti.WriteFile(call.Output("mask_file"), mask, nifti.Uint8)
}

// extractFeature emits the masked intensities.
func extractFeature(_ context.Context, call *memo.Call) error {
	img, err := nifti.ReadFile(call.Inputs["in_file"].Path())
	if err != nil {
		return err
	}
	mask, err := nifti.ReadFile(call.Inputs["mask_file"].Path())
	if err != nil {
		return err
	}
	values, err := imaging.Masked(img, mask)
	if err != nil {
		return err
	}
	return npy.WriteFile(call.Output("out_file"), &npy.Array{Shape: []int{len(values)}, Data: values})
}

// classify marks every row whose first feature is lesion-bright.
func classify(_ context.Context, call *memo.Call) error {
	features, err := npy.ReadFile(call.Inputs["features"].Path())
	if err != nil {
		return err
	}
	rows, cols := features.Rows(), features.Cols()
	probs := make([]float64, rows)
	for r := range rows {
		probs[r] = 0.1
		if features.Data[r*cols] > (BrainValue+LesionValue)/2 {
			probs[r] = 0.9
		}
	}
	return npy.WriteFile(call.Output("out_file"), &npy.Array{Shape: []int{rows}, Data: probs})
}
