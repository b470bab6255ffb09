package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/albo/internal/config"
	"github.com/vk/albo/internal/imaging"
	"github.com/vk/albo/internal/memo"
	"github.com/vk/albo/internal/nifti"
	"github.com/vk/albo/internal/npy"
	"github.com/vk/albo/internal/operation"
	"github.com/vk/albo/internal/pipeline/pipelinetest"
	"github.com/vk/albo/internal/profile"
	"github.com/vk/albo/internal/testutil"
	"github.com/vk/albo/internal/workspace"
)

type fixture struct {
	tools *pipelinetest.Toolbox
	cache *memo.Cache
	input string
	out   string
	logs  *testutil.SafeBuffer
	ctx   context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logs := &testutil.SafeBuffer{}
	t.Cleanup(func() { testutil.DumpLogs(t, logs) })
	ctx := testutil.LoggerContext(logs)

	cache, err := memo.Open(ctx, memo.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	return &fixture{
		tools: pipelinetest.NewToolbox(),
		cache: cache,
		input: t.TempDir(),
		out:   t.TempDir(),
		logs:  logs,
		ctx:   ctx,
	}
}

func (f *fixture) run(t *testing.T, id string, opts Options, c Case) (*workspace.Case, error) {
	t.Helper()
	ws, err := workspace.Prepare(f.ctx, f.out, id, false)
	require.NoError(t, err)
	c.Workspace = ws
	runErr := New(f.cache, f.tools, opts).Run(f.ctx, c)
	require.NoError(t, ws.Finish(runErr, ""))
	return ws, runErr
}

func TestRun_SubsetOfSequences(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	seqs := pipelinetest.WriteCase(t, f.input, "flair", "t1", "t2")
	prof := pipelinetest.Profile(t, f.input, "flair-t1", "flair", "t1")

	ws, err := f.run(t, "case1", Options{Workers: 2}, Case{Profile: prof, Sequences: seqs})
	require.NoError(t, err)

	assert.Equal(t, []string{"flair", "t1"}, f.tools.Labels(), "t2 must never reach a tool")
	assert.Len(t, f.tools.Calls(config.ToolRegister), 1)
	assert.Contains(t, f.logs.String(), "Ignoring sequences the profile does not use.")

	for _, name := range []string{workspace.BrainMaskFile, workspace.SegmentationFile, workspace.ProbabilityFile, "flair.nii.gz", "t1.nii.gz"} {
		assert.FileExists(t, ws.Output(name))
	}
	assert.NoFileExists(t, ws.Output("t2.nii.gz"))
	assert.NoFileExists(t, ws.Output(workspace.StandardSegmentationFile))

	seg, err := nifti.ReadFile(ws.Output(workspace.SegmentationFile))
	require.NoError(t, err)
	lesion := 0
	for _, v := range seg.Data {
		if v > 0 {
			lesion++
		}
	}
	assert.Equal(t, pipelinetest.LesionVoxels, lesion)
}

func TestRun_RerunHitsCache(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	seqs := pipelinetest.WriteCase(t, f.input, "flair", "t1")
	prof := pipelinetest.Profile(t, f.input, "flair-t1", "flair", "t1")

	_, err := f.run(t, "first", Options{}, Case{Profile: prof, Sequences: seqs})
	require.NoError(t, err)
	runs := f.tools.Total()
	require.NotZero(t, runs)

	ws, err := f.run(t, "second", Options{}, Case{Profile: prof, Sequences: seqs})
	require.NoError(t, err)
	assert.Equal(t, runs, f.tools.Total(), "an identical case must not run any tool again")
	assert.FileExists(t, ws.Output(workspace.SegmentationFile))
}

func TestRun_FeatureOrderIsDeclarationOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	seqs := pipelinetest.WriteCase(t, f.input, "flair", "t1")
	prof := pipelinetest.Profile(t, f.input, "flair-t1", "flair", "t1")
	prof.Features[0], prof.Features[1] = prof.Features[1], prof.Features[0]

	// Every feature column holds a constant identifying its sequence.
	ids := map[string]float64{"flair": 1, "t1": 2}
	f.tools.Replace(config.ToolExtractFeature, func(_ context.Context, call *memo.Call) error {
		return writeConstantFeature(call, ids[call.Inputs["label"].Str()])
	})
	var firstRow []float64
	f.tools.Replace(config.ToolClassify, func(_ context.Context, call *memo.Call) error {
		joined, err := npy.ReadFile(call.Inputs["features"].Path())
		if err != nil {
			return err
		}
		firstRow = append([]float64(nil), joined.Data[:joined.Cols()]...)
		probs := make([]float64, joined.Rows())
		return npy.WriteFile(call.Output("out_file"), &npy.Array{Shape: []int{joined.Rows()}, Data: probs})
	})

	_, err := f.run(t, "case1", Options{Workers: 4}, Case{Profile: prof, Sequences: seqs})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 1}, firstRow)
	assert.Len(t, f.tools.Calls(config.ToolExtractFeature), 2)
}

// writeConstantFeature writes a feature vector holding v for every masked
// voxel.
func writeConstantFeature(call *memo.Call, v float64) error {
	mask, err := nifti.ReadFile(call.Inputs["mask_file"].Path())
	if err != nil {
		return err
	}
	n := imaging.CountMask(mask)
	data := make([]float64, n)
	for i := range data {
		data[i] = v
	}
	return npy.WriteFile(call.Output("out_file"), &npy.Array{Shape: []int{n}, Data: data})
}

func zeroProbabilities(call *memo.Call) error {
	joined, err := npy.ReadFile(call.Inputs["features"].Path())
	if err != nil {
		return err
	}
	return npy.WriteFile(call.Output("out_file"), &npy.Array{Shape: []int{joined.Rows()}, Data: make([]float64, joined.Rows())})
}

func TestRun_FeatureExtractionIsBoundedByWorkers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	seqs := pipelinetest.WriteCase(t, f.input, "flair", "t1")
	prof := pipelinetest.Profile(t, f.input, "flair-t1", "flair", "t1")
	for sigma := 1; sigma <= 4; sigma++ {
		prof.Features = append(prof.Features, profile.Feature{
			Sequence: "flair",
			Function: "local_mean_gauss",
			Params:   fmt.Sprintf(`{"sigma":%d}`, sigma),
		})
	}
	const workers = 2

	var mu sync.Mutex
	inFlight, peak, finished := 0, 0, 0
	f.tools.Replace(config.ToolExtractFeature, func(_ context.Context, call *memo.Call) error {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()

		// Hold the slot until a second extraction has overlapped, or give up.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			seen := peak
			mu.Unlock()
			if seen >= workers {
				break
			}
			time.Sleep(time.Millisecond)
		}
		time.Sleep(5 * time.Millisecond)

		err := writeConstantFeature(call, 1)
		mu.Lock()
		inFlight--
		finished++
		mu.Unlock()
		return err
	})
	finishedAtClassify := -1
	f.tools.Replace(config.ToolClassify, func(_ context.Context, call *memo.Call) error {
		mu.Lock()
		finishedAtClassify = finished
		mu.Unlock()
		return zeroProbabilities(call)
	})

	_, err := f.run(t, "case1", Options{Workers: workers}, Case{Profile: prof, Sequences: seqs})
	require.NoError(t, err)

	assert.Len(t, f.tools.Calls(config.ToolExtractFeature), len(prof.Features))
	assert.Greater(t, peak, 1, "extractions never overlapped")
	assert.LessOrEqual(t, peak, workers)
	assert.Equal(t, len(prof.Features), finishedAtClassify, "classification started before every feature was extracted")
}

func TestRun_StandardizationRetriesOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	seqs := pipelinetest.WriteCase(t, f.input, "flair")
	prof := pipelinetest.Profile(t, f.input, "flair", "flair")

	f.tools.Replace(config.ToolStandardize, func(ctx context.Context, call *memo.Call) error {
		if !call.Inputs["ignore"].Bool() {
			return &operation.ToolError{Tool: config.ToolStandardize, Condition: operation.InformationLoss, ExitCode: 1}
		}
		return pipelinetest.CopyInput(ctx, call)
	})

	_, err := f.run(t, "case1", Options{}, Case{Profile: prof, Sequences: seqs})
	require.NoError(t, err)
	assert.Len(t, f.tools.Calls(config.ToolStandardize), 2)
	assert.Contains(t, f.logs.String(), "Retrain the intensity model")
}

func TestRun_StandardizationRetryUnsupported(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	seqs := pipelinetest.WriteCase(t, f.input, "flair")
	prof := pipelinetest.Profile(t, f.input, "flair", "flair")

	f.tools.Replace(config.ToolStandardize, func(_ context.Context, call *memo.Call) error {
		if call.Inputs["ignore"].Bool() {
			return &operation.ToolError{Tool: config.ToolStandardize, Condition: operation.UnsupportedFlag, ExitCode: 2}
		}
		return &operation.ToolError{Tool: config.ToolStandardize, Condition: operation.InformationLoss, ExitCode: 1}
	})

	_, err := f.run(t, "case1", Options{}, Case{Profile: prof, Sequences: seqs})
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageStandardize, stageErr.Stage)
	assert.ErrorIs(t, err, operation.ErrUnsupportedFlag)
	assert.Len(t, f.tools.Calls(config.ToolStandardize), 2)
	assert.Empty(t, f.tools.Calls(config.ToolExtractFeature))
}

func TestRun_MissingSequence(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	seqs := pipelinetest.WriteCase(t, f.input, "flair")
	prof := pipelinetest.Profile(t, f.input, "flair-t1", "flair", "t1")

	_, err := f.run(t, "case1", Options{}, Case{Profile: prof, Sequences: seqs})
	require.ErrorIs(t, err, ErrPrecondition)
	assert.Zero(t, f.tools.Total())
}

func TestRun_MissingRegistrationBase(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	seqs := pipelinetest.WriteCase(t, f.input, "flair", "t1")
	prof := pipelinetest.Profile(t, f.input, "flair-t1", "flair", "t1")
	prof.RegistrationBase = "dwi"

	_, err := f.run(t, "case1", Options{}, Case{Profile: prof, Sequences: seqs})
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageRegistration, stageErr.Stage)
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestRun_ToolFailureNamesStage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	seqs := pipelinetest.WriteCase(t, f.input, "flair")
	prof := pipelinetest.Profile(t, f.input, "flair", "flair")
	f.tools.Replace(config.ToolSkullstrip, func(context.Context, *memo.Call) error {
		return &operation.ToolError{Tool: config.ToolSkullstrip, ExitCode: 1, Err: errors.New("exit status 1")}
	})

	ws, err := f.run(t, "case1", Options{}, Case{Profile: prof, Sequences: seqs})
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageSkullstrip, stageErr.Stage)
	assert.ErrorIs(t, err, operation.ErrFailed)
	assert.NoFileExists(t, ws.Output(workspace.BrainMaskFile))
}

func TestRun_StandardSpace(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		sequence string
		invoked  []string
		skipped  []string
	}{
		{
			name:     "registration base resamples back",
			sequence: "flair",
			invoked:  []string{config.ToolAffineRegister, config.ToolDeformableRegister, config.ToolResampleTransform},
			skipped:  []string{config.ToolInvertTransform, config.ToolApplyTransform},
		},
		{
			name:     "other sequence inverts its transform",
			sequence: "t1",
			invoked:  []string{config.ToolInvertTransform, config.ToolApplyTransform, config.ToolAffineRegister, config.ToolDeformableRegister},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			seqs := pipelinetest.WriteCase(t, f.input, "flair", "t1")
			prof := pipelinetest.Profile(t, f.input, "flair-t1", "flair", "t1")
			brain := testutil.WriteVolume(t, filepath.Join(f.input, "mni.nii.gz"), pipelinetest.Dim, [3]float64{1, 1, 1}, nil)

			opts := Options{StandardBrain: &config.StandardBrain{Sequence: tc.sequence, Path: brain}}
			ws, err := f.run(t, "case1", opts, Case{Profile: prof, Sequences: seqs})
			require.NoError(t, err)
			assert.FileExists(t, ws.Output(workspace.StandardSegmentationFile))

			for _, tool := range tc.invoked {
				assert.Len(t, f.tools.Calls(tool), 1, tool)
			}
			for _, tool := range tc.skipped {
				assert.Empty(t, f.tools.Calls(tool), tool)
			}

			affine := f.tools.Calls(config.ToolAffineRegister)[0]
			assert.Equal(t, seqs[tc.sequence], affine["in_file"].Path(), "the original image is registered")
			assert.Contains(t, affine, "fmask_file")

			if tc.sequence == "flair" {
				resamples := f.tools.Calls(config.ToolResample)
				require.Len(t, resamples, 2)
				assert.Equal(t, float64(maskOrder), resamples[1]["order"].Float())
			}
		})
	}
}

func TestRun_StandardSpaceSequenceOutsideProfile(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	seqs := pipelinetest.WriteCase(t, f.input, "flair", "t1")
	prof := pipelinetest.Profile(t, f.input, "flair", "flair")
	brain := testutil.WriteVolume(t, filepath.Join(f.input, "mni.nii.gz"), pipelinetest.Dim, [3]float64{1, 1, 1}, nil)

	opts := Options{StandardBrain: &config.StandardBrain{Sequence: "t1", Path: brain}}
	_, err := f.run(t, "case1", opts, Case{Profile: prof, Sequences: seqs})
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageStandardSpace, stageErr.Stage)
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestSubset(t *testing.T) {
	t.Parallel()
	prof := pipelinetest.Profile(t, t.TempDir(), "p", "flair", "t1")

	got, dropped, err := Subset(map[string]string{"t1": "a", "t2": "b", "flair": "c", "dwi": "d"}, prof)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"t1": "a", "flair": "c"}, got)
	assert.Equal(t, []string{"dwi", "t2"}, dropped)

	_, _, err = Subset(map[string]string{"t1": "a"}, prof)
	assert.ErrorIs(t, err, ErrPrecondition)
}
