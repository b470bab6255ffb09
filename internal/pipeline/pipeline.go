// Package pipeline runs the seven processing stages of one case: resampling
// and registration, skull-stripping, bias correction, intensity
// standardization, feature extraction, classification and the optional
// registration into standard space.
//
// Every expensive step goes through the execution cache, so a rerun of a
// case, or of a case that failed half way, only computes what is missing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/vk/albo/internal/config"
	"github.com/vk/albo/internal/ctxlog"
	"github.com/vk/albo/internal/memo"
	"github.com/vk/albo/internal/profile"
	"github.com/vk/albo/internal/workspace"
)

// Stage names one step of the pipeline.
type Stage string

const (
	StageRegistration  Stage = "registration"
	StageSkullstrip    Stage = "skullstrip"
	StageBiasCorrect   Stage = "bias_correction"
	StageStandardize   Stage = "intensity_standardization"
	StageFeatures      Stage = "feature_extraction"
	StageClassify      Stage = "classification"
	StageStandardSpace Stage = "standard_space_registration"
)

// ErrPrecondition is returned when a case lacks a sequence a stage needs.
var ErrPrecondition = errors.New("precondition failed")

// StageError wraps the error that aborted a stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// LesionThreshold is the probability above which a voxel is lesion.
const LesionThreshold = 0.5

// Executor runs an operation, reusing earlier results where possible.
// *memo.Cache implements it.
type Executor interface {
	Do(ctx context.Context, op memo.Operation, in memo.Inputs) (memo.Result, error)
}

// Toolbox resolves external tool names to operations.
type Toolbox interface {
	Operation(name string) memo.Operation
}

// Options tune a Pipeline.
type Options struct {
	// Workers bounds concurrent feature extraction. Zero means one per CPU.
	Workers int
	// StandardBrain enables the standard-space stage when set.
	StandardBrain *config.StandardBrain
}

// Pipeline runs cases. It holds no per-case state and may run several
// cases concurrently.
type Pipeline struct {
	exec  Executor
	tools Toolbox
	opts  Options
}

// New returns a Pipeline that executes through exec.
func New(exec Executor, tools Toolbox, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Pipeline{exec: exec, tools: tools, opts: opts}
}

// Case is the input of one run.
type Case struct {
	Profile   *profile.Profile
	Sequences map[string]string
	Workspace *workspace.Case
}

type stage struct {
	name Stage
	run  func(*state, context.Context) error
}

var stages = []stage{
	{StageRegistration, (*state).register},
	{StageSkullstrip, (*state).skullstrip},
	{StageBiasCorrect, (*state).correctBias},
	{StageStandardize, (*state).standardize},
	{StageFeatures, (*state).extractFeatures},
	{StageClassify, (*state).classify},
	{StageStandardSpace, (*state).toStandardSpace},
}

// Run executes every stage for c in order. The first failing stage aborts
// the case with a *StageError.
func (p *Pipeline) Run(ctx context.Context, c Case) error {
	logger := ctxlog.FromContext(ctx).With("case", c.Workspace.ID, "profile", c.Profile.Name)
	ctx = ctxlog.WithLogger(ctx, logger)

	seqs, dropped, err := Subset(c.Sequences, c.Profile)
	if err != nil {
		return err
	}
	if len(dropped) > 0 {
		logger.Warn("Ignoring sequences the profile does not use.", "dropped", dropped)
	}

	s := newState(p, c, seqs)
	start := time.Now()
	logger.Info("🚀 Pipeline started.", "sequences", sortedKeys(seqs))
	for _, st := range stages {
		if st.name == StageStandardSpace && p.opts.StandardBrain == nil {
			logger.Info("Skipping standard-space registration, no standard brain configured.")
			continue
		}
		logger.Info("▶️ Stage started.", "stage", st.name)
		stageStart := time.Now()
		if err := st.run(s, ctx); err != nil {
			logger.Error("🔥 Stage failed.", "stage", st.name, "error", err)
			return &StageError{Stage: st.name, Err: err}
		}
		logger.Info("✅ Stage finished.", "stage", st.name, "elapsed", time.Since(stageStart))
	}
	logger.Info("🏁 Pipeline finished.", "elapsed", time.Since(start))
	return nil
}

// Subset keeps only the sequences p requires and reports the ones dropped.
// A required sequence the case lacks is an ErrPrecondition.
func Subset(seqs map[string]string, p *profile.Profile) (map[string]string, []string, error) {
	out := make(map[string]string, len(p.Sequences))
	var missing []string
	for _, s := range p.Sequences {
		path, ok := seqs[s]
		if !ok {
			missing = append(missing, s)
			continue
		}
		out[s] = path
	}
	if len(missing) > 0 {
		return nil, nil, fmt.Errorf("%w: case lacks sequences %v required by profile %q", ErrPrecondition, missing, p.Name)
	}

	var dropped []string
	for s := range seqs {
		if !p.Requires(s) {
			dropped = append(dropped, s)
		}
	}
	sort.Strings(dropped)
	return out, dropped, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
