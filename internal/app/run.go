package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vk/albo/internal/atlas"
	"github.com/vk/albo/internal/config"
	"github.com/vk/albo/internal/ctxlog"
	"github.com/vk/albo/internal/pipeline"
	"github.com/vk/albo/internal/profile"
	"github.com/vk/albo/internal/workspace"
)

// StageAtlas names the overlap step that follows the pipeline in run
// records.
const StageAtlas = "atlas_overlap"

// CaseRequest is one case to process.
type CaseRequest struct {
	ID        string
	Sequences map[string]string
	// StandardBrain overrides the configured standard brain when set.
	StandardBrain *config.StandardBrain
}

// RunCase selects a profile for req, runs the pipeline and computes the
// atlas overlaps.
func (a *App) RunCase(ctx context.Context, req CaseRequest) error {
	ctx = a.context(ctx)
	profiles, err := profile.Load(ctx, a.cfg.ProfileDir)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	eng, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	return a.runCase(ctx, eng, profiles, req)
}

func (a *App) runCase(ctx context.Context, eng *engine, profiles []*profile.Profile, req CaseRequest) error {
	logger := ctxlog.FromContext(ctx).With("case", req.ID)
	ctx = ctxlog.WithLogger(ctx, logger)

	prof, err := a.selectProfile(ctx, profiles, req.Sequences)
	if err != nil {
		return err
	}
	sb := req.StandardBrain
	if sb == nil {
		sb = a.cfg.StandardBrain
	}

	ws, err := workspace.Prepare(ctx, a.cfg.OutputDir, req.ID, a.cfg.Force)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	// Everything from here on is mirrored into the case log.
	caseLogger := newLogger(a.cfg.LogLevel, a.cfg.LogFormat, io.MultiWriter(a.outW, ws.Log())).
		With("case", req.ID, "run_id", ws.RunID)
	ctx = ctxlog.WithLogger(ctx, caseLogger)
	caseLogger.Info("▶️ Case started.", "profile", prof.Name, "output", ws.Dir)
	start := time.Now()

	stage, runErr := a.process(ctx, eng, ws, prof, req.Sequences, sb)
	if runErr != nil {
		caseLogger.Error("🔥 Case failed.", "stage", stage, "error", runErr, "elapsed", time.Since(start))
	} else {
		caseLogger.Info("✅ Case finished.", "elapsed", time.Since(start))
	}

	if err := ws.Finish(runErr, stage); err != nil {
		logger.Error("Failed to finalize the case workspace.", "error", err)
		if runErr == nil {
			return err
		}
	}
	if runErr != nil {
		return fmt.Errorf("case %s: %w", req.ID, runErr)
	}
	return nil
}

// process runs the pipeline and the atlas overlaps for a prepared case and
// returns the failing stage, if any.
func (a *App) process(ctx context.Context, eng *engine, ws *workspace.Case, prof *profile.Profile, seqs map[string]string, sb *config.StandardBrain) (string, error) {
	used, _, err := pipeline.Subset(seqs, prof)
	if err != nil {
		return "", err
	}
	if err := ws.Describe(prof.Name, used); err != nil {
		return "", err
	}

	err = eng.pipeline(a.cfg, sb).Run(ctx, pipeline.Case{Profile: prof, Sequences: seqs, Workspace: ws})
	if err != nil {
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			return string(stageErr.Stage), err
		}
		return "", err
	}

	if sb == nil {
		return "", nil
	}
	if err := a.writeOverlaps(ctx, ws.Output(workspace.StandardSegmentationFile), ws.Dir, ws.AddOutput); err != nil {
		return StageAtlas, err
	}
	return "", nil
}

// selectProfile picks the best profile for seqs and rejects it if it is
// inconsistent.
func (a *App) selectProfile(ctx context.Context, profiles []*profile.Profile, seqs map[string]string) (*profile.Profile, error) {
	logger := ctxlog.FromContext(ctx)
	available := make([]string, 0, len(seqs))
	for s := range seqs {
		available = append(available, s)
	}
	sort.Strings(available)

	prof := profile.SelectBest(profiles, available)
	if prof == nil {
		logger.Error("No profile applies to the available sequences.", "sequences", available, "known_profiles", len(profiles))
		fmt.Fprintln(a.outW, "Known profiles:")
		if err := profile.Describe(a.outW, profiles); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w for sequences %s", profile.ErrNoProfile, strings.Join(available, ", "))
	}

	issues := append(profile.CheckConsistency(prof), profile.Lint(prof)...)
	if len(issues) > 0 {
		msgs := make([]string, len(issues))
		for i, is := range issues {
			msgs[i] = is.String()
		}
		return nil, fmt.Errorf("%w: profile %q (%s): %s", config.ErrInvalid, prof.Name, prof.Source, strings.Join(msgs, "; "))
	}
	logger.Info("Profile selected.", "profile", prof.Name, "sequences", prof.Sequences)
	return prof, nil
}

// writeOverlaps computes the atlas overlaps of mask and writes the reports
// into dir, passing the name of every written file to record.
func (a *App) writeOverlaps(ctx context.Context, mask, dir string, record func(string)) error {
	logger := ctxlog.FromContext(ctx)
	if a.cfg.AtlasDir == "" {
		return nil
	}
	if _, err := os.Stat(a.cfg.AtlasDir); err != nil {
		logger.Warn("Skipping atlas overlaps, the atlas directory is not available.", "atlas_dir", a.cfg.AtlasDir, "error", err)
		return nil
	}

	reports, err := atlas.Compute(ctx, mask, a.cfg.AtlasDir)
	if err != nil {
		return err
	}
	written, err := atlas.WriteReports(ctx, reports, dir, a.cfg.PlotOverlaps)
	for _, p := range written {
		record(filepath.Base(p))
	}
	return err
}
