package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/vk/albo/internal/config"
	"github.com/vk/albo/internal/ctxlog"
	"github.com/vk/albo/internal/memo"
	"github.com/vk/albo/internal/profile"
	"github.com/vk/albo/internal/workspace"
)

// ListProfiles prints every loadable profile with its requirements and any
// consistency issues. It reports whether every profile is consistent.
func (a *App) ListProfiles(ctx context.Context) (bool, error) {
	ctx = a.context(ctx)
	profiles, err := profile.Load(ctx, a.cfg.ProfileDir)
	if err != nil {
		return false, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	if err := profile.Describe(a.outW, profiles); err != nil {
		return false, err
	}

	ok := true
	for _, p := range profiles {
		issues := append(profile.CheckConsistency(p), profile.Lint(p)...)
		if len(issues) == 0 {
			continue
		}
		ok = false
		fmt.Fprintf(a.outW, "\n%s (%s):\n", p.Name, p.Source)
		for _, is := range issues {
			fmt.Fprintf(a.outW, "  - %s\n", is)
		}
	}
	return ok, nil
}

// UpdateOverlaps recomputes the atlas overlaps of every case directory in
// the output directory that holds a standard-space segmentation. It returns
// the number of updated cases.
func (a *App) UpdateOverlaps(ctx context.Context) (int, error) {
	ctx = a.context(ctx)
	logger := ctxlog.FromContext(ctx)

	entries, err := os.ReadDir(a.cfg.OutputDir)
	if err != nil {
		return 0, fmt.Errorf("%w: output directory: %w", config.ErrInvalid, err)
	}
	logger.Info("Updating atlas overlaps.", "output_dir", a.cfg.OutputDir, "atlas_dir", a.cfg.AtlasDir)

	updated := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(a.cfg.OutputDir, e.Name())
		mask := filepath.Join(dir, workspace.StandardSegmentationFile)
		if _, err := os.Stat(mask); err != nil {
			logger.Debug("Skipping case without a standard-space segmentation.", "case", e.Name())
			continue
		}

		if err := a.updateCase(ctx, dir, mask); err != nil {
			logger.Error("Failed to update case.", "case", e.Name(), "error", err)
			errs = append(errs, fmt.Errorf("case %s: %w", e.Name(), err))
			continue
		}
		logger.Info("Case updated.", "case", e.Name())
		updated++
	}
	logger.Info("🏁 Atlas overlaps updated.", "cases", updated)
	return updated, errors.Join(errs...)
}

func (a *App) updateCase(ctx context.Context, dir, mask string) error {
	var names []string
	if err := a.writeOverlaps(ctx, mask, dir, func(n string) { names = append(names, n) }); err != nil {
		return err
	}

	rec, err := workspace.LoadRecord(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Outputs == nil {
		rec.Outputs = make(map[string]string)
	}
	for _, n := range names {
		rec.Outputs[n] = filepath.Join(dir, n)
	}
	return workspace.SaveRecord(dir, rec)
}

// CacheInfo prints per-operation statistics of the execution cache.
func (a *App) CacheInfo(ctx context.Context) error {
	ctx = a.context(ctx)
	cache, err := memo.Open(ctx, memo.Options{Dir: a.cfg.CacheDir, Policy: a.cfg.FingerprintPolicy})
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer cache.Close()

	stats, err := cache.Stats(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.outW, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Cache: %s\n", cache.Dir())
	fmt.Fprintln(tw, "OPERATION\tENTRIES\tBYTES\tHITS\tCOMPUTE")
	var entries int
	var bytes int64
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", s.Operation, s.Entries, s.Bytes, s.Hits, s.Compute)
		entries += s.Entries
		bytes += s.Bytes
	}
	fmt.Fprintf(tw, "TOTAL\t%d\t%d\t\t\n", entries, bytes)
	return tw.Flush()
}

// ClearCache removes every cache entry.
func (a *App) ClearCache(ctx context.Context) error {
	return memo.Clear(a.context(ctx), a.cfg.CacheDir)
}
