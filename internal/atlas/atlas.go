// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev

// Package atlas measures how a lesion mask overlaps the regions of a set of
// anatomical atlases. An atlas is an integer label volume in the same space
// as the mask, optionally accompanied by a table of region names.
package atlas

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/vk/albo/internal/ctxlog"
	"github.com/vk/albo/internal/fsutil"
	"github.com/vk/albo/internal/nifti"
)

// spacingTolerance is the largest per-axis spacing difference, in mm, at
// which an atlas still counts as matching the mask.
const spacingTolerance = 1e-6

// Row is the overlap of the mask with one atlas region.
type Row struct {
	RegionID int
	Name     string
	Voxels   int
	VolumeML float64
	// Fraction is the share of the region's voxels inside the mask.
	Fraction float64
}

// Report holds the rows of one atlas, sorted by region id.
type Report struct {
	// Atlas is the atlas file name without extension.
	Atlas string
	Path  string
	Rows  []Row
}

// Files returns the atlas volumes directly inside dir, sorted by path.
func Files(dir string) ([]string, error) {
	return fsutil.ListFiles(dir, ".nii")
}

// Compute overlaps the mask at maskPath with every atlas in atlasDir. An
// atlas on a different grid or spacing is skipped with a warning.
func Compute(ctx context.Context, maskPath, atlasDir string) ([]Report, error) {
	logger := ctxlog.FromContext(ctx)

	mask, err := nifti.ReadFile(maskPath)
	if err != nil {
		return nil, fmt.Errorf("read mask: %w", err)
	}
	files, err := Files(atlasDir)
	if err != nil {
		return nil, fmt.Errorf("list atlases: %w", err)
	}

	var reports []Report
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a, err := nifti.ReadFile(path)
		if err != nil {
			logger.Warn("Skipping atlas that cannot be read.", "atlas", path, "error", err)
			continue
		}
		if !nifti.SameSpacing(a.Spacing(), mask.Spacing(), spacingTolerance) {
			logger.Warn("Skipping atlas whose voxel spacing differs from the mask.", "atlas", path, "atlas_spacing", a.Spacing(), "mask_spacing", mask.Spacing())
			continue
		}
		if a.Dim != mask.Dim {
			logger.Warn("Skipping atlas whose shape differs from the mask.", "atlas", path, "atlas_dim", a.Dim, "mask_dim", mask.Dim)
			continue
		}

		names, err := LoadNames(path)
		if err != nil {
			logger.Warn("Ignoring unreadable region names.", "atlas", path, "error", err)
		}
		r := Report{Atlas: fsutil.StripExt(path), Path: path, Rows: Overlap(mask, a, names)}
		logger.Debug("Atlas overlap computed.", "atlas", r.Atlas, "regions", len(r.Rows))
		reports = append(reports, r)
	}
	return reports, nil
}

// Overlap computes one row per nonzero region of labels. The volumes must
// share a grid.
func Overlap(mask, labels *nifti.Volume, names map[int]string) []Row {
	sizes := make(map[int]int)
	overlaps := make(map[int]int)
	for i, v := range labels.Data {
		id := int(math.Round(v))
		if id == 0 {
			continue
		}
		sizes[id]++
		if mask.Data[i] != 0 {
			overlaps[id]++
		}
	}

	voxel := labels.VoxelVolume()
	rows := make([]Row, 0, len(sizes))
	for id, size := range sizes {
		n := overlaps[id]
		rows = append(rows, Row{
			RegionID: id,
			Name:     names[id],
			Voxels:   n,
			VolumeML: float64(n) * voxel / 1000,
			Fraction: float64(n) / float64(size),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].RegionID < rows[j].RegionID })
	return rows
}
