// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package imaging holds the voxel-level algorithms the pipeline runs natively
// rather than delegating to an external tool: masking, outlier condensation,
// thresholding, hole filling and scattering per-voxel vectors back into a
// volume.
//
// Masked voxels are always enumerated in storage order (x fastest). Feature
// vectors, probability vectors and reconstructed volumes all share that order,
// so an n-row feature matrix lines up row by row with the n nonzero voxels of
// the brain mask.
package imaging

import (
	"fmt"

	"github.com/vk/albo/internal/nifti"
)

// ApplyMask returns a copy of img with every voxel outside mask set to zero.
func ApplyMask(img, mask *nifti.Volume) (*nifti.Volume, error) {
	if err := nifti.CheckShape(img, mask); err != nil {
		return nil, fmt.Errorf("apply mask: %w", err)
	}
	out := img.Clone()
	for i, m := range mask.Data {
		if m == 0 {
			out.Data[i] = 0
		}
	}
	return out, nil
}

// CountMask returns the number of nonzero voxels in mask.
func CountMask(mask *nifti.Volume) int {
	n := 0
	for _, m := range mask.Data {
		if m != 0 {
			n++
		}
	}
	return n
}

// Masked returns the values of img at the nonzero voxels of mask.
func Masked(img, mask *nifti.Volume) ([]float64, error) {
	if err := nifti.CheckShape(img, mask); err != nil {
		return nil, fmt.Errorf("masked values: %w", err)
	}
	out := make([]float64, 0, CountMask(mask))
	for i, m := range mask.Data {
		if m != 0 {
			out = append(out, img.Data[i])
		}
	}
	return out, nil
}

// Reconstruct scatters values into a volume shaped like mask, one value per
// nonzero mask voxel, leaving every other voxel at zero.
func Reconstruct(mask *nifti.Volume, values []float64) (*nifti.Volume, error) {
	if n := CountMask(mask); n != len(values) {
		return nil, fmt.Errorf("reconstruct: mask has %d voxels but %d values were given", n, len(values))
	}
	out := mask.Like()
	j := 0
	for i, m := range mask.Data {
		if m != 0 {
			out.Data[i] = values[j]
			j++
		}
	}
	return out, nil
}

// Threshold returns 1 for every value strictly greater than cut, else 0.
func Threshold(values []float64, cut float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		if v > cut {
			out[i] = 1
		}
	}
	return out
}
