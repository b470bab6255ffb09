package imaging

import (
	"fmt"
	"math"
	"sort"

	"github.com/vk/albo/internal/nifti"
)

// Default percentile bounds used by CondenseOutliers.
const (
	LowerPercentile = 1.0
	UpperPercentile = 99.9
)

// Percentiles returns the values at the lower and upper percentiles (0-100)
// of data. Ranks are interpolated linearly between the closest order
// statistics at h = (n-1)*p, the default of numpy.percentile.
func Percentiles(data []float64, lower, upper float64) (float64, float64, error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("percentiles of an empty volume")
	}
	if lower < 0 || upper > 100 || lower > upper {
		return 0, 0, fmt.Errorf("invalid percentile range [%v, %v]", lower, upper)
	}
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	return rankValue(sorted, lower/100), rankValue(sorted, upper/100), nil
}

func rankValue(sorted []float64, p float64) float64 {
	h := float64(len(sorted)-1) * p
	i := int(math.Floor(h))
	if i >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	return sorted[i] + (h-float64(i))*(sorted[i+1]-sorted[i])
}

// CondenseOutliers clips every voxel of img to the [1st, 99.9th] percentile
// range of its own intensities, computed over the whole volume. Voxels inside
// the range are left untouched. It returns the clipped copy and the bounds.
func CondenseOutliers(img *nifti.Volume) (*nifti.Volume, float64, float64, error) {
	lo, hi, err := Percentiles(img.Data, LowerPercentile, UpperPercentile)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("condense outliers: %w", err)
	}
	out := img.Clone()
	for i, v := range out.Data {
		switch {
		case v < lo:
			out.Data[i] = lo
		case v > hi:
			out.Data[i] = hi
		}
	}
	return out, lo, hi, nil
}
