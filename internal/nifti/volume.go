package nifti

import (
	"fmt"
	"math"
)

// Volume is a 3D image with its header.
type Volume struct {
	Header Header
	Dim    [3]int
	Data   []float64
}

// New returns a zero-filled volume with the given shape and spacing.
func New(dim [3]int, spacing [3]float64) *Volume {
	return &Volume{
		Header: defaultHeader(dim, spacing),
		Dim:    dim,
		Data:   make([]float64, dim[0]*dim[1]*dim[2]),
	}
}

// Like returns a zero-filled volume with the same header and shape as v.
func (v *Volume) Like() *Volume {
	return &Volume{Header: v.Header, Dim: v.Dim, Data: make([]float64, len(v.Data))}
}

// Clone returns a deep copy of v.
func (v *Volume) Clone() *Volume {
	out := v.Like()
	copy(out.Data, v.Data)
	return out
}

// Spacing returns the voxel size along x, y and z in millimetres.
func (v *Volume) Spacing() [3]float64 {
	return [3]float64{
		float64(v.Header.Pixdim[1]),
		float64(v.Header.Pixdim[2]),
		float64(v.Header.Pixdim[3]),
	}
}

// SetSpacing overwrites the voxel size stored in the header.
func (v *Volume) SetSpacing(s [3]float64) {
	v.Header.Pixdim[1] = float32(s[0])
	v.Header.Pixdim[2] = float32(s[1])
	v.Header.Pixdim[3] = float32(s[2])
}

// VoxelVolume returns the volume of one voxel in cubic millimetres.
func (v *Volume) VoxelVolume() float64 {
	s := v.Spacing()
	return s[0] * s[1] * s[2]
}

// Index returns the storage index of voxel (x, y, z).
func (v *Volume) Index(x, y, z int) int {
	return x + v.Dim[0]*(y+v.Dim[1]*z)
}

// At returns the value of voxel (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set assigns the value of voxel (x, y, z).
func (v *Volume) Set(x, y, z int, val float64) {
	v.Data[v.Index(x, y, z)] = val
}

// SameGrid reports whether two volumes share shape and spacing within tol.
func SameGrid(a, b *Volume, tol float64) bool {
	return a.Dim == b.Dim && SameSpacing(a.Spacing(), b.Spacing(), tol)
}

// SameSpacing compares two spacings component-wise within tol.
func SameSpacing(a, b [3]float64, tol float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

// CheckShape returns an error when the two volumes do not have the same shape.
func CheckShape(a, b *Volume) error {
	if a.Dim != b.Dim {
		return fmt.Errorf("nifti: shape mismatch %v vs %v", a.Dim, b.Dim)
	}
	return nil
}
