package imaging

import "github.com/vk/albo/internal/nifti"

// FillHoles sets every background voxel that cannot reach the volume border
// through 6-connected background voxels to 1. The result is binary. Foreground
// voxels and background connected to the border are unchanged, so applying it
// twice gives the same result as applying it once.
func FillHoles(mask *nifti.Volume) *nifti.Volume {
	nx, ny, nz := mask.Dim[0], mask.Dim[1], mask.Dim[2]
	outside := make([]bool, len(mask.Data))
	queue := make([]int, 0, 2*(nx*ny+ny*nz+nx*nz))

	seed := func(x, y, z int) {
		i := mask.Index(x, y, z)
		if mask.Data[i] == 0 && !outside[i] {
			outside[i] = true
			queue = append(queue, i)
		}
	}
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				if x == 0 || y == 0 || z == 0 || x == nx-1 || y == ny-1 || z == nz-1 {
					seed(x, y, z)
				}
			}
		}
	}

	for len(queue) > 0 {
		i := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		x := i % nx
		y := (i / nx) % ny
		z := i / (nx * ny)
		if x > 0 {
			seed(x-1, y, z)
		}
		if x < nx-1 {
			seed(x+1, y, z)
		}
		if y > 0 {
			seed(x, y-1, z)
		}
		if y < ny-1 {
			seed(x, y+1, z)
		}
		if z > 0 {
			seed(x, y, z-1)
		}
		if z < nz-1 {
			seed(x, y, z+1)
		}
	}

	out := mask.Like()
	for i := range out.Data {
		if !outside[i] {
			out.Data[i] = 1
		}
	}
	return out
}
