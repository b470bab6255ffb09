package nifti

import "math"

// Matrix is a 4x4 affine mapping voxel indices to scanner millimetres.
type Matrix [4][4]float64

// Identity returns the identity matrix.
func Identity() Matrix {
	return Matrix{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
}

// Qform builds the affine described by the quaternion fields of h.
func Qform(h Header) Matrix {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		a = 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*a, c*a, d*a
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	xd, yd, zd := positive(h.Pixdim[1]), positive(h.Pixdim[2]), positive(h.Pixdim[3])
	if h.Pixdim[0] < 0 {
		zd = -zd
	}

	var m Matrix
	m[0][0] = (a*a + b*b - c*c - d*d) * xd
	m[0][1] = 2 * (b*c - a*d) * yd
	m[0][2] = 2 * (b*d + a*c) * zd
	m[1][0] = 2 * (b*c + a*d) * xd
	m[1][1] = (a*a + c*c - b*b - d*d) * yd
	m[1][2] = 2 * (c*d - a*b) * zd
	m[2][0] = 2 * (b*d - a*c) * xd
	m[2][1] = 2 * (c*d + a*b) * yd
	m[2][2] = (a*a + d*d - c*c - b*b) * zd
	m[0][3] = float64(h.QoffsetX)
	m[1][3] = float64(h.QoffsetY)
	m[2][3] = float64(h.QoffsetZ)
	m[3][3] = 1
	return m
}

// Sform returns the affine stored in the srow fields of h.
func Sform(h Header) Matrix {
	var m Matrix
	for j := 0; j < 4; j++ {
		m[0][j] = float64(h.SrowX[j])
		m[1][j] = float64(h.SrowY[j])
		m[2][j] = float64(h.SrowZ[j])
	}
	m[3][3] = 1
	return m
}

// Diagonal returns diag(spacing, 1).
func Diagonal(h Header) Matrix {
	m := Identity()
	m[0][0] = float64(h.Pixdim[1])
	m[1][1] = float64(h.Pixdim[2])
	m[2][2] = float64(h.Pixdim[3])
	return m
}

// Affine returns the best available affine: the sform when its code is set,
// else the qform when its code is set, else a centred scaling matrix.
func Affine(h Header) Matrix {
	switch {
	case h.SformCode > 0:
		return Sform(h)
	case h.QformCode > 0:
		return Qform(h)
	}
	m := Identity()
	sx, sy, sz := positive(h.Pixdim[1]), positive(h.Pixdim[2]), positive(h.Pixdim[3])
	m[0][0], m[1][1], m[2][2] = -sx, sy, sz
	m[0][3] = float64(h.Dim[1]-1) / 2 * sx
	m[1][3] = -float64(h.Dim[2]-1) / 2 * sy
	m[2][3] = -float64(h.Dim[3]-1) / 2 * sz
	return m
}

// SetSform stores m in the srow fields. A zero sform code is raised to 2
// (aligned) so the matrix is honoured by readers.
func SetSform(h *Header, m Matrix) {
	for j := 0; j < 4; j++ {
		h.SrowX[j] = float32(m[0][j])
		h.SrowY[j] = float32(m[1][j])
		h.SrowZ[j] = float32(m[2][j])
	}
	if h.SformCode == 0 {
		h.SformCode = 2
	}
}

// SetQform decomposes m into quaternion, offsets and voxel sizes. The
// rotational part is assumed orthogonal up to column scaling. A zero qform
// code is raised to 2 (aligned).
func SetQform(h *Header, m Matrix) {
	var r [3][3]float64
	var scale [3]float64
	for j := 0; j < 3; j++ {
		n := math.Sqrt(m[0][j]*m[0][j] + m[1][j]*m[1][j] + m[2][j]*m[2][j])
		if n == 0 {
			n = 1
			r[j][j] = 1
		} else {
			for i := 0; i < 3; i++ {
				r[i][j] = m[i][j] / n
			}
		}
		scale[j] = n
	}

	qfac := 1.0
	if det3(r) < 0 {
		qfac = -1
		for i := 0; i < 3; i++ {
			r[i][2] = -r[i][2]
		}
	}

	var a, b, c, d float64
	if t := r[0][0] + r[1][1] + r[2][2] + 1; t > 0.5 {
		a = 0.5 * math.Sqrt(t)
		b = 0.25 * (r[2][1] - r[1][2]) / a
		c = 0.25 * (r[0][2] - r[2][0]) / a
		d = 0.25 * (r[1][0] - r[0][1]) / a
	} else {
		xd := 1 + r[0][0] - r[1][1] - r[2][2]
		yd := 1 + r[1][1] - r[0][0] - r[2][2]
		zd := 1 + r[2][2] - r[0][0] - r[1][1]
		switch {
		case xd > 1:
			b = 0.5 * math.Sqrt(xd)
			c = 0.25 * (r[0][1] + r[1][0]) / b
			d = 0.25 * (r[0][2] + r[2][0]) / b
			a = 0.25 * (r[2][1] - r[1][2]) / b
		case yd > 1:
			c = 0.5 * math.Sqrt(yd)
			b = 0.25 * (r[0][1] + r[1][0]) / c
			d = 0.25 * (r[1][2] + r[2][1]) / c
			a = 0.25 * (r[0][2] - r[2][0]) / c
		default:
			d = 0.5 * math.Sqrt(zd)
			b = 0.25 * (r[0][2] + r[2][0]) / d
			c = 0.25 * (r[1][2] + r[2][1]) / d
			a = 0.25 * (r[1][0] - r[0][1]) / d
		}
		if a < 0 {
			b, c, d = -b, -c, -d
		}
	}

	h.QuaternB, h.QuaternC, h.QuaternD = float32(b), float32(c), float32(d)
	h.QoffsetX, h.QoffsetY, h.QoffsetZ = float32(m[0][3]), float32(m[1][3]), float32(m[2][3])
	h.Pixdim[0] = float32(qfac)
	h.Pixdim[1], h.Pixdim[2], h.Pixdim[3] = float32(scale[0]), float32(scale[1]), float32(scale[2])
	if h.QformCode == 0 {
		h.QformCode = 2
	}
}

func det3(r [3][3]float64) float64 {
	return r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
}

func positive(v float32) float64 {
	if v <= 0 {
		return 1
	}
	return float64(v)
}
