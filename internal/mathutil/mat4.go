package mathutil

// Mat4 is a 4×4 matrix stored row-major. Poses are written to the snapshot
// manifest in this form.
type Mat4 [16]float64

// FromMat3Translation builds a 4×4 rigid matrix from a 3×3 rotation and translation.
func FromMat3Translation(r Mat3, t Vec3) Mat4 {
	return Mat4{
		r[0], r[1], r[2], t[0],
		r[3], r[4], r[5], t[1],
		r[6], r[7], r[8], t[2],
		0, 0, 0, 1,
	}
}
