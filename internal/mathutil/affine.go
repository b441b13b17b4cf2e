package mathutil

import "math"

// Affine is a rigid transform x' = R·x + T. Camera poses map camera
// coordinates to world coordinates.
type Affine struct {
	R Mat3
	T Vec3
}

// Identity returns the identity transform.
func Identity() Affine {
	return Affine{R: Mat3Identity()}
}

// Translate returns a pure translation.
func Translate(x, y, z float64) Affine {
	return Affine{R: Mat3Identity(), T: Vec3{x, y, z}}
}

// FromRVec builds a transform from a Rodrigues rotation vector (axis scaled
// by angle in radians) and a translation.
func FromRVec(rvec, t Vec3) Affine {
	angle := rvec.Len()
	return Affine{R: QuatToMat3(AxisAngleToQuat(rvec, angle)), T: t}
}

// FromEulerDeg builds a transform from XYZ Euler angles in degrees and a
// translation.
func FromEulerDeg(rx, ry, rz float64, t Vec3) Affine {
	return Affine{R: QuatToMat3(EulerToQuat(Deg2Rad(rx), Deg2Rad(ry), Deg2Rad(rz))), T: t}
}

// Mat4 returns the transform as a row-major 4×4 matrix.
func (a Affine) Mat4() Mat4 {
	return FromMat3Translation(a.R, a.T)
}

// Mul returns a·b, the transform applying b first and then a.
func (a Affine) Mul(b Affine) Affine {
	return Affine{
		R: Mat3Mul(a.R, b.R),
		T: a.R.MulVec3(b.T).Add(a.T),
	}
}

// Inv returns the inverse transform. R is assumed orthonormal.
func (a Affine) Inv() Affine {
	rt := a.R.Transpose()
	return Affine{R: rt, T: rt.MulVec3(a.T).Neg()}
}

// Apply transforms a point.
func (a Affine) Apply(p Vec3) Vec3 {
	return a.R.MulVec3(p).Add(a.T)
}

// Rotate transforms a direction; translation is ignored.
func (a Affine) Rotate(v Vec3) Vec3 {
	return a.R.MulVec3(v)
}

// Translation returns T.
func (a Affine) Translation() Vec3 { return a.T }

// RVec returns the Rodrigues rotation vector of R: the rotation axis
// scaled by the angle in radians, with the angle in [0, π].
func (a Affine) RVec() Vec3 {
	r := a.R
	cos := (r.Trace() - 1) / 2
	cos = math.Max(-1, math.Min(1, cos))
	angle := math.Acos(cos)

	if angle < 1e-10 {
		return Vec3{}
	}

	sin := math.Sin(angle)
	if sin > 1e-6 {
		axis := Vec3{r[7] - r[5], r[2] - r[6], r[3] - r[1]}
		return axis.Scale(angle / (2 * sin))
	}

	// Angle near π: recover the axis from the symmetric part.
	x := math.Sqrt(math.Max(0, (r[0]+1)/2))
	y := math.Sqrt(math.Max(0, (r[4]+1)/2))
	z := math.Sqrt(math.Max(0, (r[8]+1)/2))
	switch {
	case x >= y && x >= z:
		if r[1]+r[3] < 0 {
			y = -y
		}
		if r[2]+r[6] < 0 {
			z = -z
		}
	case y >= z:
		if r[1]+r[3] < 0 {
			x = -x
		}
		if r[5]+r[7] < 0 {
			z = -z
		}
	default:
		if r[2]+r[6] < 0 {
			x = -x
		}
		if r[5]+r[7] < 0 {
			y = -y
		}
	}
	return Vec3{x, y, z}.Normalize().Scale(angle)
}

// ApproxEqual reports whether every rotation and translation entry of a and
// b differs by at most eps.
func (a Affine) ApproxEqual(b Affine, eps float64) bool {
	for i := range a.R {
		if math.Abs(a.R[i]-b.R[i]) > eps {
			return false
		}
	}
	for i := range a.T {
		if math.Abs(a.T[i]-b.T[i]) > eps {
			return false
		}
	}
	return true
}
