package mathutil

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAffineMulInv(t *testing.T) {
	a := FromEulerDeg(10, -20, 35, Vec3{0.1, -0.3, 1.2})
	id := a.Mul(a.Inv())
	assert.True(t, id.ApproxEqual(Identity(), 1e-12), "a·a⁻¹ = %v", id)

	p := Vec3{0.5, 0.25, -2}
	back := a.Inv().Apply(a.Apply(p))
	assert.InDeltaSlice(t, p[:], back[:], 1e-12)
}

func TestAffineMulOrder(t *testing.T) {
	rot := Affine{R: RotZ(math.Pi / 2)}
	shift := Translate(1, 0, 0)

	// shift first, then rotate.
	got := rot.Mul(shift).Apply(Vec3{})
	assert.InDeltaSlice(t, []float64{0, 1, 0}, got[:], 1e-12)

	got = shift.Mul(rot).Apply(Vec3{})
	assert.InDeltaSlice(t, []float64{1, 0, 0}, got[:], 1e-12)
}

func TestRVecRoundTrip(t *testing.T) {
	cases := []Vec3{
		{},
		{0.01, 0, 0},
		{0, -0.5, 0},
		{0.3, 0.2, -0.1},
		{0, 0, math.Pi - 1e-9},
		{math.Pi / math.Sqrt(2), math.Pi / math.Sqrt(2), 0},
	}
	for _, rv := range cases {
		a := FromRVec(rv, Vec3{1, 2, 3})
		got := a.RVec()
		// π rotations are ambiguous in sign.
		if math.Abs(rv.Len()-math.Pi) < 1e-6 {
			assert.InDelta(t, rv.Len(), got.Len(), 1e-6)
			assert.InDelta(t, 1, math.Abs(rv.Normalize().Dot(got.Normalize())), 1e-6)
			continue
		}
		assert.InDeltaSlice(t, rv[:], got[:], 1e-9, "rvec %v", rv)
	}
}

func TestRVecMatchesAxisRotation(t *testing.T) {
	a := Affine{R: RotX(Deg2Rad(30))}
	rv := a.RVec()
	assert.InDelta(t, Deg2Rad(30), rv[0], 1e-12)
	assert.InDelta(t, 0, rv[1], 1e-12)
	assert.InDelta(t, 0, rv[2], 1e-12)
}

func TestAffineMat4Layout(t *testing.T) {
	a := FromEulerDeg(5, 15, 25, Vec3{-0.75, -0.75, 0.5})
	m := a.Mat4()
	for r := 0; r < 3; r++ {
		assert.Equal(t, a.R[r*3:r*3+3], m[r*4:r*4+3], "row %d", r)
		assert.Equal(t, a.T[r], m[r*4+3], "row %d", r)
	}
	assert.Equal(t, []float64{0, 0, 0, 1}, m[12:])
}

func TestRotationIsOrthonormal(t *testing.T) {
	r := FromRVec(Vec3{0.4, -0.7, 0.2}, Vec3{}).R
	// Right-handed: the third row is the cross product of the first two.
	z := Vec3{r[0], r[1], r[2]}.Cross(Vec3{r[3], r[4], r[5]})
	assert.InDeltaSlice(t, r[6:9], z[:], 1e-12)
	rrt := Mat3Mul(r, r.Transpose())
	want := Mat3Identity()
	assert.InDeltaSlice(t, want[:], rrt[:], 1e-12)
}
