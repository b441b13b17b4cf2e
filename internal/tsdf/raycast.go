package tsdf

import (
	"fmt"
	"math"

	"kinfu-scanner/internal/devbuf"
	"kinfu-scanner/internal/kernels"
	"kinfu-scanner/internal/mathutil"
	"kinfu-scanner/internal/workpool"
)

// hit is a ray cast result in camera coordinates.
type hit struct {
	p, n mathutil.Vec3
	ok   bool
}

// RaycastPoints renders the zero level set seen from camPose into
// camera-space points and normals. Both outputs must already be sized to
// the image; pixels whose ray misses the surface get invalid points.
func (v *Volume) RaycastPoints(camPose mathutil.Affine, intr kernels.Intr, points *devbuf.Array2D[kernels.Point], normals *devbuf.Array2D[kernels.Normal]) error {
	rows, cols := points.Rows(), points.Cols()
	if points.Empty() {
		return ErrNoOutput
	}
	if err := normals.Create(rows, cols); err != nil {
		return err
	}
	pg, err := devbuf.HostGrid(*points)
	if err != nil {
		return fmt.Errorf("tsdf: raycast: %w", err)
	}
	ng, err := devbuf.HostGrid(*normals)
	if err != nil {
		return fmt.Errorf("tsdf: raycast: %w", err)
	}
	return v.raycast(camPose, intr, rows, cols, func(y, x int, h hit) {
		if !h.ok {
			pg.Row(y)[x], ng.Row(y)[x] = kernels.InvalidPoint, kernels.InvalidPoint
			return
		}
		pg.Row(y)[x], ng.Row(y)[x] = kernels.PointOf(h.p), kernels.PointOf(h.n)
	})
}

// RaycastDepth is RaycastPoints producing a depth map in millimeters.
func (v *Volume) RaycastDepth(camPose mathutil.Affine, intr kernels.Intr, depth *devbuf.Array2D[kernels.Depth], normals *devbuf.Array2D[kernels.Normal]) error {
	rows, cols := depth.Rows(), depth.Cols()
	if depth.Empty() {
		return ErrNoOutput
	}
	if err := normals.Create(rows, cols); err != nil {
		return err
	}
	dg, err := devbuf.HostGrid(*depth)
	if err != nil {
		return fmt.Errorf("tsdf: raycast: %w", err)
	}
	ng, err := devbuf.HostGrid(*normals)
	if err != nil {
		return fmt.Errorf("tsdf: raycast: %w", err)
	}
	return v.raycast(camPose, intr, rows, cols, func(y, x int, h hit) {
		if !h.ok || h.p[2]*1000 >= math.MaxUint16 {
			dg.Row(y)[x], ng.Row(y)[x] = 0, kernels.InvalidPoint
			return
		}
		dg.Row(y)[x], ng.Row(y)[x] = kernels.Depth(h.p[2]*1000+0.5), kernels.PointOf(h.n)
	})
}

func (v *Volume) raycast(camPose mathutil.Affine, intr kernels.Intr, rows, cols int, store func(y, x int, h hit)) error {
	vs, err := devbuf.HostSlice(v.voxels)
	if err != nil {
		return fmt.Errorf("tsdf: raycast: %w", err)
	}

	camToVol := v.pose.Inv().Mul(camPose)
	volToCam := camToVol.Inv()
	cell := v.CellSize()
	step := float64(v.stepFactor) * math.Min(cell[0], math.Min(cell[1], cell[2]))
	if step <= 0 {
		return fmt.Errorf("tsdf: raycast: step factor %v", v.stepFactor)
	}
	delta := cell.Scale(float64(v.gradFactor))
	origin := camToVol.T

	workpool.Each(v.workers, rows, func(y int) {
		for x := 0; x < cols; x++ {
			dirCam := mathutil.Vec3{
				(float64(x) - float64(intr.Cx)) / float64(intr.Fx),
				(float64(y) - float64(intr.Cy)) / float64(intr.Fy),
				1,
			}.Normalize()
			dir := camToVol.Rotate(dirCam)

			p, n, ok := v.march(vs, origin, dir, step, delta)
			if !ok {
				store(y, x, hit{})
				continue
			}
			store(y, x, hit{p: volToCam.Apply(p), n: volToCam.Rotate(n), ok: true})
		}
	})
	return nil
}

// march walks a ray in volume coordinates and returns the first front-facing
// zero crossing with its normal.
func (v *Volume) march(vs []Voxel, origin, dir mathutil.Vec3, step float64, delta mathutil.Vec3) (mathutil.Vec3, mathutil.Vec3, bool) {
	tnear, tfar, ok := v.intersect(origin, dir)
	if !ok {
		return mathutil.Vec3{}, mathutil.Vec3{}, false
	}

	var prevT, prevF float64
	havePrev := false
	for t := tnear; t < tfar; t += step {
		f, ok := v.nearest(vs, origin.Add(dir.Scale(t)))
		if !ok {
			havePrev = false
			continue
		}
		if havePrev && prevF < 0 && f > 0 {
			// Leaving a surface from behind.
			return mathutil.Vec3{}, mathutil.Vec3{}, false
		}
		if havePrev && prevF > 0 && f <= 0 {
			ft, okT := v.trilinear(vs, origin.Add(dir.Scale(t)))
			fp, okP := v.trilinear(vs, origin.Add(dir.Scale(prevT)))
			if !okT || !okP {
				ft, fp = f, prevF
			}
			tz := prevT
			if fp != ft {
				tz = prevT + (t-prevT)*fp/(fp-ft)
			}
			p := origin.Add(dir.Scale(tz))
			n, ok := v.gradient(vs, p, delta)
			if !ok {
				return mathutil.Vec3{}, mathutil.Vec3{}, false
			}
			return p, n, true
		}
		prevT, prevF, havePrev = t, f, true
	}
	return mathutil.Vec3{}, mathutil.Vec3{}, false
}

// intersect clips a ray against the volume box [0, size].
func (v *Volume) intersect(origin, dir mathutil.Vec3) (float64, float64, bool) {
	tnear, tfar := 0.0, math.Inf(1)
	for a := 0; a < 3; a++ {
		if math.Abs(dir[a]) < 1e-12 {
			if origin[a] < 0 || origin[a] > v.size[a] {
				return 0, 0, false
			}
			continue
		}
		t0 := -origin[a] / dir[a]
		t1 := (v.size[a] - origin[a]) / dir[a]
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		tnear = math.Max(tnear, t0)
		tfar = math.Min(tfar, t1)
	}
	return tnear, tfar, tnear < tfar
}

// nearest returns the value of the voxel containing p.
func (v *Volume) nearest(vs []Voxel, p mathutil.Vec3) (float64, bool) {
	cell := v.CellSize()
	x := int(math.Floor(p[0] / cell[0]))
	y := int(math.Floor(p[1] / cell[1]))
	z := int(math.Floor(p[2] / cell[2]))
	if x < 0 || y < 0 || z < 0 || x >= v.dims[0] || y >= v.dims[1] || z >= v.dims[2] {
		return 0, false
	}
	vox := vs[v.index(x, y, z)]
	if vox.Weight == 0 {
		return 0, false
	}
	return float64(vox.Tsdf), true
}

// trilinear interpolates between the eight voxel centers around p. All of
// them must have been observed.
func (v *Volume) trilinear(vs []Voxel, p mathutil.Vec3) (float64, bool) {
	cell := v.CellSize()
	var i0 [3]int
	var frac [3]float64
	for a := 0; a < 3; a++ {
		g := p[a]/cell[a] - 0.5
		f := math.Floor(g)
		i0[a] = int(f)
		frac[a] = g - f
		if i0[a] < 0 || i0[a]+1 >= v.dims[a] {
			return 0, false
		}
	}

	var sum float64
	for dz := 0; dz <= 1; dz++ {
		wz := frac[2]
		if dz == 0 {
			wz = 1 - wz
		}
		for dy := 0; dy <= 1; dy++ {
			wy := frac[1]
			if dy == 0 {
				wy = 1 - wy
			}
			for dx := 0; dx <= 1; dx++ {
				wx := frac[0]
				if dx == 0 {
					wx = 1 - wx
				}
				vox := vs[v.index(i0[0]+dx, i0[1]+dy, i0[2]+dz)]
				if vox.Weight == 0 {
					return 0, false
				}
				sum += float64(vox.Tsdf) * wx * wy * wz
			}
		}
	}
	return sum, true
}

// gradient estimates the surface normal at p by central differences.
func (v *Volume) gradient(vs []Voxel, p, delta mathutil.Vec3) (mathutil.Vec3, bool) {
	var g mathutil.Vec3
	for a := 0; a < 3; a++ {
		var d mathutil.Vec3
		d[a] = delta[a]
		fp, ok1 := v.trilinear(vs, p.Add(d))
		fm, ok2 := v.trilinear(vs, p.Sub(d))
		if !ok1 || !ok2 {
			return mathutil.Vec3{}, false
		}
		g[a] = fp - fm
	}
	n := g.Normalize()
	return n, n != (mathutil.Vec3{})
}
