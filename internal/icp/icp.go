// Package icp estimates the rigid motion between two frame pyramids with
// projective point-to-plane ICP on the CPU.
package icp

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"kinfu-scanner/internal/devbuf"
	"kinfu-scanner/internal/kernels"
	"kinfu-scanner/internal/mathutil"
	"kinfu-scanner/internal/workpool"
)

// ErrLevels is returned when a pyramid has fewer levels than are used.
var ErrLevels = errors.New("icp: pyramid too shallow")

// ProjectiveICP aligns the current frame to the previous one. Correspondences
// are found by projecting current points into the previous image.
type ProjectiveICP struct {
	distThres  float32
	angleThres float32
	iters      []int
	minCorr    int
	workers    int
}

// Option configures a ProjectiveICP.
type Option func(*ProjectiveICP)

// WithWorkers sets the number of goroutines correspondence search uses.
func WithWorkers(n int) Option {
	return func(p *ProjectiveICP) { p.workers = n }
}

// WithMinCorrespondences sets how many correspondences an iteration needs
// before its solution is trusted.
func WithMinCorrespondences(n int) Option {
	return func(p *ProjectiveICP) { p.minCorr = n }
}

// New returns an ICP with 0.1 m and 30° rejection thresholds and
// {10, 5, 4, 0} iterations from fine to coarse.
func New(opts ...Option) *ProjectiveICP {
	p := &ProjectiveICP{
		distThres:  0.1,
		angleThres: float32(mathutil.Deg2Rad(30)),
		iters:      []int{10, 5, 4, 0},
		minCorr:    16,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *ProjectiveICP) SetDistThreshold(d float32)  { p.distThres = d }
func (p *ProjectiveICP) SetAngleThreshold(a float32) { p.angleThres = a }
func (p *ProjectiveICP) DistThreshold() float32      { return p.distThres }
func (p *ProjectiveICP) AngleThreshold() float32     { return p.angleThres }

// SetIterationsNum sets the iteration count per level, finest first. Levels
// past kernels.MaxPyramidLevels are ignored.
func (p *ProjectiveICP) SetIterationsNum(iters []int) {
	if len(iters) > kernels.MaxPyramidLevels {
		iters = iters[:kernels.MaxPyramidLevels]
	}
	p.iters = append([]int(nil), iters...)
}

// IterationsNum returns the iteration count per level.
func (p *ProjectiveICP) IterationsNum() []int { return append([]int(nil), p.iters...) }

// UsedLevelsNum returns the number of levels up to and including the
// coarsest one with a non-zero iteration count.
func (p *ProjectiveICP) UsedLevelsNum() int {
	i := len(p.iters) - 1
	for i >= 0 && p.iters[i] == 0 {
		i--
	}
	return i + 1
}

// level is one pyramid level of either representation.
type level struct {
	rows, cols int
	point      func(y, x int) (mathutil.Vec3, bool)
	normal     func(y, x int) (mathutil.Vec3, bool)
}

func pointLevel(points devbuf.Array2D[kernels.Point], normals devbuf.Array2D[kernels.Normal]) (level, error) {
	pg, err := devbuf.HostGrid(points)
	if err != nil {
		return level{}, err
	}
	ng, err := devbuf.HostGrid(normals)
	if err != nil {
		return level{}, err
	}
	return level{
		rows: pg.Rows(),
		cols: pg.Cols(),
		point: func(y, x int) (mathutil.Vec3, bool) {
			v := pg.Row(y)[x]
			return v.Vec(), v.Valid()
		},
		normal: gridNormal(ng),
	}, nil
}

func depthLevel(intr kernels.Intr, depth devbuf.Array2D[kernels.Depth], normals devbuf.Array2D[kernels.Normal]) (level, error) {
	dg, err := devbuf.HostGrid(depth)
	if err != nil {
		return level{}, err
	}
	ng, err := devbuf.HostGrid(normals)
	if err != nil {
		return level{}, err
	}
	return level{
		rows: dg.Rows(),
		cols: dg.Cols(),
		point: func(y, x int) (mathutil.Vec3, bool) {
			d := dg.Row(y)[x]
			if d == 0 {
				return mathutil.Vec3{}, false
			}
			return intr.Reproject(x, y, float32(d)*0.001), true
		},
		normal: gridNormal(ng),
	}, nil
}

func gridNormal(ng devbuf.Grid[kernels.Normal]) func(y, x int) (mathutil.Vec3, bool) {
	return func(y, x int) (mathutil.Vec3, bool) {
		if y >= ng.Rows() || x >= ng.Cols() {
			return mathutil.Vec3{}, false
		}
		n := ng.Row(y)[x]
		return n.Vec(), n.Valid()
	}
}

// EstimateTransformPoints returns the transform taking current camera
// coordinates to previous camera coordinates. ok is false when the system
// becomes degenerate or too few correspondences remain; err reports only
// device access failures.
func (p *ProjectiveICP) EstimateTransformPoints(intr kernels.Intr,
	currPoints, currNormals, prevPoints, prevNormals []devbuf.Array2D[kernels.Point],
) (mathutil.Affine, bool, error) {
	used := p.UsedLevelsNum()
	if err := checkLevels(used, len(currPoints), len(currNormals), len(prevPoints), len(prevNormals)); err != nil {
		return mathutil.Affine{}, false, err
	}
	curr := make([]level, used)
	prev := make([]level, used)
	for l := 0; l < used; l++ {
		var err error
		if curr[l], err = pointLevel(currPoints[l], currNormals[l]); err != nil {
			return mathutil.Affine{}, false, err
		}
		if prev[l], err = pointLevel(prevPoints[l], prevNormals[l]); err != nil {
			return mathutil.Affine{}, false, err
		}
	}
	a, ok := p.estimate(intr, curr, prev)
	return a, ok, nil
}

// EstimateTransformDepth is EstimateTransformPoints for depth pyramids.
func (p *ProjectiveICP) EstimateTransformDepth(intr kernels.Intr,
	currDepth []devbuf.Array2D[kernels.Depth], currNormals []devbuf.Array2D[kernels.Normal],
	prevDepth []devbuf.Array2D[kernels.Depth], prevNormals []devbuf.Array2D[kernels.Normal],
) (mathutil.Affine, bool, error) {
	used := p.UsedLevelsNum()
	if err := checkLevels(used, len(currDepth), len(currNormals), len(prevDepth), len(prevNormals)); err != nil {
		return mathutil.Affine{}, false, err
	}
	curr := make([]level, used)
	prev := make([]level, used)
	for l := 0; l < used; l++ {
		li := intr.Level(l)
		var err error
		if curr[l], err = depthLevel(li, currDepth[l], currNormals[l]); err != nil {
			return mathutil.Affine{}, false, err
		}
		if prev[l], err = depthLevel(li, prevDepth[l], prevNormals[l]); err != nil {
			return mathutil.Affine{}, false, err
		}
	}
	a, ok := p.estimate(intr, curr, prev)
	return a, ok, nil
}

func checkLevels(used int, have ...int) error {
	for _, n := range have {
		if n < used {
			return fmt.Errorf("%w: %d levels, %d used", ErrLevels, n, used)
		}
	}
	return nil
}

// estimate runs the coarse-to-fine Gauss-Newton iterations.
func (p *ProjectiveICP) estimate(intr kernels.Intr, curr, prev []level) (mathutil.Affine, bool) {
	affine := mathutil.Identity()
	for l := len(curr) - 1; l >= 0; l-- {
		li := intr.Level(l)
		for it := 0; it < p.iters[l]; it++ {
			sys := p.accumulate(li, curr[l], prev[l], affine)
			if sys.count < p.minCorr {
				slogger().Debug("icp: too few correspondences", "level", l, "iter", it, "count", sys.count)
				return mathutil.Affine{}, false
			}
			x, ok := sys.solve()
			if !ok {
				slogger().Debug("icp: degenerate system", "level", l, "iter", it)
				return mathutil.Affine{}, false
			}
			incr := mathutil.Affine{
				R: mathutil.Mat3Mul(mathutil.Mat3Mul(mathutil.RotZ(x[2]), mathutil.RotY(x[1])), mathutil.RotX(x[0])),
				T: mathutil.Vec3{x[3], x[4], x[5]},
			}
			affine = incr.Mul(affine)
		}
	}
	return affine, true
}

// system holds the normal equations A·x = b of one iteration: the upper
// triangle of the 6×6 A, then b.
type system struct {
	a     [21]float64
	b     [6]float64
	count int
}

func (s *system) add(o *system) {
	for i := range s.a {
		s.a[i] += o.a[i]
	}
	for i := range s.b {
		s.b[i] += o.b[i]
	}
	s.count += o.count
}

func (s *system) addRow(j [6]float64, r float64) {
	k := 0
	for i := 0; i < 6; i++ {
		for c := i; c < 6; c++ {
			s.a[k] += j[i] * j[c]
			k++
		}
		s.b[i] -= j[i] * r
	}
	s.count++
}

func (s *system) solve() ([6]float64, bool) {
	data := make([]float64, 36)
	k := 0
	for i := 0; i < 6; i++ {
		for c := i; c < 6; c++ {
			data[i*6+c] = s.a[k]
			data[c*6+i] = s.a[k]
			k++
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(mat.NewSymDense(6, data)); !ok {
		return [6]float64{}, false
	}
	if chol.Det() < 1e-15 {
		return [6]float64{}, false
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(6, s.b[:])); err != nil {
		return [6]float64{}, false
	}

	var out [6]float64
	for i := range out {
		out[i] = x.AtVec(i)
		if math.IsNaN(out[i]) || math.IsInf(out[i], 0) {
			return [6]float64{}, false
		}
	}
	return out, true
}

// accumulate builds the point-to-plane normal equations for the current
// estimate of the curr→prev transform.
func (p *ProjectiveICP) accumulate(intr kernels.Intr, curr, prev level, affine mathutil.Affine) system {
	dist := float64(p.distThres)
	sinThres := math.Sin(float64(p.angleThres))

	rowSys := make([]system, curr.rows)
	workpool.Each(p.workers, curr.rows, func(y int) {
		s := &rowSys[y]
		for x := 0; x < curr.cols; x++ {
			pc, ok := curr.point(y, x)
			if !ok {
				continue
			}
			nc, ok := curr.normal(y, x)
			if !ok {
				continue
			}

			pt := affine.Apply(pc)
			if pt[2] <= 0 {
				continue
			}
			u, v := intr.Project(pt)
			ui, vi := int(math.Round(u)), int(math.Round(v))
			if ui < 0 || vi < 0 || ui >= prev.cols || vi >= prev.rows {
				continue
			}
			q, ok := prev.point(vi, ui)
			if !ok {
				continue
			}
			nq, ok := prev.normal(vi, ui)
			if !ok {
				continue
			}

			if pt.Sub(q).Len() > dist {
				continue
			}
			if affine.Rotate(nc).Cross(nq).Len() > sinThres {
				continue
			}

			c := pt.Cross(nq)
			s.addRow([6]float64{c[0], c[1], c[2], nq[0], nq[1], nq[2]}, nq.Dot(pt.Sub(q)))
		}
	})

	var total system
	for i := range rowSys {
		total.add(&rowSys[i])
	}
	return total
}
